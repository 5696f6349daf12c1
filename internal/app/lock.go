package app

import (
	"fmt"
	"os"
	"strconv"
)

// acquireProcessLock creates the advisory cache/lock file exclusively,
// writing this process's PID into it. A pre-existing lock file means
// another ducksearch process already owns root/cache (spec §5: "v1 assumes
// one process owns cache/ ... conflicting startups fail fast"); v1 has no
// cross-process coordination for the build-token/eviction state, so a
// second writer sharing the same cache/ would race both of those.
func acquireProcessLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			existing, _ := os.ReadFile(path) //nolint:errcheck
			return nil, fmt.Errorf("%s already exists (pid %s) — another ducksearch process owns this cache root", path, string(existing))
		}
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return f, nil
}

// releaseProcessLock closes and removes the advisory lock file so a
// subsequent `serve` invocation against the same root can reacquire it.
func releaseProcessLock(f *os.File) {
	if f == nil {
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
