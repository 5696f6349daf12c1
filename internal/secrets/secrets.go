// Package secrets implements the secrets vault (C9): name->value resolution
// for {{secret X}} placeholders. Values come from the process environment or
// a sidecar file, named by a report's SECRETS block; they never travel
// through a URL, config.toml, a fingerprint, a log line, or an error body —
// only the executor ever sees a resolved value, and only for the lifetime of
// one statement execution.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"ducksearch/internal/apperr"
)

// envPrefix is prepended to a declared secret name to form the environment
// variable ducksearch reads it from, so a report's SECRETS block cannot
// accidentally shadow an unrelated process environment variable.
const envPrefix = "DUCKSEARCH_SECRET_"

// Vault resolves declared secret names to values. It is constructed once at
// startup from the sidecar file (if configured); Resolve adds each value it
// reads from the process environment to the same map.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
}

// Load builds a Vault from a sidecar file (KEY=VALUE lines, same format as a
// .env file); Resolve falls back to the process environment for names the
// sidecar does not set, so the sidecar file, when present, takes precedence
// over an environment variable of the same derived name. sidecarPath may be
// empty, in which case Resolve consults only the environment.
func Load(sidecarPath string) (*Vault, error) {
	v := &Vault{values: map[string]string{}}

	if sidecarPath != "" {
		f, err := os.Open(sidecarPath) //nolint:gosec // operator-controlled path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open secrets file: %w", err)
			}
		} else {
			defer f.Close() //nolint:errcheck
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				key, val, ok := strings.Cut(line, "=")
				if !ok {
					continue
				}
				v.values[strings.TrimSpace(key)] = strings.TrimSpace(val)
			}
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		}
	}

	return v, nil
}

// Resolve returns the value for a declared secret name, the vault's sidecar
// entries taking precedence over DUCKSEARCH_SECRET_<NAME> in the process
// environment. Returns apperr.UndeclaredName if name is not present in
// either source — the caller (executor) is expected to have already checked
// the report's SECRETS block declares name via the linter, so reaching this
// branch means a deployment is missing a value it promised to supply.
func (v *Vault) Resolve(name string) (string, error) {
	v.mu.RLock()
	val, ok := v.values[name]
	v.mu.RUnlock()
	if ok {
		return val, nil
	}

	if val, ok := os.LookupEnv(envPrefix + name); ok {
		// Cache the env-sourced value so Redact (which only scans v.values)
		// also covers secrets resolved from the environment, not just the
		// sidecar file.
		v.mu.Lock()
		v.values[name] = val
		v.mu.Unlock()
		return val, nil
	}
	return "", apperr.New(apperr.UndeclaredName, "secret %q has no configured value (set %s or add it to the secrets file)", name, envPrefix+name)
}

// Redact returns a copy of s with every occurrence of every known secret
// value replaced by "***". Used before any resolved-SQL text or error detail
// is released to a log line or an HTTP error body (spec §4.9, §7, IP2).
func (v *Vault) Redact(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, val := range v.values {
		if val == "" {
			continue
		}
		s = strings.ReplaceAll(s, val, "***")
	}
	return s
}
