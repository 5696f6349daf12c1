package executor

import (
	"testing"

	"ducksearch/internal/scanner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpliceReplacesPlaceholdersInOrder(t *testing.T) {
	sql := `SELECT * FROM t WHERE a = {{param x}} AND b = {{param y}}`
	res, err := scanner.Scan(sql)
	require.NoError(t, err)

	resolve := func(ph scanner.Placeholder) (string, error) {
		switch ph.Name {
		case "x":
			return "1", nil
		case "y":
			return "'two'", nil
		}
		return "", nil
	}

	out, err := splice(sql, 0, len(sql), res.Placeholders, resolve)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM t WHERE a = 1 AND b = 'two'`, out)
}

func TestSpliceRestrictsToBodyRange(t *testing.T) {
	sql := `WITH a AS ({{param x}}) SELECT {{param x}}`
	res, err := scanner.Scan(sql)
	require.NoError(t, err)

	bodyStart := len("WITH a AS (")
	bodyEnd := bodyStart + len("{{param x}}")

	calls := 0
	resolve := func(ph scanner.Placeholder) (string, error) {
		calls++
		return "42", nil
	}

	out, err := splice(sql, bodyStart, bodyEnd, res.Placeholders, resolve)
	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, 1, calls)
}

func TestSplicePropagatesResolverError(t *testing.T) {
	sql := `SELECT {{param x}}`
	res, err := scanner.Scan(sql)
	require.NoError(t, err)

	boom := assert.AnError
	_, err = splice(sql, 0, len(sql), res.Placeholders, func(ph scanner.Placeholder) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSpliceLeavesNonPlaceholderTextUntouched(t *testing.T) {
	sql := `SELECT 1 -- no placeholders here`
	res, err := scanner.Scan(sql)
	require.NoError(t, err)

	out, err := splice(sql, 0, len(sql), res.Placeholders, func(ph scanner.Placeholder) (string, error) {
		t.Fatal("resolver should not be called")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, sql, out)
}
