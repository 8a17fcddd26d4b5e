package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalSrc(t *testing.T, src string, scope *Scope) Value {
	t.Helper()
	v, err := New(nil).EvaluateString(src, scope)
	require.NoError(t, err, src)
	return v
}

func TestBuiltins_Strings(t *testing.T) {
	scope := NewScope()

	assert.Equal(t, "HELLO", evalSrc(t, "{{upper('hello')}}", scope).Str())
	assert.Equal(t, "hello", evalSrc(t, "{{trim('  hello ')}}", scope).Str())
	assert.Equal(t, "a-b-c", evalSrc(t, "{{join(split('a,b,c', ','), '-')}}", scope).Str())
	assert.Equal(t, "xyz", evalSrc(t, "{{replace('abc', 'abc', 'xyz')}}", scope).Str())
	assert.Equal(t, "bc", evalSrc(t, "{{substring('abcd', 1, 3)}}", scope).Str())
	assert.Equal(t, true, evalSrc(t, "{{startsWith('abcd', 'ab')}}", scope).Bool())
	assert.Equal(t, 3.0, evalSrc(t, "{{length('abc')}}", scope).Num())
	assert.Equal(t, "a%26b", evalSrc(t, "{{encodeURL('a&b')}}", scope).Str())
	assert.Equal(t, 42.0, evalSrc(t, "{{toNumber('42')}}", scope).Num())
}

func TestBuiltins_Dates(t *testing.T) {
	scope := NewScope()

	// 2021-01-01T00:00:00Z
	assert.Equal(t, 1609459200000.0, evalSrc(t, "{{parseDate('2021-01-01T00:00:00Z')}}", scope).Num())
	assert.Equal(t, "2021-01-02", evalSrc(t, "{{formatDate(addDays(parseDate('2021-01-01'), 1), '2006-01-02')}}", scope).Str())
	assert.Equal(t, 1609459260000.0, evalSrc(t, "{{addSeconds(1609459200000, 60)}}", scope).Num())
	assert.Greater(t, evalSrc(t, "{{now()}}", scope).Num(), 0.0)
}

func TestBuiltins_Collections(t *testing.T) {
	scope := NewScope().With("rows", FromGo([]any{
		map[string]any{"id": "x"},
		map[string]any{"id": "y"},
	}))

	assert.Equal(t, "x", evalSrc(t, "{{first(rows).id}}", scope).Str())
	assert.Equal(t, "y", evalSrc(t, "{{last(rows).id}}", scope).Str())
	assert.Equal(t, "fallback", evalSrc(t, "{{ifempty('', 'fallback')}}", scope).Str())
	assert.Equal(t, "two", evalSrc(t, "{{switch(2, 1, 'one', 2, 'two', 'other')}}", scope).Str())
	assert.Equal(t, "other", evalSrc(t, "{{switch(9, 1, 'one', 2, 'two', 'other')}}", scope).Str())
	assert.Equal(t, 2.0, evalSrc(t, "{{length(distinct(flatten([ 'a', 'a', 'b' ])))}}", scope).Num())
}

func TestBuiltins_Crypto(t *testing.T) {
	scope := NewScope()

	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		evalSrc(t, "{{sha256('hello')}}", scope).Str())
	assert.Equal(t, "aGVsbG8=", evalSrc(t, "{{base64('hello')}}", scope).Str())
	assert.Equal(t, "hello", evalSrc(t, "{{base64decode('aGVsbG8=')}}", scope).Str())
	assert.Equal(t, "aGVsbG8", evalSrc(t, "{{base64url('hello')}}", scope).Str())
	assert.Len(t, evalSrc(t, "{{uuid()}}", scope).Str(), 36)
}
