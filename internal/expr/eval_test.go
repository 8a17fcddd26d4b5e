package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/app-core/internal/core"
)

func testScope() *Scope {
	return NewScope().WithAll(map[string]Value{
		"parameters": FromGo(map[string]any{
			"name":  "deals",
			"limit": 25,
		}),
		"body": FromGo(map[string]any{
			"error": map[string]any{"message": "quota exceeded"},
			"items": []any{
				map[string]any{"id": "a1"},
				map[string]any{"id": "a2"},
			},
		}),
		"statusCode": Number(429),
		"connection": FromGo(map[string]any{"apiKey": "secret-key"}),
	})
}

func TestEvaluate_IdentityWithoutMarkers(t *testing.T) {
	ev := New(nil)

	v, err := ev.EvaluateString("plain text, no markers", testScope())
	require.NoError(t, err)
	assert.Equal(t, "plain text, no markers", v.Str())
}

func TestEvaluate_Interpolation(t *testing.T) {
	ev := New(nil)
	scope := testScope()

	v, err := ev.EvaluateString("[{{statusCode}}] {{body.error.message}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "[429] quota exceeded", v.Str())
}

func TestEvaluate_SingleExpressionKeepsRawValue(t *testing.T) {
	ev := New(nil)
	scope := testScope()

	v, err := ev.EvaluateString("{{parameters.limit}}", scope)
	require.NoError(t, err)
	assert.Equal(t, KindNumber, v.Kind())
	assert.Equal(t, 25.0, v.Num())

	v, err = ev.EvaluateString("{{body.items}}", scope)
	require.NoError(t, err)
	assert.Equal(t, KindList, v.Kind())
	assert.Len(t, v.Items(), 2)
}

func TestEvaluate_UndefinedVariableIsNull(t *testing.T) {
	ev := New(nil)

	v, err := ev.EvaluateString("{{nothing.here}}", testScope())
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestEvaluate_PropertyAndIndexAccess(t *testing.T) {
	ev := New(nil)
	scope := testScope()

	v, err := ev.EvaluateString("{{body.items[1].id}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "a2", v.Str())

	// negative index counts from the end
	v, err = ev.EvaluateString("{{body.items[-1].id}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "a2", v.Str())
}

func TestEvaluate_Operators(t *testing.T) {
	ev := New(nil)
	scope := testScope()

	cases := []struct {
		src  string
		want any
	}{
		{"{{1 + 2 * 3}}", 7.0},
		{"{{(1 + 2) * 3}}", 9.0},
		{"{{10 % 3}}", 1.0},
		{"{{'page-' + 2}}", "page-2"}, // string + number concatenates
		{"{{2 + '2'}}", "22"},
		{"{{statusCode == 429}}", true},
		{"{{statusCode >= 400 && statusCode < 500}}", true},
		{"{{!parameters.missing}}", true},
		{"{{parameters.limit > 10 || false}}", true},
		{"{{'abc' < 'abd'}}", true},
	}
	for _, tc := range cases {
		v, err := ev.EvaluateString(tc.src, scope)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, v.Interface(), tc.src)
	}
}

func TestEvaluate_DivisionByZeroFails(t *testing.T) {
	ev := New(nil)

	_, err := ev.EvaluateString("{{1 / 0}}", testScope())
	var evalErr *core.EvaluationError
	require.True(t, errors.As(err, &evalErr))
}

func TestEvaluate_ObjectWalkAndSplice(t *testing.T) {
	ev := New(nil)
	scope := testScope().With("headers", FromGo(map[string]any{
		"x-request-id": "r-1",
	}))

	tmpl := map[string]any{
		"{{...}}":       "{{merge(headers, pick(connection, 'apiKey'))}}",
		"Content-Type":  "application/json",
		"Authorization": "Bearer {{connection.apiKey}}",
	}
	v, err := ev.Evaluate(tmpl, scope)
	require.NoError(t, err)
	fields := v.Fields()
	assert.Equal(t, "application/json", fields["Content-Type"].Str())
	assert.Equal(t, "Bearer secret-key", fields["Authorization"].Str())
	assert.Equal(t, "r-1", fields["x-request-id"].Str())
	assert.Equal(t, "secret-key", fields["apiKey"].Str())
}

func TestEvaluate_SpliceMustProduceMap(t *testing.T) {
	ev := New(nil)

	tmpl := map[string]any{"{{...}}": "{{parameters.limit}}"}
	_, err := ev.Evaluate(tmpl, testScope())
	var evalErr *core.EvaluationError
	require.True(t, errors.As(err, &evalErr))
}

func TestEvaluate_ExplicitKeyWinsOverSplice(t *testing.T) {
	ev := New(nil)
	scope := testScope().With("defaults", FromGo(map[string]any{"Accept": "text/plain"}))

	tmpl := map[string]any{
		"{{...}}": "{{defaults}}",
		"Accept":  "application/json",
	}
	v, err := ev.Evaluate(tmpl, scope)
	require.NoError(t, err)
	assert.Equal(t, "application/json", v.Fields()["Accept"].Str())
}

func TestEvaluate_NonStringValuesPassThrough(t *testing.T) {
	ev := New(nil)

	tmpl := map[string]any{
		"count":   5,
		"enabled": true,
		"tags":    []any{"a", "b"},
	}
	v, err := ev.Evaluate(tmpl, testScope())
	require.NoError(t, err)
	assert.Equal(t, 5.0, v.Fields()["count"].Num())
	assert.True(t, v.Fields()["enabled"].Bool())
	assert.Len(t, v.Fields()["tags"].Items(), 2)
}

func TestEvaluate_UnknownFunctionFails(t *testing.T) {
	ev := New(nil)

	_, err := ev.EvaluateString("{{frobnicate(1)}}", testScope())
	var evalErr *core.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "frobnicate", evalErr.Function)
}

func TestUserFunction_BasicCall(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("fullName", []string{"first", "last"}, "first + ' ' + last"))
	ev := New(reg)

	v, err := ev.EvaluateString("{{fullName('Ada', 'Lovelace')}}", NewScope())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", v.Str())
}

func TestUserFunction_CannotSeeCallerScope(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("leak", nil, "connection.apiKey"))
	ev := New(reg)

	v, err := ev.EvaluateString("{{leak()}}", testScope())
	require.NoError(t, err)
	assert.True(t, v.IsNull(), "user functions must not read ambient scope")
}

func TestUserFunction_DepthLimit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("loop", []string{"n"}, "loop(n + 1)"))
	ev := New(reg, WithMaxCallDepth(8))

	_, err := ev.EvaluateString("{{loop(0)}}", NewScope())
	var evalErr *core.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "loop", evalErr.Function)
}

func TestUserFunction_ShadowingBuiltinRejected(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("upper", []string{"s"}, "s")
	require.Error(t, err)
}

func TestEvaluateCondition_Defaults(t *testing.T) {
	ev := New(nil)

	ok, err := ev.EvaluateCondition("", testScope(), true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvaluateCondition("{{statusCode == 200}}", testScope(), true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolvePath(t *testing.T) {
	v := FromGo(map[string]any{
		"data": map[string]any{
			"rows": []any{
				map[string]any{"id": float64(7)},
			},
		},
	})

	assert.Equal(t, 7.0, ResolvePath(v, "data.rows[0].id").Num())
	assert.True(t, ResolvePath(v, "data.missing[2]").IsNull())
	assert.Equal(t, v, ResolvePath(v, ""))
}
