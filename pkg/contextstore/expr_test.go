package contextstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(vars map[string]any) func(string) (any, bool) {
	return func(path string) (any, bool) {
		value, ok := vars[path]

		return value, ok
	}
}

func TestEvaluateLiterals(t *testing.T) {
	lookup := lookupFrom(nil)

	tests := []struct {
		expr string
		want any
	}{
		{"true", true},
		{"false", false},
		{"null", nil},
		{"42", 42.0},
		{"3.14", 3.14},
		{`"quoted"`, "quoted"},
		{`'single'`, "single"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateComparisons(t *testing.T) {
	lookup := lookupFrom(map[string]any{
		"count":  float64(5),
		"name":   "beta",
		"truthy": true,
	})

	tests := []struct {
		expr string
		want any
	}{
		{"count == 5", true},
		{"count != 5", false},
		{"count < 10", true},
		{"count <= 5", true},
		{"count > 5", false},
		{"count >= 6", false},
		{`name == "beta"`, true},
		{`name < "gamma"`, true},
		{"count > 1 && truthy", true},
		{"count > 9 || truthy", true},
		{"!truthy", false},
		{"!(count == 5)", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateDottedPaths(t *testing.T) {
	lookup := lookupFrom(map[string]any{
		"stages.verify.status": "completed",
	})

	got, err := Evaluate(`stages.verify.status == "completed"`, lookup)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestEvaluateHelpers(t *testing.T) {
	lookup := lookupFrom(nil)

	now, err := Evaluate("now()", lookup)
	require.NoError(t, err)

	_, err = time.Parse(time.RFC3339, now.(string))
	require.NoError(t, err)

	ts, err := Evaluate("timestamp()", lookup)
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Now().Unix()), ts.(float64), 5)

	r, err := Evaluate("random(10)", lookup)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.(float64), 0.0)
	assert.Less(t, r.(float64), 10.0)

	parsed, err := Evaluate(`json_parse('{"a": 1}')`, lookup)
	require.NoError(t, err)
	require.IsType(t, map[string]any{}, parsed)
	assert.Equal(t, 1.0, parsed.(map[string]any)["a"])

	encoded, err := Evaluate(`json(json_parse('{"a": 1}'))`, lookup)
	require.NoError(t, err)

	var roundTrip map[string]any
	require.NoError(t, json.Unmarshal([]byte(encoded.(string)), &roundTrip))
	assert.Equal(t, 1.0, roundTrip["a"])
}

func TestEvaluateErrors(t *testing.T) {
	lookup := lookupFrom(nil)

	tests := []string{
		"count ==",
		"(count == 1",
		"unknown_helper()",
		"json()",
		"@invalid",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr, lookup)
			assert.Error(t, err)
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy(true))
	assert.True(t, Truthy("non-empty"))
	assert.True(t, Truthy(1.0))
	assert.True(t, Truthy([]any{1}))

	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(nil))
}
