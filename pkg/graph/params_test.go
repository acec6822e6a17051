package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{
			name:   "empty map produces no prefix",
			params: nil,
			want:   "",
		},
		{
			name:   "string value is quoted",
			params: map[string]any{"name": "alice"},
			want:   "CYPHER name='alice' ",
		},
		{
			name:   "quotes and backslashes are escaped",
			params: map[string]any{"name": `o'brien \ co`},
			want:   `CYPHER name='o\'brien \\ co' `,
		},
		{
			name:   "keys are emitted in sorted order",
			params: map[string]any{"b": 2, "a": 1, "c": 3},
			want:   "CYPHER a=1 b=2 c=3 ",
		},
		{
			name:   "booleans and nil",
			params: map[string]any{"on": true, "off": false, "gone": nil},
			want:   "CYPHER gone=null off=false on=true ",
		},
		{
			name:   "float formatting",
			params: map[string]any{"score": 0.5},
			want:   "CYPHER score=0.5 ",
		},
		{
			name:   "string slice",
			params: map[string]any{"ids": []string{"a", "b"}},
			want:   "CYPHER ids=['a','b'] ",
		},
		{
			name:   "nested map with sorted keys",
			params: map[string]any{"meta": map[string]any{"y": 2, "x": "v"}},
			want:   "CYPHER meta={x:'v',y:2} ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeParams(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeParamsVector(t *testing.T) {
	got, err := EncodeParams(map[string]any{"embedding": []float32{0.25, -1, 0.5}})
	require.NoError(t, err)
	assert.Equal(t, "CYPHER embedding=vecf32([0.25,-1,0.5]) ", got)
}

func TestEncodeParamsUnsupportedType(t *testing.T) {
	type opaque struct{ X int }
	_, err := EncodeParams(map[string]any{"v": opaque{X: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported parameter type")
}

func TestQuoteStringInjectionAttempt(t *testing.T) {
	// A value that tries to close the quote and smuggle a clause must come
	// back as a single literal.
	got := quoteString("x' MATCH (n) DETACH DELETE n //")
	assert.Equal(t, `'x\' MATCH (n) DETACH DELETE n //'`, got)
}
