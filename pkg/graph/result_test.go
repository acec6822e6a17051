package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNilReply(t *testing.T) {
	res, err := Normalize(nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, res.Columns)
}

func TestNormalizeStatsOnlyReply(t *testing.T) {
	// A write without RETURN yields a single statistics element.
	raw := []any{
		[]any{"Nodes created: 1", "Properties set: 4", "Query internal execution time: 0.3 ms"},
	}

	res, err := Normalize(raw)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	created, ok := res.Stat("Nodes created")
	require.True(t, ok)
	assert.Equal(t, "1", created)
}

func TestNormalizeFullReply(t *testing.T) {
	raw := []any{
		[]any{"e.id", "e.name", "score"},
		[]any{
			[]any{"ent_1", "alice", "0.87"},
			[]any{"ent_2", "bob", int64(1)},
		},
		[]any{"Cached execution: 1"},
	}

	res, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, []string{"e.id", "e.name", "score"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "ent_1", AsString(res.Rows[0][0]))
	assert.Equal(t, "alice", AsString(res.Rows[0][1]))
	assert.InDelta(t, 0.87, AsFloat64(res.Rows[0][2]), 1e-9)
	assert.InDelta(t, 1.0, AsFloat64(res.Rows[1][2]), 1e-9)
}

func TestNormalizeCompactHeader(t *testing.T) {
	raw := []any{
		[]any{[]any{int64(1), "n.id"}},
		[]any{},
		[]any{},
	}

	res, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"n.id"}, res.Columns)
	assert.True(t, res.Empty())
}

func TestNormalizeRejectsUnexpectedShapes(t *testing.T) {
	_, err := Normalize("not an array")
	require.Error(t, err)

	_, err = Normalize([]any{1, 2, 3, 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arity")
}

func TestCellConversions(t *testing.T) {
	assert.Equal(t, "", AsString(nil))
	assert.Equal(t, "42", AsString(int64(42)))
	assert.Equal(t, int64(42), AsInt64("42"))
	assert.Equal(t, int64(3), AsInt64(3.7))
	assert.InDelta(t, 1.5, AsFloat64("1.5"), 1e-9)
	assert.InDelta(t, 2.0, AsFloat64(int64(2)), 1e-9)
	assert.True(t, AsBool("true"))
	assert.True(t, AsBool(int64(1)))
	assert.False(t, AsBool(nil))
}
