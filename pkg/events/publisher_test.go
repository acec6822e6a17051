package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyPayloadFor(t *testing.T) {
	t.Run("injects db_event_id into normal payloads", func(t *testing.T) {
		env := Envelope{
			Event: EventAgentStatus,
			Data:  json.RawMessage(`{"agent_id":"a1","status":"working"}`),
			TS:    time.Now().UTC(),
		}

		out, err := notifyPayloadFor(env, 17)
		require.NoError(t, err)

		var got Envelope
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, int64(17), got.DBEventID)
		assert.False(t, got.Truncated)
		assert.Contains(t, string(got.Data), "working")
	})

	t.Run("collapses oversized payloads to a marker", func(t *testing.T) {
		big, err := json.Marshal(map[string]string{
			"content": strings.Repeat("x", 9000),
		})
		require.NoError(t, err)

		env := Envelope{
			Event: EventAgentMessage,
			Data:  big,
			TS:    time.Now().UTC(),
		}

		out, err := notifyPayloadFor(env, 5)
		require.NoError(t, err)
		assert.Less(t, len(out), notifyLimit)

		var got Envelope
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.True(t, got.Truncated)
		assert.Equal(t, int64(5), got.DBEventID)
		assert.Equal(t, EventAgentMessage, got.Event)
		assert.Empty(t, got.Data, "truncated marker drops the data")
	})

	t.Run("payload just under the limit passes intact", func(t *testing.T) {
		// Envelope overhead plus data stays below notifyLimit.
		data, err := json.Marshal(map[string]string{
			"content": strings.Repeat("y", 7000),
		})
		require.NoError(t, err)

		env := Envelope{Event: EventAgentMessage, Data: data, TS: time.Now().UTC()}
		out, err := notifyPayloadFor(env, 1)
		require.NoError(t, err)

		var got Envelope
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.False(t, got.Truncated)
		assert.Contains(t, string(got.Data), "yyy")
	})
}
