package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// newTestWait registers a handle directly in the inbox, bypassing the LISTEN
// round-trip a live Listener would perform. The delivery and release
// mechanics under test are identical.
func newTestWait(w *Waiter, channel string, timeout time.Duration) *Wait {
	ch := make(chan []byte, 1)
	w.mu.Lock()
	w.inbox[channel] = append(w.inbox[channel], ch)
	w.mu.Unlock()
	return &Wait{waiter: w, channel: channel, ch: ch, timeout: timeout}
}

func envelopeBytes(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(Envelope{Event: event, Data: raw, TS: time.Now().UTC()})
	require.NoError(t, err)
	return payload
}

func TestWaitDeliversResponse(t *testing.T) {
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	channel := ApprovalChannel("approval_cafe00112233")
	wt := newTestWait(w, channel, time.Second)

	go w.Deliver(channel, envelopeBytes(t, EventApprovalResponse, models.ApprovalResponse{
		ApprovalID: "approval_cafe00112233",
		Approved:   true,
		By:         "alice",
	}))

	env, err := wt.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventApprovalResponse, env.Event)

	var resp models.ApprovalResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Approved)
	assert.Equal(t, "alice", resp.By)
}

func TestWaitTimesOut(t *testing.T) {
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	wt := newTestWait(w, QuestionChannel("q1"), 20*time.Millisecond)

	_, err := wt.Wait(context.Background())
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	wt := newTestWait(w, QuestionChannel("q2"), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := wt.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeliverIgnoresUnwatchedChannels(t *testing.T) {
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	// No handle registered — must not panic or block.
	w.Deliver(ApprovalChannel("nobody-home"), []byte(`{"event":"approval_response"}`))
}

func TestDeliverFansOutToAllHandles(t *testing.T) {
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	channel := ApprovalChannel("shared")
	a := newTestWait(w, channel, time.Second)
	b := newTestWait(w, channel, time.Second)

	w.Deliver(channel, envelopeBytes(t, EventApprovalResponse, models.ApprovalResponse{Approved: false, By: "bob"}))

	for _, wt := range []*Wait{a, b} {
		env, err := wt.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, EventApprovalResponse, env.Event)
	}
}

func TestDeliveryBeforeWaitIsBuffered(t *testing.T) {
	// A response can land between publish and the worker reaching Wait.
	// The single-slot buffer holds it.
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	channel := QuestionChannel("early")
	wt := newTestWait(w, channel, time.Second)

	w.Deliver(channel, envelopeBytes(t, EventQuestionResponse, models.QuestionResponse{
		QuestionID: "early",
		Answers:    map[string]string{"proceed": "yes"},
	}))

	env, err := wt.Wait(context.Background())
	require.NoError(t, err)

	var resp models.QuestionResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "yes", resp.Answers["proceed"])
}

func TestRemoveDropsHandle(t *testing.T) {
	w := &Waiter{inbox: make(map[string][]chan []byte)}
	channel := ApprovalChannel("gone")
	wt := newTestWait(w, channel, time.Second)

	w.remove(channel, wt.ch)

	w.mu.Lock()
	_, exists := w.inbox[channel]
	w.mu.Unlock()
	assert.False(t, exists, "inbox entry removed with last handle")

	// Delivery after removal vanishes quietly.
	w.Deliver(channel, envelopeBytes(t, EventApprovalResponse, models.ApprovalResponse{}))
	select {
	case <-wt.ch:
		t.Fatal("removed handle must not receive deliveries")
	case <-time.After(20 * time.Millisecond):
	}
}
