package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// ErrWaitTimeout is returned by Wait when the deadline passes without a
// response being delivered.
var ErrWaitTimeout = errors.New("events: wait timed out")

// Waiter provides one-shot response waits over NOTIFY channels: a worker
// blocked on a human decision subscribes to the approval or question channel,
// publishes its request, then blocks on the handle until the response, the
// deadline, or cancellation.
//
// The subscribe MUST happen before the request is published. Subscribe issues
// a synchronous LISTEN through the shared Listener, so once it returns, a
// response published by another pod cannot be missed.
type Waiter struct {
	listener *Listener
	store    EventStore

	mu    sync.Mutex
	inbox map[string][]chan []byte
}

// NewWaiter creates a Waiter over the shared Listener. The store serves
// truncation rehydration; nil disables it.
func NewWaiter(listener *Listener, store EventStore) *Waiter {
	return &Waiter{
		listener: listener,
		store:    store,
		inbox:    make(map[string][]chan []byte),
	}
}

// Deliver implements Sink: notifications for channels with registered
// handles are fanned out to each handle's buffer. Channels nobody waits on
// are ignored.
func (w *Waiter) Deliver(channel string, payload []byte) {
	w.mu.Lock()
	receivers := append([]chan []byte(nil), w.inbox[channel]...)
	w.mu.Unlock()
	if len(receivers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	payload = rehydrate(ctx, w.store, payload)
	cancel()

	for _, ch := range receivers {
		select {
		case ch <- payload:
		default:
			// Handle already has an undelivered payload; one response is
			// all a one-shot wait consumes.
		}
	}
}

// Wait is a subscription handle for one expected response. Release must be
// called when done (deferred, typically) so the LISTEN refcount drops.
type Wait struct {
	waiter  *Waiter
	channel string
	ch      chan []byte
	timeout time.Duration
	release sync.Once
}

// Subscribe registers interest in a channel before any request referencing
// it is published. The returned handle's Wait blocks for the next payload.
func (w *Waiter) Subscribe(ctx context.Context, channel string, timeout time.Duration) (*Wait, error) {
	ch := make(chan []byte, 1)
	w.mu.Lock()
	w.inbox[channel] = append(w.inbox[channel], ch)
	w.mu.Unlock()

	if err := w.listener.Subscribe(ctx, channel); err != nil {
		w.remove(channel, ch)
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &Wait{waiter: w, channel: channel, ch: ch, timeout: timeout}, nil
}

// Wait blocks for the next payload on the channel, the handle's timeout, or
// context cancellation — whichever comes first. Timeout is reported as
// ErrWaitTimeout so callers can distinguish expiry from cancellation.
func (wt *Wait) Wait(ctx context.Context) (Envelope, error) {
	timer := time.NewTimer(wt.timeout)
	defer timer.Stop()

	select {
	case payload := <-wt.ch:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return Envelope{}, fmt.Errorf("decode response envelope: %w", err)
		}
		return env, nil
	case <-timer.C:
		return Envelope{}, ErrWaitTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Release drops the handle's registration and its LISTEN reference.
// Safe to call more than once.
func (wt *Wait) Release() {
	wt.release.Do(func() {
		wt.waiter.remove(wt.channel, wt.ch)
		go func() {
			if err := wt.waiter.listener.Unsubscribe(context.Background(), wt.channel); err != nil {
				slog.Warn("Failed to UNLISTEN wait channel",
					"channel", wt.channel, "error", err)
			}
		}()
	})
}

func (w *Waiter) remove(channel string, ch chan []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	receivers := w.inbox[channel]
	for i, c := range receivers {
		if c == ch {
			w.inbox[channel] = append(receivers[:i], receivers[i+1:]...)
			break
		}
	}
	if len(w.inbox[channel]) == 0 {
		delete(w.inbox, channel)
	}
}

// ApprovalWait is a typed handle for an approval response.
type ApprovalWait struct {
	wait *Wait
}

// WaitForApprovalResponse subscribes to the approval's response channel.
// Call this BEFORE publishing the approval_request so a fast responder
// cannot answer into the void.
func (w *Waiter) WaitForApprovalResponse(ctx context.Context, approvalID string, timeout time.Duration) (*ApprovalWait, error) {
	wt, err := w.Subscribe(ctx, ApprovalChannel(approvalID), timeout)
	if err != nil {
		return nil, err
	}
	return &ApprovalWait{wait: wt}, nil
}

// Wait blocks for the human decision.
func (aw *ApprovalWait) Wait(ctx context.Context) (*models.ApprovalResponse, error) {
	env, err := aw.wait.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var resp models.ApprovalResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode approval response: %w", err)
	}
	return &resp, nil
}

// Release drops the subscription.
func (aw *ApprovalWait) Release() { aw.wait.Release() }

// QuestionWait is a typed handle for a question response.
type QuestionWait struct {
	wait *Wait
}

// WaitForQuestionResponse subscribes to the question's response channel.
// Same ordering contract as WaitForApprovalResponse.
func (w *Waiter) WaitForQuestionResponse(ctx context.Context, questionID string, timeout time.Duration) (*QuestionWait, error) {
	wt, err := w.Subscribe(ctx, QuestionChannel(questionID), timeout)
	if err != nil {
		return nil, err
	}
	return &QuestionWait{wait: wt}, nil
}

// Wait blocks for the user's answers.
func (qw *QuestionWait) Wait(ctx context.Context) (*models.QuestionResponse, error) {
	env, err := qw.wait.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var resp models.QuestionResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode question response: %w", err)
	}
	return &resp, nil
}

// Release drops the subscription.
func (qw *QuestionWait) Release() { qw.wait.Release() }

// WatchAgentCancel subscribes to the agent's cancel channel and invokes
// cancel when a signal arrives from any pod. The returned release func stops
// the watch; callers defer it for the lifetime of the execution.
func (w *Waiter) WatchAgentCancel(ctx context.Context, agentID string, cancel context.CancelFunc) (func(), error) {
	wt, err := w.Subscribe(ctx, AgentCancelChannel(agentID), 0)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-wt.ch:
			slog.Info("Agent cancellation signal received", "agent_id", agentID)
			cancel()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wt.Release()
		})
	}, nil
}
