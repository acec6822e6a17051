package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sibyl-dev/sibyl/pkg/graph"
)

// WSEvent is one received event envelope.
type WSEvent struct {
	Event    string          `json:"event"`
	Raw      json.RawMessage // original JSON
	Parsed   map[string]any  // decoded for assertions
	Received time.Time
}

// Data decodes the envelope's data field into a map.
func (e WSEvent) Data() map[string]any {
	d, _ := e.Parsed["data"].(map[string]any)
	return d
}

// WSClient connects to the event stream endpoint and collects envelopes.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect opens the tenant's event stream. topics is the raw ?topics=
// value; empty subscribes to the tenant feed.
func (app *TestApp) WSConnect(ctx context.Context, tenant, topics string) (*WSClient, error) {
	url := app.WSURL
	if topics != "" {
		url += "?topics=" + topics
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{graph.TenantHeader: []string{tenant}},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe sends a subscribe action for the given channel.
func (c *WSClient) Subscribe(channel string) error {
	data, _ := json.Marshal(map[string]string{"action": "subscribe", "channel": channel})
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until an envelope matching the predicate arrives.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for an envelope with the given event name.
func (c *WSClient) WaitForEventType(event string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool { return e.Event == event }, timeout)
}

// Events returns a snapshot of all collected envelopes.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns envelopes filtered by event name.
func (c *WSClient) EventsByType(event string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Event == event {
			result = append(result, e)
		}
	}
	return result
}

// Close tears the connection down and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		evt := WSEvent{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if name, ok := parsed["event"].(string); ok {
			evt.Event = name
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
