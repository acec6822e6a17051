package hints

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

type stubMessages struct {
	lastParams anthropic.MessageNewParams
	resp       *anthropic.Message
	err        error
}

func (s *stubMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.data = append(p.data, data)
}

func (p *recordingPublisher) PublishTo(context.Context, string, string, string, any) error {
	return nil
}

func hintJob(t *testing.T, args models.StatusHintArgs) *models.Job {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &models.Job{
		ID:       "job-1",
		Kind:     models.JobGenerateStatusHint,
		TenantID: "acme",
		Args:     raw,
	}
}

func TestHandleJobPublishesHint(t *testing.T) {
	stub := &stubMessages{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "  Spelunking through the config cave\n"}},
	}}
	pub := &recordingPublisher{}
	gen := NewGenerator(stub, pub, config.DefaultHintsConfig())

	err := gen.HandleJob(context.Background(), hintJob(t, models.StatusHintArgs{
		AgentID:  "agent-1",
		ToolName: models.ToolGrep,
		Preview:  "timeout in pkg/config",
	}))
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventStatusHint, pub.events[0])
	payload := pub.data[0].(events.StatusHintPayload)
	assert.Equal(t, "agent-1", payload.AgentID)
	assert.Equal(t, "Spelunking through the config cave", payload.Hint)

	// The request carried the configured model and the tool detail.
	assert.Equal(t, anthropic.Model("claude-3-5-haiku-latest"), stub.lastParams.Model)
	assert.EqualValues(t, 64, stub.lastParams.MaxTokens)
}

func TestHandleJobSwallowsModelFailure(t *testing.T) {
	stub := &stubMessages{err: errors.New("rate limited")}
	pub := &recordingPublisher{}
	gen := NewGenerator(stub, pub, config.DefaultHintsConfig())

	err := gen.HandleJob(context.Background(), hintJob(t, models.StatusHintArgs{
		AgentID: "agent-1", ToolName: models.ToolShell,
	}))
	require.NoError(t, err, "hint failures never fail the job")
	assert.Empty(t, pub.events)
}

func TestHandleJobDisabledGeneratorSkips(t *testing.T) {
	pub := &recordingPublisher{}
	gen := NewGenerator(nil, pub, config.DefaultHintsConfig())
	assert.False(t, gen.Enabled())

	err := gen.HandleJob(context.Background(), hintJob(t, models.StatusHintArgs{
		AgentID: "agent-1", ToolName: models.ToolRead,
	}))
	require.NoError(t, err)
	assert.Empty(t, pub.events)
}

func TestHandleJobMalformedArgs(t *testing.T) {
	gen := NewGenerator(&stubMessages{}, &recordingPublisher{}, config.DefaultHintsConfig())
	err := gen.HandleJob(context.Background(), &models.Job{
		Kind: models.JobGenerateStatusHint,
		Args: json.RawMessage(`{"agent_id": 42`),
	})
	assert.Error(t, err)
}

func TestGenerateEmptyResponse(t *testing.T) {
	stub := &stubMessages{resp: &anthropic.Message{}}
	gen := NewGenerator(stub, &recordingPublisher{}, config.DefaultHintsConfig())

	_, err := gen.Generate(context.Background(), models.ToolShell, "make test")
	assert.Error(t, err)
}
