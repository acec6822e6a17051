// Package hints turns observed tool calls into the short playful status
// lines the dashboard shows while an agent works. Generation rides a small
// model; every failure is logged and swallowed because hints are decoration,
// never load-bearing.
package hints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// generateTimeout bounds one hint generation. Hints arrive mid-stream;
// anything slower than this is stale by the time it lands.
const generateTimeout = 10 * time.Second

const systemPrompt = "You write one short playful line (at most ten words) describing " +
	"what a coding agent is doing right now, in present progressive tense. " +
	"No quotes, no trailing punctuation, no emoji."

// MessagesClient is the subset of the Anthropic SDK the generator uses.
// Satisfied by *anthropic.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Generator produces status hints and broadcasts them on status_hint.
// A Generator with a nil llm is disabled and drops every job silently.
type Generator struct {
	llm       MessagesClient
	publisher services.EventPublisher
	cfg       *config.HintsConfig
}

// NewGenerator creates a new Generator.
func NewGenerator(llm MessagesClient, publisher services.EventPublisher, cfg *config.HintsConfig) *Generator {
	if cfg == nil {
		cfg = config.DefaultHintsConfig()
	}
	return &Generator{llm: llm, publisher: publisher, cfg: cfg}
}

// NewFromConfig wires a Generator against the real Anthropic API. When hints
// are disabled or the key is missing the generator runs in disabled mode.
func NewFromConfig(publisher services.EventPublisher, cfg *config.HintsConfig) *Generator {
	if cfg == nil || !cfg.Enabled {
		return NewGenerator(nil, publisher, cfg)
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		slog.Warn("Status hints enabled but API key is not set", "env", cfg.APIKeyEnv)
		return NewGenerator(nil, publisher, cfg)
	}
	client := anthropic.NewClient(option.WithAPIKey(key))
	return NewGenerator(&client.Messages, publisher, cfg)
}

// Enabled reports whether the generator has a model to talk to.
func (g *Generator) Enabled() bool { return g.llm != nil }

// HandleJob is the generate_status_hint handler. Generation failures are
// logged and ignored; the job itself only fails on malformed args.
func (g *Generator) HandleJob(ctx context.Context, job *models.Job) error {
	var args models.StatusHintArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("unmarshal %s args: %w", job.Kind, err)
	}
	if g.llm == nil {
		return nil
	}

	hint, err := g.Generate(ctx, args.ToolName, args.Preview)
	if err != nil {
		slog.Debug("Status hint generation failed",
			"agent_id", args.AgentID, "tool", args.ToolName, "error", err)
		return nil
	}

	g.publisher.Publish(ctx, job.TenantID, events.EventStatusHint, events.StatusHintPayload{
		AgentID: args.AgentID,
		Hint:    hint,
	})
	return nil
}

// Generate asks the small model for one hint line.
func (g *Generator) Generate(ctx context.Context, toolName, preview string) (string, error) {
	if g.llm == nil {
		return "", errors.New("hints disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Tool: %s", toolName)
	if preview != "" {
		prompt += fmt.Sprintf("\nDetail: %s", preview)
	}

	msg, err := g.llm.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: int64(g.cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate hint: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", errors.New("model returned no text")
}
