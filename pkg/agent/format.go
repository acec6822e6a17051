package agent

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

const (
	previewLen      = 100
	shellPreviewLen = 60
)

// formatMessage maps a runtime message onto the uniform durable-log shape.
// Role, type, content, and the Extra rendering fields are filled; the caller
// stamps agent and tenant before appending. Returns nil for messages that do
// not persist.
func formatMessage(m Message) *models.AgentMessage {
	switch msg := m.(type) {
	case *AssistantMessage:
		return formatAssistant(msg)
	case *ToolResultsMessage:
		return formatToolResults(msg)
	case *ResultMessage:
		return formatResult(msg)
	default:
		return nil
	}
}

func formatAssistant(msg *AssistantMessage) *models.AgentMessage {
	if len(msg.Blocks) == 0 {
		return nil
	}
	if len(msg.Blocks) == 1 {
		b := msg.Blocks[0]
		switch b.Type {
		case BlockText:
			return &models.AgentMessage{
				Role:    models.RoleAgent,
				Type:    models.MessageText,
				Content: b.Text,
				Extra:   map[string]any{models.ExtraPreview: truncate(b.Text, previewLen)},
			}
		case BlockToolUse:
			preview := toolPreview(b.ToolName, b.Input)
			out := &models.AgentMessage{
				Role:      models.RoleAgent,
				Type:      models.MessageToolCall,
				Content:   preview,
				ToolUseID: b.ToolID,
				Extra: map[string]any{
					models.ExtraToolName: b.ToolName,
					models.ExtraIcon:     toolIcon(b.ToolName),
					models.ExtraPreview:  preview,
				},
			}
			if len(b.Input) > 0 {
				out.Extra[models.ExtraInput] = b.Input
			}
			return out
		}
		return nil
	}

	blocks := make([]map[string]any, 0, len(msg.Blocks))
	for _, b := range msg.Blocks {
		blocks = append(blocks, blockSummary(b))
	}
	preview := blockPreview(msg.Blocks[0])
	return &models.AgentMessage{
		Role:    models.RoleAgent,
		Type:    models.MessageMultiBlock,
		Content: preview,
		Extra: map[string]any{
			models.ExtraBlocks:  blocks,
			models.ExtraPreview: preview,
		},
	}
}

func formatToolResults(msg *ToolResultsMessage) *models.AgentMessage {
	if len(msg.Results) == 0 {
		return nil
	}
	if len(msg.Results) == 1 {
		r := msg.Results[0]
		return &models.AgentMessage{
			Role:      models.RoleSystem,
			Type:      models.MessageToolResult,
			Content:   r.Content,
			ToolUseID: r.ToolID,
			Extra:     map[string]any{models.ExtraIsError: r.IsError},
		}
	}

	results := make([]map[string]any, 0, len(msg.Results))
	for _, r := range msg.Results {
		results = append(results, map[string]any{
			"tool_id":           r.ToolID,
			"content":           r.Content,
			models.ExtraIsError: r.IsError,
		})
	}
	return &models.AgentMessage{
		Role:    models.RoleSystem,
		Type:    models.MessageMultiResult,
		Content: fmt.Sprintf("%d tool results", len(msg.Results)),
		Extra:   map[string]any{models.ExtraResults: results},
	}
}

func formatResult(msg *ResultMessage) *models.AgentMessage {
	out := &models.AgentMessage{
		Role:    models.RoleSystem,
		Type:    models.MessageResult,
		Content: msg.Error,
		Extra: map[string]any{
			models.ExtraUsage: map[string]any{
				"input_tokens":  msg.Usage.InputTokens,
				"output_tokens": msg.Usage.OutputTokens,
			},
			models.ExtraCostUSD: msg.CostUSD,
		},
	}
	if msg.SessionID != "" {
		out.Extra[models.ExtraSessionID] = msg.SessionID
	}
	if msg.IsError {
		out.Extra[models.ExtraIsError] = true
	}
	return out
}

func blockSummary(b Block) map[string]any {
	switch b.Type {
	case BlockToolUse:
		s := map[string]any{
			"type":               string(models.MessageToolCall),
			models.ExtraToolName: b.ToolName,
			"tool_id":            b.ToolID,
			models.ExtraIcon:     toolIcon(b.ToolName),
			models.ExtraPreview:  toolPreview(b.ToolName, b.Input),
		}
		if len(b.Input) > 0 {
			s[models.ExtraInput] = b.Input
		}
		return s
	default:
		return map[string]any{
			"type":              string(models.MessageText),
			"text":              b.Text,
			models.ExtraPreview: truncate(b.Text, previewLen),
		}
	}
}

func blockPreview(b Block) string {
	if b.Type == BlockToolUse {
		return toolPreview(b.ToolName, b.Input)
	}
	return truncate(b.Text, previewLen)
}

// toolIcon maps a tool name to the short label clients render next to the
// call.
func toolIcon(name string) string {
	switch name {
	case models.ToolRead:
		return "📖"
	case models.ToolWrite, models.ToolEdit, models.ToolMultiEdit:
		return "✏️"
	case models.ToolShell:
		return "💻"
	case models.ToolGrep:
		return "🔍"
	case models.ToolWebSearch:
		return "🌐"
	case models.ToolWebFetch:
		return "📡"
	case models.ToolQuestion:
		return "❓"
	default:
		return "🔧"
	}
}

// toolPreview renders the one-line summary of a tool call: file tools show
// the tail of the path, shell shows the command, search tools show what they
// searched for. Unknown tools fall back to the tool name.
func toolPreview(name string, input map[string]any) string {
	call := models.ToolCall{Name: name, Input: input}
	switch name {
	case models.ToolRead, models.ToolWrite, models.ToolEdit, models.ToolMultiEdit:
		if p := pathArg(call); p != "" {
			return lastSegments(p, 2)
		}
	case models.ToolShell:
		if cmd := call.StringInput("command"); cmd != "" {
			return truncate(cmd, shellPreviewLen)
		}
	case models.ToolGrep:
		pattern := call.StringInput("pattern")
		if pattern == "" {
			break
		}
		if p := pathArg(call); p != "" {
			return pattern + " in " + lastSegments(p, 2)
		}
		return pattern
	case models.ToolWebSearch:
		if q := call.StringInput("query"); q != "" {
			return truncate(q, previewLen)
		}
	case models.ToolWebFetch:
		if u := call.StringInput("url"); u != "" {
			return domainOf(u)
		}
	case models.ToolQuestion:
		if q := call.StringInput("question"); q != "" {
			return truncate(q, previewLen)
		}
	}
	return name
}

func pathArg(call models.ToolCall) string {
	if p := call.StringInput("file_path"); p != "" {
		return p
	}
	return call.StringInput("path")
}

// lastSegments returns the last n path segments, enough to recognize a file
// without flooding the preview.
func lastSegments(path string, n int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) <= n {
		return strings.Join(parts, "/")
	}
	return strings.Join(parts[len(parts)-n:], "/")
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return truncate(rawURL, previewLen)
	}
	return u.Host
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
