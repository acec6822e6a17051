package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/sibyl-dev/sibyl/pkg/events"
)

const maxBlockTextLength = 2900

var kindEmoji = map[string]string{
	"destructive_command": ":rotating_light:",
	"file_write":          ":pencil2:",
	"external_api":        ":globe_with_meridians:",
	"user_question":       ":speech_balloon:",
}

// BuildApprovalMessage creates Block Kit blocks for an approval request
// notification. The preview arrives pre-masked, so the blocks never carry
// raw secret material.
func BuildApprovalMessage(input events.ApprovalRequestPayload) []goslack.Block {
	emoji := kindEmoji[input.Kind]
	if emoji == "" {
		emoji = ":bell:"
	}

	headerText := fmt.Sprintf("%s *Approval required: %s*", emoji, input.Title)
	if input.Sensitive {
		headerText += " :lock:"
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	if input.Summary != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(input.Summary), false, false),
			nil, nil,
		))
	}

	if input.Preview != "" {
		preview := fmt.Sprintf("```%s```", truncateForSlack(input.Preview))
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, preview, false, false),
			nil, nil,
		))
	}

	contextText := fmt.Sprintf("Agent `%s` · Tool `%s` · Expires %s",
		input.AgentID, input.ToolName, input.ExpiresAt)
	blocks = append(blocks, goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, contextText, false, false),
	))

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
