// Package approval gates dangerous tool calls behind out-of-process human
// decisions: policy matchers classify each call, matched calls persist an
// approval entity and suspend the worker on a response channel until a human
// responds, the wait times out, or the agent is cancelled.
package approval

import (
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// Approval kinds, stored on the entity as approval_type and carried in
// approval_request events.
const (
	KindDestructiveCommand = "destructive_command"
	KindFileWrite          = "file_write"
	KindExternalAPI        = "external_api"
	KindUserQuestion       = "user_question"
)

// Matcher inspects a tool call before execution. The service runs matchers
// in registration order; the first match wins.
type Matcher interface {
	// Name identifies the matcher in logs and entity metadata.
	Name() string

	// Match returns nil when the call may proceed unreviewed.
	Match(call models.ToolCall) *Match
}

// Match describes why a tool call needs review. Title, Summary and Preview
// are raw here; the service masks them before anything persists or leaves
// the process.
type Match struct {
	Kind      string
	Title     string
	Summary   string
	Preview   string
	Sensitive bool

	// Intercept marks calls whose tool never executes: the human response
	// itself becomes the tool result.
	Intercept bool
}
