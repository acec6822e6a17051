package models

// Canonical tool names the runtime reports. Matchers and message formatting
// key on these.
const (
	ToolShell     = "shell"
	ToolRead      = "read"
	ToolWrite     = "write"
	ToolEdit      = "edit"
	ToolMultiEdit = "multi_edit"
	ToolGrep      = "grep"
	ToolWebSearch = "web_search"
	ToolWebFetch  = "web_fetch"
	ToolQuestion  = "question"
)

// ToolCall is one tool invocation the runtime wants to execute, stamped with
// the tenant and agent it belongs to.
type ToolCall struct {
	ID       string         `json:"id"` // runtime tool-use correlation id
	TenantID string         `json:"tenant_id"`
	AgentID  string         `json:"agent_id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
}

// StringInput returns a string-typed input argument, or "" when absent.
func (c ToolCall) StringInput(key string) string {
	if c.Input == nil {
		return ""
	}
	s, _ := c.Input[key].(string)
	return s
}

// DecisionBehavior is what the gate tells the runtime to do with a tool call.
type DecisionBehavior string

const (
	// DecisionAllow releases the tool for execution.
	DecisionAllow DecisionBehavior = "allow"
	// DecisionDeny rejects the tool; Reason reaches the agent as the error.
	DecisionDeny DecisionBehavior = "deny"
	// DecisionIntercept suppresses the tool entirely; Result is returned to
	// the agent as if the tool had run.
	DecisionIntercept DecisionBehavior = "intercept"
)

// Decision is the gate's verdict on a tool call.
type Decision struct {
	Behavior DecisionBehavior `json:"behavior"`
	Reason   string           `json:"reason,omitempty"`
	Result   string           `json:"result,omitempty"`
}

// Allowed reports whether the tool may execute.
func (d Decision) Allowed() bool {
	return d.Behavior == DecisionAllow
}
