package agent

import (
	"strings"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// reminderThreshold is how many substantive tool calls (including at least
// one code change) an agent can make before the runner nudges it to close
// the loop on its task.
const reminderThreshold = 5

// workflowReminder is the one follow-up message the runner injects.
const workflowReminder = "Reminder: you have made several changes in this session. " +
	"Before finishing, update the status of the task you are working on and " +
	"summarize what changed and why."

// workflowTracker watches the tool calls of one execution and decides when
// the agent has done real work without closing the loop. At most one
// reminder is issued per execution.
type workflowTracker struct {
	SubstantiveCalls int
	CodeChanges      int
	LoopClosed       bool
	Reminded         bool
}

// Observe records one tool call.
func (t *workflowTracker) Observe(name string, _ map[string]any) {
	switch name {
	case models.ToolWrite, models.ToolEdit, models.ToolMultiEdit:
		t.SubstantiveCalls++
		t.CodeChanges++
	case models.ToolShell, models.ToolRead, models.ToolGrep,
		models.ToolWebSearch, models.ToolWebFetch:
		t.SubstantiveCalls++
	case models.ToolQuestion:
		// Asking the user is not progress.
	default:
		// Task-management tools close the loop; other unknown tools count
		// as substantive work.
		if strings.Contains(name, "update_task_status") {
			t.LoopClosed = true
			return
		}
		t.SubstantiveCalls++
	}
}

// ShouldRemind reports whether the reminder is due. It flips Reminded so the
// reminder fires at most once.
func (t *workflowTracker) ShouldRemind() bool {
	if t.Reminded || t.LoopClosed {
		return false
	}
	if t.SubstantiveCalls < reminderThreshold || t.CodeChanges == 0 {
		return false
	}
	t.Reminded = true
	return true
}
