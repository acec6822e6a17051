package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

func TestTrackerRemindsAfterSubstantiveWork(t *testing.T) {
	tr := &workflowTracker{}

	tr.Observe(models.ToolRead, nil)
	tr.Observe(models.ToolGrep, nil)
	tr.Observe(models.ToolEdit, nil)
	tr.Observe(models.ToolShell, nil)
	assert.False(t, tr.ShouldRemind(), "below threshold")

	tr.Observe(models.ToolShell, nil)
	assert.True(t, tr.ShouldRemind())
	assert.False(t, tr.ShouldRemind(), "reminder fires once")
}

func TestTrackerRequiresCodeChange(t *testing.T) {
	tr := &workflowTracker{}
	for range 8 {
		tr.Observe(models.ToolRead, nil)
	}
	assert.False(t, tr.ShouldRemind(), "read-only sessions are not nagged")

	tr.Observe(models.ToolWrite, nil)
	assert.True(t, tr.ShouldRemind())
}

func TestTrackerClosedLoopSuppressesReminder(t *testing.T) {
	tr := &workflowTracker{}
	tr.Observe(models.ToolEdit, nil)
	tr.Observe(models.ToolEdit, nil)
	tr.Observe("mcp__sibyl__sibyl_update_task_status", nil)
	tr.Observe(models.ToolShell, nil)
	tr.Observe(models.ToolShell, nil)
	tr.Observe(models.ToolShell, nil)

	assert.False(t, tr.ShouldRemind())
}

func TestTrackerIgnoresQuestions(t *testing.T) {
	tr := &workflowTracker{}
	tr.Observe(models.ToolEdit, nil)
	for range 10 {
		tr.Observe(models.ToolQuestion, nil)
	}
	assert.Equal(t, 1, tr.SubstantiveCalls)
	assert.False(t, tr.ShouldRemind())
}

func TestTrackerCountsUnknownToolsAsSubstantive(t *testing.T) {
	tr := &workflowTracker{}
	tr.Observe(models.ToolMultiEdit, nil)
	for range 4 {
		tr.Observe("mcp__sibyl__sibyl_search", nil)
	}
	assert.True(t, tr.ShouldRemind())
}
