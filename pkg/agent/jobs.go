package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// HandleRunJob is the run_agent_execution job handler.
func (r *Runner) HandleRunJob(ctx context.Context, job *models.Job) error {
	var args models.RunAgentArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("unmarshal %s args: %w", job.Kind, err)
	}
	return r.Spawn(ctx, job.TenantID, SpawnInput{
		AgentID:   args.AgentID,
		Prompt:    args.Prompt,
		AgentType: args.AgentType,
		ProjectID: args.ProjectID,
		TaskID:    args.TaskID,
	})
}

// HandleResumeJob is the resume_agent_execution job handler. A checkpoint id
// in the args switches from session re-attach to checkpoint reconstruction.
func (r *Runner) HandleResumeJob(ctx context.Context, job *models.Job) error {
	var args models.ResumeAgentArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("unmarshal %s args: %w", job.Kind, err)
	}
	if args.CheckpointID != "" {
		return r.ResumeFromCheckpoint(ctx, job.TenantID, args.CheckpointID, args.Prompt)
	}
	return r.ResumeAgent(ctx, job.TenantID, args.AgentID, args.Prompt)
}
