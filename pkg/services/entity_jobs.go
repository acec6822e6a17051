package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
)

// EntityJobs holds the queue handlers for asynchronous graph writes. The API
// enqueues these when the caller asks for extraction or fire-and-forget
// semantics; the handlers are idempotent under the entity ids carried in the
// job args.
type EntityJobs struct {
	entities      *entity.Factory
	relationships *relationship.Factory
}

// NewEntityJobs creates the handler set for entity write jobs.
func NewEntityJobs(entities *entity.Factory, relationships *relationship.Factory) *EntityJobs {
	return &EntityJobs{entities: entities, relationships: relationships}
}

// HandleCreateEntity is the create_entity job handler. With Extract set the
// write goes through the extraction path; otherwise it is a direct write with
// an embedding.
func (j *EntityJobs) HandleCreateEntity(ctx context.Context, job *models.Job) error {
	var args models.CreateEntityArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("unmarshal %s args: %w", job.Kind, err)
	}
	if args.Entity == nil {
		return models.NewValidationError("entity", "entity is required")
	}

	mgr, err := j.entities.ForTenant(job.TenantID)
	if err != nil {
		return err
	}

	var id string
	if args.Extract {
		id, err = mgr.Create(ctx, args.Entity)
	} else {
		id, err = mgr.CreateDirect(ctx, args.Entity, true)
	}
	if err != nil {
		return err
	}

	slog.Info("Entity created from job",
		"job_id", job.ID, "tenant_id", job.TenantID,
		"entity_id", id, "kind", args.Entity.Kind, "extract", args.Extract)
	return nil
}

// HandleUpdateEntity is the update_entity job handler.
func (j *EntityJobs) HandleUpdateEntity(ctx context.Context, job *models.Job) error {
	var args models.UpdateEntityArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("unmarshal %s args: %w", job.Kind, err)
	}
	if args.ID == "" {
		return models.NewValidationError("id", "required")
	}
	if len(args.Updates) == 0 {
		return models.NewValidationError("updates", "at least one field is required")
	}

	mgr, err := j.entities.ForTenant(job.TenantID)
	if err != nil {
		return err
	}
	if _, err := mgr.Update(ctx, args.ID, args.Updates); err != nil {
		return err
	}
	return nil
}

// HandleCreateLearningEpisode is the create_learning_episode job handler.
// The episode goes through the extraction path so its content enriches the
// graph; edges back to the originating agent and task are best-effort.
func (j *EntityJobs) HandleCreateLearningEpisode(ctx context.Context, job *models.Job) error {
	var args models.CreateLearningEpisodeArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("unmarshal %s args: %w", job.Kind, err)
	}
	if args.Name == "" {
		return models.NewValidationError("name", "required")
	}
	if args.Content == "" {
		return models.NewValidationError("content", "required")
	}

	mgr, err := j.entities.ForTenant(job.TenantID)
	if err != nil {
		return err
	}

	episode := &models.Entity{
		Kind:    models.KindEpisode,
		Name:    args.Name,
		Content: args.Content,
	}
	if args.AgentID != "" {
		episode.SetMeta("agent_id", args.AgentID)
	}
	if args.TaskID != "" {
		episode.SetMeta("task_id", args.TaskID)
	}

	id, err := mgr.Create(ctx, episode)
	if err != nil {
		return err
	}

	rels, err := j.relationships.ForTenant(job.TenantID)
	if err != nil {
		return err
	}
	link := func(target string, kind models.RelationshipKind) {
		if target == "" {
			return
		}
		if _, err := rels.Create(ctx, &models.Relationship{
			SourceID: id,
			TargetID: target,
			Kind:     kind,
		}); err != nil {
			slog.Warn("Failed to link learning episode",
				"episode_id", id, "target_id", target, "error", err)
		}
	}
	link(args.AgentID, models.RelDerivedFrom)
	link(args.TaskID, models.RelReferences)
	return nil
}
