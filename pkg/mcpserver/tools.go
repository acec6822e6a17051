package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
)

var (
	searchSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search text"},
			"kinds": {"type": "array", "items": {"type": "string"}, "description": "Restrict to entity kinds"},
			"limit": {"type": "integer", "description": "Maximum results (default 10)"}
		},
		"required": ["query"]
	}`)

	createEntitySchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"kind": {"type": "string", "description": "Entity kind, e.g. task, note, project"},
			"name": {"type": "string", "description": "Entity name"},
			"description": {"type": "string"},
			"content": {"type": "string"},
			"metadata": {"type": "object", "description": "Structured fields such as status, priority, project_id"}
		},
		"required": ["kind", "name"]
	}`)

	getEntitySchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Entity id"}
		},
		"required": ["id"]
	}`)

	updateTaskStatusSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Task entity id"},
			"status": {"type": "string", "enum": ["todo", "doing", "blocked", "review", "done", "archived"]}
		},
		"required": ["id", "status"]
	}`)

	addRelationshipSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"source_id": {"type": "string"},
			"target_id": {"type": "string"},
			"kind": {"type": "string", "enum": ["BELONGS_TO", "DEPENDS_ON", "REQUIRES", "PART_OF", "REFERENCES", "DERIVED_FROM", "RELATED_TO"]}
		},
		"required": ["source_id", "target_id", "kind"]
	}`)

	listTasksSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"status": {"type": "string", "description": "Filter by task status"},
			"project_id": {"type": "string"},
			"epic_id": {"type": "string"},
			"limit": {"type": "integer", "description": "Maximum results (default 50)"}
		}
	}`)
)

var taskStatuses = map[string]bool{
	models.TaskStatusTodo: true, models.TaskStatusDoing: true,
	models.TaskStatusBlocked: true, models.TaskStatusReview: true,
	models.TaskStatusDone: true, models.TaskStatusArchived: true,
}

// toolset binds the tool handlers to one tenant's managers. Tool-level
// failures come back as IsError results so the calling agent can read them;
// protocol errors are reserved for malformed frames.
type toolset struct {
	entities *entity.Manager
	rels     *relationship.Manager
}

func (t *toolset) search(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Query string   `json:"query"`
		Kinds []string `json:"kinds"`
		Limit int      `json:"limit"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	if args.Query == "" {
		return errorResult("query is required"), nil
	}

	kinds := make([]models.EntityKind, 0, len(args.Kinds))
	for _, k := range args.Kinds {
		kind := models.EntityKind(k)
		if !kind.Valid() {
			return errorResult(fmt.Sprintf("unknown entity kind %q", k)), nil
		}
		kinds = append(kinds, kind)
	}

	results, err := t.entities.Search(ctx, args.Query, kinds, args.Limit)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(results)
}

func (t *toolset) createEntity(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Kind        string         `json:"kind"`
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Content     string         `json:"content"`
		Metadata    map[string]any `json:"metadata"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	kind := models.EntityKind(args.Kind)
	if !kind.Valid() {
		return errorResult(fmt.Sprintf("unknown entity kind %q", args.Kind)), nil
	}

	e := &models.Entity{
		Kind:        kind,
		Name:        args.Name,
		Description: args.Description,
		Content:     args.Content,
		Metadata:    args.Metadata,
	}
	id, err := t.entities.CreateDirect(ctx, e, true)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	created, err := t.entities.Get(ctx, id)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(created)
}

func (t *toolset) getEntity(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		ID string `json:"id"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}

	e, err := t.entities.Get(ctx, args.ID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(e)
}

func (t *toolset) updateTaskStatus(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	if !taskStatuses[args.Status] {
		return errorResult(fmt.Sprintf("unknown task status %q", args.Status)), nil
	}

	existing, err := t.entities.Get(ctx, args.ID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if existing.Kind != models.KindTask {
		return errorResult(fmt.Sprintf("entity %s is a %s, not a task", args.ID, existing.Kind)), nil
	}

	updated, err := t.entities.Update(ctx, args.ID, map[string]any{"status": args.Status})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(updated)
}

func (t *toolset) addRelationship(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		SourceID string `json:"source_id"`
		TargetID string `json:"target_id"`
		Kind     string `json:"kind"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	kind := models.RelationshipKind(args.Kind)
	if !kind.Valid() {
		return errorResult(fmt.Sprintf("unknown relationship kind %q", args.Kind)), nil
	}

	rel := &models.Relationship{SourceID: args.SourceID, TargetID: args.TargetID, Kind: kind}
	id, err := t.rels.Create(ctx, rel)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"id":        id,
		"source_id": args.SourceID,
		"target_id": args.TargetID,
		"kind":      kind,
	})
}

func (t *toolset) listTasks(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Status    string `json:"status"`
		ProjectID string `json:"project_id"`
		EpicID    string `json:"epic_id"`
		Limit     int    `json:"limit"`
	}
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	if args.Status != "" && !taskStatuses[args.Status] {
		return errorResult(fmt.Sprintf("unknown task status %q", args.Status)), nil
	}

	tasks, err := t.entities.ListByType(ctx, models.KindTask, entity.ListOptions{
		Status:    args.Status,
		ProjectID: args.ProjectID,
		EpicID:    args.EpicID,
		Limit:     args.Limit,
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(tasks)
}

// decodeArgs unmarshals the call arguments, returning an IsError result on
// malformed input and nil when decoding succeeded.
func decodeArgs(req *mcpsdk.CallToolRequest, into any) *mcpsdk.CallToolResult {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, into); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	return nil
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
	}, nil
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
