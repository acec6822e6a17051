package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// HandlerFunc processes one claimed job. A nil return completes the job; an
// error fails it with the error text. The ctx carries the job timeout and is
// cancelled on shutdown, same-process cancellation, and cross-process agent
// cancellation.
type HandlerFunc func(ctx context.Context, job *models.Job) error

// Registry maps job kinds to handlers. Registration happens during startup
// wiring, before the pool starts; no locking after that.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job kind. Re-registering a kind replaces the
// previous handler.
func (r *Registry) Register(kind string, h HandlerFunc) {
	r.handlers[kind] = h
}

// Kinds returns the registered job kinds, for startup logging.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Execute implements JobExecutor by dispatching on job.Kind.
func (r *Registry) Execute(ctx context.Context, job *models.Job) error {
	h, ok := r.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobKind, job.Kind)
	}

	start := time.Now()
	err := h(ctx, job)
	slog.Debug("Job handler finished",
		"job_id", job.ID, "kind", job.Kind, "tenant_id", job.TenantID,
		"duration", time.Since(start), "error", err)
	return err
}
