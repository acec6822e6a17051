// Package graph implements the tenant-scoped FalkorDB driver: parameterized
// Cypher execution over the Redis protocol, per-tenant write serialization,
// reply normalization, and index bootstrap.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// Config holds FalkorDB connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to the tenant ID to form the graph key.
	KeyPrefix string

	// EmbeddingDims is the dimension of the vector index on Entity.embedding.
	EmbeddingDims int

	// QueryTimeout bounds single query execution server-side.
	QueryTimeout time.Duration
}

// TenantHeader is the HTTP header that carries the tenant id on API and MCP
// requests.
const TenantHeader = "X-Sibyl-Tenant"

// tenantIDPattern restricts tenant IDs to characters safe in a Redis key.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidTenantID reports whether id is acceptable as a tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

const (
	// fulltextIndexQuery creates the fulltext index backing keyword search.
	fulltextIndexQuery = `CALL db.idx.fulltext.createNodeIndex('Entity', 'name', 'description', 'content')`

	// episodicFulltextIndexQuery indexes the sanitized body of episodic nodes.
	episodicFulltextIndexQuery = `CALL db.idx.fulltext.createNodeIndex('Episodic', 'name', 'content_sanitized')`

	// vectorIndexQueryFmt creates the vector index backing semantic search.
	// The dimension is inlined because index DDL does not accept parameters.
	vectorIndexQueryFmt = `CREATE VECTOR INDEX FOR (e:Entity) ON (e.name_embedding) OPTIONS {dimension: %d, similarityFunction: 'cosine'}`
)

// Driver owns the connection to FalkorDB and hands out tenant-scoped handles.
// All tenants share one connection pool; writes are serialized per tenant.
type Driver struct {
	rdb     *redis.Client
	prefix  string
	dims    int
	timeout time.Duration

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// tenantState carries the per-tenant write lock and index bootstrap flag.
type tenantState struct {
	writeMu  sync.Mutex
	ensureMu sync.Mutex
	indexed  bool
}

// NewDriver creates a driver for the configured FalkorDB instance.
func NewDriver(cfg Config) *Driver {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Driver{
		rdb:     rdb,
		prefix:  cfg.KeyPrefix,
		dims:    cfg.EmbeddingDims,
		timeout: cfg.QueryTimeout,
		tenants: make(map[string]*tenantState),
	}
}

// Ping verifies connectivity.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the connection pool.
func (d *Driver) Close() error {
	return d.rdb.Close()
}

// Tenant returns a handle scoped to one tenant's graph.
func (d *Driver) Tenant(tenantID string) (*Handle, error) {
	if !ValidTenantID(tenantID) {
		return nil, models.NewValidationError("tenant_id", fmt.Sprintf("invalid tenant ID %q", tenantID))
	}
	return &Handle{
		d:      d,
		tenant: tenantID,
		key:    d.prefix + tenantID,
		state:  d.state(tenantID),
	}, nil
}

// DeleteTenant removes a tenant's graph entirely. Missing graphs are not an
// error so the call is safe to repeat.
func (d *Driver) DeleteTenant(ctx context.Context, tenantID string) error {
	if !ValidTenantID(tenantID) {
		return models.NewValidationError("tenant_id", fmt.Sprintf("invalid tenant ID %q", tenantID))
	}
	st := d.state(tenantID)
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	err := d.rdb.Do(ctx, "GRAPH.DELETE", d.prefix+tenantID).Err()
	if err != nil && !isEmptyKeyErr(err) {
		return classify(err)
	}

	// The next write must recreate the indexes.
	st.ensureMu.Lock()
	st.indexed = false
	st.ensureMu.Unlock()
	return nil
}

func (d *Driver) state(tenantID string) *tenantState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.tenants[tenantID]
	if !ok {
		st = &tenantState{}
		d.tenants[tenantID] = st
	}
	return st
}

// Handle executes queries against a single tenant's graph.
type Handle struct {
	d      *Driver
	tenant string
	key    string
	state  *tenantState
}

// TenantID returns the tenant this handle is scoped to.
func (h *Handle) TenantID() string {
	return h.tenant
}

// GraphKey returns the underlying Redis key.
func (h *Handle) GraphKey() string {
	return h.key
}

// Query runs a read-only query. Reads execute concurrently; FalkorDB
// schedules GRAPH.RO_QUERY alongside other readers.
func (h *Handle) Query(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	return h.run(ctx, "GRAPH.RO_QUERY", cypher, params)
}

// Write runs a mutating query. Writes to the same tenant graph are serialized
// through the tenant's write lock so concurrent callers cannot interleave
// multi-statement updates.
func (h *Handle) Write(ctx context.Context, cypher string, params map[string]any) (*Result, error) {
	h.state.writeMu.Lock()
	defer h.state.writeMu.Unlock()
	return h.run(ctx, "GRAPH.QUERY", cypher, params)
}

// EnsureIndexes creates the fulltext and vector indexes for this tenant's
// graph. Safe to call repeatedly; "already indexed" replies are expected
// after the first call.
func (h *Handle) EnsureIndexes(ctx context.Context) error {
	h.state.ensureMu.Lock()
	defer h.state.ensureMu.Unlock()
	if h.state.indexed {
		return nil
	}

	queries := []string{
		`CREATE INDEX FOR (e:Entity) ON (e.id)`,
		`CREATE INDEX FOR (e:Episodic) ON (e.id)`,
		fulltextIndexQuery,
		episodicFulltextIndexQuery,
		fmt.Sprintf(vectorIndexQueryFmt, h.d.dims),
	}
	for _, q := range queries {
		if _, err := h.Write(ctx, q, nil); err != nil && !isAlreadyIndexedErr(err) {
			return fmt.Errorf("create index: %w", err)
		}
	}

	h.state.indexed = true
	slog.Debug("Graph indexes ready", "tenant_id", h.tenant, "graph_key", h.key)
	return nil
}

// run encodes parameters, executes the command, and normalizes the reply.
func (h *Handle) run(ctx context.Context, cmd, cypher string, params map[string]any) (*Result, error) {
	prefix, err := EncodeParams(params)
	if err != nil {
		return nil, err
	}
	full := prefix + cypher

	args := []any{cmd, h.key, full}
	if h.d.timeout > 0 {
		args = append(args, "TIMEOUT", h.d.timeout.Milliseconds())
	}

	raw, err := h.d.rdb.Do(ctx, args...).Result()
	if err != nil {
		// Reading a graph that has never been written yields an "empty key"
		// reply. Treat it as an empty result rather than an error.
		if cmd == "GRAPH.RO_QUERY" && isEmptyKeyErr(err) {
			return &Result{}, nil
		}
		return nil, classify(err)
	}

	res, err := Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize reply: %w", err)
	}
	return res, nil
}

// classify separates transient failures (network, loading, timeouts) from
// fatal ones (the server parsed the query and rejected it). Callers retry
// transient failures only.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := strings.ToUpper(redisErr.Error())
		for _, prefix := range []string{"LOADING", "READONLY", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN"} {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%w: %v", models.ErrTransient, err)
			}
		}
		// A definitive server reply. Retrying the same query will not help.
		return err
	}

	// Everything below the protocol (dial failures, resets, pool timeouts).
	return fmt.Errorf("%w: %v", models.ErrTransient, err)
}

func isEmptyKeyErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "empty key")
}

func isAlreadyIndexedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already indexed") || strings.Contains(msg, "already exists")
}
