package cleanup

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/services"
	"github.com/sibyl-dev/sibyl/test/util"
)

func insertEvent(t *testing.T, db *sql.DB, channel string, age time.Duration) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(
		`INSERT INTO events (tenant_id, channel, payload, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		"acme", channel, `{"event":"agent_status"}`, time.Now().UTC().Add(-age),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	return n
}

func TestService_DeletesOnlyExpiredEvents(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	insertEvent(t, db, "tenant:acme", 96*time.Hour)
	insertEvent(t, db, "tenant:acme", 80*time.Hour)
	fresh := insertEvent(t, db, "tenant:acme", time.Minute)

	svc := NewService(&config.RetentionConfig{
		EventTTL:        72 * time.Hour,
		CleanupInterval: time.Hour,
	}, services.NewEventService(db))
	svc.cleanupOldEvents(ctx)

	assert.Equal(t, 1, countEvents(t, db))

	var id int64
	require.NoError(t, db.QueryRow(`SELECT id FROM events`).Scan(&id))
	assert.Equal(t, fresh, id)
}

func TestService_StartRunsImmediatelyAndStops(t *testing.T) {
	db := util.SetupTestDatabase(t)

	insertEvent(t, db, "tenant:acme", 96*time.Hour)

	svc := NewService(&config.RetentionConfig{
		EventTTL:        72 * time.Hour,
		CleanupInterval: time.Hour,
	}, services.NewEventService(db))
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return countEvents(t, db) == 0
	}, 5*time.Second, 50*time.Millisecond, "startup pass should delete the expired row")
}

func TestService_StopWithoutStartIsSafe(t *testing.T) {
	svc := NewService(nil, nil)
	svc.Stop()
}
