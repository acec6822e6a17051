package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sibyl-dev/sibyl/pkg/graph"
)

var (
	sharedGraphAddr string
	graphOnce       sync.Once
	graphErr        error
)

// testEmbeddingDims keeps the vector index small in tests. Production uses
// 1536; correctness of index DDL and KNN queries does not depend on width.
const testEmbeddingDims = 8

// SetupTestGraph returns a graph driver backed by a shared FalkorDB
// container, isolated from other tests by a unique graph key prefix.
// - CI: connects to the external FalkorDB from CI_FALKORDB_ADDR
// - Local: uses a shared testcontainer (started once per package)
func SetupTestGraph(t *testing.T) *graph.Driver {
	addr := getOrCreateSharedGraph(t)

	prefix := generateGraphPrefix(t)
	driver := graph.NewDriver(graph.Config{
		Addr:          addr,
		KeyPrefix:     prefix,
		EmbeddingDims: testEmbeddingDims,
		QueryTimeout:  10 * time.Second,
	})
	require.NoError(t, driver.Ping(context.Background()))

	t.Cleanup(func() {
		// Graph keys under this prefix die with the test.
		for _, tenant := range []string{"acme", "globex", "bob"} {
			_ = driver.DeleteTenant(context.Background(), tenant)
		}
		_ = driver.Close()
	})
	return driver
}

// getOrCreateSharedGraph returns the address of the shared FalkorDB instance.
func getOrCreateSharedGraph(t *testing.T) string {
	if ciAddr := os.Getenv("CI_FALKORDB_ADDR"); ciAddr != "" {
		t.Log("Using external FalkorDB from CI_FALKORDB_ADDR")
		return ciAddr
	}

	graphOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared FalkorDB testcontainer for all tests")

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "falkordb/falkordb:latest",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForListeningPort("6379/tcp").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			graphErr = fmt.Errorf("failed to start falkordb container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			graphErr = fmt.Errorf("failed to get falkordb host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "6379/tcp")
		if err != nil {
			graphErr = fmt.Errorf("failed to get falkordb port: %w", err)
			return
		}

		sharedGraphAddr = fmt.Sprintf("%s:%s", host, port.Port())
		t.Logf("Shared FalkorDB ready: %s", sharedGraphAddr)
	})

	require.NoError(t, graphErr, "Failed to setup shared FalkorDB container")
	return sharedGraphAddr
}

// generateGraphPrefix creates a unique graph key prefix for the test so
// tenants named identically across tests land in distinct Redis keys.
func generateGraphPrefix(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 24 {
		name = name[:24]
	}

	randomBytes := make([]byte, 3)
	_, err := rand.Read(randomBytes)
	if err != nil {
		t.Fatalf("failed to generate random bytes for graph prefix: %v", err)
	}
	return fmt.Sprintf("t_%s_%s_", name, hex.EncodeToString(randomBytes))
}
