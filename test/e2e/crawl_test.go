package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// docsSite serves a tiny two-page documentation site and counts page hits.
func docsSite(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `<html><head><title>Docs Home</title></head>
<body><p>Welcome to the platform documentation.</p>
<a href="/guide">Setup guide</a></body></html>`)
	})
	mux.HandleFunc("/guide", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `<html><head><title>Setup Guide</title></head>
<body><p>Install the daemon and configure the frobnicator endpoint.</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func waitForCrawlStatus(t *testing.T, app *TestApp, tenant, sourceID, expected string) map[string]any {
	t.Helper()
	var src map[string]any
	require.Eventually(t, func() bool {
		src = app.getJSON(t, tenant, "/api/v1/entities/"+sourceID, http.StatusOK)
		return metaString(src, "crawl_status") == expected
	}, 30*time.Second, 200*time.Millisecond,
		"source %s never reached crawl_status %s (last: %s)",
		sourceID, expected, metaString(src, "crawl_status"))
	return src
}

func metaNumber(e map[string]any, key string) float64 {
	meta, _ := e["metadata"].(map[string]any)
	if meta == nil {
		return 0
	}
	v, _ := meta[key].(float64)
	return v
}

func TestCrawl_IngestsSiteIntoDocumentsAndChunks(t *testing.T) {
	app := NewTestApp(t)
	site, _ := docsSite(t)

	source := app.CreateEntity(t, tenantAcme, map[string]any{
		"kind": "source",
		"name": "platform docs",
		"metadata": map[string]any{
			"url":       site.URL,
			"max_depth": 2,
		},
	})
	sourceID := source["id"].(string)

	resp := app.postJSON(t, tenantAcme,
		"/api/v1/sources/"+sourceID+"/crawl", nil, http.StatusAccepted)
	require.NotEmpty(t, resp["job_id"])

	settled := waitForCrawlStatus(t, app, tenantAcme, sourceID, "completed")
	assert.EqualValues(t, 2, metaNumber(settled, "document_count"))
	assert.GreaterOrEqual(t, metaNumber(settled, "chunk_count"), float64(2))
	assert.NotEmpty(t, metaString(settled, "last_crawled_at"))
	assert.Empty(t, metaString(settled, "last_error"))

	// Both pages landed as document twins in the graph.
	docs := app.getJSON(t, tenantAcme, "/api/v1/entities?kind=document", http.StatusOK)
	names := make(map[string]string)
	for _, d := range asMaps(docs["entities"]) {
		names[d["name"].(string)] = d["id"].(string)
	}
	require.Contains(t, names, "Docs Home")
	require.Contains(t, names, "Setup Guide")

	// Document twins hang off the source via PART_OF.
	rels := app.getJSON(t, tenantAcme,
		"/api/v1/entities/"+names["Docs Home"]+"/relationships", http.StatusOK)
	var linked bool
	for _, r := range asMaps(rels["relationships"]) {
		if r["kind"] == "PART_OF" && r["target_id"] == sourceID {
			linked = true
		}
	}
	assert.True(t, linked, "document should be PART_OF its source")

	// Chunk content is reachable through graph search.
	found := app.postJSON(t, tenantAcme, "/api/v1/entities/search",
		map[string]any{"query": "frobnicator", "kinds": []string{"chunk"}}, http.StatusOK)
	assert.NotEmpty(t, asMaps(found["results"]))
}

func TestCrawl_SyncSkipsUnchangedPages(t *testing.T) {
	app := NewTestApp(t)
	site, hits := docsSite(t)

	source := app.CreateEntity(t, tenantAcme, map[string]any{
		"kind": "source",
		"name": "platform docs",
		"metadata": map[string]any{
			"url":       site.URL,
			"max_depth": 2,
		},
	})
	sourceID := source["id"].(string)

	app.postJSON(t, tenantAcme, "/api/v1/sources/"+sourceID+"/crawl", nil, http.StatusAccepted)
	first := waitForCrawlStatus(t, app, tenantAcme, sourceID, "completed")
	docsAfterFirst := metaNumber(first, "document_count")
	hitsAfterFirst := hits.Load()

	// Sync re-fetches but content hashes match, so nothing is re-ingested.
	app.postJSON(t, tenantAcme, "/api/v1/sources/"+sourceID+"/sync", nil, http.StatusAccepted)
	require.Eventually(t, func() bool {
		src := app.getJSON(t, tenantAcme, "/api/v1/entities/"+sourceID, http.StatusOK)
		return metaString(src, "crawl_status") == "completed" && hits.Load() > hitsAfterFirst
	}, 30*time.Second, 200*time.Millisecond)

	second := app.getJSON(t, tenantAcme, "/api/v1/entities/"+sourceID, http.StatusOK)
	assert.EqualValues(t, docsAfterFirst, metaNumber(second, "document_count"))
}

func TestCrawl_UnreachableSourceFails(t *testing.T) {
	app := NewTestApp(t)

	source := app.CreateEntity(t, tenantAcme, map[string]any{
		"kind": "source",
		"name": "dead docs",
		"metadata": map[string]any{
			// Reserved TEST-NET-1 address: connection refused fast.
			"url": "http://192.0.2.1:9/",
		},
	})
	sourceID := source["id"].(string)

	app.postJSON(t, tenantAcme, "/api/v1/sources/"+sourceID+"/crawl", nil, http.StatusAccepted)
	settled := waitForCrawlStatus(t, app, tenantAcme, sourceID, "failed")
	assert.NotEmpty(t, metaString(settled, "last_error"))
	assert.EqualValues(t, 0, metaNumber(settled, "document_count"))
}
