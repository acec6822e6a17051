package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/config"
)

func TestRulesAdmits(t *testing.T) {
	cases := []struct {
		name  string
		rules Rules
		path  string
		want  bool
	}{
		{"no patterns admit all", Rules{}, "/docs/setup", true},
		{"include subtree match", Rules{Include: []string{"/docs/**"}}, "/docs/a/b", true},
		{"include subtree root", Rules{Include: []string{"/docs/**"}}, "/docs", true},
		{"include miss", Rules{Include: []string{"/docs/**"}}, "/blog/post", false},
		{"exclude wins over include", Rules{Include: []string{"/docs/**"}, Exclude: []string{"*.pdf"}}, "/docs/manual.pdf", false},
		{"single segment glob", Rules{Exclude: []string{"/private/*"}}, "/private/key", false},
		{"basename glob", Rules{Exclude: []string{"*.png"}}, "/assets/logo.png", false},
		{"segment glob does not cross slashes", Rules{Exclude: []string{"/private/*"}}, "/private/a/b", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rules.admits(tc.path))
		})
	}
}

func TestCanonicalURL(t *testing.T) {
	u, err := url.Parse("https://Docs.Example.com/Guide/#install")
	require.NoError(t, err)
	assert.Equal(t, "https://docs.example.com/Guide", canonicalURL(u))

	root, err := url.Parse("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", canonicalURL(root))
}

func TestExtractLinks(t *testing.T) {
	base, err := url.Parse("https://example.com/docs/intro")
	require.NoError(t, err)

	links := extractLinks(`
		<a href="/docs/setup">setup</a>
		<a href="advanced">relative</a>
		<a href="https://other.com/page">offsite</a>
		<a href="#section">fragment</a>
		<a href="mailto:team@example.com">mail</a>
		<a href="/docs/api?version=2&amp;lang=go">api</a>
	`, base)

	got := make([]string, len(links))
	for i, l := range links {
		got[i] = l.String()
	}
	assert.Equal(t, []string{
		"https://example.com/docs/setup",
		"https://example.com/docs/advanced",
		"https://other.com/page",
		"https://example.com/docs/api?version=2&lang=go",
	}, got)
}

// testSite serves a small linked site and records which paths were requested.
type testSite struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	site := &testSite{}

	pages := map[string]string{
		"/": `<html><head><title>Home</title></head><body>
			<h1>Home</h1>
			<a href="/docs/one">one</a>
			<a href="/docs/two">two</a>
			<a href="/private/secret">secret</a>
			<a href="https://offsite.invalid/page">offsite</a>
		</body></html>`,
		"/docs/one": `<html><head><title>One</title></head><body>
			<p>First page.</p>
			<a href="/docs/deep">deep</a>
		</body></html>`,
		"/docs/two": `<html><head><title>Two</title></head><body>
			<p>Second page.</p>
		</body></html>`,
		"/docs/deep": `<html><head><title>Deep</title></head><body>
			<p>Nested page.</p>
			<a href="/docs/missing">broken</a>
		</body></html>`,
		"/private/secret": `<html><body><p>should stay out of the walk</p></body></html>`,
	}

	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.requests = append(site.requests, r.URL.Path)
		site.mu.Unlock()

		page, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	}))
	t.Cleanup(site.srv.Close)
	return site
}

func (s *testSite) requested(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.requests {
		if p == path {
			return true
		}
	}
	return false
}

func walkURLs(t *testing.T, f *Fetcher, root string, rules Rules) ([]string, WalkStats) {
	t.Helper()
	var visited []string
	stats, err := f.Walk(context.Background(), root, rules, func(_ context.Context, p *Page) error {
		visited = append(visited, p.URL)
		return nil
	})
	require.NoError(t, err)
	return visited, stats
}

func TestWalkFollowsSameHostLinks(t *testing.T) {
	site := newTestSite(t)
	f := NewFetcher(config.DefaultCrawlerConfig())

	visited, stats := walkURLs(t, f, site.srv.URL+"/", Rules{MaxDepth: 2, MaxPages: 100})

	assert.Len(t, visited, 5)
	assert.Equal(t, 5, stats.Fetched)
	assert.Equal(t, 0, stats.Failed)
	assert.True(t, site.requested("/docs/deep"))
	assert.False(t, site.requested("/page"), "offsite links must not be followed")
}

func TestWalkDepthLimit(t *testing.T) {
	site := newTestSite(t)
	f := NewFetcher(config.DefaultCrawlerConfig())

	visited, _ := walkURLs(t, f, site.srv.URL+"/", Rules{MaxDepth: 1, MaxPages: 100})

	assert.Len(t, visited, 4)
	assert.False(t, site.requested("/docs/deep"), "depth 2 page fetched despite MaxDepth 1")
}

func TestWalkMaxPages(t *testing.T) {
	site := newTestSite(t)
	f := NewFetcher(config.DefaultCrawlerConfig())

	_, stats := walkURLs(t, f, site.srv.URL+"/", Rules{MaxDepth: 3, MaxPages: 2})
	assert.Equal(t, 2, stats.Fetched)
}

func TestWalkExcludePatterns(t *testing.T) {
	site := newTestSite(t)
	f := NewFetcher(config.DefaultCrawlerConfig())

	visited, _ := walkURLs(t, f, site.srv.URL+"/", Rules{
		MaxDepth: 2, MaxPages: 100, Exclude: []string{"/private/**"},
	})

	assert.Len(t, visited, 4)
	assert.False(t, site.requested("/private/secret"))
}

func TestWalkRootFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(config.DefaultCrawlerConfig())
	_, err := f.Walk(context.Background(), srv.URL+"/", Rules{MaxDepth: 1}, func(context.Context, *Page) error {
		t.Fatal("visit must not run when the root fetch fails")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch root")
}

func TestWalkCountsBrokenLinks(t *testing.T) {
	site := newTestSite(t)
	f := NewFetcher(config.DefaultCrawlerConfig())

	// Depth 3 reaches the broken link on /docs/deep. The 404 is counted, not
	// fatal, and the rest of the walk still completes.
	visited, stats := walkURLs(t, f, site.srv.URL+"/", Rules{MaxDepth: 3, MaxPages: 100})

	assert.Equal(t, 5, stats.Fetched)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, visited, 5)
	assert.True(t, site.requested("/docs/missing"))
}

func TestWalkRejectsNonHTTPRoot(t *testing.T) {
	f := NewFetcher(config.DefaultCrawlerConfig())
	_, err := f.Walk(context.Background(), "ftp://example.com/", Rules{}, func(context.Context, *Page) error { return nil })
	require.Error(t, err)
}
