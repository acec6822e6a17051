package crawler

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/sibyl-dev/sibyl/pkg/config"
)

const (
	// maxPageBytes caps how much of a response body a single page may occupy.
	maxPageBytes = 10 << 20
	// maxDocumentLinks caps how many outgoing links are recorded per document.
	maxDocumentLinks = 100
)

// Page is one fetched page of a walk.
type Page struct {
	URL   string
	Depth int
	HTML  string
}

// Rules bound a walk. Include globs admit matching URL paths (empty admits
// everything), exclude globs veto afterwards; both use path.Match semantics
// with a trailing "/**" accepted as a subtree prefix.
type Rules struct {
	MaxDepth int
	MaxPages int
	Include  []string
	Exclude  []string
}

func (r Rules) admits(urlPath string) bool {
	if len(r.Include) > 0 && !matchAny(r.Include, urlPath) {
		return false
	}
	return !matchAny(r.Exclude, urlPath)
}

func matchAny(patterns []string, urlPath string) bool {
	for _, pattern := range patterns {
		if matchGlob(pattern, urlPath) {
			return true
		}
	}
	return false
}

// matchGlob matches pattern against a URL path. Patterns without a slash are
// also tried against the final path element so "*.pdf" works as expected.
func matchGlob(pattern, urlPath string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	if ok, err := path.Match(pattern, urlPath); err == nil && ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, err := path.Match(pattern, path.Base(urlPath))
		return err == nil && ok
	}
	return false
}

// WalkStats counts what a walk did.
type WalkStats struct {
	Fetched int
	Failed  int
}

// Fetcher retrieves pages over HTTP and walks same-host links breadth-first.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

func NewFetcher(cfg *config.CrawlerConfig) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.FetchTimeout},
		userAgent: cfg.UserAgent,
	}
}

// Walk fetches rootURL and descends same-host links breadth-first, invoking
// visit for every page that passes the rules. Fetch and visit failures are
// counted and skipped; a failed root or a cancelled context aborts the walk.
func (f *Fetcher) Walk(ctx context.Context, rootURL string, rules Rules, visit func(context.Context, *Page) error) (WalkStats, error) {
	var stats WalkStats

	root, err := url.Parse(rootURL)
	if err != nil {
		return stats, fmt.Errorf("parse source url %q: %w", rootURL, err)
	}
	if (root.Scheme != "http" && root.Scheme != "https") || root.Host == "" {
		return stats, fmt.Errorf("source url %q is not an absolute http(s) url", rootURL)
	}

	type frontierItem struct {
		target *url.URL
		depth  int
	}
	frontier := []frontierItem{{target: root}}
	seen := map[string]bool{canonicalURL(root): true}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if rules.MaxPages > 0 && stats.Fetched >= rules.MaxPages {
			break
		}

		cur := frontier[0]
		frontier = frontier[1:]

		body, err := f.fetchPage(ctx, cur.target.String())
		if err != nil {
			if cur.depth == 0 {
				return stats, fmt.Errorf("fetch root %s: %w", cur.target, err)
			}
			slog.Warn("Page fetch failed", "url", cur.target.String(), "error", err)
			stats.Failed++
			continue
		}
		stats.Fetched++

		page := &Page{URL: cur.target.String(), Depth: cur.depth, HTML: body}
		if err := visit(ctx, page); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			slog.Warn("Page ingest failed", "url", page.URL, "error", err)
			stats.Failed++
		}

		if cur.depth >= rules.MaxDepth {
			continue
		}
		for _, link := range extractLinks(body, cur.target) {
			if !strings.EqualFold(link.Host, root.Host) {
				continue
			}
			if !rules.admits(link.Path) {
				continue
			}
			key := canonicalURL(link)
			if seen[key] {
				continue
			}
			seen[key] = true
			frontier = append(frontier, frontierItem{target: link, depth: cur.depth + 1})
		}
	}
	return stats, nil
}

// fetchPage GETs one URL, rejecting non-2xx statuses and non-text content.
func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" &&
		!strings.Contains(ct, "html") && !strings.Contains(ct, "text/plain") {
		return "", fmt.Errorf("unsupported content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

var reHref = regexp.MustCompile(`(?is)<a\s[^>]*href\s*=\s*["']([^"']+)["']`)

// extractLinks resolves every anchor href on a page against base, dropping
// fragments and anything that is not http(s).
func extractLinks(body string, base *url.URL) []*url.URL {
	matches := reHref.FindAllStringSubmatch(body, -1)
	out := make([]*url.URL, 0, len(matches))
	for _, m := range matches {
		raw := strings.TrimSpace(html.UnescapeString(m[1]))
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		link := base.ResolveReference(ref)
		if link.Scheme != "http" && link.Scheme != "https" {
			continue
		}
		link.Fragment = ""
		out = append(out, link)
	}
	return out
}

// documentLinks returns the absolute link targets of a page, deduped in
// document order and capped at maxDocumentLinks.
func documentLinks(page *Page) []string {
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, link := range extractLinks(page.HTML, base) {
		s := link.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) >= maxDocumentLinks {
			break
		}
	}
	return out
}

// canonicalURL normalizes a URL for frontier dedup: no fragment, lowercase
// host, no trailing slash on non-root paths.
func canonicalURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Host = strings.ToLower(c.Host)
	if c.Path != "/" {
		c.Path = strings.TrimSuffix(c.Path, "/")
	}
	return c.String()
}
