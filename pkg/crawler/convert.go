package crawler

import (
	"context"
	"html"
	"regexp"
	"sort"
	"strings"
)

// Converter turns a fetched page into a title and markdown body. Production
// deployments plug in an external conversion service; the built-in tag
// stripper keeps the pipeline functional without one.
type Converter interface {
	Convert(ctx context.Context, page *Page) (title, markdown string, err error)
}

// TagStripConverter is the fallback converter: it lifts the document title,
// maps h1-h6 to markdown headings, fences pre/code blocks with their
// language, rewrites anchors as markdown links, and strips every other tag.
type TagStripConverter struct{}

var (
	reTitleTag = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	reHeading  = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	rePre      = regexp.MustCompile(`(?is)<pre[^>]*>(.*?)</pre>`)
	reCodeOpen = regexp.MustCompile(`(?is)^\s*<code([^>]*)>`)
	reCodeLang = regexp.MustCompile(`language-([A-Za-z0-9_+#.-]+)`)
	reAnchor   = regexp.MustCompile(`(?is)<a\s[^>]*href\s*=\s*["']([^"'#][^"']*)["'][^>]*>(.*?)</a>`)
	reListItem = regexp.MustCompile(`(?i)<li[^>]*>`)
	reBreak    = regexp.MustCompile(`(?i)<(?:br\s*/?|/p|/div|/li|/ul|/ol|/tr|/table|/section|/article)>`)
	reAnyTag   = regexp.MustCompile(`(?s)<[^>]*>`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reBlanks   = regexp.MustCompile(`\n{3,}`)

	dropBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
		regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`),
		regexp.MustCompile(`(?is)<!--.*?-->`),
	}
)

func (TagStripConverter) Convert(_ context.Context, page *Page) (string, string, error) {
	doc := page.HTML

	title := ""
	if m := reTitleTag.FindStringSubmatch(doc); m != nil {
		title = inlineText(m[1])
	}

	for _, re := range dropBlocks {
		doc = re.ReplaceAllString(doc, " ")
	}

	doc = rePre.ReplaceAllStringFunc(doc, func(block string) string {
		inner := rePre.FindStringSubmatch(block)[1]
		lang := ""
		if open := reCodeOpen.FindStringSubmatch(inner); open != nil {
			if lm := reCodeLang.FindStringSubmatch(open[1]); lm != nil {
				lang = lm[1]
			}
			inner = reCodeOpen.ReplaceAllString(inner, "")
			inner = regexp.MustCompile(`(?is)</code>\s*$`).ReplaceAllString(inner, "")
		}
		inner = reAnyTag.ReplaceAllString(inner, "")
		return "\n\n```" + lang + "\n" + strings.Trim(inner, "\n") + "\n```\n\n"
	})

	doc = reHeading.ReplaceAllStringFunc(doc, func(h string) string {
		m := reHeading.FindStringSubmatch(h)
		level := int(m[1][0] - '0')
		return "\n\n" + strings.Repeat("#", level) + " " + inlineText(m[2]) + "\n\n"
	})

	doc = reAnchor.ReplaceAllStringFunc(doc, func(a string) string {
		m := reAnchor.FindStringSubmatch(a)
		text := inlineText(m[2])
		if text == "" {
			return " "
		}
		return "[" + text + "](" + m[1] + ")"
	})

	doc = reListItem.ReplaceAllString(doc, "\n- ")
	doc = reBreak.ReplaceAllString(doc, "\n")
	doc = reAnyTag.ReplaceAllString(doc, " ")
	doc = html.UnescapeString(doc)

	doc = reSpaces.ReplaceAllString(doc, " ")
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	doc = strings.Join(lines, "\n")
	doc = strings.TrimSpace(reBlanks.ReplaceAllString(doc, "\n\n"))

	if title == "" {
		title = firstHeading(doc)
	}
	return title, doc, nil
}

// inlineText flattens an HTML fragment to single-line text.
func inlineText(fragment string) string {
	s := reAnyTag.ReplaceAllString(fragment, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

var (
	reMDHeading = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	reMDFence   = regexp.MustCompile("(?m)^```([A-Za-z0-9_+#.-]+)\\s*$")
)

// extractHeadings returns the heading texts of a markdown document in order.
func extractHeadings(md string) []string {
	var out []string
	for _, m := range reMDHeading.FindAllStringSubmatch(md, -1) {
		out = append(out, strings.TrimSpace(m[2]))
	}
	return out
}

// firstHeading returns the first heading text, or "".
func firstHeading(md string) string {
	if m := reMDHeading.FindStringSubmatch(md); m != nil {
		return strings.TrimSpace(m[2])
	}
	return ""
}

// extractCodeLanguages returns the distinct fence languages of a markdown
// document, sorted.
func extractCodeLanguages(md string) []string {
	seen := make(map[string]bool)
	for _, m := range reMDFence.FindAllStringSubmatch(md, -1) {
		seen[strings.ToLower(m[1])] = true
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
