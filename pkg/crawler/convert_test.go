package crawler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagStripConverter(t *testing.T) {
	page := &Page{
		URL: "https://docs.example.com/guide",
		HTML: `<!DOCTYPE html>
<html>
<head>
  <title>Install Guide &amp; Setup</title>
  <style>body { color: red; }</style>
  <script>console.log("tracking");</script>
</head>
<body>
  <h1>Installation</h1>
  <p>Download the binary and follow <a href="/docs/setup">the setup steps</a>.</p>
  <h2>From source</h2>
  <pre><code class="language-go">package main

func main() {}
</code></pre>
  <ul><li>first step</li><li>second step</li></ul>
  <!-- build comment -->
</body>
</html>`,
	}

	title, md, err := TagStripConverter{}.Convert(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, "Install Guide & Setup", title)
	assert.Contains(t, md, "# Installation")
	assert.Contains(t, md, "## From source")
	assert.Contains(t, md, "```go")
	assert.Contains(t, md, "func main() {}")
	assert.Contains(t, md, "[the setup steps](/docs/setup)")
	assert.Contains(t, md, "- first step")
	assert.NotContains(t, md, "tracking")
	assert.NotContains(t, md, "color: red")
	assert.NotContains(t, md, "build comment")
	assert.NotContains(t, md, "<p>")
}

func TestTagStripConverterTitleFallback(t *testing.T) {
	page := &Page{URL: "https://example.com/x", HTML: `<body><h1>Only Heading</h1><p>text</p></body>`}
	title, md, err := TagStripConverter{}.Convert(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, "Only Heading", title)
	assert.Contains(t, md, "# Only Heading")
}

func TestTagStripConverterPlainPre(t *testing.T) {
	page := &Page{URL: "https://example.com/x", HTML: `<pre>raw block</pre>`}
	_, md, err := TagStripConverter{}.Convert(context.Background(), page)
	require.NoError(t, err)
	assert.Contains(t, md, "```\nraw block\n```")
}

func TestExtractHeadings(t *testing.T) {
	md := "# One\n\nbody text\n\n## Two\n\n### Three deep\nnot # a heading"
	assert.Equal(t, []string{"One", "Two", "Three deep"}, extractHeadings(md))
	assert.Nil(t, extractHeadings("no headings"))
}

func TestExtractCodeLanguages(t *testing.T) {
	md := "```go\nx\n```\n\n```python\ny\n```\n\n```go\nz\n```\n\n```\nplain\n```"
	assert.Equal(t, []string{"go", "python"}, extractCodeLanguages(md))
	assert.Nil(t, extractCodeLanguages("no fences here"))
}
