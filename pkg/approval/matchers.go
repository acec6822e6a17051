package approval

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

const previewLimit = 2000

// destructivePatterns is the fixed catalogue of shell operations that destroy
// data or rewrite history. All match case-insensitively against the whole
// command string.
var destructivePatterns = []*regexp.Regexp{
	// File removal.
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*\s+)*[^\s]+`),
	regexp.MustCompile(`(?i)\bshred\b`),
	// Forced history rewrite.
	regexp.MustCompile(`(?i)\bgit\s+push\s+[^|;&]*(--force\b|-f\b)`),
	regexp.MustCompile(`(?i)\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`(?i)\bgit\s+clean\s+-[a-z]*f`),
	regexp.MustCompile(`(?i)\bgit\s+branch\s+-[a-z]*D`),
	// Database drop/truncate.
	regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema|index)\b`),
	regexp.MustCompile(`(?i)\btruncate\s+(table\s+)?\w`),
	// Orchestrator deletions.
	regexp.MustCompile(`(?i)\bkubectl\s+delete\b`),
	// Container cleanup.
	regexp.MustCompile(`(?i)\bdocker\s+(system|container|volume|image)\s+prune\b`),
	regexp.MustCompile(`(?i)\bdocker\s+(rm|rmi)\b`),
}

// DestructiveCommandMatcher gates shell commands that match the destructive
// catalogue.
type DestructiveCommandMatcher struct{}

func (m *DestructiveCommandMatcher) Name() string { return "destructive_command" }

func (m *DestructiveCommandMatcher) Match(call models.ToolCall) *Match {
	if call.Name != models.ToolShell {
		return nil
	}
	command := call.StringInput("command")
	if command == "" {
		return nil
	}
	for _, re := range destructivePatterns {
		if re.MatchString(command) {
			return &Match{
				Kind:    KindDestructiveCommand,
				Title:   "Destructive shell command",
				Summary: fmt.Sprintf("Agent wants to run: %s", truncate(command, 120)),
				Preview: truncate(command, previewLimit),
			}
		}
	}
	return nil
}

// sensitiveFilePatterns flag a written path as carrying key material or
// credentials. Matched against the file's base name.
var sensitiveFilePatterns = []string{
	".env*", "*.pem", "*.key", "credentials*", "*password*", "secrets*", "id_rsa*",
}

// FileWriteMatcher gates every file write and edit unconditionally; writes
// into sensitive paths are additionally marked sensitive.
type FileWriteMatcher struct {
	// ExtraPatterns extends the built-in sensitive-path set from config.
	ExtraPatterns []string
}

func (m *FileWriteMatcher) Name() string { return "file_write" }

func (m *FileWriteMatcher) Match(call models.ToolCall) *Match {
	switch call.Name {
	case models.ToolWrite, models.ToolEdit, models.ToolMultiEdit:
	default:
		return nil
	}

	target := call.StringInput("file_path")
	if target == "" {
		target = call.StringInput("path")
	}

	preview := call.StringInput("content")
	if preview == "" {
		preview = call.StringInput("new_string")
	}

	return &Match{
		Kind:      KindFileWrite,
		Title:     fmt.Sprintf("File write: %s", lastSegments(target, 2)),
		Summary:   fmt.Sprintf("Agent wants to modify %s", target),
		Preview:   truncate(preview, previewLimit),
		Sensitive: m.sensitivePath(target),
	}
}

func (m *FileWriteMatcher) sensitivePath(target string) bool {
	if target == "" {
		return false
	}
	base := strings.ToLower(filepath.Base(target))
	for _, patterns := range [][]string{sensitiveFilePatterns, m.ExtraPatterns} {
		for _, p := range patterns {
			if ok, _ := path.Match(strings.ToLower(p), base); ok {
				return true
			}
		}
	}
	return false
}

// ExternalAPIMatcher gates web fetches whose host matches the configured
// high-risk domain set. An empty set gates nothing.
type ExternalAPIMatcher struct {
	HighRiskDomains []string
}

func (m *ExternalAPIMatcher) Name() string { return "external_api" }

func (m *ExternalAPIMatcher) Match(call models.ToolCall) *Match {
	if call.Name != models.ToolWebFetch {
		return nil
	}
	raw := call.StringInput("url")
	if raw == "" || len(m.HighRiskDomains) == 0 {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())

	for _, pattern := range m.HighRiskDomains {
		if hostMatches(strings.ToLower(pattern), host) {
			return &Match{
				Kind:    KindExternalAPI,
				Title:   fmt.Sprintf("External request to %s", host),
				Summary: fmt.Sprintf("Agent wants to fetch %s", truncate(raw, 200)),
				Preview: truncate(raw, previewLimit),
			}
		}
	}
	return nil
}

// hostMatches accepts exact hosts, subdomains of a bare domain pattern, and
// shell-style globs.
func hostMatches(pattern, host string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, _ := path.Match(pattern, host)
		return ok
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// UserQuestionMatcher intercepts question tool calls: the tool never runs,
// and the user's answers come back as its result.
type UserQuestionMatcher struct{}

func (m *UserQuestionMatcher) Name() string { return "user_question" }

func (m *UserQuestionMatcher) Match(call models.ToolCall) *Match {
	if call.Name != models.ToolQuestion {
		return nil
	}
	questions := call.StringInput("questions")
	if questions == "" {
		questions = call.StringInput("question")
	}
	return &Match{
		Kind:      KindUserQuestion,
		Title:     "Agent question",
		Summary:   truncate(questions, 200),
		Preview:   truncate(questions, previewLimit),
		Intercept: true,
	}
}

// DefaultMatchers returns the built-in matcher chain in gate order. The
// question matcher runs first because intercepts short-circuit everything
// else.
func DefaultMatchers(highRiskDomains, extraSensitivePatterns []string) []Matcher {
	return []Matcher{
		&UserQuestionMatcher{},
		&DestructiveCommandMatcher{},
		&FileWriteMatcher{ExtraPatterns: extraSensitivePatterns},
		&ExternalAPIMatcher{HighRiskDomains: highRiskDomains},
	}
}

// truncate clips s to max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}

// lastSegments returns the last n path segments, the way file paths are
// shortened for titles and previews.
func lastSegments(p string, n int) string {
	if p == "" {
		return ""
	}
	clean := filepath.ToSlash(p)
	parts := strings.Split(clean, "/")
	if len(parts) <= n {
		return strings.Join(parts, "/")
	}
	return strings.Join(parts[len(parts)-n:], "/")
}
