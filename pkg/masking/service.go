package masking

import (
	"log/slog"
)

// Service applies secret masking to strings headed for human eyes. Created
// once at startup; thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns []*CompiledPattern
	maskers  []Masker
}

// NewService creates a masking service with the builtin pattern catalogue
// compiled and the code-based maskers registered.
func NewService() *Service {
	s := &Service{
		patterns: compileBuiltinPatterns(),
		maskers:  []Masker{&EnvFileMasker{}},
	}
	slog.Debug("Masking service initialized",
		"compiled_patterns", len(s.patterns), "code_maskers", len(s.maskers))
	return s
}

// MaskString scrubs secret material out of the string. Code-based maskers run
// first (they understand structure), then the regex catalogue sweeps what is
// left. The empty string passes through untouched.
func (s *Service) MaskString(content string) string {
	if content == "" {
		return content
	}

	masked := content
	for _, m := range s.maskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// MaskMap returns a copy of the map with every string value masked. Non-string
// values pass through unchanged.
func (s *Service) MaskMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if str, ok := v.(string); ok {
			out[k] = s.MaskString(str)
			continue
		}
		out[k] = v
	}
	return out
}
