package masking

import (
	"strings"
)

// secretishKeywords flag an env-file variable name as carrying a secret.
var secretishKeywords = []string{
	"SECRET", "TOKEN", "PASSWORD", "PASSWD", "CREDENTIAL", "API_KEY", "APIKEY",
	"PRIVATE", "AUTH",
}

// EnvFileMasker masks values in dotenv-style bodies (KEY=value lines). File
// writes to .env files reach approval previews with the whole proposed body;
// the generic regex catalogue misses variables named things like DB_TOKEN_V2,
// so this masker handles the line structure directly.
type EnvFileMasker struct{}

func (m *EnvFileMasker) Name() string { return "env_file" }

// AppliesTo looks for at least one KEY=... line with an uppercase-ish name.
func (m *EnvFileMasker) AppliesTo(data string) bool {
	for _, line := range strings.Split(data, "\n") {
		if isEnvAssignment(line) {
			return true
		}
	}
	return false
}

// Mask replaces the value of every secret-ish assignment, leaving names,
// comments, and benign variables intact.
func (m *EnvFileMasker) Mask(data string) string {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		if !isEnvAssignment(line) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimSpace(trimExportPrefix(line)), "=")
		if !secretishName(name) {
			continue
		}
		prefix, _, _ := strings.Cut(line, "=")
		lines[i] = prefix + "=__MASKED_ENV_VALUE__"
	}
	return strings.Join(lines, "\n")
}

// isEnvAssignment reports whether the line looks like NAME=value with an
// identifier-shaped name.
func isEnvAssignment(line string) bool {
	trimmed := strings.TrimSpace(trimExportPrefix(line))
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	name, _, found := strings.Cut(trimmed, "=")
	if !found || name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func trimExportPrefix(line string) string {
	trimmed := strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(trimmed, "export "); ok {
		return rest
	}
	return trimmed
}

func secretishName(name string) bool {
	upper := strings.ToUpper(name)
	for _, kw := range secretishKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
