package masking

import (
	"log/slog"
	"regexp"
	"sort"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// pattern is the source form a CompiledPattern is built from.
type pattern struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns is the fixed catalogue of secret shapes scrubbed from every
// human-facing string. Keyed by name so tests can address patterns directly.
var builtinPatterns = map[string]pattern{
	"api_key": {
		Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
		Replacement: `api_key=__MASKED_API_KEY__`,
		Description: "API keys",
	},
	"password": {
		Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		Replacement: `password=__MASKED_PASSWORD__`,
		Description: "Passwords",
	},
	"bearer_token": {
		Pattern:     `(?i)bearer\s+([A-Za-z0-9_\-\.=]{16,})`,
		Replacement: `Bearer __MASKED_TOKEN__`,
		Description: "HTTP bearer tokens",
	},
	"token": {
		Pattern:     `(?i)(?:auth[_-]?token|access[_-]?token|token)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{16,})["']?`,
		Replacement: `token=__MASKED_TOKEN__`,
		Description: "Access tokens",
	},
	"secret_key": {
		Pattern:     `(?i)(?:secret[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.\/+=]{16,})["']?`,
		Replacement: `secret_key=__MASKED_SECRET_KEY__`,
		Description: "Secret and private keys",
	},
	"pem_block": {
		Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		Replacement: `__MASKED_PEM_BLOCK__`,
		Description: "PEM-encoded key material and certificates",
	},
	"ssh_key": {
		Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		Replacement: `__MASKED_SSH_KEY__`,
		Description: "SSH public keys",
	},
	"aws_access_key": {
		Pattern:     `\b(AKIA[A-Z0-9]{16})\b`,
		Replacement: `__MASKED_AWS_KEY__`,
		Description: "AWS access key ids",
	},
	"github_token": {
		Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
		Replacement: `__MASKED_GITHUB_TOKEN__`,
		Description: "GitHub tokens",
	},
	"slack_token": {
		Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
		Replacement: `__MASKED_SLACK_TOKEN__`,
		Description: "Slack tokens",
	},
	"anthropic_key": {
		Pattern:     `\bsk-ant-[A-Za-z0-9_\-]{20,}\b`,
		Replacement: `__MASKED_ANTHROPIC_KEY__`,
		Description: "Anthropic API keys",
	},
}

// compileBuiltinPatterns compiles the builtin table into a deterministic,
// name-ordered slice. Invalid patterns are logged and skipped so one bad
// entry cannot disable masking entirely.
func compileBuiltinPatterns() []*CompiledPattern {
	names := make([]string, 0, len(builtinPatterns))
	for name := range builtinPatterns {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*CompiledPattern, 0, len(names))
	for _, name := range names {
		p := builtinPatterns[name]
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
	return out
}
