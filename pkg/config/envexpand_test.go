package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "password: {{.SIBYL_DB_PASSWORD}}",
			env:   map[string]string{"SIBYL_DB_PASSWORD": "secret123"},
			want:  "password: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal $ in regex preserved",
			input: "regex: ^secret.*$",
			env:   map[string]string{},
			want:  "regex: ^secret.*$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "addr: {{.GRAPH_HOST}}:{{.GRAPH_PORT}}",
			env: map[string]string{
				"GRAPH_HOST": "falkor.internal",
				"GRAPH_PORT": "6379",
			},
			want: "addr: falkor.internal:6379",
		},
		{
			name:  "missing variable expands to empty",
			input: "token: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "token: ",
		},
		{
			name:  "special characters in expanded value",
			input: "password: {{.PASSWORD}}",
			env:   map[string]string{"PASSWORD": "p@ssw0rd!#$%"},
			want:  "password: p@ssw0rd!#$%",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	// Broken template syntax returns the original bytes so the YAML parser
	// can produce its own error message.
	input := []byte("value: {{.UNCLOSED")
	got := ExpandEnv(input)
	assert.Equal(t, input, got)
}

func TestExpandEnvYAMLRoundTrip(t *testing.T) {
	t.Setenv("SIBYL_TEST_HOST", "db.internal")

	input := []byte("database:\n  host: {{.SIBYL_TEST_HOST}}\n  port: 5432\n")
	expanded := ExpandEnv(input)

	var cfg Config
	require.NoError(t, yaml.Unmarshal(expanded, &cfg))
	require.NotNil(t, cfg.Database)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
}
