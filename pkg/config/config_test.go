package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/config/provider"
)

const minimalYAML = `
llms:
  main:
    type: ollama
    model: llama3.2
agents:
  assistant:
    role: "General assistant"
    llm: main
`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Agents["assistant"].LLM)
	assert.Equal(t, "llama3.2", cfg.LLMs["main"].Model)
	assert.Equal(t, 128000, cfg.LLMs["main"].ContextWindow)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 2*time.Minute, cfg.Interceptors.DispatchTimeout)
	assert.Equal(t, 30*time.Second, cfg.Tools.Command.Timeout)
	assert.ElementsMatch(t, []string{"read", "write", "list"}, cfg.Tools.Sandbox.Operations)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("FRACTAL_TEST_KEY", "sk-test-123")
	t.Setenv("FRACTAL_TEST_PORT", "9000")

	cfg, err := Parse([]byte(`
llms:
  main:
    type: openai
    model: gpt-4o
    api_key: ${FRACTAL_TEST_KEY}
agents:
  assistant:
    llm: main
server:
  enabled: true
  port: ${FRACTAL_TEST_PORT:-8420}
`))
	require.NoError(t, err)

	assert.Equal(t, "sk-test-123", cfg.LLMs["main"].APIKey)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestParseEnvDefaultApplies(t *testing.T) {
	cfg, err := Parse([]byte(`
llms:
  main:
    type: ollama
    model: llama3.2
    host: ${FRACTAL_UNSET_HOST:-http://localhost:11434/v1}
agents:
  assistant:
    llm: main
`))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLMs["main"].Host)
}

func TestParseDefaultsFillAgentReferences(t *testing.T) {
	cfg, err := Parse([]byte(`
llms:
  main:
    type: ollama
    model: llama3.2
defaults:
  llm: main
agents:
  assistant:
    role: "Assistant"
  researcher:
    role: "Researcher"
`))
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Agents["assistant"].LLM)
	assert.Equal(t, "main", cfg.Agents["researcher"].LLM)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no agents",
			yaml:    "llms:\n  main:\n    type: ollama\n    model: llama3.2\n",
			wantErr: "at least one agent",
		},
		{
			name: "unknown llm reference",
			yaml: `
llms:
  main:
    type: ollama
    model: llama3.2
agents:
  assistant:
    llm: missing
`,
			wantErr: "unknown llm",
		},
		{
			name: "missing api key",
			yaml: `
llms:
  main:
    type: openai
    model: gpt-4o
agents:
  assistant:
    llm: main
`,
			wantErr: "api_key is required",
		},
		{
			name: "output reserve out of range",
			yaml: `
llms:
  main:
    type: ollama
    model: llama3.2
agents:
  assistant:
    llm: main
    output_reserve: 1.5
`,
			wantErr: "output_reserve",
		},
		{
			name: "jwt without jwks url",
			yaml: `
llms:
  main:
    type: ollama
    model: llama3.2
agents:
  assistant:
    llm: main
server:
  jwt:
    enabled: true
`,
			wantErr: "jwks_url",
		},
		{
			name: "bad log level",
			yaml: `
llms:
  main:
    type: ollama
    model: llama3.2
agents:
  assistant:
    llm: main
logging:
  level: verbose
`,
			wantErr: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("agents: [not: valid"))
	require.Error(t, err)
}

func TestLoaderLoadsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fractal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	src, err := provider.NewFile(path)
	require.NoError(t, err)
	loader := NewLoader(src)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cfg.Agents, "assistant")
}

func TestLoaderWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fractal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	src, err := provider.NewFile(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	loader := NewLoader(src, WithOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	updated := minimalYAML + "\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestLoaderWatchKeepsPreviousOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fractal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	src, err := provider.NewFile(path)
	require.NoError(t, err)

	reloads := make(chan *Config, 4)
	loader := NewLoader(src, WithOnChange(func(cfg *Config) { reloads <- cfg }))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	// Broken update never reaches the callback.
	require.NoError(t, os.WriteFile(path, []byte("agents: {}\n"), 0o644))
	select {
	case <-reloads:
		t.Fatal("invalid config should not be delivered")
	case <-time.After(500 * time.Millisecond):
	}

	// A fixed config does.
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))
	select {
	case cfg := <-reloads:
		assert.Contains(t, cfg.Agents, "assistant")
	case <-time.After(5 * time.Second):
		t.Fatal("valid reload was not observed")
	}
}

func TestProviderFactory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fractal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	p, err := provider.New(provider.Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, provider.TypeFile, p.Type())
	require.NoError(t, p.Close())

	_, err = provider.New(provider.Options{Type: "vault", Path: "secret/config"})
	require.Error(t, err)
}

func TestExpandEnvForms(t *testing.T) {
	t.Setenv("FRACTAL_SET", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${FRACTAL_SET}", "value"},
		{"$FRACTAL_SET", "value"},
		{"${FRACTAL_SET:-fallback}", "value"},
		{"${FRACTAL_NOT_SET:-fallback}", "fallback"},
		{"${FRACTAL_NOT_SET}", ""},
		{"prefix-${FRACTAL_SET}-suffix", "prefix-value-suffix"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnv(tt.in), "input %q", tt.in)
	}
}

func TestCoerceTyping(t *testing.T) {
	assert.Equal(t, true, coerce("true"))
	assert.Equal(t, false, coerce("FALSE"))
	assert.Equal(t, 42, coerce("42"))
	assert.Equal(t, 0.5, coerce("0.5"))
	assert.Equal(t, "plain", coerce("plain"))
}
