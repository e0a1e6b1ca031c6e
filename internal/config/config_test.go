package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalJSON = `{
  "database": {"dsn": "postgres://app@localhost/rag?sslmode=disable"},
  "ai": {"embed_providers": [{"provider": "openai", "model": "text-embedding-3-small", "data": {"api_key": "${TEST_HYBRIDRAG_KEY}"}}]}
}`

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_HYBRIDRAG_KEY", "sk-test")
	cfg, err := Parse([]byte(minimalJSON), ".json")
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Port)
	require.Equal(t, "info", cfg.LogConfig.Level)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, 10, cfg.Database.MaxOpenConns)
	require.Equal(t, 5000, cfg.Database.AcquireTimeoutMS)
	require.Equal(t, 60, cfg.AI.Timeout)
	require.Equal(t, 4, cfg.AI.EmbedConcurrency)
	require.Equal(t, 5, cfg.Retrieval.TopK)
	require.Equal(t, 60, cfg.Retrieval.RRFK)
	require.Equal(t, 10, cfg.Retrieval.ResultLimit)
	require.Equal(t, 5, cfg.Retrieval.ContextLimit)
	require.Equal(t, "english", cfg.Retrieval.TextSearchConfig)
	require.Equal(t, 1000, cfg.Chunking.Size)
	require.Equal(t, 200, cfg.Chunking.Overlap)
	require.Equal(t, int64(20<<20), cfg.Ingest.MaxUploadBytes)
	require.Equal(t, AuthModeHeader, cfg.Auth.Mode)
	require.Equal(t, "openai:text-embedding-3-small", cfg.AI.EmbedProviders[0].Name)

	data, ok := cfg.AI.EmbedProviders[0].Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "sk-test", data["api_key"])
}

func TestParseYAML(t *testing.T) {
	raw := `
port: 9001
database:
  driver: memory
ai:
  embed_providers:
    - provider: Gemini
      model: text-embedding-004
  dimensions: 768
retrieval:
  top_k: 8
`
	cfg, err := Parse([]byte(raw), ".yaml")
	require.NoError(t, err)
	require.Equal(t, 9001, cfg.Port)
	require.Equal(t, DriverMemory, cfg.Database.Driver)
	require.Equal(t, "gemini", cfg.AI.EmbedProviders[0].Provider)
	require.Equal(t, 768, cfg.AI.Dimensions)
	require.Equal(t, 8, cfg.Retrieval.TopK)
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"missing db":       `{"ai":{"embed_providers":[{"provider":"openai","model":"m"}]}}`,
		"bad driver":       `{"database":{"driver":"sqlite"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]}}`,
		"no embedder":      `{"database":{"driver":"memory"}}`,
		"no model":         `{"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai"}]}}`,
		"overlap too big":  `{"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]},"chunking":{"size":100,"overlap":100}}`,
		"jwt no secret":    `{"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]},"auth":{"mode":"jwt"}}`,
		"bad archive":      `{"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]},"archive":{"type":"ftp"}}`,
		"db cache in mem":  `{"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]},"embed_cache":{"db_enabled":true}}`,
		"negative ratelim": `{"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]},"rate_limit_ms":-1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw), ".json")
			require.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":7000,"database":{"driver":"memory"},"ai":{"embed_providers":[{"provider":"openai","model":"m"}]}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "app", Password: "pw", DBName: "rag"}
	require.Equal(t, "host=db port=5432 user=app password=pw dbname=rag sslmode=disable", d.PostgresDSN())
	d.DSN = "postgres://x"
	require.Equal(t, "postgres://x", d.PostgresDSN())
}
