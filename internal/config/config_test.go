package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(envOf(nil)))
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory://", cfg.Server.Database)
	assert.Equal(t, 1<<20, cfg.Server.MaxMessageSize)
	assert.Equal(t, "default", cfg.Agent.EditorID)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  collection: saves
  validDomains: [https://a.example]
agent:
  server: ws://mace.local:9000/
  discover: true
`), 0o600))

	t.Setenv("BACKEND_PORT", "9100")
	t.Setenv("MONGODB", "mongodb://db/mace")
	t.Setenv("GOOGLE_CLIENT_IDS", "one, two,,")
	t.Setenv("MACE_ADVERTISE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "saves", cfg.Server.Collection)
	assert.Equal(t, "mongodb://db/mace", cfg.Server.Database)
	assert.Equal(t, []string{"one", "two"}, cfg.Server.GoogleClientIDs)
	assert.Equal(t, []string{"https://a.example"}, cfg.Server.ValidDomains)
	assert.True(t, cfg.Server.Advertise)
	assert.Equal(t, "ws://mace.local:9000/", cfg.Agent.Server)
	assert.True(t, cfg.Agent.Discover)
	assert.Equal(t, ":8081", cfg.Agent.Listen)
}

func TestDatabaseURLWins(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(envOf(map[string]string{
		"MONGODB":      "mongodb://db/mace",
		"DATABASE_URL": "postgres://db/mace",
	})))
	assert.Equal(t, "postgres://db/mace", cfg.Server.Database)
}

func TestBadEnv(t *testing.T) {
	for _, env := range []map[string]string{
		{"BACKEND_PORT": "http"},
		{"MAX_MESSAGE_SIZE": "0"},
		{"MACE_ADVERTISE": "maybe"},
	} {
		cfg := Default()
		assert.Error(t, cfg.applyEnv(envOf(env)), "%v", env)
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
