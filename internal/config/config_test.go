package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "chromem", cfg.Database.Vector.Backend)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, time.Minute, cfg.Memory.Schedule.Tick.Std())
}

func TestParse_EnvSubstitution(t *testing.T) {
	t.Setenv("NUKA_TEST_DSN", "postgres://u:p@db/nuka")
	cfg, err := Parse([]byte(`{
		"server": {"port": ${NUKA_TEST_PORT:9001}},
		"database": {"driver": "postgres", "postgres": {"dsn": "${NUKA_TEST_DSN}"}},
		"memory": {"compress": {"min_age": "2h", "batch_size": 50}, "ranking": {"tau": 3600}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db/nuka", cfg.Database.Postgres.DSN)
	assert.Equal(t, 2*time.Hour, cfg.Memory.Compress.MinAge.Std())
	assert.Equal(t, 50, cfg.Memory.Compress.BatchSize)
	assert.Equal(t, time.Hour, cfg.Memory.Ranking.Tau.Std())
}

func TestParse_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"driver":   `{"database": {"driver": "mysql"}}`,
		"dsn":      `{"database": {"driver": "postgres"}}`,
		"vector":   `{"database": {"vector": {"backend": "faiss"}}}`,
		"qdrant":   `{"database": {"vector": {"backend": "qdrant"}}}`,
		"duration": `{"memory": {"compress": {"min_age": "soon"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"log_level": "debug"}}`), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 8090, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
