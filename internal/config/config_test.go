package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp isolates the test from any .env in the package directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30, cfg.Frames.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Frames.MaxAge)
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.Equal(t, 100*time.Millisecond, cfg.Camera.Interval)
	assert.Equal(t, 0.6, cfg.Match.MaxDistance)
	assert.Equal(t, 0.6, cfg.Match.Threshold)
	assert.Equal(t, "euclidean", cfg.Match.Metric)
	assert.Equal(t, 30*time.Second, cfg.Worker.Timeout)
	assert.Equal(t, 0.5, cfg.Enroll.MinScore)
	assert.Equal(t, 64, cfg.Enroll.MinFacePx)
	assert.Equal(t, "http://localhost:11434/api/chat", cfg.Vision.URL)
	assert.Equal(t, "gemma3:4b", cfg.Vision.Model)
	assert.Equal(t, 60*time.Second, cfg.Vision.Timeout)
	assert.Equal(t, "sqlite", cfg.Registry.Driver)
	assert.Equal(t, "data/doorsight.db", cfg.Registry.DSN())
	assert.Equal(t, "data/captures", cfg.Captures.Dir)
	assert.Equal(t, "doorsight", cfg.Metrics.Namespace)
}

func TestLoad_EnvOverridesDotenv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"SERVER_PORT=9000\nMATCH_THRESHOLD=0.7\nFRAMES_MAX_AGE=5s\nLOG_LEVEL=debug\n"), 0o644))
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("MATCH_METRIC", "Cosine")
	t.Setenv("CAPTURES_DIR", "")
	t.Setenv("ENROLL_MIN_FACE_PX", "0")
	t.Setenv("ENROLL_MIN_SCORE", "0.8")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 0.7, cfg.Match.Threshold)
	assert.Equal(t, "cosine", cfg.Match.Metric)
	assert.Equal(t, 5*time.Second, cfg.Frames.MaxAge)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Empty(t, cfg.Captures.Dir)
	assert.Zero(t, cfg.Enroll.MinFacePx, "an explicit zero disables the face size check")
	assert.Equal(t, 0.8, cfg.Enroll.MinScore)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	dir := chdirTemp(t)

	_, err := Load(filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	chdirTemp(t)
	t.Setenv("VISION_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VISION_TIMEOUT")
}

func TestLoad_PostgresFallback(t *testing.T) {
	chdirTemp(t)
	t.Setenv("REGISTRY_DRIVER", "postgres")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "door")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "doorsight")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://door:secret@db:5432/doorsight", cfg.Registry.DSN())

	t.Setenv("DB_URL", "postgres://elsewhere/doors")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://elsewhere/doors", cfg.Registry.DSN())
}

func TestValidate(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "SERVER_PORT"},
		{"threshold", func(c *Config) { c.Match.Threshold = 1.5 }, "MATCH_THRESHOLD"},
		{"max distance", func(c *Config) { c.Match.MaxDistance = -1 }, "MATCH_MAX_DISTANCE"},
		{"metric", func(c *Config) { c.Match.Metric = "manhattan" }, "MATCH_METRIC"},
		{"driver", func(c *Config) { c.Registry.Driver = "mysql" }, "REGISTRY_DRIVER"},
		{"capacity", func(c *Config) { c.Frames.Capacity = 0 }, "FRAMES_CAPACITY"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
		{"vision url", func(c *Config) { c.Vision.URL = "not a url" }, "VISION_URL"},
		{"enroll score", func(c *Config) { c.Enroll.MinScore = 2 }, "ENROLL_MIN_SCORE"},
		{"enroll face size", func(c *Config) { c.Enroll.MinFacePx = -1 }, "ENROLL_MIN_FACE_PX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
