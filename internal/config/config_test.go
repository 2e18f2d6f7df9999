package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "antares.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 640, cfg.Inference.InputSize)
	assert.Equal(t, 0.5, cfg.Inference.Confidence)
	assert.Equal(t, 960, cfg.Display.Width)
	assert.Equal(t, 540, cfg.Display.Height)
	assert.Zero(t, cfg.Pipeline.OpenRetries)
	assert.True(t, cfg.Inference.Shared)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
inference:
  backend: grpc
  endpoint: localhost:50051
  timeout: 3s
pipeline:
  open_retries: 2
  open_retry_delay: 250ms
sources:
  - locator: rtsp://cam1/live
  - name: Garage
    locator: http://cam2/snapshot.jpg
    width: 640
    height: 360
    confidence: 0.3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep their default")
	assert.Equal(t, "grpc", cfg.Inference.Backend)
	assert.Equal(t, 3*time.Second, cfg.Inference.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.OpenRetryDelay)

	sources := cfg.PipelineSources()
	require.Len(t, sources, 2)
	assert.Equal(t, 0, sources[0].ID)
	assert.Equal(t, "Camera 1", sources[0].Name)
	assert.Equal(t, 960, sources[0].Width)
	assert.Equal(t, 0.5, sources[0].Confidence)
	assert.Equal(t, 640, sources[0].InputSize)

	assert.Equal(t, 1, sources[1].ID)
	assert.Equal(t, "Garage", sources[1].Name)
	assert.Equal(t, 640, sources[1].Width)
	assert.Equal(t, 360, sources[1].Height)
	assert.Equal(t, 0.3, sources[1].Confidence)
}

func TestPipelineSources_AppendsExtra(t *testing.T) {
	cfg := Default()
	cfg.Sources = []SourceConfig{{Name: "a", Locator: "rtsp://a"}}

	sources := cfg.PipelineSources(SourceConfig{Name: "b", Locator: " rtsp://b "})
	require.Len(t, sources, 2)
	assert.Equal(t, "b", sources[1].Name)
	assert.Equal(t, "rtsp://b", sources[1].Locator)
	assert.Equal(t, 1, sources[1].ID)
	assert.Len(t, cfg.Sources, 1)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_PASSWORD", "s3cret")
	t.Setenv("JWT_EXPIRY", "1h")
	t.Setenv("ANTARES_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.Password)
	assert.Equal(t, time.Hour, cfg.Auth.JWTExpiry)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 70000
inference:
  backend: onnx
  confidence: 1.5
sources:
  - name: empty
`)
	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "inference.backend")
	assert.Contains(t, msg, "inference.confidence")
	assert.Contains(t, msg, "sources[0]: locator is required")
}

func TestLoad_AuthNeedsPassword(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.password")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "antares.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Sources, 4)
}
