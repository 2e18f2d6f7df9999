package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"antares/internal/config"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.RunContext(context.Background(), append([]string{"antares"}, args...))
	return out.String(), err
}

func writeCatalogConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "antares.yaml")
	body := "database:\n  path: " + filepath.Join(dir, "catalog.db") + "\n" +
		"sources:\n  - name: Gate\n    locator: rtsp://gate/live\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSourcesCommands(t *testing.T) {
	cfgPath := writeCatalogConfig(t)

	out, err := runApp(t, "--config", cfgPath, "sources", "add", "--name", "Yard", "--locator", "http://yard/snapshot.jpg", "--confidence", "0.3")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.Len(t, id, 36)

	out, err = runApp(t, "--config", cfgPath, "sources", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Yard")
	assert.Contains(t, out, "0.30")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	sources, err := resolveSources(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "Gate", sources[0].Name)
	assert.Equal(t, "Yard", sources[1].Name)
	assert.Equal(t, 1, sources[1].ID)
	assert.Equal(t, 0.3, sources[1].Confidence)

	_, err = runApp(t, "--config", cfgPath, "sources", "remove", id)
	require.NoError(t, err)
	out, err = runApp(t, "--config", cfgPath, "sources", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "Yard")

	_, err = runApp(t, "--config", cfgPath, "sources", "remove", id)
	assert.Error(t, err)
}

func TestSourcesCommands_NeedCatalog(t *testing.T) {
	_, err := runApp(t, "sources", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "antares dev\n", out)
}

func TestServe_NoSources(t *testing.T) {
	_, err := runApp(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources configured")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "console"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = newLogger(config.LoggingConfig{Level: "error"}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}
