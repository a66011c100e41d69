// ABOUTME: Tests for the coven-editor command helpers
// ABOUTME: Covers config path resolution, generated configs, and the color log handler

package main

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-editor/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_EDITOR_CONFIG", "/etc/coven/editor.toml")
	assert.Equal(t, "/etc/coven/editor.toml", getConfigPath())

	t.Setenv("COVEN_EDITOR_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "editor.yaml"), getConfigPath())
}

func TestRenderConfig_Loads(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "editor.yaml")
	content := renderConfig(initAnswers{
		HTTPAddr:       "127.0.0.1:9000",
		AgentURL:       "http://localhost:8000",
		JWTSecret:      secret,
		WordPressURL:   "https://site.example",
		FallbackOrigin: "https://cdn.example",
		DBPath:         filepath.Join(dir, "editor.db"),
		LogLevel:       "debug",
		LogFormat:      "json",
	})
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, secret, cfg.Agent.JWTSecret)
	assert.Equal(t, "https://cdn.example", cfg.Editor.FallbackOrigin)
	assert.Empty(t, cfg.Editor.HostOrigin)
	assert.Equal(t, config.DefaultInitialCredits, cfg.Credits())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestGenerateSecret_Unique(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	b, err := generateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

func TestPrompt_Default(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\ncustom\n"))
	assert.Equal(t, "fallback", prompt(reader, "Q", "fallback"))
	assert.Equal(t, "custom", prompt(reader, "Q", "fallback"))
	assert.Equal(t, "eof", prompt(reader, "Q", "eof"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	h := &colorHandler{mu: &sync.Mutex{}, out: &out, level: slog.LevelInfo}
	logger := slog.New(h).With("component", "host")

	logger.Debug("hidden")
	logger.WithGroup("turn").Info("turn started", "turn_id", "t1")

	line := out.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "INF turn started")
	assert.Contains(t, line, "component=host")
	assert.Contains(t, line, "turn.turn_id=t1")
}
