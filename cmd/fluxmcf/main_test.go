package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/config"
)

func writeLayer(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	cli, err := parseFlags([]string{"-config", "a.yaml", "-c", "b.yaml", "-debug", "-shutdown-timeout", "3s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cli.ConfigPaths)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, 3*time.Second, cli.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cli.StartupTimeout)

	_, err = parseFlags([]string{"-unknown"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	layer := writeLayer(t, "base.yaml", "logging:\n  level: info\n")
	valid := CLIConfig{ConfigPaths: []string{layer}, ShutdownTimeout: time.Second, StartupTimeout: time.Second}
	require.NoError(t, validateFlags(&valid))

	missing := valid
	missing.ConfigPaths = []string{filepath.Join(t.TempDir(), "none.yaml")}
	assert.Error(t, validateFlags(&missing))

	badLevel := valid
	badLevel.LogLevel = "trace"
	assert.Error(t, validateFlags(&badLevel))

	badFormat := valid
	badFormat.LogFormat = "xml"
	assert.Error(t, validateFlags(&badFormat))

	version := CLIConfig{ShowVersion: true}
	assert.NoError(t, validateFlags(&version))
}

func TestLoadConfig(t *testing.T) {
	base := writeLayer(t, "base.yaml", `
logging:
  level: info
  format: json
remote_services:
  camera:
    sendConnection: nats:camera.out
    receiveConnection: nats:camera.in
    sendRules:
      - topic_local: /camera/image
`)
	site := writeLayer(t, "site.json", `{"recorder": {"enabled": true, "ext_mem_topics": ["/camera/image"]}}`)

	cfg, err := loadConfig(&CLIConfig{ConfigPaths: []string{base, site}, LogFormat: "text"})
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Recorder.Enabled)
	assert.Equal(t, []string{"/camera/image"}, cfg.Recorder.ExtMemTopics)
	assert.True(t, usesNATS(cfg.RemoteServices))
}

func TestUsesNATS(t *testing.T) {
	assert.False(t, usesNATS(nil))
	assert.False(t, usesNATS(map[string]config.RemoteServiceConfig{
		"a": {SendConnection: "ws://host:1/x", ReceiveConnection: "mem:a"},
	}))
	assert.True(t, usesNATS(map[string]config.RemoteServiceConfig{
		"a": {SendConnection: "ws://host:1/x", ReceiveConnection: "nats:a.in"},
	}))
}

func TestSetupLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "fluxmcf.log")
	logger, closer := setupLogger(config.LoggingConfig{Level: "debug", Format: "text", File: file, MaxSizeMB: 1})
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "service=fluxmcf")

	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
