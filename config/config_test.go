package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/idp/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Address())
	assert.Equal(t, 50<<20, cfg.Server.MaxUploadBytes())
	assert.Equal(t, 256, cfg.Pipeline.QueueDepth)
	assert.Equal(t, 10*time.Minute, cfg.Stage(core.StageOCR).Timeout)
	assert.Zero(t, cfg.Stage(core.StageOCR).Retries)
	assert.Equal(t, "info", cfg.Logger.Level)

	defaults, err := cfg.ProcessDefaults()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultProcessConfig(), defaults)

	aiCfg, err := cfg.AIConfig()
	require.NoError(t, err)
	assert.Equal(t, "embeddinggemma", aiCfg.EmbeddingModel)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
storage:
  in_memory: true
  data_dir: ""
ai:
  embedding_host: http://embed:8080
pipeline:
  queue_depth: 8
  output_format: json
  stages:
    ocr:
      retries: 2
search:
  min_similarity: 0.25
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 8, cfg.Pipeline.QueueDepth)
	assert.Equal(t, 2, cfg.Stage(core.StageOCR).Retries)
	assert.Equal(t, 10*time.Minute, cfg.Stage(core.StageOCR).Timeout, "unset keys keep their defaults")
	assert.InDelta(t, 0.25, cfg.Search.MinSimilarity, 1e-6)

	defaults, err := cfg.ProcessDefaults()
	require.NoError(t, err)
	assert.Equal(t, core.OutputFormatJSON, defaults.OutputFormat)

	aiCfg, err := cfg.AIConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://embed:8080/v1", aiCfg.EmbeddingHost)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\n")
	t.Setenv("IDP_SERVER_PORT", "9200")
	t.Setenv("IDP_PIPELINE_STAGES_VLM_ENHANCE_TIMEOUT", "45s")
	t.Setenv("IDP_OCR_LANGUAGES", "en")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Stage(core.StageVLMEnhance).Timeout)
	assert.Equal(t, []string{"en"}, cfg.OCR.Languages)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"queue depth", "pipeline:\n  queue_depth: 0\n"},
		{"unknown stage", "pipeline:\n  stages:\n    translate:\n      timeout: 1s\n"},
		{"overlap", "chunking:\n  size: 100\n  overlap: 100\n"},
		{"format", "pipeline:\n  output_format: html\n"},
		{"log format", "logger:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}
