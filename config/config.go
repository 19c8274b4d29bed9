// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service settings from an optional YAML file, a .env
// file, and IDP_ prefixed environment variables, in increasing precedence.
//
// Nested keys map to environment variables by replacing dots with
// underscores, so pipeline.stages.ocr.timeout is IDP_PIPELINE_STAGES_OCR_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "IDP"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	AI       AIConfig       `mapstructure:"ai"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	Chunking ChunkingConfig `mapstructure:"chunking"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Search   SearchConfig   `mapstructure:"search"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB    int           `mapstructure:"max_upload_mb"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MaxUploadBytes is the request body limit applied to uploads.
func (s *ServerConfig) MaxUploadBytes() int {
	return s.MaxUploadMB << 20
}

type StorageConfig struct {
	// DataDir holds the badger database with task records and vectors.
	DataDir   string `mapstructure:"data_dir"`
	InMemory  bool   `mapstructure:"in_memory"`
	OutputDir string `mapstructure:"output_dir"`
	UploadDir string `mapstructure:"upload_dir"`
}

type AIConfig struct {
	EmbeddingHost  string        `mapstructure:"embedding_host"`
	VLMHost        string        `mapstructure:"vlm_host"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	VLMModel       string        `mapstructure:"vlm_model"`
	APIKey         string        `mapstructure:"api_key"`
	VLMTimeout     time.Duration `mapstructure:"vlm_timeout"`
	VLMMaxTokens   int           `mapstructure:"vlm_max_tokens"`
	VLMTemperature float64       `mapstructure:"vlm_temperature"`
}

type OCRConfig struct {
	TesseractPath string   `mapstructure:"tesseract_path"`
	PdftoppmPath  string   `mapstructure:"pdftoppm_path"`
	DPI           int      `mapstructure:"dpi"`
	Languages     []string `mapstructure:"languages"`
}

type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

type StageConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type PipelineConfig struct {
	MaxConcurrency  int                    `mapstructure:"max_concurrency"`
	QueueDepth      int                    `mapstructure:"queue_depth"`
	TaskTimeout     time.Duration          `mapstructure:"task_timeout"`
	ShutdownTimeout time.Duration          `mapstructure:"shutdown_timeout"`
	EnableVLM       bool                   `mapstructure:"enable_vlm"`
	OutputFormat    string                 `mapstructure:"output_format"`
	StoreInVectorDB bool                   `mapstructure:"store_in_vectordb"`
	Stages          map[string]StageConfig `mapstructure:"stages"`
}

type SearchConfig struct {
	MinSimilarity float32 `mapstructure:"min_similarity"`
	KeywordBoost  float32 `mapstructure:"keyword_boost"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var stageDefaults = map[core.Stage]StageConfig{
	core.StageParse:         {Timeout: 2 * time.Minute, RetryDelay: time.Second},
	core.StageOCR:           {Timeout: 10 * time.Minute, RetryDelay: time.Second},
	core.StageVLMEnhance:    {Timeout: 5 * time.Minute, RetryDelay: time.Second},
	core.StageChunking:      {Timeout: time.Minute, RetryDelay: time.Second},
	core.StageVectorStore:   {Timeout: 5 * time.Minute, RetryDelay: time.Second},
	core.StagePersistOutput: {Timeout: time.Minute, RetryDelay: time.Second},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("storage.data_dir", "./data/idp.db")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.output_dir", "./data/outputs")
	v.SetDefault("storage.upload_dir", "./data/uploads")

	aiDefaults := ai.DefaultConfig()
	v.SetDefault("ai.embedding_host", aiDefaults.EmbeddingHost)
	v.SetDefault("ai.vlm_host", aiDefaults.VLMHost)
	v.SetDefault("ai.embedding_model", aiDefaults.EmbeddingModel)
	v.SetDefault("ai.vlm_model", aiDefaults.VLMModel)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.vlm_timeout", aiDefaults.VLMTimeout)
	v.SetDefault("ai.vlm_max_tokens", aiDefaults.VLMMaxTokens)
	v.SetDefault("ai.vlm_temperature", aiDefaults.VLMTemperature)

	processDefaults := core.DefaultProcessConfig()
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.dpi", 300)
	v.SetDefault("ocr.languages", processDefaults.Languages)

	v.SetDefault("chunking.size", processDefaults.ChunkSize)
	v.SetDefault("chunking.overlap", processDefaults.ChunkOverlap)

	v.SetDefault("pipeline.max_concurrency", 0)
	v.SetDefault("pipeline.queue_depth", 256)
	v.SetDefault("pipeline.task_timeout", 0)
	v.SetDefault("pipeline.shutdown_timeout", 30*time.Second)
	v.SetDefault("pipeline.enable_vlm", processDefaults.EnableVLM)
	v.SetDefault("pipeline.output_format", string(processDefaults.OutputFormat))
	v.SetDefault("pipeline.store_in_vectordb", processDefaults.StoreInVectorDB)
	// Per-stage keys need explicit defaults or AutomaticEnv never sees them.
	for stage, sc := range stageDefaults {
		prefix := "pipeline.stages." + string(stage) + "."
		v.SetDefault(prefix+"timeout", sc.Timeout)
		v.SetDefault(prefix+"retries", sc.Retries)
		v.SetDefault(prefix+"retry_delay", sc.RetryDelay)
	}

	v.SetDefault("search.min_similarity", 0.0)
	v.SetDefault("search.keyword_boost", 0.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
}

// Load reads configuration. An empty path uses defaults plus the environment;
// a non-empty path must name a readable file. A .env file in the working
// directory is applied before the environment is consulted.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("server.max_upload_mb must be positive"))
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required unless storage.in_memory is set"))
	}
	if c.Storage.OutputDir == "" {
		errs = append(errs, errors.New("storage.output_dir is required"))
	}
	if c.Pipeline.QueueDepth < 1 {
		errs = append(errs, errors.New("pipeline.queue_depth must be at least 1"))
	}
	if c.Pipeline.MaxConcurrency < 0 {
		errs = append(errs, errors.New("pipeline.max_concurrency must not be negative"))
	}
	if c.Pipeline.TaskTimeout < 0 {
		errs = append(errs, errors.New("pipeline.task_timeout must not be negative"))
	}
	for name, sc := range c.Pipeline.Stages {
		if _, ok := stageDefaults[core.Stage(name)]; !ok {
			errs = append(errs, fmt.Errorf("pipeline.stages: unknown stage %q", name))
			continue
		}
		if sc.Timeout <= 0 || sc.Retries < 0 {
			errs = append(errs, fmt.Errorf("pipeline.stages.%s: timeout must be positive and retries not negative", name))
		}
	}
	if _, err := c.ProcessDefaults(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logger.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logger.format %q must be text or json", c.Logger.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	return nil
}

// AIConfig converts the ai section into a validated provider configuration.
func (c *Config) AIConfig() (*ai.Config, error) {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(c.AI.EmbeddingHost),
		ai.WithVLMHost(c.AI.VLMHost),
		ai.WithEmbeddingModel(c.AI.EmbeddingModel),
		ai.WithVLMModel(c.AI.VLMModel),
		ai.WithAPIKey(c.AI.APIKey),
		ai.WithVLMTimeout(c.AI.VLMTimeout),
		ai.WithVLMMaxTokens(c.AI.VLMMaxTokens),
		ai.WithVLMTemperature(c.AI.VLMTemperature),
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessDefaults is the task configuration applied when a request omits options.
func (c *Config) ProcessDefaults() (core.ProcessConfig, error) {
	format, err := core.ParseOutputFormat(c.Pipeline.OutputFormat)
	if err != nil {
		return core.ProcessConfig{}, err
	}
	pc := core.ProcessConfig{
		OutputFormat:    format,
		EnableVLM:       c.Pipeline.EnableVLM,
		ChunkSize:       c.Chunking.Size,
		ChunkOverlap:    c.Chunking.Overlap,
		Languages:       append([]string(nil), c.OCR.Languages...),
		StoreInVectorDB: c.Pipeline.StoreInVectorDB,
	}
	if pc.ChunkSize <= 0 || pc.ChunkOverlap < 0 || pc.ChunkOverlap >= pc.ChunkSize {
		return core.ProcessConfig{}, fmt.Errorf("%w: chunking.size %d and chunking.overlap %d", core.ErrValidation, pc.ChunkSize, pc.ChunkOverlap)
	}
	return pc, nil
}

// Stage returns the settings for one stage, falling back to the built-in default.
func (c *Config) Stage(stage core.Stage) StageConfig {
	if sc, ok := c.Pipeline.Stages[string(stage)]; ok {
		return sc
	}
	return stageDefaults[stage]
}
