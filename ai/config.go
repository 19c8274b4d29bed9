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

package ai

import (
	"errors"
	"strings"
	"time"
)

// Config holds configuration for AI service providers.
type Config struct {
	// EmbeddingHost is the base URL for the embedding service API.
	// Example: "http://localhost:11434/v1" for local OpenAI-compatible server
	EmbeddingHost string

	// VLMHost is the base URL for the vision-language chat API.
	// Example: "http://localhost:11434/v1" for Ollama
	VLMHost string

	// EmbeddingModel is the model identifier to use for text embeddings.
	// Example: "embeddinggemma", "text-embedding-3-small"
	EmbeddingModel string

	// VLMModel is the vision-language model used to enhance OCR output.
	// Example: "gemma3:27b"
	VLMModel string

	// APIKey is sent as the bearer token. Local servers accept any value.
	APIKey string

	// VLMTimeout bounds a single enhancement request.
	// Default: 120s
	VLMTimeout time.Duration

	// VLMMaxTokens caps the length of the enhanced document.
	// Default: 4096
	VLMMaxTokens int

	// VLMTemperature is the sampling temperature for enhancement.
	// Default: 0.1
	VLMTemperature float64
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithEmbeddingHost sets the embedding service host URL.
func WithEmbeddingHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
	}
}

// WithVLMHost sets the vision-language service host URL.
func WithVLMHost(host string) ConfigOption {
	return func(c *Config) {
		c.VLMHost = host
	}
}

// WithHost sets both embedding and VLM hosts to the same URL.
func WithHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
		c.VLMHost = host
	}
}

// WithEmbeddingModel sets the embedding model identifier.
func WithEmbeddingModel(model string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingModel = model
	}
}

// WithVLMModel sets the vision-language model identifier.
func WithVLMModel(model string) ConfigOption {
	return func(c *Config) {
		c.VLMModel = model
	}
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithVLMTimeout sets the per-request enhancement timeout.
func WithVLMTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.VLMTimeout = d
	}
}

// WithVLMMaxTokens sets the completion token cap.
func WithVLMMaxTokens(n int) ConfigOption {
	return func(c *Config) {
		c.VLMMaxTokens = n
	}
}

// WithVLMTemperature sets the sampling temperature.
func WithVLMTemperature(t float64) ConfigOption {
	return func(c *Config) {
		c.VLMTemperature = t
	}
}

// DefaultConfig returns a Config with sensible defaults for a local Ollama server.
// By default, both embedding and VLM use the same host.
func DefaultConfig() *Config {
	defaultHost := "http://localhost:11434/v1"
	return &Config{
		EmbeddingHost:  defaultHost,
		VLMHost:        defaultHost,
		EmbeddingModel: "embeddinggemma",
		VLMModel:       "gemma3:27b",
		VLMTimeout:     120 * time.Second,
		VLMMaxTokens:   4096,
		VLMTemperature: 0.1,
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
//
// Example:
//
//	cfg := NewConfig(
//	    WithHost("http://localhost:11434"),
//	    WithVLMModel("llava:13b"),
//	)
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Normalize ensures the configuration is in a canonical form.
// It adds the /v1 suffix to hosts if missing, which OpenAI-compatible
// servers (Ollama, LocalAI, vLLM) expect.
func (c *Config) Normalize() {
	c.EmbeddingHost = normalizeHost(c.EmbeddingHost)
	c.VLMHost = normalizeHost(c.VLMHost)
}

func normalizeHost(host string) string {
	if host == "" || strings.HasSuffix(host, "/v1") {
		return host
	}
	return strings.TrimSuffix(host, "/") + "/v1"
}

// Validate checks that the configuration is valid and complete.
// It normalizes the configuration before validation.
func (c *Config) Validate() error {
	c.Normalize()

	if c.EmbeddingHost == "" {
		return errors.New("ai config: EmbeddingHost is required")
	}
	if c.VLMHost == "" {
		return errors.New("ai config: VLMHost is required")
	}
	if c.EmbeddingModel == "" {
		return errors.New("ai config: EmbeddingModel is required")
	}
	if c.VLMModel == "" {
		return errors.New("ai config: VLMModel is required")
	}
	if c.VLMTimeout <= 0 {
		return errors.New("ai config: VLMTimeout must be positive")
	}
	if c.VLMMaxTokens <= 0 {
		return errors.New("ai config: VLMMaxTokens must be positive")
	}
	if c.VLMTemperature < 0 || c.VLMTemperature > 2 {
		return errors.New("ai config: VLMTemperature must be between 0 and 2")
	}
	return nil
}
