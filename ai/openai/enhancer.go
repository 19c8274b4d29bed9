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

package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Enhancer implements ai.Enhancer using an OpenAI-compatible chat API with
// image input.
type Enhancer struct {
	client      llms.Model
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

// newEnhancer is an internal constructor that returns the concrete type.
// Used by Provider to manage the instance.
func newEnhancer(config *ai.Config) (*Enhancer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.VLMHost),
		openai.WithToken(token(config)),
		openai.WithModel(config.VLMModel),
		openai.WithHTTPClient(&http.Client{Timeout: config.VLMTimeout}),
	)
	if err != nil {
		return nil, err
	}

	return &Enhancer{
		client:      client,
		model:       config.VLMModel,
		maxTokens:   config.VLMMaxTokens,
		temperature: config.VLMTemperature,
		logger:      slog.Default().With("component", "openai-enhancer"),
	}, nil
}

// NewEnhancer creates a new VLM enhancer using the provided configuration.
//
// Returns ai.Enhancer interface to enforce abstraction.
func NewEnhancer(config *ai.Config) (ai.Enhancer, error) {
	return newEnhancer(config)
}

// Enhance sends the OCR text, and the page image when present, to the model.
// Transport failures are classified so the pipeline can tell an unreachable
// endpoint from a bad response.
func (e *Enhancer) Enhance(ctx context.Context, req ai.EnhanceRequest) (*ai.Enhancement, error) {
	parts := make([]llms.ContentPart, 0, 2)
	if req.HasImage() {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/png"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.Image))
		parts = append(parts, llms.ImageURLPart(dataURL))
	}
	parts = append(parts, llms.TextPart(buildUserPrompt(req.Text)))

	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(buildSystemPrompt(req.Format))},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: parts,
		},
	}

	e.logger.Debug("sending document to VLM", "model", e.model, "text_length", len(req.Text), "image", req.HasImage())

	response, err := e.client.GenerateContent(ctx, content,
		llms.WithTemperature(e.temperature),
		llms.WithMaxTokens(e.maxTokens),
	)
	if err != nil {
		err = transportError(ctx, err)
		kind := core.ClassifyError(err)
		e.logger.Warn("VLM request failed", "kind", kind, "err", err)
		return nil, core.NewStageError(core.StageVLMEnhance, kind, "vlm request failed", err)
	}

	if len(response.Choices) < 1 || strings.TrimSpace(response.Choices[0].Content) == "" {
		return nil, core.NewStageError(core.StageVLMEnhance, core.ErrorKindInternal, "vlm returned an empty response", nil)
	}

	enhanced := stripCodeFence(response.Choices[0].Content)
	if req.Format == core.OutputFormatJSON {
		enhanced = repairJSON(enhanced)
	}

	e.logger.Info("VLM enhancement complete", "chars", len(enhanced))
	return &ai.Enhancement{
		Content: enhanced,
		Model:   e.model,
	}, nil
}
