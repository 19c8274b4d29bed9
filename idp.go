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

// Package idp wires the document pipeline together: storage, AI services,
// stage adapters, the task manager, search, reindexing and the HTTP API.
package idp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/ai/openai"
	"github.com/poiesic/idp/api"
	"github.com/poiesic/idp/config"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/extract"
	"github.com/poiesic/idp/output"
	"github.com/poiesic/idp/pipeline"
	"github.com/poiesic/idp/reindex"
	"github.com/poiesic/idp/search"
	"github.com/poiesic/idp/storage"
	"github.com/poiesic/idp/storage/badger"
	"github.com/poiesic/idp/tasks"
)

// Version is reported by the health endpoint and the CLI.
const Version = "1.0.0"

// Engine owns every long-lived component of the service.
type Engine struct {
	cfg        *config.Config
	backend    *badger.Backend
	taskRepo   storage.TaskRepository
	vectorRepo storage.VectorRepository
	outputs    *output.FileStore
	provider   ai.Provider
	recognizer extract.Recognizer
	pipeline   *pipeline.Pipeline
	manager    *tasks.Manager
	searcher   *search.Searcher
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	provider   ai.Provider
	parser     extract.Parser
	recognizer extract.Recognizer
	chunker    extract.Chunker
	monitor    pipeline.Monitor
	logger     *slog.Logger
}

// WithProvider replaces the OpenAI-compatible provider built from configuration.
func WithProvider(provider ai.Provider) EngineOption {
	return func(o *engineOptions) {
		o.provider = provider
	}
}

// WithParser replaces the PDF parser.
func WithParser(parser extract.Parser) EngineOption {
	return func(o *engineOptions) {
		o.parser = parser
	}
}

// WithRecognizer replaces the tesseract recognizer.
func WithRecognizer(recognizer extract.Recognizer) EngineOption {
	return func(o *engineOptions) {
		o.recognizer = recognizer
	}
}

// WithChunker replaces the text chunker.
func WithChunker(chunker extract.Chunker) EngineOption {
	return func(o *engineOptions) {
		o.chunker = chunker
	}
}

// WithPipelineMonitor receives stage callbacks for every task.
func WithPipelineMonitor(monitor pipeline.Monitor) EngineOption {
	return func(o *engineOptions) {
		o.monitor = monitor
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// Open builds an engine from cfg. Callers must Close it.
func Open(cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	options := &engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	e := &Engine{cfg: cfg, logger: options.logger}
	if err := e.open(options); err != nil {
		if cerr := e.Close(); cerr != nil {
			e.logger.Error("error cleaning up after failed open", "err", cerr)
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(options *engineOptions) error {
	var err error
	e.backend, err = badger.OpenBackend(e.cfg.Storage.DataDir, e.cfg.Storage.InMemory)
	if err != nil {
		return err
	}
	if e.taskRepo, err = badger.NewTaskRepository(e.backend); err != nil {
		return err
	}
	if e.vectorRepo, err = badger.NewVectorRepository(e.backend); err != nil {
		return err
	}
	if e.outputs, err = output.NewFileStore(e.cfg.Storage.OutputDir, output.WithLogger(e.logger)); err != nil {
		return err
	}

	e.provider = options.provider
	if e.provider == nil {
		aiCfg, err := e.cfg.AIConfig()
		if err != nil {
			return err
		}
		if e.provider, err = openai.NewProvider(aiCfg); err != nil {
			return err
		}
	}

	stages := pipeline.Stages{
		Parser:     options.parser,
		Recognizer: options.recognizer,
		Enhancer:   e.provider.Enhancer(),
		Chunker:    options.chunker,
		Embedder:   e.provider.Embedder(),
	}
	if stages.Parser == nil {
		stages.Parser = extract.NewPDFParser(extract.WithParserLogger(e.logger))
	}
	if stages.Recognizer == nil {
		stages.Recognizer = extract.NewTesseractRecognizer(
			extract.WithTesseractPath(e.cfg.OCR.TesseractPath),
			extract.WithPdftoppmPath(e.cfg.OCR.PdftoppmPath),
			extract.WithRasterDPI(e.cfg.OCR.DPI),
			extract.WithRecognizerLogger(e.logger),
		)
	}
	if stages.Chunker == nil {
		stages.Chunker = extract.NewTextChunker()
	}
	e.recognizer = stages.Recognizer

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(e.logger),
		pipeline.WithTaskTimeout(e.cfg.Pipeline.TaskTimeout),
	}
	if options.monitor != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithMonitor(options.monitor))
	}
	for stage := range pipeline.DefaultPolicies() {
		sc := e.cfg.Stage(stage)
		pipelineOpts = append(pipelineOpts, pipeline.WithStagePolicy(stage, pipeline.Policy{
			Timeout:    sc.Timeout,
			Retries:    sc.Retries,
			RetryDelay: sc.RetryDelay,
		}))
	}
	if e.pipeline, err = pipeline.NewPipeline(e.taskRepo, e.vectorRepo, e.outputs, stages, pipelineOpts...); err != nil {
		return err
	}

	managerOpts := []tasks.Option{
		tasks.WithQueueDepth(e.cfg.Pipeline.QueueDepth),
		tasks.WithLogger(e.logger),
	}
	if e.cfg.Pipeline.MaxConcurrency > 0 {
		managerOpts = append(managerOpts, tasks.WithMaxConcurrency(e.cfg.Pipeline.MaxConcurrency))
	}
	if e.cfg.Pipeline.ShutdownTimeout > 0 {
		managerOpts = append(managerOpts, tasks.WithShutdownTimeout(e.cfg.Pipeline.ShutdownTimeout))
	}
	if e.manager, err = tasks.NewManager(e.taskRepo, e.vectorRepo, e.outputs, e.pipeline, managerOpts...); err != nil {
		return err
	}

	e.searcher, err = search.NewSearcher(e.vectorRepo, e.provider.Embedder(),
		search.WithLogger(e.logger),
		search.WithMinSimilarity(e.cfg.Search.MinSimilarity),
		search.WithKeywordBoost(e.cfg.Search.KeywordBoost),
	)
	return err
}

// Close stops the task manager and releases storage and AI clients. Tasks still
// queued stay pending and are picked up by Recover on the next start.
func (e *Engine) Close() error {
	var errs []error
	if e.manager != nil {
		e.manager.Release()
	}
	if e.provider != nil {
		if err := e.provider.Close(); err != nil {
			e.logger.Error("error closing AI provider", "err", err)
			errs = append(errs, err)
		}
	}
	if e.vectorRepo != nil {
		if err := e.vectorRepo.Close(); err != nil {
			e.logger.Error("error closing vector repository", "err", err)
			errs = append(errs, err)
		}
	}
	if e.taskRepo != nil {
		if err := e.taskRepo.Close(); err != nil {
			e.logger.Error("error closing task repository", "err", err)
			errs = append(errs, err)
		}
	}
	if e.backend != nil && !e.backend.IsClosed() {
		if err := e.backend.Close(); err != nil {
			e.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

func (e *Engine) Manager() *tasks.Manager {
	return e.manager
}

func (e *Engine) Searcher() *search.Searcher {
	return e.searcher
}

func (e *Engine) VectorRepository() storage.VectorRepository {
	return e.vectorRepo
}

// Recover settles tasks left behind by a previous process.
func (e *Engine) Recover(ctx context.Context) (tasks.RecoverStats, error) {
	return e.manager.Recover(ctx)
}

// NewReindexer re-embeds stored chunks with the current embedding model.
func (e *Engine) NewReindexer(cfg *reindex.Config, progress io.Writer) (*reindex.Reindexer, error) {
	return reindex.NewReindexer(e.vectorRepo, e.provider.Embedder(), cfg, progress)
}

// NewServer builds the HTTP API with health checks for the engine's dependencies.
func (e *Engine) NewServer(opts ...api.Option) (*api.Server, error) {
	defaults, err := e.cfg.ProcessDefaults()
	if err != nil {
		return nil, err
	}
	base := []api.Option{
		api.WithLogger(e.logger),
		api.WithVersion(Version),
		api.WithUploadDir(e.cfg.Storage.UploadDir),
		api.WithMaxUploadBytes(e.cfg.Server.MaxUploadBytes()),
		api.WithProcessDefaults(defaults),
		api.WithAllowedOrigins(e.cfg.Server.AllowedOrigins...),
		api.WithTimeouts(e.cfg.Server.ReadTimeout, e.cfg.Server.WriteTimeout, e.cfg.Server.IdleTimeout),
		api.WithHealthCheck(api.ServiceVectorStore, e.checkVectorStore),
		api.WithHealthCheck("vlm", e.provider.Ping),
		api.WithHealthCheck("ocr", e.checkOCR),
	}
	return api.NewServer(e.manager, e.searcher, append(base, opts...)...)
}

func (e *Engine) checkVectorStore(ctx context.Context) error {
	if e.backend.IsClosed() {
		return errors.New("storage backend is closed")
	}
	_, err := e.vectorRepo.CountVectors(ctx)
	return err
}

// checkOCR only reports on the production recognizer; a replacement is
// assumed ready.
func (e *Engine) checkOCR(ctx context.Context) error {
	if _, ok := e.recognizer.(*extract.TesseractRecognizer); !ok {
		return nil
	}
	if _, err := exec.LookPath(e.cfg.OCR.TesseractPath); err != nil {
		return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}
	return nil
}
