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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/idp"
	"github.com/poiesic/idp/config"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/reindex"
)

const configKey = "config"

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newApp builds the CLI. engineOpts are applied to every engine a command opens.
func newApp(stdout, stderr io.Writer, engineOpts ...idp.EngineOption) *cli.App {
	r := &runner{stdout: stdout, stderr: stderr, engineOpts: engineOpts}
	return &cli.App{
		Name:      "idp",
		Usage:     "Intelligent document processing: OCR, enhancement, chunking and semantic search",
		Version:   idp.Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"IDP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides logger.level",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Set log output format (text, json); overrides logger.format",
			},
		},
		Before: r.before,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the task workers",
				Action: r.serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (defaults to server.host:server.port)",
					},
				},
			},
			{
				Name:      "process",
				Usage:     "Process one document and wait for the result",
				ArgsUsage: "<file>",
				Action:    r.processCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format (markdown, json)",
					},
					&cli.BoolFlag{
						Name:  "no-vlm",
						Usage: "Skip the VLM enhancement stage",
					},
					&cli.BoolFlag{
						Name:  "no-store",
						Usage: "Do not store chunk vectors",
					},
					&cli.IntFlag{
						Name:  "chunk-size",
						Usage: "Chunk size in characters (defaults to chunking.size)",
					},
					&cli.IntFlag{
						Name:  "chunk-overlap",
						Usage: "Chunk overlap in characters (defaults to chunking.overlap)",
					},
					&cli.StringSliceFlag{
						Name:  "lang",
						Usage: "OCR language code, repeatable (defaults to ocr.languages)",
					},
					&cli.BoolFlag{
						Name:  "print",
						Usage: "Write the generated content to stdout",
					},
				},
			},
			{
				Name:      "status",
				Usage:     "Show a task as JSON",
				ArgsUsage: "<task-id>",
				Action:    r.statusCommand,
			},
			{
				Name:   "tasks",
				Usage:  "List recent tasks",
				Action: r.tasksCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of tasks to list",
						Value: 20,
					},
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a task with its vectors and output files",
				ArgsUsage: "<task-id>",
				Action:    r.deleteCommand,
			},
			{
				Name:      "search",
				Usage:     "Semantic search over stored chunks",
				ArgsUsage: "<query>",
				Action:    r.searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "top-k",
						Aliases: []string{"k"},
						Usage:   "Number of hits to return (1-50)",
						Value:   5,
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Re-embed stored chunks with the configured embedding model",
				Action: r.reindexCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of chunks to embed in each request",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N chunks",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts per embedding request",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
					&cli.StringFlag{
						Name:  "task",
						Usage: "Only reindex the chunks of this task",
					},
				},
			},
		},
	}
}

type runner struct {
	stdout     io.Writer
	stderr     io.Writer
	engineOpts []idp.EngineOption
}

// before loads configuration and installs the default logger.
func (r *runner) before(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.Logger.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logger.Format = c.String("log-format")
	}
	logger, err := newLogger(r.stderr, cfg.Logger)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func newLogger(w io.Writer, cfg config.LoggerConfig) (*slog.Logger, error) {
	levelStr := strings.ToLower(cfg.Level)

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q: must be text or json", cfg.Format)
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata[configKey].(*config.Config)
}

func (r *runner) openEngine(c *cli.Context, extra ...idp.EngineOption) (*idp.Engine, error) {
	opts := append([]idp.EngineOption{idp.WithLogger(slog.Default())}, r.engineOpts...)
	engine, err := idp.Open(configFrom(c), append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

func (r *runner) serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := r.openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	stats, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if stats.Failed > 0 || stats.Requeued > 0 {
		slog.Info("recovered tasks", "failed", stats.Failed, "requeued", stats.Requeued)
	}

	server, err := engine.NewServer()
	if err != nil {
		return err
	}
	addr := c.String("addr")
	if addr == "" {
		addr = engine.Config().Server.Address()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), engine.Config().Pipeline.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	return nil
}

func (r *runner) processCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("process requires exactly one file argument")
	}
	path, err := filepath.Abs(c.Args().First())
	if err != nil {
		return err
	}

	cfg := configFrom(c)
	pc, err := cfg.ProcessDefaults()
	if err != nil {
		return err
	}
	if c.IsSet("format") {
		if pc.OutputFormat, err = core.ParseOutputFormat(c.String("format")); err != nil {
			return err
		}
	}
	if c.Bool("no-vlm") {
		pc.EnableVLM = false
	}
	if c.Bool("no-store") {
		pc.StoreInVectorDB = false
	}
	if c.IsSet("chunk-size") {
		pc.ChunkSize = c.Int("chunk-size")
	}
	if c.IsSet("chunk-overlap") {
		pc.ChunkOverlap = c.Int("chunk-overlap")
	}
	if langs := c.StringSlice("lang"); len(langs) > 0 {
		pc.Languages = langs
	}

	engine, err := r.openEngine(c, idp.WithPipelineMonitor(&progressMonitor{w: r.stderr}))
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx := c.Context
	id, err := engine.Manager().CreateTask(ctx, core.Descriptor{
		SourcePath: path,
		SourceName: filepath.Base(path),
		Config:     pc,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(r.stderr, "Task %s queued for %s\n", id, filepath.Base(path))

	task, err := engine.Manager().Wait(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != core.StatusCompleted {
		if task.Error != nil {
			return fmt.Errorf("task %s %s at %s (%s): %s", id, task.Status, task.Error.Stage, task.Error.Kind, task.Error.Summary)
		}
		return fmt.Errorf("task %s %s", id, task.Status)
	}

	result := task.Result
	fmt.Fprintf(r.stderr, "Output: %s\nMetadata: %s\nChunks: %d\n", result.OutputPath, result.MetadataPath, result.ChunksCount)
	if c.Bool("print") {
		fmt.Fprintln(r.stdout, result.Content)
	}
	return nil
}

func parseTaskArg(c *cli.Context) (core.ID, error) {
	if c.NArg() != 1 {
		return 0, errors.New("expected exactly one task id")
	}
	return core.ParseID(c.Args().First())
}

func (r *runner) statusCommand(c *cli.Context) error {
	id, err := parseTaskArg(c)
	if err != nil {
		return err
	}
	engine, err := r.openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	task, err := engine.Manager().GetStatus(c.Context, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(r.stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(task)
}

func (r *runner) tasksCommand(c *cli.Context) error {
	engine, err := r.openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	all, err := engine.Manager().ListTasks(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Fprintln(r.stdout, "No tasks")
		return nil
	}

	tw := tabwriter.NewWriter(r.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tPROGRESS\tSOURCE\tCREATED")
	for _, t := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			t.Id, t.Status, t.CurrentStage, t.Progress, t.Input.Name(), t.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (r *runner) deleteCommand(c *cli.Context) error {
	id, err := parseTaskArg(c)
	if err != nil {
		return err
	}
	engine, err := r.openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Manager().DeleteTask(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(r.stdout, "Task %s deleted\n", id)
	return nil
}

func (r *runner) searchCommand(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("search requires a query")
	}
	engine, err := r.openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	hits, err := engine.Searcher().Search(c.Context, query, c.Int("top-k"))
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(r.stdout, "No matches")
		return nil
	}
	for i, hit := range hits {
		fmt.Fprintf(r.stdout, "%d. [%.3f] task %s, %s #%d\n   %s\n",
			i+1, hit.Score, hit.TaskID, hit.Source, hit.ChunkIndex, snippet(hit.ChunkText, 160))
	}
	return nil
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

func (r *runner) reindexCommand(c *cli.Context) error {
	reindexConfig := &reindex.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
	}
	if reindexConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reindexConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reindexConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}
	if c.IsSet("task") {
		id, err := core.ParseID(c.String("task"))
		if err != nil {
			return err
		}
		reindexConfig.TaskID = id
	}

	engine, err := r.openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	cfg := engine.Config()
	fmt.Fprintf(r.stderr, "Database: %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(r.stderr, "Embedding host: %s\n", cfg.AI.EmbeddingHost)
	fmt.Fprintf(r.stderr, "Embedding model: %s\n", cfg.AI.EmbeddingModel)
	fmt.Fprintln(r.stderr)

	reindexer, err := engine.NewReindexer(reindexConfig, r.stderr)
	if err != nil {
		return err
	}
	if _, err := reindexer.Run(c.Context); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	return nil
}
