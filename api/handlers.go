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

package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/poiesic/idp/core"
)

// process stores an upload and queues a task for it.
func (s *Server) process(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: multipart field \"file\" is required", core.ErrValidation)
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !core.IsSupportedExtension(ext) {
		return fmt.Errorf("%w: unsupported file type %q, allowed: %s",
			core.ErrValidation, ext, strings.Join(core.SupportedExtensions, ", "))
	}
	if fh.Size > int64(s.maxUploadBytes) {
		return fmt.Errorf("%w: file exceeds maximum size of %d MB", core.ErrValidation, s.maxUploadBytes>>20)
	}
	cfg, err := s.processConfig(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(s.uploadDir, strings.ReplaceAll(uuid.NewString(), "-", "")+ext)
	if err := c.SaveFile(fh, dest); err != nil {
		return fmt.Errorf("save upload: %w", err)
	}

	ctx := c.UserContext()
	id, err := s.tasks.CreateTask(ctx, core.Descriptor{SourcePath: dest, SourceName: fh.Filename, Config: cfg})
	if err != nil {
		if id == 0 {
			os.Remove(dest)
		}
		return err
	}

	createdAt := s.createdAt(ctx, id)
	s.logger.Info("task queued", "task", id, "file", fh.Filename, "bytes", fh.Size)
	return c.Status(fiber.StatusAccepted).JSON(TaskAccepted{
		TaskID:    id,
		Status:    core.StatusPending,
		Message:   fmt.Sprintf("Processing started for '%s'", fh.Filename),
		CreatedAt: createdAt,
	})
}

func (s *Server) createdAt(ctx context.Context, id core.ID) time.Time {
	if task, err := s.tasks.GetStatus(ctx, id); err == nil {
		return task.CreatedAt
	}
	return time.Now().UTC()
}

// processConfig overlays submitted form fields on the server defaults.
func (s *Server) processConfig(c *fiber.Ctx) (core.ProcessConfig, error) {
	cfg := s.defaults
	cfg.Languages = append([]string(nil), s.defaults.Languages...)

	if v := c.FormValue("output_format"); v != "" {
		format, err := core.ParseOutputFormat(v)
		if err != nil {
			return cfg, err
		}
		cfg.OutputFormat = format
	}
	if v := c.FormValue("languages"); v != "" {
		cfg.Languages = strings.Split(v, ",")
		for i := range cfg.Languages {
			cfg.Languages[i] = strings.TrimSpace(cfg.Languages[i])
		}
	}
	var err error
	if cfg.EnableVLM, err = formBool(c, "enable_vlm", cfg.EnableVLM); err != nil {
		return cfg, err
	}
	if cfg.StoreInVectorDB, err = formBool(c, "store_in_vectordb", cfg.StoreInVectorDB); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize, err = formInt(c, "chunk_size", cfg.ChunkSize); err != nil {
		return cfg, err
	}
	if cfg.ChunkOverlap, err = formInt(c, "chunk_overlap", cfg.ChunkOverlap); err != nil {
		return cfg, err
	}
	return cfg, core.ValidateProcessConfig(cfg)
}

func formBool(c *fiber.Ctx, key string, def bool) (bool, error) {
	v := c.FormValue(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s must be a boolean", core.ErrValidation, key)
	}
	return b, nil
}

func formInt(c *fiber.Ctx, key string, def int) (int, error) {
	v := c.FormValue(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s must be an integer", core.ErrValidation, key)
	}
	return n, nil
}

// taskID parses the :id route parameter. A malformed ID names no task.
func taskID(c *fiber.Ctx) (core.ID, error) {
	raw := c.Params("id")
	id, err := core.ParseID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", core.ErrNotFound, raw)
	}
	return id, nil
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit < 1 {
		return fmt.Errorf("%w: limit must be positive", core.ErrValidation)
	}
	all, err := s.tasks.ListTasks(c.UserContext(), limit)
	if err != nil {
		return err
	}
	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(all)), Total: len(all)}
	for _, t := range all {
		resp.Tasks = append(resp.Tasks, newTaskResponse(t))
	}
	return c.JSON(resp)
}

func (s *Server) getTask(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	task, err := s.tasks.GetStatus(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(newTaskResponse(task))
}

func (s *Server) getResult(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	result, err := s.tasks.GetResult(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) download(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	task, err := s.tasks.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != core.StatusCompleted {
		return fiber.NewError(fiber.StatusBadRequest, "Task not yet completed")
	}
	body, format, err := s.tasks.LoadArtifact(ctx, id)
	if err != nil {
		return err
	}

	contentType := "text/markdown; charset=utf-8"
	if format == core.OutputFormatJSON {
		contentType = fiber.MIMEApplicationJSONCharsetUTF8
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="result_%s.%s"`, id, format.Extension()))
	return c.Send(body)
}

func (s *Server) cancel(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	task, err := s.tasks.Cancel(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(newTaskResponse(task))
}

func (s *Server) deleteTask(c *fiber.Ctx) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	if err := s.tasks.DeleteTask(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(MessageResponse{Message: fmt.Sprintf("Task '%s' deleted", id)})
}

func (s *Server) search(c *fiber.Ctx) error {
	req := SearchRequest{TopK: defaultTopK}
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed search request: %w", core.ErrValidation, err)
	}
	ctx := c.UserContext()
	for _, hc := range s.checks {
		if hc.name != ServiceVectorStore {
			continue
		}
		if err := s.probe(ctx, hc.check); err != nil {
			return fmt.Errorf("%w: vector store not available: %w", ErrServiceUnavailable, err)
		}
	}

	hits, err := s.searcher.Search(ctx, req.Query, req.TopK)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []core.SearchHit{}
	}
	return c.JSON(SearchResponse{Query: req.Query, Results: hits, Total: len(hits)})
}

// health reports degraded when the vector store probe fails. Other probes are
// informational.
func (s *Server) health(c *fiber.Ctx) error {
	ctx := c.UserContext()
	resp := HealthResponse{
		Status:   "healthy",
		Services: make(map[string]bool, len(s.checks)),
		Version:  s.version,
		Queue:    s.tasks.Stats(),
	}
	for _, hc := range s.checks {
		err := s.probe(ctx, hc.check)
		resp.Services[hc.name] = err == nil
		if err != nil {
			s.logger.Warn("health check failed", "service", hc.name, "err", err)
			if hc.name == ServiceVectorStore {
				resp.Status = "degraded"
			}
		}
	}
	return c.JSON(resp)
}

func (s *Server) probe(ctx context.Context, check HealthCheck) (err error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return check(ctx)
}
