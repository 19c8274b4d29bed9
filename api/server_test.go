package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/tasks"
)

// fakeTasks is an in-memory TaskService.
type fakeTasks struct {
	mu        sync.Mutex
	next      core.ID
	tasks     map[core.ID]*core.Task
	artifacts map[core.ID][]byte
	created   []core.Descriptor
	createErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: map[core.ID]*core.Task{}, artifacts: map[core.ID][]byte{}}
}

func (f *fakeTasks) CreateTask(ctx context.Context, input core.Descriptor) (core.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := core.ValidateDescriptor(input); err != nil {
		return 0, err
	}
	f.next++
	task := core.NewTask(input)
	task.Id = f.next
	task.CreatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.tasks[task.Id] = task
	f.created = append(f.created, input)
	return task.Id, f.createErr
}

func (f *fakeTasks) put(task *core.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.Id] = task
}

func (f *fakeTasks) GetStatus(ctx context.Context, id core.ID) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return task.Clone(), nil
}

func (f *fakeTasks) GetResult(ctx context.Context, id core.ID) (*core.Result, error) {
	task, err := f.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case core.StatusCompleted:
		return task.Result, nil
	case core.StatusFailed:
		return nil, &core.TaskFailedError{TaskID: id, Stage: task.Error.Stage, Kind: task.Error.Kind, Summary: task.Error.Summary}
	}
	return nil, core.ErrNotReady
}

func (f *fakeTasks) LoadArtifact(ctx context.Context, id core.ID) ([]byte, core.OutputFormat, error) {
	task, err := f.GetStatus(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return f.artifacts[id], task.Result.OutputFormat, nil
}

func (f *fakeTasks) Cancel(ctx context.Context, id core.ID) (*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	_ = task.Cancel()
	return task.Clone(), nil
}

func (f *fakeTasks) DeleteTask(ctx context.Context, id core.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return core.ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeTasks) ListTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*core.Task, 0, len(f.tasks))
	for id := f.next; id > 0 && len(out) < limit; id-- {
		if task, ok := f.tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

func (f *fakeTasks) Stats() tasks.Stats {
	return tasks.Stats{Running: 1, Queued: 2, Capacity: 4}
}

type fakeSearcher struct {
	hits  []core.SearchHit
	err   error
	query string
	topK  int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int) ([]core.SearchHit, error) {
	f.query, f.topK = query, topK
	return f.hits, f.err
}

type testServer struct {
	server    *Server
	tasks     *fakeTasks
	searcher  *fakeSearcher
	uploadDir string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	ts := &testServer{tasks: newFakeTasks(), searcher: &fakeSearcher{}, uploadDir: t.TempDir()}
	opts = append([]Option{WithUploadDir(ts.uploadDir)}, opts...)
	server, err := NewServer(ts.tasks, ts.searcher, opts...)
	require.NoError(t, err)
	ts.server = server
	return ts
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := ts.server.App().Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/process", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func TestProcess_Accepted(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, uploadRequest(t, "Scan.PDF", []byte("%PDF-1.4"), map[string]string{
		"output_format": "json",
		"languages":     "en, ch_tra",
		"enable_vlm":    "false",
		"chunk_size":    "256",
		"chunk_overlap": "20",
	}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var accepted TaskAccepted
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, core.ID(1), accepted.TaskID)
	assert.Equal(t, core.StatusPending, accepted.Status)
	assert.Contains(t, accepted.Message, "Scan.PDF")
	assert.Equal(t, 2025, accepted.CreatedAt.Year())

	require.Len(t, ts.tasks.created, 1)
	input := ts.tasks.created[0]
	assert.Equal(t, "Scan.PDF", input.SourceName)
	assert.Equal(t, ts.uploadDir, filepath.Dir(input.SourcePath))
	assert.Equal(t, ".pdf", filepath.Ext(input.SourcePath))
	assert.NotContains(t, filepath.Base(input.SourcePath), "Scan")
	assert.Equal(t, core.ProcessConfig{
		OutputFormat:    core.OutputFormatJSON,
		EnableVLM:       false,
		ChunkSize:       256,
		ChunkOverlap:    20,
		Languages:       []string{"en", "ch_tra"},
		StoreInVectorDB: true,
	}, input.Config)

	saved, err := os.ReadFile(input.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(saved))
}

func TestProcess_Defaults(t *testing.T) {
	defaults := core.DefaultProcessConfig()
	defaults.EnableVLM = false
	ts := newTestServer(t, WithProcessDefaults(defaults))

	resp, _ := ts.do(t, uploadRequest(t, "photo.png", []byte("png"), nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, defaults, ts.tasks.created[0].Config)
}

func TestProcess_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		contains string
	}{
		{"missing file", "", nil, "file"},
		{"unsupported type", "notes.docx", nil, "unsupported file type"},
		{"bad format", "a.pdf", map[string]string{"output_format": "html"}, "output format"},
		{"bad overlap", "a.pdf", map[string]string{"chunk_size": "100", "chunk_overlap": "100"}, "chunk_overlap"},
		{"bad bool", "a.pdf", map[string]string{"enable_vlm": "maybe"}, "enable_vlm"},
		{"bad int", "a.pdf", map[string]string{"chunk_size": "big"}, "chunk_size"},
		{"empty language", "a.pdf", map[string]string{"languages": "en,,ch_tra"}, "language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			resp, body := ts.do(t, uploadRequest(t, tt.filename, []byte("data"), tt.fields))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, errorOf(t, body), tt.contains)
			assert.Empty(t, ts.tasks.created)

			entries, err := os.ReadDir(ts.uploadDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "rejected uploads leave nothing behind")
		})
	}
}

func TestProcess_TooLarge(t *testing.T) {
	ts := newTestServer(t, WithMaxUploadBytes(1<<20))
	resp, body := ts.do(t, uploadRequest(t, "big.pdf", bytes.Repeat([]byte("x"), 1<<20+1), nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "maximum size of 1 MB")
}

func TestProcess_QueueFull(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.createErr = core.ErrQueueFull

	resp, body := ts.do(t, uploadRequest(t, "a.pdf", []byte("data"), nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "queue is full")
}

func completedTask(id core.ID, format core.OutputFormat) *core.Task {
	task := core.NewTask(core.Descriptor{SourcePath: "/srv/uploads/abc.pdf", SourceName: "report.pdf", Config: core.DefaultProcessConfig()})
	task.Id = id
	task.Status = core.StatusCompleted
	task.CurrentStage = core.StageDone
	task.Progress = 100
	task.CompletedAt = time.Now()
	task.Result = &core.Result{OutputFormat: format, Content: "# Report", ChunksCount: 1, VectorIDs: []core.ID{99}}
	return task
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.put(completedTask(7, core.OutputFormatMarkdown))

	resp, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/7", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "/srv/uploads")

	var task TaskResponse
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, core.ID(7), task.TaskID)
	assert.Equal(t, "report.pdf", task.SourceName)
	assert.Equal(t, core.StageDone, task.CurrentStage)
	assert.InDelta(t, 100, task.Progress, 0)
	require.NotNil(t, task.CompletedAt)
	require.NotNil(t, task.Result)

	for _, path := range []string{"/api/v1/tasks/8", "/api/v1/tasks/not-an-id"} {
		resp, _ = ts.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestListTasks(t *testing.T) {
	ts := newTestServer(t)
	for _, name := range []string{"a.pdf", "b.png"} {
		resp, _ := ts.do(t, uploadRequest(t, name, []byte("x"), nil))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "b.png", list.Tasks[0].SourceName)

	resp, _ = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetResult(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.put(completedTask(1, core.OutputFormatMarkdown))
	pending := core.NewTask(core.Descriptor{SourceName: "p.pdf"})
	pending.Id = 2
	ts.tasks.put(pending)
	failed := core.NewTask(core.Descriptor{SourceName: "f.pdf"})
	failed.Id = 3
	failed.Status = core.StatusFailed
	failed.Error = &core.TaskError{Stage: core.StageVLMEnhance, Kind: core.ErrorKindUnavailable, Summary: "vlm offline"}
	ts.tasks.put(failed)

	resp, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/1/result", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result core.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "# Report", result.Content)

	resp, _ = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/2/result", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/3/result", nil))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "vlm offline")
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.put(completedTask(12, core.OutputFormatJSON))
	ts.tasks.artifacts[12] = []byte(`{"content":"# Report"}`)
	pending := core.NewTask(core.Descriptor{SourceName: "p.pdf"})
	pending.Id = 13
	ts.tasks.put(pending)

	resp, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/12/download", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"content":"# Report"}`, string(body))
	assert.Equal(t, `attachment; filename="result_12.json"`, resp.Header.Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))

	resp, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/13/download", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Task not yet completed", errorOf(t, body))

	resp, _ = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/14/download", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAndDelete(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, uploadRequest(t, "a.pdf", []byte("x"), nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/1/cancel", nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var task TaskResponse
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, core.StatusCancelled, task.Status)

	resp, body = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Task '1' deleted")

	resp, _ = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/1", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/1/cancel", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func searchRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t)
	ts.searcher.hits = []core.SearchHit{{ChunkText: "net 30", Score: 0.9, TaskID: 4, Source: "invoice.pdf"}}

	resp, body := ts.do(t, searchRequest(`{"query":"payment terms"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "payment terms", ts.searcher.query)
	assert.Equal(t, defaultTopK, ts.searcher.topK)

	var out SearchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, "invoice.pdf", out.Results[0].Source)
}

func TestSearch_Errors(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		ts := newTestServer(t)
		ts.searcher.err = fmt.Errorf("%w: top_k must be between 1 and 50", core.ErrValidation)
		resp, _ := ts.do(t, searchRequest(`{"query":"q","top_k":99}`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, 99, ts.searcher.topK)
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := newTestServer(t)
		resp, _ := ts.do(t, searchRequest(`{"query":`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("vector store down", func(t *testing.T) {
		ts := newTestServer(t, WithHealthCheck(ServiceVectorStore, func(ctx context.Context) error {
			return errors.New("closed")
		}))
		resp, body := ts.do(t, searchRequest(`{"query":"q"}`))
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Contains(t, errorOf(t, body), "vector store not available")
		assert.Empty(t, ts.searcher.query, "searcher is not consulted")
	})
}

func TestHealth(t *testing.T) {
	vectorsUp := true
	ts := newTestServer(t,
		WithVersion("2.1.0"),
		WithHealthCheck(ServiceVectorStore, func(ctx context.Context) error {
			if !vectorsUp {
				return errors.New("closed")
			}
			return nil
		}),
		WithHealthCheck("vlm", func(ctx context.Context) error { return errors.New("connection refused") }),
		WithHealthCheck("ocr", func(ctx context.Context) error { panic("boom") }),
	)

	resp, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status, "only the vector store decides health")
	assert.Equal(t, "2.1.0", health.Version)
	assert.Equal(t, map[string]bool{ServiceVectorStore: true, "vlm": false, "ocr": false}, health.Services)
	assert.Equal(t, 4, health.Queue.Capacity)

	vectorsUp = false
	_, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, _ := ts.do(t, req)
	assert.Equal(t, "abc-123", resp.Header.Get(requestIDHeader))

	resp, _ = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, &fakeSearcher{})
	assert.Equal(t, ErrTaskServiceRequired, err)
	_, err = NewServer(newFakeTasks(), nil)
	assert.Equal(t, ErrSearcherRequired, err)
	_, err = NewServer(newFakeTasks(), &fakeSearcher{}, WithMaxUploadBytes(0))
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = NewServer(newFakeTasks(), &fakeSearcher{}, WithProcessDefaults(core.ProcessConfig{}))
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = NewServer(newFakeTasks(), &fakeSearcher{}, WithHealthCheck("", nil))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&core.TaskFailedError{}))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("%w: task 1: %w", core.ErrNotReady, core.ErrTaskCancelled)))
	assert.Equal(t, http.StatusConflict, statusFor(core.ErrConcurrentRun))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("%w: network error: failed to reach API server", core.ErrUnavailable)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(fmt.Errorf("%w: request timeout", core.ErrTimeout)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
}
