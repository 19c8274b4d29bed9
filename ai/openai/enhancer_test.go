package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gemma3:27b",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

type fakeServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
}

func newFakeServer(t *testing.T, reply string) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.bodies = append(fs.bodies, string(body))
		fs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			_, _ = io.WriteString(w, strings.Replace(chatResponse, "%q", quote(reply), 1))
		case "/v1/embeddings":
			_, _ = io.WriteString(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.6,0.8]}],"model":"embeddinggemma","usage":{"prompt_tokens":1,"total_tokens":1}}`)
		case "/v1/models":
			_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) lastBody() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.bodies) == 0 {
		return ""
	}
	return fs.bodies[len(fs.bodies)-1]
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func TestEnhancer_MarkdownWithImage(t *testing.T) {
	srv := newFakeServer(t, "# Invoice\n\nTotal: 100")
	enhancer, err := newEnhancer(ai.NewConfig(ai.WithHost(srv.URL)))
	require.NoError(t, err)

	out, err := enhancer.Enhance(context.Background(), ai.EnhanceRequest{
		Text:      "lnvoice Tota1: 100",
		Image:     []byte{0x89, 'P', 'N', 'G'},
		ImageMIME: "image/png",
		Format:    core.OutputFormatMarkdown,
	})
	require.NoError(t, err)
	assert.Equal(t, "# Invoice\n\nTotal: 100", out.Content)
	assert.Equal(t, "gemma3:27b", out.Model)

	body := srv.lastBody()
	assert.Contains(t, body, "expert document processing assistant")
	assert.Contains(t, body, "well-structured Markdown")
	assert.Contains(t, body, "data:image/png;base64,")
	assert.Contains(t, body, "OCR extracted text:")
}

func TestEnhancer_JSONStripsFenceAndRepairs(t *testing.T) {
	srv := newFakeServer(t, "```json\n{title\": \"Report\", \"sections\": [],}\n```")
	enhancer, err := newEnhancer(ai.NewConfig(ai.WithHost(srv.URL)))
	require.NoError(t, err)

	out, err := enhancer.Enhance(context.Background(), ai.EnhanceRequest{
		Text:   "Report",
		Format: core.OutputFormatJSON,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title": "Report", "sections": []}`, out.Content)

	body := srv.lastBody()
	assert.Contains(t, body, "Output ONLY valid JSON")
	assert.NotContains(t, body, "data:image")
}

func TestEnhancer_EmptyResponse(t *testing.T) {
	srv := newFakeServer(t, "   ")
	enhancer, err := newEnhancer(ai.NewConfig(ai.WithHost(srv.URL)))
	require.NoError(t, err)

	_, err = enhancer.Enhance(context.Background(), ai.EnhanceRequest{Text: "x"})
	var se *core.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.ErrorKindInternal, se.Kind)
}

func TestEnhancer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	enhancer, err := newEnhancer(ai.NewConfig(ai.WithHost(url)))
	require.NoError(t, err)

	_, err = enhancer.Enhance(context.Background(), ai.EnhanceRequest{Text: "x"})
	var se *core.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.StageVLMEnhance, se.Stage)
	assert.Equal(t, core.ErrorKindUnavailable, se.Kind)
}

func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// slowServer answers only after the client has given up.
func slowServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestEnhancer_Timeout(t *testing.T) {
	enhancer, err := newEnhancer(ai.NewConfig(ai.WithHost(slowServer(t))))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = enhancer.Enhance(ctx, ai.EnhanceRequest{Text: "x"})
	var se *core.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, core.ErrorKindTimeout, se.Kind)
	assert.True(t, se.Kind.Retryable())
}

func TestEmbedder_Unreachable(t *testing.T) {
	embedder, err := NewEmbedder(ai.NewConfig(ai.WithEmbeddingHost(closedURL(t))))
	require.NoError(t, err)

	_, err = embedder.EmbedText(context.Background(), "hello")
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.Equal(t, core.ErrorKindUnavailable, core.ClassifyError(err))

	_, err = embedder.EmbedTexts(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.Equal(t, core.ErrorKindUnavailable, core.AsStageError(core.StageVectorStore, err).Kind)
}

func TestEmbedder_Timeout(t *testing.T) {
	embedder, err := NewEmbedder(ai.NewConfig(ai.WithEmbeddingHost(slowServer(t))))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = embedder.EmbedTexts(ctx, []string{"a"})
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, core.ErrorKindTimeout, core.ClassifyError(err))
}

func TestTransportError(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want core.ErrorKind
	}{
		{"network", context.Background(), errors.New("network error: failed to reach API server"), core.ErrorKindUnavailable},
		{"client timeout", context.Background(), errors.New("request timeout: Post \"http://x\": deadline"), core.ErrorKindTimeout},
		{"wrapped network", context.Background(), fmt.Errorf("create embedding: %w", errors.New("network error: failed to reach API server")), core.ErrorKindUnavailable},
		{"context deadline", expired, errors.New("something went wrong"), core.ErrorKindTimeout},
		{"api error", context.Background(), errors.New("API returned unexpected status code: 400"), core.ErrorKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.ClassifyError(transportError(tt.ctx, tt.err)))
		})
	}
	assert.NoError(t, transportError(context.Background(), nil))
}

func TestEmbedder_EmbedText(t *testing.T) {
	srv := newFakeServer(t, "")
	embedder, err := NewEmbedder(ai.NewConfig(ai.WithHost(srv.URL)))
	require.NoError(t, err)

	vec, err := embedder.EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
}

func TestProvider_Ping(t *testing.T) {
	srv := newFakeServer(t, "")
	provider, err := NewProvider(ai.NewConfig(ai.WithHost(srv.URL)))
	require.NoError(t, err)
	defer provider.Close()

	require.NoError(t, provider.Ping(context.Background()))
	assert.NotNil(t, provider.Embedder())
	assert.NotNil(t, provider.Enhancer())

	srv.Close()
	err = provider.Ping(context.Background())
	assert.ErrorIs(t, err, core.ErrUnavailable)
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(ai.NewConfig(ai.WithVLMModel("")))
	assert.Error(t, err)
}

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"valid unchanged", `{"a": 1}`, `{"a": 1}`},
		{"missing key quote", `{"a": 1, b": 2}`, `{"a": 1, "b": 2}`},
		{"trailing comma", `{"a": [1, 2,],}`, `{"a": [1, 2]}`},
		{"unrepairable unchanged", `not json`, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, repairJSON(tt.input))
		})
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	md := buildSystemPrompt(core.OutputFormatMarkdown)
	assert.Contains(t, md, "Markdown tables")
	assert.Contains(t, md, "Do NOT summarize")

	js := buildSystemPrompt(core.OutputFormatJSON)
	assert.Contains(t, js, "title, sections")
}
