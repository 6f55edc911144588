package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmbridge/internal/config"
	"lmbridge/internal/metrics"
	"lmbridge/internal/resolver"
	"lmbridge/internal/upstream"
	"lmbridge/internal/upstream/upstreamtest"
)

func newTestServer(t *testing.T, provider upstream.Provider, defaultModel string) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(provider, defaultModel, log)
	cfg := config.Config{Server: config.ServerConfig{Port: config.DefaultPort}}
	srv, err := New(cfg, provider, res, metrics.New(), log)
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	Name string
	Data string
}

// parseSSE splits a text/event-stream body into its events. Events without
// an event: line (the Chat chunk form) get an empty name.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			default:
				t.Fatalf("unexpected SSE line %q", line)
			}
		}
		events = append(events, ev)
	}
	return events
}

func catalogueProvider(ids ...string) *upstreamtest.Provider {
	p := &upstreamtest.Provider{}
	for _, id := range ids {
		p.Models = append(p.Models, &upstreamtest.Model{
			ModelInfo: upstream.ModelInfo{ID: id, Name: id, Family: id, Vendor: "openai", Created: 1700000000},
		})
	}
	return p
}

func TestModelsSortedAndDeduplicated(t *testing.T) {
	provider := catalogueProvider("bravo", "alpha", "alpha")
	srv := newTestServer(t, provider, "")

	rec := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "list", payload.Object)
	require.Len(t, payload.Data, 2)
	assert.Equal(t, "alpha", payload.Data[0].ID)
	assert.Equal(t, "bravo", payload.Data[1].ID)
}

func TestModelsIncludesResolvablePresets(t *testing.T) {
	provider := catalogueProvider("gpt-5-codex")
	srv := newTestServer(t, provider, "")

	rec := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Data []struct {
			ID       string         `json:"id"`
			Metadata map[string]any `json:"metadata"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))

	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		ids = append(ids, m.ID)
	}
	// Only codex presets bind to the discovered catalogue; the gpt-5 and
	// claude presets have no base here and are skipped.
	assert.Equal(t, []string{"gpt-5-codex", "gpt-5-codex-high", "gpt-5-codex-low", "gpt-5-codex-medium"}, ids)
}

func TestModelsStableAcrossCalls(t *testing.T) {
	provider := catalogueProvider("alpha", "bravo")
	srv := newTestServer(t, provider, "")

	first := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	second := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestCORSHeadersAndPreflight(t *testing.T) {
	provider := catalogueProvider("gpt-5")
	srv := newTestServer(t, provider, "")

	rec := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = doRequest(srv, http.MethodOptions, "/v1/chat/completions", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestErrorEnvelopeShape(t *testing.T) {
	provider := &upstreamtest.Provider{} // no models at all
	srv := newTestServer(t, provider, "")

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "server_error", body.Error.Type)
	assert.NotEmpty(t, body.Error.Message)
}

func TestHealthAndRoot(t *testing.T) {
	srv := newTestServer(t, catalogueProvider("gpt-5"), "")

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = doRequest(srv, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lmbridge")
}

func TestRequestIDHeaderOnEveryRoute(t *testing.T) {
	srv := newTestServer(t, catalogueProvider("gpt-5"), "")

	// Handlers that never touch the id themselves still return one; it is
	// minted before the response is committed.
	first := doRequest(srv, http.MethodGet, "/health", "", nil)
	require.NotEmpty(t, first.Header().Get("X-Request-Id"))

	second := doRequest(srv, http.MethodGet, "/v1/models", "", nil)
	require.NotEmpty(t, second.Header().Get("X-Request-Id"))
	assert.NotEqual(t, first.Header().Get("X-Request-Id"), second.Header().Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, catalogueProvider("gpt-5"), "")

	rec := doRequest(srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
