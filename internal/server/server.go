// Package server is the HTTP surface of the bridge: the OpenAI-compatible
// endpoints, their orchestrators and stream emitters, and the port-bound
// lifecycle manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"lmbridge/internal/config"
	"lmbridge/internal/format"
	"lmbridge/internal/metrics"
	"lmbridge/internal/normalize"
	"lmbridge/internal/resolver"
	"lmbridge/internal/upstream"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Server wires the HTTP endpoints over the resolver and upstream provider.
type Server struct {
	cfg      config.Config
	provider upstream.Provider
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	log      *slog.Logger
	app      *echo.Echo
}

// New constructs a server wired with routing and middleware.
func New(cfg config.Config, provider upstream.Provider, res *resolver.Resolver, m *metrics.Metrics, log *slog.Logger) (*Server, error) {
	if provider == nil {
		return nil, errors.New("upstream provider must not be nil")
	}
	if res == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		cfg:      cfg,
		provider: provider,
		resolver: res,
		metrics:  m,
		log:      log,
		app:      e,
	}

	e.HTTPErrorHandler = srv.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware)
	e.Use(srv.requestLogger())
	e.Use(corsMiddleware)

	srv.registerRoutes()
	return srv, nil
}

// Handler exposes the routed handler for the lifecycle manager.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run binds the listener via the lifecycle manager and blocks until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := NewLifecycle(s.app, s.cfg.Server.Port, s.log)
	if err := lc.Start(ctx); err != nil {
		return err
	}
	printStartupBanner(s.cfg.Server.Port)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	return lc.Stop(stopCtx)
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.app.Group("/v1")
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/responses", s.handleResponses)
	v1.POST("/messages", s.handleResponses) // alias
}

// corsMiddleware opens every /v1 route to browser callers and answers
// preflight with a bare 200. It runs globally so OPTIONS works without
// per-method routes.
func corsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !strings.HasPrefix(c.Request().URL.Path, "/v1/") {
			return next(c)
		}
		header := c.Response().Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusOK)
		}
		return next(c)
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("request",
				"id", requestID(c),
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			s.metrics.ObserveRequest(c.Path(), v.Status, v.Latency)
			return nil
		},
	})
}

const requestIDKey = "lmbridge.request_id"

// requestIDMiddleware mints the trace id before any handler runs, so the
// X-Request-Id header goes out even when the response is committed early
// (streaming) or the handler never logs.
func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID(c)
		return next(c)
	}
}

// requestID returns the trace id for the current request, minting one on
// first use.
func requestID(c echo.Context) string {
	if id, ok := c.Get(requestIDKey).(string); ok {
		return id
	}
	id := uuid.NewString()
	c.Set(requestIDKey, id)
	c.Response().Header().Set("X-Request-Id", id)
	return id
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "lmbridge",
		"status":  "running",
		"endpoints": []string{
			"GET /health - Health check",
			"GET /v1/models - Model catalogue",
			"POST /v1/chat/completions - OpenAI Chat Completions",
			"POST /v1/responses - OpenAI Responses (alias: /v1/messages)",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// modelEntry is one row of the /v1/models listing.
type modelEntry struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	OwnedBy  string         `json:"owned_by"`
	Metadata map[string]any `json:"metadata"`
}

// handleModels lists discovered upstream models de-duplicated by id plus one
// synthetic entry per resolvable preset, sorted by id ascending.
func (s *Server) handleModels(c echo.Context) error {
	ctx := c.Request().Context()

	discovered, err := s.provider.SelectModels(ctx, upstream.Selector{})
	if err != nil {
		return apiError{status: http.StatusInternalServerError, message: fmt.Sprintf("model discovery failed: %v", err)}
	}

	byID := make(map[string]upstream.ModelInfo)
	var entries []modelEntry
	for _, m := range discovered {
		info := m.Info()
		key := strings.ToLower(info.ID)
		if _, dup := byID[key]; dup {
			continue
		}
		byID[key] = info
		entries = append(entries, infoEntry(info))
	}

	for _, preset := range resolver.Presets() {
		if _, collides := byID[strings.ToLower(preset.ID)]; collides {
			continue
		}
		base, ok := firstResolvableBase(preset, byID)
		if !ok {
			continue
		}
		entries = append(entries, modelEntry{
			ID:      preset.ID,
			Object:  "model",
			Created: base.Created,
			OwnedBy: base.Vendor,
			Metadata: map[string]any{
				"name":             preset.DisplayName,
				"description":      preset.Description,
				"family":           base.Family,
				"version":          base.Version,
				"max_input_tokens": base.MaxInputTokens,
			},
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   entries,
	})
}

func infoEntry(info upstream.ModelInfo) modelEntry {
	return modelEntry{
		ID:      info.ID,
		Object:  "model",
		Created: info.Created,
		OwnedBy: info.Vendor,
		Metadata: map[string]any{
			"name":             info.Name,
			"family":           info.Family,
			"version":          info.Version,
			"max_input_tokens": info.MaxInputTokens,
		},
	}
}

// firstResolvableBase matches preset base ids against the discovered
// catalogue by id or family, in candidate order.
func firstResolvableBase(preset resolver.Preset, byID map[string]upstream.ModelInfo) (upstream.ModelInfo, bool) {
	for _, baseID := range preset.BaseModelIDs {
		if info, ok := byID[strings.ToLower(baseID)]; ok {
			return info, true
		}
		for _, info := range byID {
			if strings.EqualFold(info.Family, baseID) {
				return info, true
			}
		}
	}
	return upstream.ModelInfo{}, false
}

// apiError carries an HTTP status alongside the caller-visible message.
type apiError struct {
	status  int
	message string
}

func (e apiError) Error() string { return e.message }

// errorHandler maps every failure onto the uniform error envelope. Callers
// get message-only detail; the full error is logged server-side.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		// Streaming errors are delivered in-band; the status line is gone.
		return
	}

	status := http.StatusInternalServerError
	message := err.Error()

	var reqErr apiError
	var echoErr *echo.HTTPError
	switch {
	case errors.As(err, &reqErr):
		status = reqErr.status
		message = reqErr.message
	case errors.Is(err, normalize.ErrNoInput):
		status = http.StatusBadRequest
	case errors.As(err, &echoErr):
		status = echoErr.Code
		message = fmt.Sprintf("%v", echoErr.Message)
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "id", requestID(c), "error", err)
	}
	if writeErr := c.JSON(status, format.NewError(message)); writeErr != nil {
		s.log.Error("failed to write error response", "id", requestID(c), "error", writeErr)
	}
}

// decodeBody reads a size-capped single-JSON-object POST body.
func decodeBody(c echo.Context, target any) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return apiError{status: http.StatusBadRequest, message: "request body is required"}
		}
		return apiError{status: http.StatusBadRequest, message: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return apiError{status: http.StatusBadRequest, message: "request body must contain a single JSON object"}
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("lmbridge ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/responses")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
