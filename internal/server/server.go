package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"chat-gateway/internal/config"
	"chat-gateway/internal/policy"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/ratelimit"
	"chat-gateway/internal/relay"
	"chat-gateway/internal/router"
	"chat-gateway/internal/translator"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
)

// Deps are the collaborators a Server dispatches through.
type Deps struct {
	Registry *provider.Registry
	Router   *router.Router
	Limiter  *ratelimit.Limiter
	Access   policy.AccessChecker
	Relay    *relay.Relay
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("registry must not be nil")
	case d.Router == nil:
		return errors.New("router must not be nil")
	case d.Limiter == nil:
		return errors.New("rate limiter must not be nil")
	case d.Access == nil:
		return errors.New("access checker must not be nil")
	case d.Relay == nil:
		return errors.New("relay must not be nil")
	}
	return nil
}

type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	app     *echo.Echo
	address string
	now     func() time.Time
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if cfg.CallerHeader == "" {
		cfg.CallerHeader = config.DefaultCallerHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := log.Info()
			if v.Error != nil {
				evt = log.Warn().Err(v.Error)
			}
			evt.Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Port),
		now:     time.Now,
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the configured echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Port)
	log.Info().Str("addr", s.address).Msg("starting server")

	// No write timeout: streams are bounded by the relay's idle window.
	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
}

type breakerReporter interface {
	BreakerState() string
}

type healthStatus struct {
	Status    string            `json:"status"`
	Providers map[string]string `json:"providers"`
}

// handleHealth reports liveness plus each provider's circuit breaker state.
func (s *Server) handleHealth(c echo.Context) error {
	out := healthStatus{Status: "ok", Providers: map[string]string{}}
	for _, p := range s.deps.Registry.Providers() {
		state := "unknown"
		if br, ok := p.(breakerReporter); ok {
			state = br.BreakerState()
		}
		out.Providers[string(p.Name())] = state
	}
	return c.JSON(http.StatusOK, out)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	AliasOf string `json:"alias_of,omitempty"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(c echo.Context) error {
	listings := s.deps.Registry.List()
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(listings))}
	for _, l := range listings {
		out.Data = append(out.Data, modelEntry{
			ID:      l.ID,
			Object:  "model",
			OwnedBy: string(l.Provider),
			AliasOf: l.AliasOf,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// callerID reads the configured identity header, falling back to the client IP.
func (s *Server) callerID(c echo.Context) string {
	if id := c.Request().Header.Get(s.cfg.CallerHeader); id != "" {
		return id
	}
	return c.RealIP()
}

func decodeRequestBody[T any](c echo.Context, target *T, maxBytes int64) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		case errors.As(err, &tooLarge):
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid request: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status     int
	Message    string
	Type       string
	Code       string
	RetryAfter int
}

func (e requestError) Error() string {
	return e.Message
}

func errorPayload(message, errType, code string, retryAfter int) translator.ErrorBody {
	body := translator.ErrorBody{Error: translator.ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}}
	if retryAfter > 0 {
		body.Error.RetryAfterSeconds = &retryAfter
	}
	return body
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		if reqErr.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(reqErr.RetryAfter))
		}
		_ = c.JSON(reqErr.Status, errorPayload(reqErr.Message, reqErr.Type, reqErr.Code, reqErr.RetryAfter))
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorPayload(fmt.Sprint(he.Message), "invalid_request_error", "", 0))
		return
	}

	log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("unhandled server error")
	_ = c.JSON(http.StatusInternalServerError, errorPayload("internal server error", "server_error", "", 0))
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("chat-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}],\"stream\":true}'\n\n", host, port)
}
