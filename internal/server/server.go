// Package server implements the bm-drive-cloud HTTP front end: a single
// POST endpoint that validates and executes a transfer request, plus the
// health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brucemcpherson/bm-drive-cloud/internal/config"
	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/storage"
	"github.com/brucemcpherson/bm-drive-cloud/internal/worker"
)

// Server is the bm-drive-cloud HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	executor   *worker.Executor
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// CredentialBody is one named credential in a copy request.
type CredentialBody struct {
	Name    string         `json:"name" doc:"Credential name referenced by the work items"`
	Content map[string]any `json:"content" doc:"Credential document, e.g. a service-account key"`
}

// CopyRequest is the body of a copy request.
type CopyRequest struct {
	Work []worker.WorkSpecItem `json:"work" doc:"Work items to execute"`
	SA   []CredentialBody      `json:"sa" doc:"Credential set"`
}

// CopyInput is the Huma input struct for the copy endpoint.
type CopyInput struct {
	Partial bool `query:"partial" doc:"Report per-file outcomes instead of failing on the first error"`
	Body    CopyRequest
}

// CopyOutput is the Huma output struct for the copy endpoint. Body holds
// [][]worker.TransferResult, or [][]worker.Outcome for partial requests.
type CopyOutput struct {
	Body any
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithExecutor sets the executor the server runs work through.
func WithExecutor(exec *worker.Executor) ServerOption {
	return func(s *Server) {
		s.executor = exec
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server with the given configuration and registers its
// routes. Without WithExecutor the server executes through every built-in
// backend.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("bm-drive-cloud transfer API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.executor == nil {
		if cfg.Filesystem.Root == "" {
			s.logger.Warn("filesystem root not set, fs paths can reach any host file")
		}
		reg := storage.DefaultRegistry(worker.StorageOptions(cfg, s.logger))
		s.executor = worker.NewExecutor(reg, worker.OptionsFromConfig(cfg, s.logger))
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Returns the health status of the transfer server.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
		})

		// Register HEAD /health separately (Huma only does one method per registration).
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID:  "post-copy",
		Method:       http.MethodPost,
		Path:         "/",
		Summary:      "Copy files",
		Description:  "Validates the work items against the credential set and copies every file pair.",
		Tags:         []string{"Transfer"},
		MaxBodyBytes: s.cfg.Server.MaxRequestBytes,
	}, s.handleCopy)
}

func (s *Server) handleCopy(ctx context.Context, input *CopyInput) (*CopyOutput, error) {
	creds, err := credentials(input.Body.SA)
	if err != nil {
		return nil, toHumaError(err)
	}
	items, err := worker.Validate(input.Body.Work, creds)
	if err != nil {
		return nil, toHumaError(err)
	}

	if input.Partial || s.cfg.Transfer.PartialResults {
		return &CopyOutput{Body: s.executor.Collect(ctx, items)}, nil
	}
	results, err := s.executor.Execute(ctx, items)
	if err != nil {
		s.logger.Error("copy request failed", "error", err)
		return nil, toHumaError(err)
	}
	return &CopyOutput{Body: results}, nil
}

// credentials re-encodes the decoded credential documents for the backends.
func credentials(in []CredentialBody) ([]storage.Credential, error) {
	out := make([]storage.Credential, 0, len(in))
	for _, c := range in {
		content, err := json.Marshal(c.Content)
		if err != nil {
			return nil, xferr.ErrInvalidCredentials.WithExtra("name", c.Name).Wrap(err)
		}
		out = append(out, storage.Credential{Name: c.Name, Content: content})
	}
	return out, nil
}

// toHumaError maps an engine error to an HTTP error with the status from
// the error table.
func toHumaError(err error) error {
	return huma.NewError(xferr.StatusOf(err), xferr.CodeOf(err), err)
}
