package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/court-capture/internal/db"
	"github.com/jonathan/court-capture/internal/pipeline"
	"github.com/jonathan/court-capture/internal/server/ratelimit"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/jonathan/court-capture/internal/vault"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Store is the persistence the API reads and writes. *db.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetCaptureRun(ctx context.Context, id uuid.UUID) (*types.CaptureRun, error)
	ListCaptureRuns(ctx context.Context, filters db.RunFilters) (*db.RunPage, error)
	ListProfiles(ctx context.Context) ([]tribunal.Profile, error)
	UpsertProfile(ctx context.Context, p *tribunal.Profile) (*tribunal.Profile, error)
	UpsertCredential(ctx context.Context, key vault.Key, sealed []byte, keyVersion int) (int64, error)
	DeactivateCredential(ctx context.Context, key vault.Key) error
	ListCredentials(ctx context.Context, lawyerID int64) ([]db.CredentialInfo, error)
}

// Capturer runs captures. *pipeline.Service satisfies it.
type Capturer interface {
	Capture(ctx context.Context, req pipeline.Request, onProgress pipeline.ProgressCallback) (*pipeline.Outcome, error)
	RunBatch(ctx context.Context, reqs []pipeline.Request, concurrency int, onProgress pipeline.ProgressCallback) []pipeline.BatchResult
	CaptureCombined(ctx context.Context, req pipeline.CombinedRequest, onProgress pipeline.ProgressCallback) ([]pipeline.BatchResult, error)
}

// Sealer encrypts credentials for storage. *vault.Vault satisfies it.
type Sealer interface {
	Seal(key vault.Key, username, password string) ([]byte, error)
}

// ProfileCache is the resolver cache dropped after profile writes. *tribunal.Resolver satisfies it.
type ProfileCache interface {
	Invalidate(code string)
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Store    Store
	Captures Capturer
	Vault    Sealer
	Profiles ProfileCache
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	// KeyVersion is recorded with credentials sealed through the API.
	KeyVersion int
	// Concurrency is the default batch concurrency.
	Concurrency int
	// MaxBatchSize bounds POST /captures/batch.
	MaxBatchSize int
	RateLimit    *ratelimit.Config
	Logger       *slog.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	deps        Deps
	cfg         Config
	logger      *slog.Logger
	rateLimiter *ratelimit.Limiter
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Captures == nil || deps.Vault == nil || deps.Profiles == nil {
		return nil, fmt.Errorf("server dependencies are incomplete")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.KeyVersion <= 0 {
		cfg.KeyVersion = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = ratelimit.LoadConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Captures
	mux.HandleFunc("POST /captures", s.handleCapture)
	mux.HandleFunc("POST /captures/stream", s.handleCaptureStream)
	mux.HandleFunc("POST /captures/batch", s.handleBatch)
	mux.HandleFunc("POST /captures/combined", s.handleCombined)
	mux.HandleFunc("GET /captures", s.handleListCaptures)
	mux.HandleFunc("GET /captures/{id}", s.handleGetCapture)

	// Tribunal profiles
	mux.HandleFunc("GET /tribunals", s.handleListTribunals)
	mux.HandleFunc("PUT /tribunals/{code}/{instance}", s.handleUpsertTribunal)
	mux.HandleFunc("DELETE /tribunals/{code}/cache", s.handleInvalidateTribunal)

	// Credentials
	mux.HandleFunc("GET /credentials", s.handleListCredentials)
	mux.HandleFunc("PUT /credentials", s.handleSetCredential)
	mux.HandleFunc("POST /credentials/deactivate", s.handleDeactivateCredential)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadTimeout: 30 * time.Second,
		// Captures page through court systems with deliberate delays.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests and blocks until SIGINT/SIGTERM.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		s.rateLimiter.Stop()
		return fmt.Errorf("server error: %w", err)
	}
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.rateLimiter.Stop()
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)

		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging. It forwards Flush
// so SSE handlers still stream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &ErrValidation{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// extractClientID extracts the client identifier from the request.
// X-Forwarded-For is ignored since it can be set by any client.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Round(time.Second).Seconds())
		seconds = max(seconds, 1)
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.logger.Warn("rate limit exceeded",
		"client", s.extractClientID(r),
		"method", r.Method,
		"path", r.URL.Path,
		"limit", info.Limit)

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
