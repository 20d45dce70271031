// Package api exposes the HTTP interface for the signature service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signd/internal/config"
	"signd/internal/service"
	"signd/internal/signing"
	"signd/internal/telemetry"
)

// Server wires HTTP handlers to the signer.
type Server struct {
	router chi.Router
	signer *service.Signer
	logger *zap.Logger
	cfg    config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(signer *service.Signer, logger *zap.Logger, cfg config.Config) *Server {
	s := &Server{
		signer: signer,
		logger: logger,
		cfg:    cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/sign", s.sign)
		r.Route("/script", func(r chi.Router) {
			r.Put("/", s.updateScript)
			r.Get("/", s.getScript)
			r.Get("/versions", s.getScriptVersions)
		})
		r.Route("/rules", func(r chi.Router) {
			r.Put("/", s.updateRules)
			r.Get("/", s.getRules)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// healthz reports liveness as "at least one sandbox context is alive": a
// process whose entire pool is gone cannot sign anything and should be
// restarted.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if !s.signer.Ready() {
		writeError(w, http.StatusServiceUnavailable, "no sandbox contexts ready", signing.KindServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.signer.Ready() {
		writeError(w, http.StatusServiceUnavailable, "no sandbox contexts ready", signing.KindServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type signRequest struct {
	TargetURI  string         `json:"target_uri"`
	Platform   string         `json:"platform"`
	Parameters map[string]any `json:"parameters"`
	UserAgent  string         `json:"user_agent"`
}

type signResponse struct {
	Token      string `json:"token"`
	EntryPoint string `json:"entry_point"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

func (s *Server) sign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", signing.KindInvalidRequest)
		return
	}
	res, err := s.signer.Sign(r.Context(), signing.Request{
		TargetURI:  req.TargetURI,
		Platform:   req.Platform,
		Parameters: req.Parameters,
		UserAgent:  req.UserAgent,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		Token:      res.Token,
		EntryPoint: res.EntryPoint,
		ElapsedMs:  res.Elapsed.Milliseconds(),
	})
}

type scriptUpdateRequest struct {
	Source      string `json:"source"`
	SubmittedBy string `json:"submitted_by"`
}

type scriptResponse struct {
	Hash      string    `json:"hash"`
	SizeBytes int       `json:"size_bytes"`
	LoadedAt  time.Time `json:"loaded_at"`
}

func (s *Server) updateScript(w http.ResponseWriter, r *http.Request) {
	var req scriptUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", signing.KindInvalidRequest)
		return
	}
	sc, err := s.signer.UpdateScript(r.Context(), req.Source, req.SubmittedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scriptResponse{Hash: sc.Hash, SizeBytes: sc.Size, LoadedAt: sc.LoadedAt})
}

func (s *Server) getScript(w http.ResponseWriter, _ *http.Request) {
	sc := s.signer.CurrentScript()
	if sc.Hash == "" {
		writeError(w, http.StatusNotFound, "no script loaded", signing.KindInternal)
		return
	}
	writeJSON(w, http.StatusOK, scriptResponse{Hash: sc.Hash, SizeBytes: sc.Size, LoadedAt: sc.LoadedAt})
}

type versionResponse struct {
	Hash      string    `json:"hash"`
	SizeBytes int       `json:"size_bytes"`
	LoadedAt  time.Time `json:"loaded_at"`
}

func (s *Server) getScriptVersions(w http.ResponseWriter, _ *http.Request) {
	versions := s.signer.Versions()
	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionResponse{Hash: v.Hash, SizeBytes: v.Size, LoadedAt: v.LoadedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

func (s *Server) updateRules(w http.ResponseWriter, r *http.Request) {
	var rules []signing.Rule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", signing.KindInvalidRequest)
		return
	}
	if err := s.signer.UpdateRules(rules); err != nil {
		// A rejected rule set leaves the previous rules active; like a
		// rejected script it is an unprocessable update, not a malformed
		// HTTP request.
		writeError(w, http.StatusUnprocessableEntity, err.Error(), signing.KindOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.signer.Rules()})
}

func (s *Server) getRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.signer.Rules()})
}

// statusFromKind maps the domain error taxonomy onto HTTP status codes.
// Script faults surface as 502 so callers can tell "the vendor algorithm
// broke" apart from "the service broke".
func statusFromKind(kind signing.Kind) int {
	switch kind {
	case signing.KindInvalidRequest:
		return http.StatusBadRequest
	case signing.KindNoRuleMatched, signing.KindScriptInvalid:
		return http.StatusUnprocessableEntity
	case signing.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case signing.KindInvocationTimeout:
		return http.StatusGatewayTimeout
	case signing.KindScriptRuntime:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	kind := signing.KindOf(err)
	writeError(w, statusFromKind(kind), err.Error(), kind)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", signing.KindInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", signing.KindInvalidRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, kind signing.Kind) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}
