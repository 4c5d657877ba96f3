package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dShard/lib/cluster"
	"github.com/ValentinKolb/dShard/lib/consistency"
	"github.com/ValentinKolb/dShard/lib/directory"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("server")

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

var lookupTotal = metrics.NewCounter("dshard_server_lookups_total")

// Server answers key ownership and consistency queries over HTTP
type Server struct {
	store   *directory.Store
	nodes   *cluster.Registry
	checker *consistency.Checker
	debug   bool
}

// NewServer creates a server reading from store. checker may be nil, the
// check routes then answer 501.
func NewServer(store *directory.Store, nodes *cluster.Registry, checker *consistency.Checker, debug bool) *Server {
	return &Server{store: store, nodes: nodes, checker: checker, debug: debug}
}

// Handler returns the chi router with all routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.debug {
		r.Use(loggerMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/owner/{dataset}/{key}/{value}", s.handleOwner)
		r.Get("/registry/{dataset}", s.handleRegistry)
		r.Get("/check/{dataset}/rows", s.handleCheckRows)
		r.Get("/check/{dataset}/keys/{key}", s.handleCheckKeys)
	})
	return r
}

// ListenAndServe serves on endpoint until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context, endpoint string) error {
	srv := &http.Server{
		Addr:              endpoint,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		Logger.Infof("starting HTTP server on %s", endpoint)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	Logger.Infof("HTTP server on %s stopped", endpoint)
	return nil
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// OwnerResponse is the body of a successful owner lookup
type OwnerResponse struct {
	Dataset string `json:"dataset"`
	Key     string `json:"key"`
	Value   int64  `json:"value"`
	Node    string `json:"node"`
	Addr    string `json:"addr,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	lookupTotal.Inc()
	dataset, key := chi.URLParam(r, "dataset"), chi.URLParam(r, "key")

	value, err := strconv.ParseInt(chi.URLParam(r, "value"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid key value: %w", err))
		return
	}

	entry, err := s.store.LookupDirectoryTable(r.Context(), dataset, key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	node, err := s.store.ResolveOwner(r.Context(), entry.DirectoryTable, value)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := OwnerResponse{Dataset: dataset, Key: key, Value: value, Node: node}
	if n, ok := s.nodes.Lookup(node); ok {
		resp.Addr = n.Addr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Entries(r.Context(), chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCheckRows(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeError(w, http.StatusNotImplemented, errors.New("consistency checks are disabled"))
		return
	}
	report, err := s.checker.CheckRowCounts(r.Context(), chi.URLParam(r, "dataset"), nodesParam(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCheckKeys(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeError(w, http.StatusNotImplemented, errors.New("consistency checks are disabled"))
		return
	}
	report, err := s.checker.CheckKeyCounts(r.Context(), chi.URLParam(r, "dataset"), chi.URLParam(r, "key"), nodesParam(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// nodesParam reads the optional ?nodes=a,b restriction
func nodesParam(r *http.Request) []string {
	raw := r.URL.Query().Get("nodes")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var (
		unknownKey *directory.UnknownKeyError
		noOwner    *directory.OwnerNotFoundError
		unsealed   *directory.UnsealedError
		badNode    *cluster.UnknownNodeError
	)
	switch {
	case errors.As(err, &unknownKey), errors.As(err, &noOwner):
		return http.StatusNotFound
	case errors.As(err, &unsealed):
		return http.StatusConflict
	case errors.As(err, &badNode):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Warningf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		Logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
