package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/invoice-extractor/internal/blob"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/pipeline"
)

// Pipeline is the part of the orchestrator the HTTP layer drives
type Pipeline interface {
	Ingest(ctx context.Context, u pipeline.Upload) (*blob.StoredFile, error)
	Extract(ctx context.Context, fileID string, model string) (*pipeline.Result, error)
	ExtractText(ctx context.Context, text string, model string) (*extraction.Draft, error)
	MaxUploadBytes() int64
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Options configures a Server
type Options struct {
	BasicAuth BasicAuth
	// Registry receives the server's metrics and backs /metrics. A fresh
	// registry is used when nil.
	Registry *prometheus.Registry
	// Models are reported by /health
	Models []extraction.Model
}

// Server handles HTTP requests for files, extraction and invoices
type Server struct {
	pipeline  Pipeline
	files     blob.Store
	invoices  invoice.Repository
	basicAuth BasicAuth
	models    []extraction.Model
	mux       *http.ServeMux
	metrics   *Metrics
	registry  *prometheus.Registry
	handler   http.Handler
}

// NewServer creates a new Server with default mux
func NewServer(p Pipeline, files blob.Store, invoices invoice.Repository, opts Options) (*Server, error) {
	return NewServerWithMux(p, files, invoices, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(p Pipeline, files blob.Store, invoices invoice.Repository, opts Options, mux *http.ServeMux) (*Server, error) {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	metrics, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		pipeline:  p,
		files:     files,
		invoices:  invoices,
		basicAuth: opts.BasicAuth,
		models:    opts.Models,
		mux:       mux,
		metrics:   metrics,
		registry:  reg,
	}
	s.registerRoutes()
	s.handler = s.corsMiddleware(s.metrics.Middleware(s.mux))
	return s, nil
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Extractor"`)
			writeJSON(w, http.StatusUnauthorized, envelope{
				Error: &errorBody{Category: pipeline.ClassInput, Message: "Unauthorized"},
			})
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Files
	s.mux.HandleFunc("POST /api/files", s.requireAuth(s.handleUploadFile))
	s.mux.HandleFunc("GET /api/files/{id}", s.requireAuth(s.handleGetFile))
	s.mux.HandleFunc("DELETE /api/files/{id}", s.requireAuth(s.handleDeleteFile))

	// Extraction
	s.mux.HandleFunc("POST /api/extract", s.requireAuth(s.handleExtract))
	s.mux.HandleFunc("POST /api/extract/test", s.requireAuth(s.handleExtractText))

	// Invoices
	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.HandleFunc("PUT /api/invoices/{id}", s.requireAuth(s.handleUpdateInvoice))
	s.mux.HandleFunc("DELETE /api/invoices/{id}", s.requireAuth(s.handleDeleteInvoice))
	s.mux.HandleFunc("GET /api/invoices", s.requireAuth(s.handleListInvoices))
	s.mux.HandleFunc("POST /api/invoices", s.requireAuth(s.handleCreateInvoice))

	// Operations endpoints stay open for probes and scrapers
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
