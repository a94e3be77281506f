package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"finledger/internal/log"
	"finledger/internal/middleware/ratelimit"
	"finledger/internal/middleware/security"
	"finledger/internal/middleware/trace"
	"finledger/internal/services"
)

// ReadyCheck reports whether a dependency can serve requests.
type ReadyCheck func(ctx context.Context) error

type Options struct {
	Logger *log.Logger
	// Ready runs on /readyz, keyed by dependency name.
	Ready map[string]ReadyCheck
	// RateLimit configures the per-IP write limiter.
	RateLimit ratelimit.Config
	// TrustedProxies are CIDRs allowed to set forwarding headers, on top of
	// loopback and private ranges.
	TrustedProxies []string
	// RequestTimeout bounds each request's context (default 30s).
	RequestTimeout time.Duration
}

type Server struct {
	http.Server
	svc *services.TransactionService

	logger   *log.Logger
	ready    map[string]ReadyCheck
	timeout  time.Duration
	started  time.Time
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, svc *services.TransactionService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RateLimit.RequestsPerMinute <= 0 {
		opts.RateLimit = ratelimit.DefaultConfig()
	}

	detector := security.NewDetector(logger)
	for _, cidr := range opts.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", log.FieldError, err)
		}
	}

	s := &Server{
		svc:      svc,
		logger:   logger.WithComponent(log.ComponentHTTP),
		ready:    opts.Ready,
		timeout:  opts.RequestTimeout,
		started:  time.Now(),
		limiter:  ratelimit.NewLimiter(opts.RateLimit),
		detector: detector,
		tracer:   trace.NewMiddleware(detector.ExtractClientIP, logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /transactions", s.handleCreateTransaction)
	mux.HandleFunc("GET /transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("PUT /transactions/{id}", s.handleUpdateTransaction)
	mux.HandleFunc("DELETE /transactions/{id}", s.handleDeleteTransaction)
	mux.HandleFunc("POST /transactions/{id}/restore", s.handleRestoreTransaction)

	mux.HandleFunc("GET /categories/{id}", s.handleGetCategory)
	mux.HandleFunc("PUT /categories/{id}/allocation", s.handleUpdateAllocation)
	mux.HandleFunc("POST /budget/preview", s.handlePreview)
	mux.HandleFunc("GET /alerts", s.handleAlerts)

	mux.HandleFunc("POST /reconcile", s.handleReconcile)
	mux.HandleFunc("POST /reconcile/report", s.handleReconciliationReport)
	mux.HandleFunc("POST /reconcile/missing", s.handleFindMissing)
	mux.HandleFunc("POST /snapshots", s.handleSnapshot)
	mux.HandleFunc("GET /integrity", s.handleIntegrity)

	mux.HandleFunc("GET /audit", s.handleAuditTrail)
	mux.HandleFunc("GET /audit/export.csv", s.handleAuditExport)
	mux.HandleFunc("GET /audit/entities/{id}", s.handleEntityHistory)
	mux.HandleFunc("GET /audit/signals", s.handleAuditSignals)
	mux.HandleFunc("GET /audit/summary", s.handleAuditSummary)

	// Outermost first: tracing assigns the request ID every later layer logs.
	var h http.Handler = mux
	h = s.withTimeout(h)
	h = s.limiter.Middleware(detector.ExtractClientIP, s.onRateLimited)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = detector.Middleware(h)
	h = log.RequestIDMiddleware(trace.RequestID)(h)
	h = log.ComponentMiddleware(log.ComponentHTTP)(h)
	h = log.Middleware(logger)(h)
	h = s.tracer.Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r), log.FieldMethod, r.Method, log.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry later").Write(w)
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
