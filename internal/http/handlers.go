package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"finledger/internal/budget"
	"finledger/internal/core"
	"finledger/internal/services"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).String(),
	}).Write(w)
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any, len(s.ready)+1)

	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			checks[name] = fmt.Sprintf("failed: %v", err)
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	checks["rate_limiter"] = map[string]any{
		"active_clients": s.limiter.ActiveClients(),
		"status":         "ok",
	}

	NewJSONResponse().Status(httpStatus).Body(map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics provides request and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	securityMetrics := s.detector.GetMetrics()
	rateLimitMetrics := s.limiter.GetMetrics()
	traceMetrics := s.tracer.GetMetrics()

	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", traceMetrics.TotalRequests)

	fmt.Fprintf(w, "# HELP http_requests_failed_total Requests answered with a 5xx status\n")
	fmt.Fprintf(w, "# TYPE http_requests_failed_total counter\n")
	fmt.Fprintf(w, "http_requests_failed_total %d\n\n", traceMetrics.FailedRequests)

	fmt.Fprintf(w, "# HELP http_response_time_avg_microseconds Mean response time\n")
	fmt.Fprintf(w, "# TYPE http_response_time_avg_microseconds gauge\n")
	fmt.Fprintf(w, "http_response_time_avg_microseconds %d\n\n", traceMetrics.AverageResponseTime)

	fmt.Fprintf(w, "# HELP rate_limit_hits_total Total rate limit hits\n")
	fmt.Fprintf(w, "# TYPE rate_limit_hits_total counter\n")
	fmt.Fprintf(w, "rate_limit_hits_total %d\n\n", rateLimitMetrics.TotalHits)

	fmt.Fprintf(w, "# HELP active_rate_limit_clients Currently tracked rate limit clients\n")
	fmt.Fprintf(w, "# TYPE active_rate_limit_clients gauge\n")
	fmt.Fprintf(w, "active_rate_limit_clients %d\n\n", rateLimitMetrics.ClientCount)

	fmt.Fprintf(w, "# HELP suspicious_requests_total Total suspicious requests detected\n")
	fmt.Fprintf(w, "# TYPE suspicious_requests_total counter\n")
	fmt.Fprintf(w, "suspicious_requests_total %d\n\n", securityMetrics.SuspiciousRequests)

	fmt.Fprintf(w, "# HELP uptime_seconds Application uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE uptime_seconds gauge\n")
	fmt.Fprintf(w, "uptime_seconds %.0f\n", time.Since(s.started).Seconds())
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body createTransactionBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.svc.CreateTransaction(r.Context(), actor, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/transactions/"+res.Transaction.ID).
		Header("ETag", etag(res.Transaction.Version)).
		Body(res).
		Write(w)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.svc.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.svc.CanAccess(actor, t.OwnerID) {
		writeError(w, r, &core.NotFoundError{Entity: "transaction", ID: t.ID})
		return
	}
	NewJSONResponse().Header("ETag", etag(t.Version)).Body(t).Write(w)
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body updateTransactionBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	version, err := expectedVersion(r, body.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := body.patch()
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.svc.UpdateTransaction(r.Context(), actor, services.UpdateRequest{
		ID:              r.PathValue("id"),
		ExpectedVersion: version,
		Patch:           patch,
		Strategy:        services.ConflictStrategy(body.Strategy),
		Metadata:        metadata(body.Source, body.Reason),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Header("ETag", etag(res.Transaction.Version)).Body(res).Write(w)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	s.handleSetDeleted(w, r, s.svc.DeleteTransaction)
}

func (s *Server) handleRestoreTransaction(w http.ResponseWriter, r *http.Request) {
	s.handleSetDeleted(w, r, s.svc.RestoreTransaction)
}

func (s *Server) handleSetDeleted(w http.ResponseWriter, r *http.Request,
	op func(context.Context, string, services.DeleteRequest) (services.MutationResult, error)) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body versionBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	version, err := expectedVersion(r, body.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := op(r.Context(), actor, services.DeleteRequest{
		ID:              r.PathValue("id"),
		ExpectedVersion: version,
		Metadata:        metadata(body.Source, body.Reason),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Header("ETag", etag(res.Transaction.Version)).Body(res).Write(w)
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.svc.GetCategory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.svc.CanAccess(actor, c.OwnerID) {
		writeError(w, r, &core.NotFoundError{Entity: "budget category", ID: c.ID})
		return
	}
	NewJSONResponse().Header("ETag", etag(c.Version)).Body(c).Write(w)
}

func (s *Server) handleUpdateAllocation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body allocationBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	version, err := expectedVersion(r, body.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := s.svc.UpdateCategoryAllocation(r.Context(), actor, services.AllocationRequest{
		CategoryID:      r.PathValue("id"),
		ExpectedVersion: version,
		Allocated:       body.Allocated,
		Strategy:        services.ConflictStrategy(body.Strategy),
		Metadata:        metadata(body.Source, body.Reason),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Header("ETag", etag(c.Version)).Body(c).Write(w)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body previewBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	date, err := parseDate("date", body.Date)
	if err != nil {
		writeError(w, r, err)
		return
	}

	preview, err := s.svc.PreviewBudgetImpact(r.Context(), actor, budget.PreviewInput{
		Type:       body.Type,
		Amount:     body.Amount,
		CategoryID: sanitizeInput(body.CategoryID),
		Date:       date,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(preview).Write(w)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	alerts, err := s.svc.Alerts(r.Context(), actor, parseBool(r.URL.Query().Get("unread")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(map[string]any{"alerts": nonNil(alerts)}).Write(w)
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		writeError(w, r, err)
		return
	}
	BadRequestError(err.Error()).Write(w)
}

func etag(version int64) string {
	return fmt.Sprintf(`"%d"`, version)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
