package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"finledger/internal/core"
	"finledger/internal/log"
	"finledger/internal/reconcile"
)

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body reconcileBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	start, err := parseDate("start", body.Start)
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := parseEndDate("end", body.End)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.svc.Reconcile(r.Context(), actor, body.ExpectedBalance, reconcile.Options{
		Start:       start,
		End:         end,
		AccountType: reconcile.AccountType(sanitizeInput(body.AccountType)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(res).Write(w)
}

func (s *Server) handleReconciliationReport(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body reportBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	start, err := parseDate("periodStart", body.PeriodStart)
	if err != nil {
		writeError(w, r, err)
		return
	}
	end, err := parseEndDate("periodEnd", body.PeriodEnd)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := s.svc.GenerateReconciliationReport(r.Context(), actor, start, end, body.ExpectedClosing)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(report).Write(w)
}

func (s *Server) handleFindMissing(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body missingBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	external := make([]reconcile.ExternalEntry, 0, len(body.Entries))
	for i, e := range body.Entries {
		date, err := parseDate(fmt.Sprintf("entries[%d].date", i), e.Date)
		if err != nil {
			writeError(w, r, err)
			return
		}
		external = append(external, reconcile.ExternalEntry{
			Date: date, Amount: e.Amount, Description: sanitizeInput(e.Description),
		})
	}

	issues, err := s.svc.FindMissingTransactions(r.Context(), actor, external)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(map[string]any{"issues": nonNil(issues)}).Write(w)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body snapshotBody
	if err := decodeJSON(r, &body); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	date, err := parseEndDate("date", body.Date)
	if err != nil {
		writeError(w, r, err)
		return
	}

	snap, err := s.svc.SaveBalanceSnapshot(r.Context(), actor, date)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Body(snap).Write(w)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	verify := s.svc.VerifyIntegrity
	if parseBool(r.URL.Query().Get("strict")) {
		verify = s.svc.RequireIntegrity
	}
	res, err := verify(r.Context(), actor, sanitizeInput(r.URL.Query().Get("expected")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.IsValid {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Integrity check failed",
			log.FieldOwnerID, actor, "issues", len(res.Issues))
	}
	NewJSONResponse().Body(res).Write(w)
}

// auditRange reads the from/to query bounds; missing bounds are open.
func auditRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, err := parseDate("from", q.Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseEndDate("to", q.Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := auditRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.svc.AuditTrail(r.Context(), actor, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(map[string]any{"entries": nonNil(entries)}).Write(w)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := auditRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Buffer so a failed export still gets a proper error status.
	var buf bytes.Buffer
	if err := s.svc.ExportAudit(r.Context(), actor, from, to, &buf); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.svc.EntityHistory(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(map[string]any{"entries": nonNil(entries)}).Write(w)
}

const (
	defaultSignalWindow = 24 * time.Hour
	defaultSummaryLimit = 10
	maxSummaryLimit     = 100
)

func (s *Server) handleAuditSignals(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	window := defaultSignalWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		if window, err = time.ParseDuration(raw); err != nil || window <= 0 {
			writeError(w, r, core.NewValidationError("window", fmt.Errorf("invalid duration %q", raw)))
			return
		}
	}
	signals, err := s.svc.AuditSignals(r.Context(), actor, window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(map[string]any{"window": window.String(), "signals": nonNil(signals)}).Write(w)
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := auditRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := defaultSummaryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 || limit > maxSummaryLimit {
			writeError(w, r, core.NewValidationError("limit", fmt.Errorf("must be between 0 and %d", maxSummaryLimit)))
			return
		}
	}
	summary, err := s.svc.AuditSummary(r.Context(), actor, from, to, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(summary).Write(w)
}
