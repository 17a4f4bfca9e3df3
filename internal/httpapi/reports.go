package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tokokas/backend/internal/domain"
)

// handleCashFlow serves one month of arus kas; year and month default to the
// current shop-local period.
func (a *API) handleCashFlow(w http.ResponseWriter, r *http.Request) {
	year, month := a.service.CurrentPeriod()
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("year")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid year %q", raw))
			return
		}
		year = v
	}
	if raw := strings.TrimSpace(q.Get("month")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid month %q", raw))
			return
		}
		month = v
	}

	flow, err := a.service.CashFlow(r.Context(), year, month)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (a *API) handleCashFlowMonths(w http.ResponseWriter, r *http.Request) {
	months, err := a.service.CashFlowMonths(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"months": months})
}

func (a *API) handleCashFlowEntry(w http.ResponseWriter, r *http.Request) {
	var req domain.CashFlowEntryRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := a.service.RecordCashFlowEntry(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleDebtSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.DebtSummary(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleDebtDetail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	detail, err := a.service.DebtDetail(r.Context(), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.service.ListDebtSnapshots(r.Context(),
		parsePositiveLimit(q.Get("page"), 1, 0),
		parsePositiveLimit(q.Get("per_page"), 0, 0),
		q.Get("start_date"),
		q.Get("end_date"),
	)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type snapshotGenerateRequest struct {
	StartDate string `json:"start_date" validate:"required"`
	EndDate   string `json:"end_date" validate:"required"`
}

// handleGenerateSnapshots answers 207 when some days failed; the body lists
// them next to the days that were written.
func (a *API) handleGenerateSnapshots(w http.ResponseWriter, r *http.Request) {
	var req snapshotGenerateRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	run, err := a.service.GenerateDebtSnapshots(r.Context(), req.StartDate, req.EndDate)
	if err != nil && len(run.Failed) == 0 {
		a.fail(w, r, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleIncomeExpense(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := a.service.IncomeExpense(r.Context(), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleIncomeExpenseCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := a.service.IncomeExpense(r.Context(), q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	body, err := incomeExpenseCSV(report)
	if err != nil {
		a.fail(w, r, fmt.Errorf("render csv: %w", err))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(report)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

