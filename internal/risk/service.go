// Package risk provides the HTTP handlers for querying position risk
// metrics, previewing margin adjustments, and managing liquidation alerts.
//
// All monetary values use shopspring/decimal — never float64 for money.
package risk

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/ledger"
	"github.com/inflationmarket/risk-engine/internal/margin"
	"github.com/inflationmarket/risk-engine/internal/metrics"
	"github.com/inflationmarket/risk-engine/internal/model"
	"github.com/inflationmarket/risk-engine/internal/monitor"
	"github.com/inflationmarket/risk-engine/internal/riskmath"
)

// Service handles risk queries and margin previews. All reads go through
// the monitor so metrics are always derived from the latest applied
// snapshot; nothing here mutates on-chain state.
type Service struct {
	ledger    *ledger.Ledger
	monitor   *monitor.Monitor
	validator *margin.Validator
	calc      *riskmath.Calculator
}

// NewService creates a risk service.
func NewService(led *ledger.Ledger, mon *monitor.Monitor, v *margin.Validator, calc *riskmath.Calculator) *Service {
	return &Service{
		ledger:    led,
		monitor:   mon,
		validator: v,
		calc:      calc,
	}
}

// Routes mounts the service handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{positionID}/metrics", s.GetMetrics)
	r.Post("/positions/{positionID}/margin/preview", s.PreviewMargin)
	r.Get("/alerts", s.ListAlerts)
	r.Post("/alerts/{positionID}/ack", s.AcknowledgeAlert)
}

// --- Request/Response types ---

// PositionView pairs a position with its live risk metrics. Metrics is
// null until the first snapshot for the instrument has been fetched.
type PositionView struct {
	Position model.Position     `json:"position"`
	Metrics  *model.RiskMetrics `json:"metrics,omitempty"`
}

// MarginPreviewRequest is the JSON body for POST
// /positions/{positionID}/margin/preview.
type MarginPreviewRequest struct {
	Amount decimal.Decimal `json:"amount"`
	IsAdd  bool            `json:"is_add"`
}

// marginRejection is the 409 body for a rejected preview. The projected
// ratio is included so the UI can show how far below the threshold the
// withdrawal would land.
type marginRejection struct {
	Error                string           `json:"error"`
	ProjectedHealthRatio *decimal.Decimal `json:"projected_health_ratio,omitempty"`
}

// --- HTTP Handlers ---

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.ledger.Snapshot()

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		view := PositionView{Position: p}
		if rm, err := s.monitor.Metrics(p.ID); err == nil {
			view.Metrics = &rm
		}
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// GetMetrics handles GET /api/v1/positions/{positionID}/metrics
func (s *Service) GetMetrics(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	rm, err := s.monitor.Metrics(positionID)
	switch {
	case errors.Is(err, ledger.ErrUnknownPosition):
		writeError(w, "position not found", http.StatusNotFound)
		return
	case errors.Is(err, monitor.ErrNoSnapshot):
		writeError(w, "no market snapshot yet for instrument", http.StatusServiceUnavailable)
		return
	case err != nil:
		writeError(w, "failed to compute metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rm)
}

// PreviewMargin handles POST /api/v1/positions/{positionID}/margin/preview
// Validates the adjustment and returns the projected position and metrics.
// Nothing is submitted on-chain; the caller signs and sends elsewhere.
func (s *Service) PreviewMargin(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req MarginPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, ok := s.ledger.Get(positionID)
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	snap, ok := s.monitor.LastSnapshot(p.Instrument)
	if !ok {
		writeError(w, "no market snapshot yet for instrument", http.StatusServiceUnavailable)
		return
	}

	var proj *model.ProjectedPosition
	var err error
	if req.IsAdd {
		proj, err = s.validator.ValidateAdd(p, snap, req.Amount)
	} else {
		proj, err = s.validator.ValidateRemove(p, snap, req.Amount)
	}

	if err != nil {
		s.writeRejection(w, p, snap, req, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(proj)
}

// writeRejection maps a validation error to its HTTP status and records
// the rejection reason. Threshold rejections carry the projected health
// ratio so the response is actionable without re-deriving it client-side.
func (s *Service) writeRejection(w http.ResponseWriter, p model.Position, snap model.MarketSnapshot, req MarginPreviewRequest, err error) {
	body := marginRejection{Error: err.Error()}
	status := http.StatusConflict

	var reason string
	switch {
	case errors.Is(err, margin.ErrInvalidAmount):
		reason = "invalid_amount"
		status = http.StatusBadRequest
	case errors.Is(err, margin.ErrWouldBreachMaintenance):
		reason = "would_breach_maintenance"
	case errors.Is(err, margin.ErrExceedsMaxLeverage):
		reason = "exceeds_max_leverage"
	default:
		reason = "other"
	}

	if !errors.Is(err, margin.ErrInvalidAmount) {
		proj := s.calc.ProjectMarginChange(p, snap, req.Amount, req.IsAdd)
		ratio := proj.Metrics.HealthRatio.Round(riskmath.RatioScale)
		body.ProjectedHealthRatio = &ratio
	}

	metrics.MarginRejections.WithLabelValues(reason).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ListAlerts handles GET /api/v1/alerts
// Alerts come back most severe first, most recent first within a band.
func (s *Service) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.monitor.ListAlerts()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

// AcknowledgeAlert handles POST /api/v1/alerts/{positionID}/ack
// An acknowledged alert stops re-surfacing at its current severity; an
// escalation re-raises it.
func (s *Service) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	if err := s.monitor.Acknowledge(positionID); err != nil {
		writeError(w, "no active alert for position", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "acknowledged"})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
