package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"momentum-trader/internal/config"
	"momentum-trader/internal/store"
	"momentum-trader/pkg/types"
)

// Exiter force-closes a run's positions; implemented by the live engine.
type Exiter interface {
	ForceExit(ctx context.Context, runID string) error
}

// Handlers holds the control-plane HTTP handler dependencies.
type Handlers struct {
	store  *store.Store
	exiter Exiter
	hub    *Hub
	cfg    config.APIConfig
	logger *slog.Logger
}

func NewHandlers(st *store.Store, exiter Exiter, hub *Hub, cfg config.APIConfig, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:  st,
		exiter: exiter,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("component", "api-handlers"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Request / response shapes
// ————————————————————————————————————————————————————————————————————————

type createRunRequest struct {
	Kind            string             `json:"kind"`
	Name            string             `json:"name"`
	Symbols         []string           `json:"symbols"`
	Timeframe       string             `json:"timeframe"`
	Strategy        string             `json:"strategy"`
	StrategyVersion string             `json:"strategy_version"`
	Params          map[string]float64 `json:"params"`
	Seed            *int64             `json:"seed,omitempty"`
	StartTs         *time.Time         `json:"start_ts,omitempty"`
	EndTs           *time.Time         `json:"end_ts,omitempty"`
	StartingCapital decimal.Decimal    `json:"starting_capital"`

	MaxConcurrentPositions          int  `json:"max_concurrent_positions"`
	AllowMultiplePositionsPerSymbol bool `json:"allow_multiple_positions_per_symbol"`
}

type runResponse struct {
	RunID           string             `json:"run_id"`
	Kind            types.RunKind      `json:"kind"`
	Name            string             `json:"name"`
	Status          types.RunStatus    `json:"status"`
	Symbols         []string           `json:"symbols"`
	Timeframe       types.Timeframe    `json:"timeframe"`
	Strategy        string             `json:"strategy"`
	StrategyVersion string             `json:"strategy_version"`
	Params          map[string]float64 `json:"params,omitempty"`
	StartTs         *time.Time         `json:"start_ts,omitempty"`
	EndTs           *time.Time         `json:"end_ts,omitempty"`
	StartingCapital decimal.Decimal    `json:"starting_capital"`
	CurrentCapital  decimal.Decimal    `json:"current_capital"`
	ClaimedBy       string             `json:"claimed_by,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	StoppedAt       *time.Time         `json:"stopped_at,omitempty"`
	Error           string             `json:"error,omitempty"`
}

func runView(run *store.Run) runResponse {
	return runResponse{
		RunID:           run.RunID,
		Kind:            run.Kind,
		Name:            run.Name,
		Status:          run.Status,
		Symbols:         run.Symbols,
		Timeframe:       run.Timeframe,
		Strategy:        run.StrategyName,
		StrategyVersion: run.StrategyVersion,
		Params:          run.Params,
		StartTs:         run.StartTs,
		EndTs:           run.EndTs,
		StartingCapital: run.StartingCapital,
		CurrentCapital:  run.CurrentCapital,
		ClaimedBy:       run.ClaimedBy,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		StoppedAt:       run.StoppedAt,
		Error:           run.Error,
	}
}

type statusRequest struct {
	Status types.RunStatus `json:"status"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ————————————————————————————————————————————————————————————————————————
// Handlers
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), types.RunStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]runResponse, len(runs))
	for i := range runs {
		out[i] = runView(&runs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	tf, err := types.ParseTimeframe(req.Timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.store.CreateRun(r.Context(), store.NewRunConfig{
		Kind:            types.RunKind(req.Kind),
		Name:            req.Name,
		Symbols:         req.Symbols,
		Timeframe:       tf,
		StrategyName:    req.Strategy,
		StrategyVersion: req.StrategyVersion,
		Params:          req.Params,
		Seed:            req.Seed,
		StartTs:         req.StartTs,
		EndTs:           req.EndTs,
		StartingCapital: req.StartingCapital,

		MaxConcurrentPositions:          req.MaxConcurrentPositions,
		AllowMultiplePositionsPerSymbol: req.AllowMultiplePositionsPerSymbol,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("run created", "run_id", run.RunID, "kind", run.Kind, "name", run.Name)
	writeJSON(w, http.StatusCreated, runView(run))
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runView(run))
}

func (h *Handlers) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	runID := r.PathValue("id")
	if err := h.store.SetStatus(r.Context(), runID, req.Status); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.runError(w, err)
		return
	}
	h.logger.Info("run status changed", "run_id", runID, "status", req.Status)
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runView(run))
}

func (h *Handlers) HandleForceExit(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.exiter.ForceExit(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runView(run))
}

func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.store.DeleteRun(r.Context(), runID); err != nil {
		h.runError(w, err)
		return
	}
	h.logger.Info("run deleted", "run_id", runID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handlers) HandleEquity(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	curve, err := h.store.EquityCurve(r.Context(), r.PathValue("id"), symbol)
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, curve)
}

func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

func (h *Handlers) runError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
