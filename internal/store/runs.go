package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"momentum-trader/pkg/types"
)

// legalTransitions is the run status machine from the control contract.
// Forced stops are legal from every non-terminal state and are listed
// explicitly so the table is the single source of truth.
var legalTransitions = map[types.RunStatus][]types.RunStatus{
	types.RunQueued:      {types.RunRunning, types.RunStopped},
	types.RunRunning:     {types.RunDone, types.RunError, types.RunStopped},
	types.RunActive:      {types.RunPaused, types.RunWindingDown, types.RunStopped, types.RunError},
	types.RunPaused:      {types.RunActive, types.RunWindingDown, types.RunStopped, types.RunError},
	types.RunWindingDown: {types.RunStopped, types.RunError},
}

func transitionAllowed(from, to types.RunStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewRunConfig is the control-plane input for CreateRun.
type NewRunConfig struct {
	Kind            types.RunKind
	Name            string
	Symbols         []string
	Timeframe       types.Timeframe
	StrategyName    string
	StrategyVersion string
	Params          map[string]float64
	Seed            *int64
	StartTs         *time.Time
	EndTs           *time.Time
	StartingCapital decimal.Decimal

	MaxConcurrentPositions          int
	AllowMultiplePositionsPerSymbol bool
}

// CreateRun inserts a run. Backtests start queued, live runs start active.
func (s *Store) CreateRun(ctx context.Context, cfg NewRunConfig) (*Run, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("create run: at least one symbol required")
	}
	if cfg.Timeframe.Minutes() == 0 {
		return nil, fmt.Errorf("create run: invalid timeframe %q", cfg.Timeframe)
	}
	if cfg.Kind == types.KindBacktest && (cfg.StartTs == nil || cfg.EndTs == nil) {
		return nil, fmt.Errorf("create run: backtest requires start_ts and end_ts")
	}

	status := types.RunActive
	if cfg.Kind == types.KindBacktest {
		status = types.RunQueued
	}
	if cfg.MaxConcurrentPositions <= 0 {
		cfg.MaxConcurrentPositions = 1
	}

	run := &Run{
		RunID:           uuid.New().String(),
		Kind:            cfg.Kind,
		Name:            cfg.Name,
		StartTs:         cfg.StartTs,
		EndTs:           cfg.EndTs,
		Symbols:         cfg.Symbols,
		Timeframe:       cfg.Timeframe,
		StrategyName:    cfg.StrategyName,
		StrategyVersion: cfg.StrategyVersion,
		Params:          cfg.Params,
		Seed:            cfg.Seed,
		Status:          status,
		StartingCapital: cfg.StartingCapital,
		CurrentCapital:  cfg.StartingCapital,

		MaxConcurrentPositions:          cfg.MaxConcurrentPositions,
		AllowMultiplePositionsPerSymbol: cfg.AllowMultiplePositionsPerSymbol,

		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// ListRuns returns runs filtered by status; empty status lists everything.
func (s *Store) ListRuns(ctx context.Context, status types.RunStatus) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// SetStatus transitions a run, rejecting moves the lifecycle doesn't allow.
func (s *Store) SetStatus(ctx context.Context, runID string, to types.RunStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.First(&run, "run_id = ?", runID).Error; err != nil {
			return notFound(err)
		}
		if run.Status == to {
			return nil
		}
		if !transitionAllowed(run.Status, to) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, run.Status, to)
		}

		updates := map[string]any{"status": to}
		now := time.Now().UTC()
		if to.Terminal() {
			updates["stopped_at"] = now
		}
		if to == types.RunRunning && run.StartedAt == nil {
			updates["started_at"] = now
		}
		return tx.Model(&Run{}).Where("run_id = ?", runID).Updates(updates).Error
	})
}

// SetDone marks a backtest run complete.
func (s *Store) SetDone(ctx context.Context, runID string) error {
	return s.SetStatus(ctx, runID, types.RunDone)
}

// SetError marks a run failed with a bounded message.
func (s *Store) SetError(ctx context.Context, runID, msg string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Run{}).Where("run_id = ?", runID).
		Updates(map[string]any{
			"status":     types.RunError,
			"error":      truncate(msg, maxErrorLen),
			"stopped_at": now,
		}).Error
}

// UpdateCapital persists the run's current capital after fills settle.
func (s *Store) UpdateCapital(ctx context.Context, runID string, capital decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&Run{}).Where("run_id = ?", runID).
		Update("current_capital", capital).Error
}

// ClaimNextRun atomically transitions the oldest queued backtest run to
// running and stamps the claiming worker. Returns nil, nil when the queue
// is empty. Concurrent workers never claim the same run: on PostgreSQL the
// candidate row is locked FOR UPDATE SKIP LOCKED; on every dialect the
// status guard on the UPDATE makes the loser walk away empty-handed.
func (s *Store) ClaimNextRun(ctx context.Context, workerName string) (*Run, error) {
	var claimed *Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? AND kind = ?", types.RunQueued, types.KindBacktest).
			Order("created_at ASC")
		if s.dialect == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var run Run
		if err := q.First(&run).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&Run{}).
			Where("run_id = ? AND status = ?", run.RunID, types.RunQueued).
			Updates(map[string]any{
				"status":     types.RunRunning,
				"claimed_by": workerName,
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker.
			return gorm.ErrRecordNotFound
		}

		run.Status = types.RunRunning
		run.ClaimedBy = workerName
		run.StartedAt = &now
		claimed = &run
		return nil
	})

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return claimed, nil
}

// DeleteRun removes a run and all dependent rows, children first.
// Deleting a missing run is a no-op, not an error.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{
			&Fill{}, &Order{}, &Position{}, &SignalRow{},
			&AccountSnapshot{}, &PriceSnapshot{}, &Event{}, &Cursor{},
			&BTResult{}, &BTEquity{},
		} {
			if err := tx.Where("run_id = ?", runID).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("run_id = ?", runID).Delete(&Run{}).Error
	})
}
