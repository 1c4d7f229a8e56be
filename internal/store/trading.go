package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"momentum-trader/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Orders, fills, signals, events — append-only audit surfaces
// ————————————————————————————————————————————————————————————————————————

// CreateOrder appends an order row.
func (s *Store) CreateOrder(ctx context.Context, ord *Order) error {
	return s.db.WithContext(ctx).Create(ord).Error
}

// SetOrderStatus advances an order's lifecycle.
func (s *Store) SetOrderStatus(ctx context.Context, orderID string, status types.OrderStatus) error {
	return s.db.WithContext(ctx).Model(&Order{}).
		Where("order_id = ?", orderID).Update("status", status).Error
}

// CreateFill appends a fill. Fills are never updated or deleted.
func (s *Store) CreateFill(ctx context.Context, fill *Fill) error {
	return s.db.WithContext(ctx).Create(fill).Error
}

// SaveSignal records a strategy/synthetic signal and whether it executed.
func (s *Store) SaveSignal(ctx context.Context, sig *SignalRow) error {
	return s.db.WithContext(ctx).Create(sig).Error
}

// AppendEvent writes one structured audit record.
func (s *Store) AppendEvent(ctx context.Context, evt *Event) error {
	return s.db.WithContext(ctx).Create(evt).Error
}

// Orders lists a run's orders in time order.
func (s *Store) Orders(ctx context.Context, runID string) ([]Order, error) {
	var out []Order
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("ts ASC, created_at ASC, order_id ASC").Find(&out).Error
	return out, err
}

// Fills lists a run's fills in time order, optionally for one symbol.
func (s *Store) Fills(ctx context.Context, runID, symbol string) ([]Fill, error) {
	var out []Fill
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Order("ts ASC, created_at ASC, fill_id ASC").Find(&out).Error
	return out, err
}

// Events lists a run's events in time order, optionally filtered by type.
func (s *Store) Events(ctx context.Context, runID string, et types.EventType) ([]Event, error) {
	var out []Event
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if et != "" {
		q = q.Where("event_type = ?", et)
	}
	err := q.Order("ts ASC, created_at ASC, event_id ASC").Find(&out).Error
	return out, err
}

// EventsAfter lists events across all runs appended after the given wall
// clock time, oldest first. Used by the API event stream to tail the log.
func (s *Store) EventsAfter(ctx context.Context, after time.Time, limit int) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).Where("created_at > ?", after).
		Order("created_at ASC, event_id ASC").Limit(limit).Find(&out).Error
	return out, err
}

// Signals lists a run's signal audit rows in time order.
func (s *Store) Signals(ctx context.Context, runID string) ([]SignalRow, error) {
	var out []SignalRow
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("ts ASC, created_at ASC, signal_id ASC").Find(&out).Error
	return out, err
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// SaveAccountSnapshot appends an equity snapshot; unique per (run, ts).
func (s *Store) SaveAccountSnapshot(ctx context.Context, snap *AccountSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// SavePriceSnapshot appends a mark-price record; unique per (run, ts, symbol).
func (s *Store) SavePriceSnapshot(ctx context.Context, snap *PriceSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// ————————————————————————————————————————————————————————————————————————
// Candle cursors
// ————————————————————————————————————————————————————————————————————————

// GetCursor returns the last processed candle timestamp, or the zero time
// when this (run, symbol) has never processed a bar.
func (s *Store) GetCursor(ctx context.Context, runID, symbol string) (time.Time, error) {
	var cur Cursor
	err := s.db.WithContext(ctx).
		First(&cur, "run_id = ? AND symbol = ?", runID, symbol).Error
	if err != nil {
		if notFound(err) == ErrNotFound {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return cur.LastProcessedCandleTs.UTC(), nil
}

// SetCursor advances the cursor. Moving backwards is a bug in the caller
// and is rejected with ErrCursorRegression.
func (s *Store) SetCursor(ctx context.Context, runID, symbol string, ts time.Time) error {
	current, err := s.GetCursor(ctx, runID, symbol)
	if err != nil {
		return err
	}
	if ts.Before(current) {
		return fmt.Errorf("%w: %s/%s %s < %s", ErrCursorRegression, runID, symbol,
			ts.UTC().Format(time.RFC3339), current.Format(time.RFC3339))
	}

	cur := Cursor{
		RunID:                 runID,
		Symbol:                symbol,
		LastProcessedCandleTs: ts.UTC(),
		UpdatedAt:             time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_candle_ts", "updated_at"}),
	}).Create(&cur).Error
}

// ————————————————————————————————————————————————————————————————————————
// Backtest output
// ————————————————————————————————————————————————————————————————————————

// UpsertResult writes the per-(run, symbol) backtest summary.
func (s *Store) UpsertResult(ctx context.Context, res *BTResult) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"trades", "wins", "losses", "pnl", "fees", "win_rate",
			"sharpe", "sortino", "max_dd", "profit_factor", "exposure",
			"turnover", "updated_at",
		}),
	}).Create(res).Error
}

// UpsertEquityPoint writes one equity-curve point.
func (s *Store) UpsertEquityPoint(ctx context.Context, pt *BTEquity) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "symbol"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{"equity"}),
	}).Create(pt).Error
}

// Results lists backtest summaries for a run, ordered by symbol.
func (s *Store) Results(ctx context.Context, runID string) ([]BTResult, error) {
	var out []BTResult
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("symbol ASC").Find(&out).Error
	return out, err
}

// EquityCurve lists equity points for one (run, symbol) in time order.
func (s *Store) EquityCurve(ctx context.Context, runID, symbol string) ([]BTEquity, error) {
	var out []BTEquity
	err := s.db.WithContext(ctx).Where("run_id = ? AND symbol = ?", runID, symbol).
		Order("ts ASC").Find(&out).Error
	return out, err
}
