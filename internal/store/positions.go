package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"momentum-trader/pkg/types"
)

// CreatePosition inserts a position row. If another NEW/OPEN position holds
// the same (run, symbol, side), the partial unique index fires and the call
// returns ErrPositionExists — callers treat it as a guard rejection.
func (s *Store) CreatePosition(ctx context.Context, pos *Position) error {
	err := s.db.WithContext(ctx).Create(pos).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrPositionExists
	}
	return err
}

// UpdatePosition persists an accounting mutation of an existing position.
func (s *Store) UpdatePosition(ctx context.Context, pos *Position) error {
	return s.db.WithContext(ctx).Save(pos).Error
}

// GetPosition loads one position by ID.
func (s *Store) GetPosition(ctx context.Context, positionID string) (*Position, error) {
	var pos Position
	if err := s.db.WithContext(ctx).First(&pos, "position_id = ?", positionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &pos, nil
}

// OpenPositions returns all NEW/OPEN positions of a run, ordered by symbol
// then side so iteration order is stable across calls.
func (s *Store) OpenPositions(ctx context.Context, runID string) ([]Position, error) {
	var out []Position
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND status IN ?", runID,
			[]types.PositionStatus{types.PositionNew, types.PositionOpen}).
		Order("symbol ASC, side ASC").
		Find(&out).Error
	return out, err
}

// OpenPositionsForSymbol narrows OpenPositions to one symbol.
func (s *Store) OpenPositionsForSymbol(ctx context.Context, runID, symbol string) ([]Position, error) {
	var out []Position
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND symbol = ? AND status IN ?", runID, symbol,
			[]types.PositionStatus{types.PositionNew, types.PositionOpen}).
		Order("side ASC").
		Find(&out).Error
	return out, err
}

// ClosedPositions returns CLOSED positions, optionally for one symbol.
func (s *Store) ClosedPositions(ctx context.Context, runID, symbol string) ([]Position, error) {
	var out []Position
	q := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runID, types.PositionClosed)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Order("open_ts ASC").Find(&out).Error
	return out, err
}
