// Package account applies orders and fills to positions: VWAP entry and
// exit prices, realized P&L, fees, capital updates, and the position FSM.
// It owns every mutation of position rows; the engine and backtest worker
// never touch them directly.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"momentum-trader/internal/store"
	"momentum-trader/pkg/types"
)

// closeTolerance is the absolute quantity below which a position counts as
// fully closed. Decimal division can leave dust on flips.
var closeTolerance = decimal.New(1, -9)

var bps = decimal.NewFromInt(10000)

// Accountant settles one fill at a time against the store. Not safe for
// concurrent use on the same run; callers serialize per run.
type Accountant struct {
	store       *store.Store
	logger      *slog.Logger
	takerFeeBps decimal.Decimal
}

func New(st *store.Store, logger *slog.Logger, takerFeeBps int) *Accountant {
	return &Accountant{
		store:       st,
		logger:      logger.With("component", "account"),
		takerFeeBps: decimal.NewFromInt(int64(takerFeeBps)),
	}
}

// WithStore returns a copy of the accountant bound to another store handle,
// typically a transaction-scoped one.
func (a *Accountant) WithStore(st *store.Store) *Accountant {
	c := *a
	c.store = st
	return &c
}

// FillPrice adjusts a base price for slippage against the taker:
// base · (1 + sign(side) · slippageBps/1e4). Buying pays up, selling
// receives less.
func FillPrice(base decimal.Decimal, side types.Side, slippageBps int) decimal.Decimal {
	slip := decimal.NewFromInt(int64(slippageBps)).Div(bps)
	return base.Mul(decimal.NewFromInt(1).Add(side.Sign().Mul(slip)))
}

// ApplyInput describes one order and its single simulated fill.
type ApplyInput struct {
	Symbol    string
	Side      types.Side // order direction
	Intent    types.Intent
	Qty       decimal.Decimal
	FillPrice decimal.Decimal // already slippage-adjusted
	OrderTs   time.Time       // signal bar timestamp
	FillTs    time.Time       // execution timestamp, ≥ OrderTs

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   decimal.Decimal
	ReasonTag  string
}

// Result reports what one Apply did.
type Result struct {
	Order    *store.Order
	Fill     *store.Fill
	Position *store.Position // position the fill landed on
	Opened   *store.Position // opposite-side remainder of a flip, if any
	Closed   bool

	Fee           decimal.Decimal
	RealizedGross decimal.Decimal // (exit − entry)·qty·sign, before fees
}

// Apply runs the full order → fill → position sequence and settles the
// run's capital: current_capital − fee + realized gross from this fill.
// The run struct is mutated in place and persisted.
func (a *Accountant) Apply(ctx context.Context, run *store.Run, in ApplyInput) (*Result, error) {
	if !in.Qty.IsPositive() {
		return nil, fmt.Errorf("account: non-positive quantity %s", in.Qty)
	}
	if in.FillTs.Before(in.OrderTs) {
		return nil, fmt.Errorf("account: fill at %s precedes order at %s", in.FillTs, in.OrderTs)
	}

	ord := &store.Order{
		OrderID:   uuid.New().String(),
		RunID:     run.RunID,
		Symbol:    in.Symbol,
		Ts:        in.OrderTs,
		Side:      in.Side,
		Intent:    orderIntent(in.Intent),
		Qty:       in.Qty,
		Status:    types.OrderNew,
		ReasonTag: in.ReasonTag,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateOrder(ctx, ord); err != nil {
		return nil, fmt.Errorf("account: create order: %w", err)
	}
	a.event(ctx, run.RunID, types.EventOrderNew, in.OrderTs, map[string]any{
		"symbol": in.Symbol, "side": in.Side, "intent": in.Intent,
		"qty": in.Qty, "reason": in.ReasonTag,
	}, &ord.OrderID, nil, nil)

	fee := in.FillPrice.Mul(in.Qty).Mul(a.takerFeeBps).Div(bps)

	fill := &store.Fill{
		FillID:    uuid.New().String(),
		OrderID:   ord.OrderID,
		RunID:     run.RunID,
		Symbol:    in.Symbol,
		Ts:        in.FillTs,
		Qty:       in.Qty,
		Price:     in.FillPrice,
		Fee:       fee,
		CreatedAt: time.Now().UTC(),
	}

	res := &Result{Order: ord, Fill: fill, Fee: fee}
	var err error
	switch in.Intent {
	case types.IntentOpen:
		err = a.applyOpen(ctx, run, in, fill, res)
	case types.IntentClose:
		err = a.applyClose(ctx, run, in, fill, fee, res)
	case types.IntentFlip:
		err = a.applyFlip(ctx, run, in, fill, fee, res)
	default:
		err = fmt.Errorf("account: unknown intent %q", in.Intent)
	}
	if err != nil {
		return nil, err
	}

	if err := a.store.CreateFill(ctx, fill); err != nil {
		return nil, fmt.Errorf("account: create fill: %w", err)
	}
	a.event(ctx, run.RunID, types.EventFill, in.FillTs, map[string]any{
		"symbol": in.Symbol, "qty": in.Qty, "price": in.FillPrice, "fee": fee,
	}, &ord.OrderID, &fill.FillID, fill.PositionID)

	if err := a.store.SetOrderStatus(ctx, ord.OrderID, types.OrderFilled); err != nil {
		return nil, fmt.Errorf("account: order status: %w", err)
	}
	ord.Status = types.OrderFilled

	run.CurrentCapital = run.CurrentCapital.Sub(fee).Add(res.RealizedGross)
	if err := a.store.UpdateCapital(ctx, run.RunID, run.CurrentCapital); err != nil {
		return nil, fmt.Errorf("account: update capital: %w", err)
	}

	a.logger.Debug("fill settled",
		"run_id", run.RunID, "symbol", in.Symbol, "side", in.Side,
		"intent", in.Intent, "qty", in.Qty.String(), "price", in.FillPrice.String(),
		"fee", fee.String(), "realized", res.RealizedGross.String())
	return res, nil
}

// applyOpen creates a position or adds to the same-side one.
func (a *Accountant) applyOpen(ctx context.Context, run *store.Run, in ApplyInput, fill *store.Fill, res *Result) error {
	open, err := a.store.OpenPositionsForSymbol(ctx, run.RunID, in.Symbol)
	if err != nil {
		return fmt.Errorf("account: load positions: %w", err)
	}
	for i := range open {
		if open[i].Side == in.Side {
			pos := &open[i]
			if err := a.addToPosition(ctx, pos, fill); err != nil {
				return err
			}
			res.Position = pos
			fill.PositionID = &pos.PositionID
			return nil
		}
	}

	pos, err := a.openPosition(ctx, run, in, fill.Price, fill.Qty, fill.Fee, fill.Ts)
	if err != nil {
		return err
	}
	res.Position = pos
	fill.PositionID = &pos.PositionID
	return nil
}

func (a *Accountant) openPosition(ctx context.Context, run *store.Run, in ApplyInput,
	price, qty, fee decimal.Decimal, ts time.Time) (*store.Position, error) {

	lev := in.Leverage
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	pos := &store.Position{
		PositionID:        uuid.New().String(),
		RunID:             run.RunID,
		Symbol:            in.Symbol,
		Side:              in.Side,
		Status:            types.PositionOpen,
		OpenTs:            ts,
		EntryPriceVWAP:    price,
		QuantityOpen:      qty,
		CostBasis:         price.Mul(qty),
		FeesTotal:         fee,
		RealizedPnL:       fee.Neg(),
		LeverageEffective: lev,
		StopLoss:          in.StopLoss,
		TakeProfit:        in.TakeProfit,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := a.store.CreatePosition(ctx, pos); err != nil {
		return nil, err
	}
	a.event(ctx, run.RunID, types.EventPositionOpened, ts, map[string]any{
		"symbol": pos.Symbol, "side": pos.Side, "qty": qty, "entry": price,
	}, nil, nil, &pos.PositionID)
	return pos, nil
}

// addToPosition folds an opening fill into an existing same-side position.
// The VWAP weights only the quantity still open; lots closed earlier never
// re-enter the remaining entry price.
func (a *Accountant) addToPosition(ctx context.Context, pos *store.Position, fill *store.Fill) error {
	prevOpen := pos.QuantityOpen
	newOpen := prevOpen.Add(fill.Qty)

	pos.CostBasis = pos.CostBasis.Add(fill.Price.Mul(fill.Qty))
	pos.EntryPriceVWAP = pos.EntryPriceVWAP.Mul(prevOpen).
		Add(fill.Price.Mul(fill.Qty)).
		Div(newOpen)
	pos.QuantityOpen = newOpen
	pos.FeesTotal = pos.FeesTotal.Add(fill.Fee)
	pos.RealizedPnL = pos.RealizedPnL.Sub(fill.Fee)
	pos.UpdatedAt = time.Now().UTC()
	return a.store.UpdatePosition(ctx, pos)
}

// applyClose reduces the opposite-side position by the fill quantity.
func (a *Accountant) applyClose(ctx context.Context, run *store.Run, in ApplyInput,
	fill *store.Fill, fee decimal.Decimal, res *Result) error {

	pos, err := a.heldPosition(ctx, run.RunID, in.Symbol, in.Side.Opposite())
	if err != nil {
		return err
	}
	if in.Qty.GreaterThan(pos.QuantityOpen.Add(closeTolerance)) {
		return fmt.Errorf("account: close qty %s exceeds open %s", in.Qty, pos.QuantityOpen)
	}

	gross := a.reduce(pos, fill.Price, decimal.Min(in.Qty, pos.QuantityOpen), fee, fill.Ts)
	res.RealizedGross = gross
	res.Position = pos
	res.Closed = pos.Status == types.PositionClosed
	fill.PositionID = &pos.PositionID

	if err := a.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("account: update position: %w", err)
	}
	if res.Closed {
		a.event(ctx, run.RunID, types.EventPositionClosed, fill.Ts, map[string]any{
			"symbol": pos.Symbol, "side": pos.Side,
			"exit": pos.ExitPriceVWAP, "realized": pos.RealizedPnL,
		}, nil, nil, &pos.PositionID)
	}
	return nil
}

// applyFlip closes the held position in full, then opens the opposite side
// with the remainder. The single fill's fee is split pro rata by quantity.
func (a *Accountant) applyFlip(ctx context.Context, run *store.Run, in ApplyInput,
	fill *store.Fill, fee decimal.Decimal, res *Result) error {

	pos, err := a.heldPosition(ctx, run.RunID, in.Symbol, in.Side.Opposite())
	if err != nil {
		return err
	}

	closeQty := pos.QuantityOpen
	remainder := in.Qty.Sub(closeQty)
	closeFee := fee.Mul(closeQty).Div(in.Qty)
	openFee := fee.Sub(closeFee)

	gross := a.reduce(pos, fill.Price, closeQty, closeFee, fill.Ts)
	res.RealizedGross = gross
	res.Position = pos
	res.Closed = true
	fill.PositionID = &pos.PositionID

	if err := a.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("account: update position: %w", err)
	}
	a.event(ctx, run.RunID, types.EventPositionClosed, fill.Ts, map[string]any{
		"symbol": pos.Symbol, "side": pos.Side,
		"exit": pos.ExitPriceVWAP, "realized": pos.RealizedPnL, "flip": true,
	}, nil, nil, &pos.PositionID)

	if remainder.GreaterThan(closeTolerance) {
		opened, err := a.openPosition(ctx, run, in, fill.Price, remainder, openFee, fill.Ts)
		if err != nil {
			return err
		}
		res.Opened = opened
	}
	return nil
}

// reduce applies a closing fill to pos and returns the gross realized P&L
// for the closed quantity. Caller persists.
func (a *Accountant) reduce(pos *store.Position, price, qty, fee decimal.Decimal, ts time.Time) decimal.Decimal {
	gross := price.Sub(pos.EntryPriceVWAP).Mul(qty).Mul(pos.Side.Sign())

	pos.QuantityOpen = pos.QuantityOpen.Sub(qty)
	pos.QuantityClose = pos.QuantityClose.Add(qty)
	pos.CloseNotional = pos.CloseNotional.Add(price.Mul(qty))
	pos.FeesTotal = pos.FeesTotal.Add(fee)
	pos.RealizedPnL = pos.RealizedPnL.Add(gross).Sub(fee)
	pos.UpdatedAt = time.Now().UTC()

	if pos.QuantityOpen.Abs().LessThanOrEqual(closeTolerance) {
		pos.QuantityOpen = decimal.Zero
		pos.Status = types.PositionClosed
		closeTs := ts
		pos.CloseTs = &closeTs
		pos.ExitPriceVWAP = pos.CloseNotional.Div(pos.QuantityClose)
	}
	return gross
}

func (a *Accountant) heldPosition(ctx context.Context, runID, symbol string, side types.Side) (*store.Position, error) {
	open, err := a.store.OpenPositionsForSymbol(ctx, runID, symbol)
	if err != nil {
		return nil, fmt.Errorf("account: load positions: %w", err)
	}
	for i := range open {
		if open[i].Side == side {
			return &open[i], nil
		}
	}
	return nil, fmt.Errorf("account: no open %s position on %s", side, symbol)
}

// UnrealizedPnL marks a position against a price without mutating it.
func UnrealizedPnL(pos *store.Position, mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(pos.EntryPriceVWAP).Mul(pos.QuantityOpen).Mul(pos.Side.Sign())
}

func orderIntent(in types.Intent) types.OrderIntent {
	switch in {
	case types.IntentOpen:
		return types.IntentEntry
	case types.IntentFlip:
		return types.IntentAdjust
	default:
		return types.IntentExit
	}
}

// event writes an audit row; failures are logged, never fatal to a fill.
func (a *Accountant) event(ctx context.Context, runID string, et types.EventType, ts time.Time,
	payload map[string]any, orderID, fillID, positionID *string) {

	raw, _ := json.Marshal(payload)
	evt := &store.Event{
		EventID:    uuid.New().String(),
		RunID:      runID,
		EventType:  et,
		Ts:         ts,
		Payload:    string(raw),
		OrderID:    orderID,
		FillID:     fillID,
		PositionID: positionID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.AppendEvent(ctx, evt); err != nil {
		a.logger.Warn("event append failed", "run_id", runID, "type", et, "error", err)
	}
}
