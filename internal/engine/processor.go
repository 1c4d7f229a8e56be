package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"momentum-trader/internal/account"
	"momentum-trader/internal/broker"
	"momentum-trader/internal/risk"
	"momentum-trader/internal/store"
	"momentum-trader/internal/strategy"
	"momentum-trader/pkg/types"
)

// Processor is the per-bar composition shared by the live engine and the
// backtest worker: synthetic stop/take exits, strategy evaluation, guard
// admission, and accounting. Execution timing differs per caller — the live
// engine fills on the current bar's close, the backtest on the next bar's
// open — so the processor returns admitted signals instead of filling
// entries itself.
type Processor struct {
	Store    *store.Store
	Acct     *account.Accountant
	Guard    *risk.Guard
	Strategy strategy.Strategy
	Broker   broker.Broker
	Logger   *slog.Logger
}

// InTx returns a copy of the processor with its store, accountant, and
// guard rebound to a transaction-scoped store, so one bar's writes commit
// or roll back together.
func (p *Processor) InTx(st *store.Store) *Processor {
	c := *p
	c.Store = st
	c.Acct = p.Acct.WithStore(st)
	c.Guard = p.Guard.WithStore(st)
	return &c
}

// Admitted is a guard-approved signal waiting for execution.
type Admitted struct {
	Signal types.Signal
	Intent types.Intent
	BarTs  time.Time
	Symbol string
}

// ExecCosts resolves the run's execution costs, letting run params override
// the configured defaults.
func ExecCosts(run *store.Run, defSlippageBps, defFeeBps int) (slippage, fee int) {
	slippage, fee = defSlippageBps, defFeeBps
	if v, ok := run.Params["slippageBps"]; ok {
		slippage = int(v)
	}
	if v, ok := run.Params["takerFeeBps"]; ok {
		fee = int(v)
	}
	return slippage, fee
}

// ApplyStopTakeExits raises and settles synthetic exits for stop/take
// crossings on this bar. Runs before strategy evaluation. Exits fill at the
// trigger price itself.
func (p *Processor) ApplyStopTakeExits(ctx context.Context, run *store.Run, bar types.Bar) (int, error) {
	open, err := p.Store.OpenPositionsForSymbol(ctx, run.RunID, bar.Symbol)
	if err != nil {
		return 0, fmt.Errorf("engine: load positions: %w", err)
	}
	exits := risk.StopTakeExits(open, bar)
	for _, ex := range exits {
		side := ex.Position.Side.Opposite()
		exec, err := p.Broker.Fill(ctx, broker.ExecRequest{
			Symbol: bar.Symbol, Side: side, Qty: ex.Position.QuantityOpen,
			BasePrice: ex.Price, Ts: bar.Ts,
		})
		if err != nil {
			return 0, fmt.Errorf("engine: %s exit fill: %w", ex.Reason, err)
		}
		in := account.ApplyInput{
			Symbol:    bar.Symbol,
			Side:      side,
			Intent:    types.IntentClose,
			Qty:       ex.Position.QuantityOpen,
			FillPrice: exec.Price,
			OrderTs:   bar.Ts,
			FillTs:    exec.Ts,
			ReasonTag: ex.Reason,
		}
		if _, err := p.Acct.Apply(ctx, run, in); err != nil {
			return 0, fmt.Errorf("engine: %s exit: %w", ex.Reason, err)
		}
		p.saveSignal(ctx, run.RunID, bar, types.Signal{
			Side: side, Size: in.Qty, Type: types.SignalMarket, Reason: ex.Reason,
		}, types.IntentClose, true, "")
	}
	return len(exits), nil
}

// EvalAndAdmit evaluates the strategy on one bar, classifies each signal
// against held positions, and runs it through the guard. Every signal gets
// a persisted audit row; only admitted ones are returned. reserved counts
// entries admitted earlier on this bar but not yet filled (backtest
// next-bar execution), so shared caps hold across symbols.
func (p *Processor) EvalAndAdmit(ctx context.Context, run *store.Run, state types.State,
	bar types.Bar, reserved int) ([]Admitted, error) {

	sigs := p.Strategy.Evaluate(bar, state, strategy.Params(run.Params))
	if len(sigs) == 0 {
		return nil, nil
	}

	var admitted []Admitted
	for _, sig := range sigs {
		intent := types.Classify(state, sig)
		// Only market signals execute; the simulator has no resting book.
		if sig.Type != types.SignalMarket {
			p.saveSignal(ctx, run.RunID, bar, sig, intent, false, types.RejectUnsupportedType)
			p.Logger.Warn("signal type not executable",
				"run_id", run.RunID, "symbol", bar.Symbol, "type", sig.Type)
			continue
		}
		reason, err := p.Guard.Admit(ctx, run, bar, sig, intent, reserved)
		if err != nil {
			return nil, err
		}
		ok := reason == ""
		p.saveSignal(ctx, run.RunID, bar, sig, intent, ok, reason)
		if !ok {
			p.Logger.Debug("signal rejected",
				"run_id", run.RunID, "symbol", bar.Symbol,
				"side", sig.Side, "reason", reason)
			continue
		}
		if intent == types.IntentOpen {
			reserved++
		}
		admitted = append(admitted, Admitted{
			Signal: sig, Intent: intent, BarTs: bar.Ts, Symbol: bar.Symbol,
		})
	}
	return admitted, nil
}

// Execute settles one admitted signal at a base price (current close for
// live, next open for backtest) with slippage.
func (p *Processor) Execute(ctx context.Context, run *store.Run, adm Admitted,
	basePrice decimal.Decimal, fillTs time.Time) (*account.Result, error) {

	exec, err := p.Broker.Fill(ctx, broker.ExecRequest{
		Symbol: adm.Symbol, Side: adm.Signal.Side, Qty: adm.Signal.Size,
		BasePrice: basePrice, Ts: fillTs,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: fill %s %s: %w", adm.Signal.Side, adm.Symbol, err)
	}
	in := account.ApplyInput{
		Symbol:     adm.Symbol,
		Side:       adm.Signal.Side,
		Intent:     adm.Intent,
		Qty:        adm.Signal.Size,
		FillPrice:  exec.Price,
		OrderTs:    adm.BarTs,
		FillTs:     exec.Ts,
		StopLoss:   adm.Signal.StopLoss,
		TakeProfit: adm.Signal.TakeProfit,
		Leverage:   adm.Signal.Leverage,
		ReasonTag:  adm.Signal.Reason,
	}
	res, err := p.Acct.Apply(ctx, run, in)
	if err != nil {
		return nil, fmt.Errorf("engine: execute %s %s: %w", adm.Signal.Side, adm.Symbol, err)
	}
	return res, nil
}

// MarkPositions marks the symbol's open positions at the bar close, writes
// a POSITION_MARK event per position, and returns the total unrealized P&L.
func (p *Processor) MarkPositions(ctx context.Context, run *store.Run, bar types.Bar) (decimal.Decimal, error) {
	open, err := p.Store.OpenPositionsForSymbol(ctx, run.RunID, bar.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("engine: mark positions: %w", err)
	}
	total := decimal.Zero
	for i := range open {
		pos := &open[i]
		upnl := account.UnrealizedPnL(pos, bar.Close)
		total = total.Add(upnl)
		p.appendEvent(ctx, run.RunID, types.EventPositionMark, bar.Ts, fmt.Sprintf(
			`{"symbol":%q,"side":%q,"mark":%q,"unrealized":%q}`,
			pos.Symbol, pos.Side, bar.Close.String(), upnl.String()), &pos.PositionID)
	}
	if len(open) > 0 {
		snap := &store.PriceSnapshot{
			SnapshotID: uuid.New().String(),
			RunID:      run.RunID,
			Ts:         bar.Ts,
			Symbol:     bar.Symbol,
			Price:      bar.Close,
			CreatedAt:  time.Now().UTC(),
		}
		if err := p.Store.SavePriceSnapshot(ctx, snap); err != nil {
			p.Logger.Warn("price snapshot failed", "run_id", run.RunID, "error", err)
		}
	}
	return total, nil
}

// Equity computes capital plus unrealized P&L across all open positions,
// marked at the supplied prices. Symbols without a price mark at entry.
func (p *Processor) Equity(ctx context.Context, run *store.Run, marks map[string]decimal.Decimal) (decimal.Decimal, int, error) {
	open, err := p.Store.OpenPositions(ctx, run.RunID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	equity := run.CurrentCapital
	for i := range open {
		mark, ok := marks[open[i].Symbol]
		if !ok {
			mark = open[i].EntryPriceVWAP
		}
		equity = equity.Add(account.UnrealizedPnL(&open[i], mark))
	}
	return equity, len(open), nil
}

// State assembles the strategy's per-(run, symbol) view from the store and
// the caller's bar cache.
func (p *Processor) State(ctx context.Context, run *store.Run, symbol string, lastCandle *types.Bar) (types.State, error) {
	open, err := p.Store.OpenPositionsForSymbol(ctx, run.RunID, symbol)
	if err != nil {
		return types.State{}, fmt.Errorf("engine: load positions: %w", err)
	}
	views := make([]types.PositionView, 0, len(open))
	for i := range open {
		views = append(views, open[i].View())
	}
	return types.State{
		RunID:          run.RunID,
		Symbol:         symbol,
		Timeframe:      run.Timeframe,
		CurrentCapital: run.CurrentCapital,
		Positions:      views,
		LastCandle:     lastCandle,
	}, nil
}

func (p *Processor) saveSignal(ctx context.Context, runID string, bar types.Bar,
	sig types.Signal, intent types.Intent, executed bool, rejection string) {

	row := &store.SignalRow{
		SignalID:        uuid.New().String(),
		RunID:           runID,
		Symbol:          bar.Symbol,
		Ts:              bar.Ts,
		Side:            sig.Side,
		Intent:          intent,
		Size:            sig.Size,
		Reason:          sig.Reason,
		Executed:        executed,
		RejectionReason: rejection,
		CreatedAt:       time.Now().UTC(),
	}
	if err := p.Store.SaveSignal(ctx, row); err != nil {
		p.Logger.Warn("signal audit failed", "run_id", runID, "error", err)
	}
}

func (p *Processor) appendEvent(ctx context.Context, runID string, et types.EventType,
	ts time.Time, payload string, positionID *string) {

	evt := &store.Event{
		EventID:    uuid.New().String(),
		RunID:      runID,
		EventType:  et,
		Ts:         ts,
		Payload:    payload,
		PositionID: positionID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.Store.AppendEvent(ctx, evt); err != nil {
		p.Logger.Warn("event append failed", "run_id", runID, "type", et, "error", err)
	}
}
