// Package risk gates strategy signals before they become orders and raises
// the synthetic exits the strategy cannot see: stop-loss and take-profit
// crossings, the daily kill switch, and bankruptcy.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"momentum-trader/internal/store"
	"momentum-trader/pkg/types"
)

// Guard holds the per-process risk state. Safe for concurrent use across
// runs; kill-switch baselines are keyed by run.
type Guard struct {
	store  *store.Store
	logger *slog.Logger

	cashReservePct decimal.Decimal
	killSwitchPct  decimal.Decimal

	day *dayTracker
}

// dayTracker holds the kill-switch baselines behind a pointer so rebound
// guard copies share one state.
type dayTracker struct {
	mu     sync.Mutex
	starts map[string]dayStart // run_id → daily baseline
}

type dayStart struct {
	day    string // YYYY-MM-DD in UTC
	equity decimal.Decimal
}

func NewGuard(st *store.Store, logger *slog.Logger, cashReservePct, killSwitchPct float64) *Guard {
	return &Guard{
		store:          st,
		logger:         logger.With("component", "risk"),
		cashReservePct: decimal.NewFromFloat(cashReservePct),
		killSwitchPct:  decimal.NewFromFloat(killSwitchPct),
		day:            &dayTracker{starts: make(map[string]dayStart)},
	}
}

// WithStore returns a copy of the guard bound to another store handle,
// typically a transaction-scoped one. Kill-switch state is shared.
func (g *Guard) WithStore(st *store.Store) *Guard {
	c := *g
	c.store = st
	return &c
}

// Admit checks one classified signal against the guard table and returns
// the rejection reason, or "" when the signal may become an order. Checks
// run in a fixed order so rejections are deterministic.
//
// reserved counts entries already admitted this bar but not yet filled; the
// backtest's next-bar execution would otherwise let two symbols slip under
// a shared concurrency cap on the same bar.
func (g *Guard) Admit(ctx context.Context, run *store.Run, bar types.Bar,
	sig types.Signal, intent types.Intent, reserved int) (string, error) {

	switch run.Status {
	case types.RunActive, types.RunRunning:
		// trading allowed
	case types.RunWindingDown:
		if intent == types.IntentOpen || intent == types.IntentFlip {
			return types.RejectExitOnly, nil
		}
	default:
		return types.RejectRunNotActive, nil
	}

	if intent != types.IntentOpen {
		return "", nil
	}

	open, err := g.store.OpenPositions(ctx, run.RunID)
	if err != nil {
		return "", fmt.Errorf("risk: load positions: %w", err)
	}

	if len(open)+reserved >= run.MaxConcurrentPositions {
		return types.RejectConcurrencyCap, nil
	}
	for i := range open {
		if open[i].Symbol != bar.Symbol {
			continue
		}
		if open[i].Side == sig.Side {
			return types.RejectPositionExists, nil
		}
		if !run.AllowMultiplePositionsPerSymbol {
			return types.RejectPerSymbolCap, nil
		}
	}

	if reason := g.capitalCheck(run, bar, sig); reason != "" {
		return reason, nil
	}
	return "", nil
}

// capitalCheck rejects entries whose margin estimate would eat into the
// cash reserve. The estimate is notional at the signal bar's close divided
// by the requested leverage.
func (g *Guard) capitalCheck(run *store.Run, bar types.Bar, sig types.Signal) string {
	lev := sig.Leverage
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	estimate := bar.Close.Mul(sig.Size).Div(lev)
	reserve := run.StartingCapital.Mul(g.cashReservePct)
	if estimate.GreaterThan(run.CurrentCapital.Sub(reserve)) {
		return types.RejectInsufficientCapital
	}
	return ""
}

// ————————————————————————————————————————————————————————————————————————
// Synthetic exits
// ————————————————————————————————————————————————————————————————————————

// Exit is a synthetic close raised by a stop or take-profit crossing. It
// fills at the trigger price, not the bar close.
type Exit struct {
	Position *store.Position
	Price    decimal.Decimal
	Reason   string // "stop_loss" or "take_profit"
}

// StopTakeExits scans open positions on the bar's symbol for stop/take
// crossings. A LONG stops out when bar.low reaches the stop and takes
// profit when bar.high reaches the target; SHORT is the mirror image. When
// both levels are inside one bar the stop wins: intrabar ordering is
// unknowable, so the loss-bounding level is assumed to hit first.
func StopTakeExits(positions []store.Position, bar types.Bar) []Exit {
	var exits []Exit
	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != bar.Symbol {
			continue
		}
		if ex := stopTake(pos, bar); ex != nil {
			exits = append(exits, *ex)
		}
	}
	return exits
}

func stopTake(pos *store.Position, bar types.Bar) *Exit {
	stop, take := pos.StopLoss, pos.TakeProfit
	if pos.Side == types.LONG {
		if stop != nil && bar.Low.LessThanOrEqual(*stop) {
			return &Exit{Position: pos, Price: *stop, Reason: "stop_loss"}
		}
		if take != nil && bar.High.GreaterThanOrEqual(*take) {
			return &Exit{Position: pos, Price: *take, Reason: "take_profit"}
		}
		return nil
	}
	if stop != nil && bar.High.GreaterThanOrEqual(*stop) {
		return &Exit{Position: pos, Price: *stop, Reason: "stop_loss"}
	}
	if take != nil && bar.Low.LessThanOrEqual(*take) {
		return &Exit{Position: pos, Price: *take, Reason: "take_profit"}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Kill switch and bankruptcy
// ————————————————————————————————————————————————————————————————————————

// KillSwitchFired compares equity against the day's opening equity and
// reports whether the daily drawdown breached the configured limit. The
// first observation of each UTC day sets the baseline.
func (g *Guard) KillSwitchFired(runID string, equity decimal.Decimal, now time.Time) bool {
	if !g.killSwitchPct.IsPositive() {
		return false
	}
	day := now.UTC().Format("2006-01-02")

	g.day.mu.Lock()
	base, ok := g.day.starts[runID]
	if !ok || base.day != day {
		g.day.starts[runID] = dayStart{day: day, equity: equity}
		g.day.mu.Unlock()
		return false
	}
	g.day.mu.Unlock()

	if !base.equity.IsPositive() {
		return false
	}
	drop := equity.Sub(base.equity).Div(base.equity)
	return drop.LessThanOrEqual(g.killSwitchPct.Neg())
}

// Bankrupt reports whether the run has no capital left.
func Bankrupt(run *store.Run) bool {
	return run.CurrentCapital.LessThanOrEqual(decimal.Zero)
}

// Forget drops the kill-switch baseline for a finished run.
func (g *Guard) Forget(runID string) {
	g.day.mu.Lock()
	delete(g.day.starts, runID)
	g.day.mu.Unlock()
}
