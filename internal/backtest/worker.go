// Package backtest implements the worker fleet side of the platform: claim
// a queued run, replay its historical bars through the same processor the
// live engine uses, and persist per-symbol summaries and equity curves.
//
// The replay is deterministic. Bars from all symbols are merged into one
// time-ordered stream, ties broken by the symbol order on the run, and
// processed sequentially; concurrency is confined to loading the streams.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"momentum-trader/internal/account"
	"momentum-trader/internal/broker"
	"momentum-trader/internal/config"
	"momentum-trader/internal/engine"
	"momentum-trader/internal/marketdata"
	"momentum-trader/internal/risk"
	"momentum-trader/internal/store"
	"momentum-trader/internal/strategy"
	"momentum-trader/pkg/types"
)

// Worker claims queued backtest runs and replays them to completion.
type Worker struct {
	name   string
	cfg    config.WorkerConfig
	exec   config.ExecutionConfig
	engCfg config.EngineConfig
	store  *store.Store
	reader *marketdata.Reader
	logger *slog.Logger
}

func NewWorker(cfg *config.Config, st *store.Store, reader *marketdata.Reader, logger *slog.Logger) *Worker {
	return &Worker{
		name:   cfg.Worker.Name,
		cfg:    cfg.Worker,
		exec:   cfg.Execution,
		engCfg: cfg.Engine,
		store:  st,
		reader: reader,
		logger: logger.With("component", "backtest", "worker", cfg.Worker.Name),
	}
}

// Run polls for queued runs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "claim_interval", w.cfg.ClaimInterval)
	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			run, err := w.store.ClaimNextRun(ctx, w.name)
			if err != nil {
				w.logger.Error("claim failed", "error", err)
				continue
			}
			if run == nil {
				continue
			}
			w.logger.Info("run claimed", "run_id", run.RunID, "symbols", run.Symbols)
			if err := w.Execute(ctx, run); err != nil {
				w.logger.Error("run failed", "run_id", run.RunID, "error", err)
				if serr := w.store.SetError(ctx, run.RunID, err.Error()); serr != nil {
					w.logger.Error("set error failed", "run_id", run.RunID, "error", serr)
				}
				continue
			}
			if err := w.store.SetDone(ctx, run.RunID); err != nil {
				w.logger.Error("set done failed", "run_id", run.RunID, "error", err)
			}
			w.logger.Info("run done", "run_id", run.RunID)
		}
	}
}

// symbolState is the in-memory replay state for one symbol.
type symbolState struct {
	lastCandle *types.Bar
	pending    []engine.Admitted // admitted on bar i, fill at bar i+1 open

	equity      []decimal.Decimal
	barsTotal   int
	barsExposed int
}

// Execute replays one claimed run start to finish.
func (w *Worker) Execute(ctx context.Context, run *store.Run) error {
	if run.StartTs == nil || run.EndTs == nil {
		return fmt.Errorf("backtest: run %s has no time range", run.RunID)
	}
	strat, err := strategy.Lookup(run.StrategyName, run.StrategyVersion)
	if err != nil {
		return err
	}

	streams, err := w.loadStreams(ctx, run)
	if err != nil {
		return err
	}

	slippage, fee := engine.ExecCosts(run, w.exec.SlippageBps, w.exec.TakerFeeBps)
	logger := w.logger.With("run_id", run.RunID)
	proc := &engine.Processor{
		Store:    w.store,
		Acct:     account.New(w.store, logger, fee),
		Guard:    risk.NewGuard(w.store, logger, w.engCfg.CashReservePct, 0),
		Strategy: strat,
		Broker:   broker.NewPaper(slippage),
		Logger:   logger,
	}

	states := make(map[string]*symbolState, len(run.Symbols))
	for _, sym := range run.Symbols {
		states[sym] = &symbolState{}
	}

	for _, bar := range mergeStreams(run.Symbols, streams) {
		if err := w.replayBar(ctx, run, proc, states, bar); err != nil {
			return err
		}
	}

	for _, sym := range run.Symbols {
		if err := w.summarize(ctx, run, sym, states[sym]); err != nil {
			return err
		}
	}
	return nil
}

// loadStreams loads and aggregates every symbol's bars, at most
// MaxParallelSymbols at a time. Any empty stream fails the run.
func (w *Worker) loadStreams(ctx context.Context, run *store.Run) (map[string][]types.Bar, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		streams  = make(map[string][]types.Bar, len(run.Symbols))
	)
	sem := make(chan struct{}, w.cfg.MaxParallelSymbols)

	// End is inclusive per the run contract; LoadBars takes [start, end).
	end := run.EndTs.Add(time.Minute)

	for _, sym := range run.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			raw, err := w.reader.LoadBars(ctx, sym, *run.StartTs, end)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("backtest: %w", err)
				}
				mu.Unlock()
				return
			}
			bars := marketdata.Aggregate(raw, run.Timeframe, 0)
			mu.Lock()
			streams[sym] = bars
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return streams, nil
}

// mergeStreams interleaves per-symbol bar streams into a single ascending
// stream. Equal timestamps keep the run's symbol order, which pins the
// admission order under shared caps.
func mergeStreams(symbols []string, streams map[string][]types.Bar) []types.Bar {
	order := make(map[string]int, len(symbols))
	total := 0
	for i, sym := range symbols {
		order[sym] = i
		total += len(streams[sym])
	}

	merged := make([]types.Bar, 0, total)
	for _, sym := range symbols {
		merged = append(merged, streams[sym]...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Ts.Equal(merged[j].Ts) {
			return merged[i].Ts.Before(merged[j].Ts)
		}
		return order[merged[i].Symbol] < order[merged[j].Symbol]
	})
	return merged
}

// replayBar is one step of the deterministic replay: fill orders admitted
// on the previous bar at this bar's open, then run the live composition.
// The bar's writes, cursor advance included, land in one transaction; a
// worker crash mid-bar never leaves a half-settled bar behind.
func (w *Worker) replayBar(ctx context.Context, run *store.Run, proc *engine.Processor,
	states map[string]*symbolState, bar types.Bar) error {

	st := states[bar.Symbol]
	capBefore := run.CurrentCapital
	var (
		equity   decimal.Decimal
		openHere int
	)
	err := w.store.Transact(ctx, func(tx *store.Store) error {
		txp := proc.InTx(tx)
		for _, adm := range st.pending {
			if _, err := txp.Execute(ctx, run, adm, bar.Open, bar.Ts); err != nil {
				return err
			}
		}
		st.pending = st.pending[:0]

		if _, err := txp.ApplyStopTakeExits(ctx, run, bar); err != nil {
			return err
		}

		state, err := txp.State(ctx, run, bar.Symbol, st.lastCandle)
		if err != nil {
			return err
		}
		admitted, err := txp.EvalAndAdmit(ctx, run, state, bar, pendingEntries(states))
		if err != nil {
			return err
		}
		st.pending = append(st.pending, admitted...)

		upnl, err := txp.MarkPositions(ctx, run, bar)
		if err != nil {
			return err
		}
		open, err := tx.OpenPositionsForSymbol(ctx, run.RunID, bar.Symbol)
		if err != nil {
			return err
		}
		openHere = len(open)

		equity = run.CurrentCapital.Add(upnl)
		if err := tx.UpsertEquityPoint(ctx, &store.BTEquity{
			RunID: run.RunID, Symbol: bar.Symbol, Ts: bar.Ts, Equity: equity,
		}); err != nil {
			return err
		}
		return tx.SetCursor(ctx, run.RunID, bar.Symbol, bar.Ts)
	})
	if err != nil {
		run.CurrentCapital = capBefore
		return err
	}

	st.equity = append(st.equity, equity)
	st.barsTotal++
	if openHere > 0 {
		st.barsExposed++
	}
	barCopy := bar
	st.lastCandle = &barCopy
	return nil
}

// pendingEntries counts admitted-but-unfilled entries across all symbols.
func pendingEntries(states map[string]*symbolState) int {
	n := 0
	for _, st := range states {
		for _, adm := range st.pending {
			if adm.Intent == types.IntentOpen {
				n++
			}
		}
	}
	return n
}

// summarize computes and upserts the per-symbol bt_results row.
func (w *Worker) summarize(ctx context.Context, run *store.Run, symbol string, st *symbolState) error {
	closed, err := w.store.ClosedPositions(ctx, run.RunID, symbol)
	if err != nil {
		return err
	}
	fills, err := w.store.Fills(ctx, run.RunID, symbol)
	if err != nil {
		return err
	}

	s := Compute(run.Timeframe, closed, fills, st.equity, st.barsExposed, st.barsTotal)
	now := time.Now().UTC()
	return w.store.UpsertResult(ctx, &store.BTResult{
		RunID:  run.RunID,
		Symbol: symbol,

		Trades: s.Trades,
		Wins:   s.Wins,
		Losses: s.Losses,

		PnL:  s.PnL,
		Fees: s.Fees,

		WinRate:      s.WinRate,
		Sharpe:       s.Sharpe,
		Sortino:      s.Sortino,
		MaxDD:        s.MaxDD,
		ProfitFactor: s.ProfitFactor,
		Exposure:     s.Exposure,
		Turnover:     s.Turnover,

		CreatedAt: now,
		UpdatedAt: now,
	})
}

// ErrNoRun is returned by ClaimOnce when the queue is empty.
var ErrNoRun = errors.New("backtest: no queued run")

// ClaimOnce claims and executes a single run, for one-shot invocations.
func (w *Worker) ClaimOnce(ctx context.Context) error {
	run, err := w.store.ClaimNextRun(ctx, w.name)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrNoRun
	}
	if err := w.Execute(ctx, run); err != nil {
		if serr := w.store.SetError(ctx, run.RunID, err.Error()); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
	return w.store.SetDone(ctx, run.RunID)
}
