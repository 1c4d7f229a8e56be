// Package engine runs live paper-trading loops: one goroutine per active
// run polling for completed bars, feeding them through the shared bar
// processor, and observing control-plane status changes between iterations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"momentum-trader/internal/account"
	"momentum-trader/internal/broker"
	"momentum-trader/internal/config"
	"momentum-trader/internal/marketdata"
	"momentum-trader/internal/risk"
	"momentum-trader/internal/store"
	"momentum-trader/internal/strategy"
	"momentum-trader/pkg/types"
)

// Engine supervises live runs. It discovers new active runs each poll tick,
// starts a loop per run, and tears loops down when runs go terminal.
type Engine struct {
	cfg    config.EngineConfig
	exec   config.ExecutionConfig
	db     config.DatabaseConfig
	store  *store.Store
	reader *marketdata.Reader
	guard  *risk.Guard
	logger *slog.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, reader *marketdata.Reader,
	guard *risk.Guard, logger *slog.Logger) *Engine {

	return &Engine{
		cfg:    cfg.Engine,
		exec:   cfg.Execution,
		db:     cfg.Database,
		store:  st,
		reader: reader,
		guard:  guard,
		logger: logger.With("component", "engine"),
		loops:  make(map[string]context.CancelFunc),
		locks:  make(map[string]*sync.Mutex),
	}
}

// runLock returns the mutex serializing settlement on one run. The loop's
// iteration and operator force-exits both read capital, settle fills, and
// write it back; without the lock those read-modify-write cycles interleave.
func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	return l
}

// Run blocks until ctx is cancelled, supervising one loop per live run.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "poll_interval", e.cfg.PollInterval)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			for _, cancel := range e.loops {
				cancel()
			}
			e.mu.Unlock()
			e.wg.Wait()
			e.logger.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.reconcile(ctx); err != nil {
				e.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}

// reconcile starts loops for live runs that need one.
func (e *Engine) reconcile(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, "")
	if err != nil {
		return err
	}
	for i := range runs {
		run := &runs[i]
		if run.Kind != types.KindLive || run.Status.Terminal() {
			continue
		}
		e.ensureLoop(ctx, run.RunID)
	}
	return nil
}

func (e *Engine) ensureLoop(ctx context.Context, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loops[runID]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loops[runID] = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.dropLoop(runID)
		e.runLoop(loopCtx, runID)
	}()
}

func (e *Engine) dropLoop(runID string) {
	e.mu.Lock()
	if cancel, ok := e.loops[runID]; ok {
		cancel()
		delete(e.loops, runID)
	}
	e.mu.Unlock()
	e.guard.Forget(runID)
}

// runState is the in-memory per-run cache mirroring the store.
type runState struct {
	lastCandle map[string]*types.Bar
	barsSince  int
	lastSnap   time.Time
}

func (e *Engine) runLoop(ctx context.Context, runID string) {
	logger := e.logger.With("run_id", runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error("load run failed", "error", err)
		return
	}
	strat, err := strategy.Lookup(run.StrategyName, run.StrategyVersion)
	if err != nil {
		logger.Error("unknown strategy", "error", err)
		_ = e.store.SetError(ctx, runID, err.Error())
		return
	}
	slippage, fee := ExecCosts(run, e.exec.SlippageBps, e.exec.TakerFeeBps)
	proc := &Processor{
		Store:    e.store,
		Acct:     account.New(e.store, logger, fee),
		Guard:    e.guard,
		Strategy: strat,
		Broker:   broker.NewPaper(slippage),
		Logger:   logger,
	}
	st := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}

	logger.Info("run loop started",
		"symbols", run.Symbols, "timeframe", run.Timeframe,
		"strategy", run.StrategyName+"@"+run.StrategyVersion)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := e.iterate(ctx, runID, proc, st)
			if err != nil {
				logger.Error("iteration failed", "error", err)
			}
			if done {
				logger.Info("run loop finished")
				return
			}
		}
	}
}

// iterate performs one poll cycle and reports whether the run is finished.
// Paused runs keep draining bars: stop and take-profit exits, marks, and
// the cursor all continue, while the guard's run gate blocks new entries.
func (e *Engine) iterate(ctx context.Context, runID string, proc *Processor, st *runState) (bool, error) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return true, nil
	}

	now := time.Now().UTC()
	for _, symbol := range run.Symbols {
		if err := e.processSymbol(ctx, run, proc, st, symbol, now); err != nil {
			if errors.Is(err, marketdata.ErrNoBars) {
				continue // no new bar yet
			}
			return false, err
		}
	}

	if err := e.maybeSnapshot(ctx, run, proc, st, now); err != nil {
		return false, err
	}
	return e.observeRisk(ctx, run, proc, st, now)
}

// processSymbol drains all completed bars after the symbol's cursor.
func (e *Engine) processSymbol(ctx context.Context, run *store.Run, proc *Processor,
	st *runState, symbol string, now time.Time) error {

	cursor, err := e.store.GetCursor(ctx, run.RunID, symbol)
	if err != nil {
		return err
	}
	start := cursor.Add(time.Minute)
	if cursor.IsZero() {
		start = run.CreatedAt.Truncate(time.Minute)
		if run.StartTs != nil {
			start = *run.StartTs
		}
	}

	var raw []types.Bar
	err = e.withRetry(ctx, func() error {
		var lerr error
		raw, lerr = e.reader.LoadBars(ctx, symbol, start, now)
		return lerr
	})
	if err != nil {
		return err
	}
	bars := marketdata.Aggregate(raw, run.Timeframe, 0)

	for i := range bars {
		bar := bars[i]
		// Only completed bars: the bucket must have fully elapsed.
		if bar.Ts.Add(run.Timeframe.Duration()).After(now) {
			break
		}
		if !bar.Ts.After(cursor) {
			continue
		}
		if err := e.processBar(ctx, run, proc, st, bar); err != nil {
			return err
		}
		cursor = bar.Ts
	}
	return nil
}

// processBar runs one completed bar through the full pipeline: synthetic
// exits, strategy evaluation, same-bar fills at the close, marks, cursor.
// All of the bar's writes, the cursor advance included, land in a single
// transaction, so a crash mid-bar never replays half a bar on restart.
func (e *Engine) processBar(ctx context.Context, run *store.Run, proc *Processor,
	st *runState, bar types.Bar) error {

	capBefore := run.CurrentCapital
	err := e.store.Transact(ctx, func(tx *store.Store) error {
		txp := proc.InTx(tx)
		if _, err := txp.ApplyStopTakeExits(ctx, run, bar); err != nil {
			return err
		}

		state, err := txp.State(ctx, run, bar.Symbol, st.lastCandle[bar.Symbol])
		if err != nil {
			return err
		}
		admitted, err := txp.EvalAndAdmit(ctx, run, state, bar, 0)
		if err != nil {
			return err
		}
		for _, adm := range admitted {
			if _, err := txp.Execute(ctx, run, adm, bar.Close, bar.Ts); err != nil {
				return err
			}
		}

		if _, err := txp.MarkPositions(ctx, run, bar); err != nil {
			return err
		}
		return tx.SetCursor(ctx, run.RunID, bar.Symbol, bar.Ts)
	})
	if err != nil {
		run.CurrentCapital = capBefore
		return err
	}

	barCopy := bar
	st.lastCandle[bar.Symbol] = &barCopy
	st.barsSince++
	return nil
}

func (e *Engine) marks(st *runState) map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal, len(st.lastCandle))
	for sym, bar := range st.lastCandle {
		marks[sym] = bar.Close
	}
	return marks
}

// maybeSnapshot writes an ACCOUNT_SNAPSHOT when either cadence elapses.
func (e *Engine) maybeSnapshot(ctx context.Context, run *store.Run, proc *Processor,
	st *runState, now time.Time) error {

	due := st.barsSince >= e.cfg.SnapshotEveryBars ||
		(e.cfg.SnapshotEvery > 0 && now.Sub(st.lastSnap) >= e.cfg.SnapshotEvery)
	if !due || st.barsSince == 0 {
		return nil
	}

	equity, openCount, err := proc.Equity(ctx, run, e.marks(st))
	if err != nil {
		return err
	}
	open, err := e.store.OpenPositions(ctx, run.RunID)
	if err != nil {
		return err
	}
	marks := e.marks(st)
	gross, net, margin := decimal.Zero, decimal.Zero, decimal.Zero
	for i := range open {
		mark, ok := marks[open[i].Symbol]
		if !ok {
			mark = open[i].EntryPriceVWAP
		}
		notional := mark.Mul(open[i].QuantityOpen)
		gross = gross.Add(notional.Abs())
		net = net.Add(notional.Mul(open[i].Side.Sign()))
		lev := open[i].LeverageEffective
		if !lev.IsPositive() {
			lev = decimal.NewFromInt(1)
		}
		margin = margin.Add(notional.Abs().Div(lev))
	}

	snap := &store.AccountSnapshot{
		SnapshotID:         uuid.New().String(),
		RunID:              run.RunID,
		Ts:                 now.Truncate(time.Second),
		Equity:             equity,
		Cash:               run.CurrentCapital,
		MarginUsed:         margin,
		ExposureGross:      gross,
		ExposureNet:        net,
		OpenPositionsCount: openCount,
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.SaveAccountSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	proc.appendEvent(ctx, run.RunID, types.EventAccountSnapshot, snap.Ts, fmt.Sprintf(
		`{"equity":%q,"cash":%q,"margin_used":%q,"open_positions":%d}`,
		equity.String(), run.CurrentCapital.String(), margin.String(), openCount), nil)
	st.barsSince = 0
	st.lastSnap = now
	return nil
}

// observeRisk applies the kill switch and bankruptcy rules, and completes
// the winding_down → stopped drain once all positions are flat.
func (e *Engine) observeRisk(ctx context.Context, run *store.Run, proc *Processor,
	st *runState, now time.Time) (bool, error) {

	equity, openCount, err := proc.Equity(ctx, run, e.marks(st))
	if err != nil {
		return false, err
	}

	if run.Status == types.RunActive {
		fired := e.guard.KillSwitchFired(run.RunID, equity, now)
		bankrupt := risk.Bankrupt(run)
		if fired || bankrupt {
			note := "kill_switch"
			if bankrupt {
				note = "bankruptcy"
			}
			e.logger.Warn("risk stop", "run_id", run.RunID, "cause", note,
				"equity", equity.String())
			if err := e.store.SetStatus(ctx, run.RunID, types.RunWindingDown); err != nil {
				return false, err
			}
			proc.appendEvent(ctx, run.RunID, types.EventStrategyNote, now,
				fmt.Sprintf(`{"note":%q,"equity":%q}`, note, equity.String()), nil)
			run.Status = types.RunWindingDown
		}
	}

	if run.Status == types.RunWindingDown && openCount == 0 {
		if err := e.store.SetStatus(ctx, run.RunID, types.RunStopped); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// withRetry retries transient store or reader failures with exponential
// backoff. ErrNoBars is not a failure and returns immediately.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	backoff := e.db.RetryBackoffInitial
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || errors.Is(err, marketdata.ErrNoBars) {
			return err
		}
		if attempt >= e.db.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// ForceExit closes every open position of a run at the latest known price
// and stops the run. Operator action, valid from any non-terminal state.
// It takes the run lock, so it never interleaves with a loop iteration's
// settlement on the same run.
func (e *Engine) ForceExit(ctx context.Context, runID string) error {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("engine: force-exit on %s run", run.Status)
	}

	slippage, fee := ExecCosts(run, e.exec.SlippageBps, e.exec.TakerFeeBps)
	acct := account.New(e.store, e.logger, fee)
	paper := broker.NewPaper(slippage)

	open, err := e.store.OpenPositions(ctx, run.RunID)
	if err != nil {
		return err
	}
	prices, err := e.reader.LatestPriceMap(ctx, run.Symbols)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range open {
		pos := &open[i]
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.EntryPriceVWAP // no market data, exit at entry
		}
		side := pos.Side.Opposite()
		exec, err := paper.Fill(ctx, broker.ExecRequest{
			Symbol: pos.Symbol, Side: side, Qty: pos.QuantityOpen,
			BasePrice: price, Ts: now,
		})
		if err != nil {
			return fmt.Errorf("engine: force-exit %s: %w", pos.Symbol, err)
		}
		_, err = acct.Apply(ctx, run, account.ApplyInput{
			Symbol:    pos.Symbol,
			Side:      side,
			Intent:    types.IntentClose,
			Qty:       pos.QuantityOpen,
			FillPrice: exec.Price,
			OrderTs:   now,
			FillTs:    exec.Ts,
			ReasonTag: "force_exit",
		})
		if err != nil {
			return fmt.Errorf("engine: force-exit %s: %w", pos.Symbol, err)
		}
	}

	if err := e.store.SetStatus(ctx, runID, types.RunStopped); err != nil {
		return err
	}
	e.guard.Forget(runID)
	e.logger.Info("force exit complete", "run_id", runID, "positions", len(open))
	return nil
}
