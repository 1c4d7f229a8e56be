package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
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

func f64(v float64) *float64 { return &v }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{MaxRetries: 1, RetryBackoffInitial: time.Millisecond},
		Engine: config.EngineConfig{
			PollInterval:      50 * time.Millisecond,
			SnapshotEveryBars: 1000,
			KillSwitchPct:     0.25,
		},
	}
}

func setup(t *testing.T, symbols []string) (*Engine, *store.Store, *store.Run) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := marketdata.Migrate(st.DB()); err != nil {
		t.Fatalf("migrate market data: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := risk.NewGuard(st, logger, 0, 0.25)
	eng := New(testConfig(), st, marketdata.NewReader(st.DB()), guard, logger)

	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
	run, err := st.CreateRun(context.Background(), store.NewRunConfig{
		Kind:            types.KindLive,
		Name:            "live",
		Symbols:         symbols,
		Timeframe:       types.TF1m,
		StrategyName:    "momentum_breakout",
		StrategyVersion: "v2",
		Params:          map[string]float64{"slippageBps": 0, "takerFeeBps": 0},
		StartTs:         &start,
		StartingCapital: decimal.NewFromInt(1000),

		MaxConcurrentPositions: 4,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return eng, st, run
}

func (e *Engine) testProcessor(t *testing.T, run *store.Run) *Processor {
	t.Helper()
	strat, err := strategy.Lookup(run.StrategyName, run.StrategyVersion)
	if err != nil {
		t.Fatalf("lookup strategy: %v", err)
	}
	slippage, fee := ExecCosts(run, e.exec.SlippageBps, e.exec.TakerFeeBps)
	return &Processor{
		Store:    e.store,
		Acct:     account.New(e.store, e.logger, fee),
		Guard:    e.guard,
		Strategy: strat,
		Broker:   broker.NewPaper(slippage),
		Logger:   e.logger,
	}
}

func seedOpenLong(t *testing.T, st *store.Store, runID, symbol, entry, qty, stop string) *store.Position {
	t.Helper()
	stopD := dec(stop)
	pos := &store.Position{
		PositionID:     uuid.New().String(),
		RunID:          runID,
		Symbol:         symbol,
		Side:           types.LONG,
		Status:         types.PositionOpen,
		OpenTs:         time.Now().UTC().Add(-10 * time.Minute),
		EntryPriceVWAP: dec(entry),
		QuantityOpen:   dec(qty),
		CostBasis:      dec(entry).Mul(dec(qty)),
		StopLoss:       &stopD,
	}
	if err := st.CreatePosition(context.Background(), pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

func seedOHLCV(t *testing.T, st *store.Store, symbol string, ts time.Time, o, h, l, c string) {
	t.Helper()
	row := marketdata.OHLCV{
		Symbol: symbol, Ts: ts,
		Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c),
		Volume: decimal.NewFromInt(100),
	}
	if err := st.DB().Create(&row).Error; err != nil {
		t.Fatalf("seed ohlcv: %v", err)
	}
}

func seedFeatures(t *testing.T, st *store.Store, symbol string, ts time.Time,
	roc, volMult, spreadBps float64) {
	t.Helper()
	row := marketdata.Feature{
		Symbol: symbol, Ts: ts,
		ROC1m: f64(roc), VolMult: f64(volMult), SpreadBps: f64(spreadBps),
	}
	if err := st.DB().Create(&row).Error; err != nil {
		t.Fatalf("seed features: %v", err)
	}
}

// Scenario: the bar crosses the stop and the strategy would exit on the
// same bar. The synthetic stop runs first and the strategy must not emit a
// second exit against the already-closed position.
func TestStopExitPrecedesStrategyExit(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"BTC-USD"})
	ctx := context.Background()

	seedOpenLong(t, st, run.RunID, "BTC-USD", "101", "1", "98.98")

	barTs := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Minute)
	bar := types.Bar{
		Symbol: "BTC-USD", Ts: barTs,
		Open: dec("100"), High: dec("100"), Low: dec("98"), Close: dec("99"),
		Features: types.Features{ROC1m: f64(-0.01), RSI14: f64(80)},
	}

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}
	if err := eng.processBar(ctx, run, proc, rs, bar); err != nil {
		t.Fatalf("process bar: %v", err)
	}

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want only the stop exit", len(orders))
	}
	if orders[0].ReasonTag != "stop_loss" {
		t.Fatalf("reason = %q, want stop_loss", orders[0].ReasonTag)
	}

	fills, err := st.Fills(ctx, run.RunID, "")
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 || !fills[0].Price.Equal(dec("98.98")) {
		t.Fatalf("fills = %+v, want one at the stop price", fills)
	}

	open, err := st.OpenPositions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("%d positions still open after stop", len(open))
	}
}

// Scenario: operator force-exit with two open longs.
func TestForceExit(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"BTC-USD", "ETH-USD"})
	ctx := context.Background()

	seedOpenLong(t, st, run.RunID, "BTC-USD", "100", "1", "90")
	seedOpenLong(t, st, run.RunID, "ETH-USD", "50", "2", "45")

	now := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Minute)
	seedOHLCV(t, st, "BTC-USD", now, "109", "111", "108", "110")
	seedOHLCV(t, st, "ETH-USD", now, "59", "61", "58", "60")

	if err := eng.ForceExit(ctx, run.RunID); err != nil {
		t.Fatalf("force exit: %v", err)
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}

	open, err := st.OpenPositions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("%d positions survived force exit", len(open))
	}

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2 synthesized exits", len(orders))
	}
	for _, ord := range orders {
		if ord.ReasonTag != "force_exit" || ord.Intent != types.IntentExit {
			t.Fatalf("unexpected order %+v", ord)
		}
	}

	// (110−100)·1 + (60−50)·2 = 30, fees zero.
	cap64, _ := got.CurrentCapital.Float64()
	if math.Abs(cap64-1030.0) > 1e-9 {
		t.Fatalf("capital = %f, want 1030", cap64)
	}

	// Terminal runs refuse a second force-exit.
	if err := eng.ForceExit(ctx, run.RunID); err == nil {
		t.Fatal("force exit on stopped run must fail")
	}
}

// Scenario: one symbol's feed is ahead of the other; each advances its own
// cursor to its own newest completed bar in a single iteration.
func TestCursorIndependencePerSymbol(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD", "BBB-USD"})
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Minute)
	aaaLatest := now.Add(-2 * time.Minute)
	bbbLatest := now.Add(-4 * time.Minute)
	for i := 0; i < 3; i++ {
		seedOHLCV(t, st, "AAA-USD", aaaLatest.Add(time.Duration(-i)*time.Minute), "100", "101", "99", "100")
		seedOHLCV(t, st, "BBB-USD", bbbLatest.Add(time.Duration(-i)*time.Minute), "50", "51", "49", "50")
	}

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}
	done, err := eng.iterate(ctx, run.RunID, proc, rs)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if done {
		t.Fatal("live run reported finished")
	}

	curA, err := st.GetCursor(ctx, run.RunID, "AAA-USD")
	if err != nil {
		t.Fatalf("cursor A: %v", err)
	}
	curB, err := st.GetCursor(ctx, run.RunID, "BBB-USD")
	if err != nil {
		t.Fatalf("cursor B: %v", err)
	}
	if !curA.Equal(aaaLatest) {
		t.Fatalf("AAA cursor = %s, want %s", curA, aaaLatest)
	}
	if !curB.Equal(bbbLatest) {
		t.Fatalf("BBB cursor = %s, want %s (not dragged by AAA)", curB, bbbLatest)
	}

	// A second iteration with no new bars is a quiet no-op.
	if _, err := eng.iterate(ctx, run.RunID, proc, rs); err != nil {
		t.Fatalf("idle iterate: %v", err)
	}
}

// Scenario: pause only blocks entries. The run keeps draining bars, so a
// stop crossing while paused still closes the position and the cursor keeps
// advancing; an entry signal is rejected until the run resumes.
func TestPausedRunKeepsStopsAndBlocksEntries(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD"})
	ctx := context.Background()

	seedOpenLong(t, st, run.RunID, "AAA-USD", "101", "1", "98.98")

	now := time.Now().UTC().Truncate(time.Minute)
	stopTs := now.Add(-4 * time.Minute)
	entryTs := now.Add(-3 * time.Minute)
	seedOHLCV(t, st, "AAA-USD", stopTs, "100", "100", "98", "99")
	seedOHLCV(t, st, "AAA-USD", entryTs, "99", "101", "99", "100")
	seedFeatures(t, st, "AAA-USD", entryTs, 0.02, 3, 5)

	if err := st.SetStatus(ctx, run.RunID, types.RunPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}
	if _, err := eng.iterate(ctx, run.RunID, proc, rs); err != nil {
		t.Fatalf("iterate paused: %v", err)
	}

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("paused run did not raise the stop exit: %d orders", len(orders))
	}
	if orders[0].ReasonTag != "stop_loss" {
		t.Fatalf("reason = %q, want stop_loss", orders[0].ReasonTag)
	}
	open, err := st.OpenPositions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 0 {
		t.Fatal("stopped-out position survived the pause")
	}

	cur, err := st.GetCursor(ctx, run.RunID, "AAA-USD")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cur.Equal(entryTs) {
		t.Fatalf("cursor = %s, want %s (paused run must keep draining)", cur, entryTs)
	}

	signals, err := st.Signals(ctx, run.RunID)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	var rejected *store.SignalRow
	for i := range signals {
		if !signals[i].Executed {
			rejected = &signals[i]
		}
	}
	if rejected == nil || rejected.RejectionReason != types.RejectRunNotActive {
		t.Fatalf("entry while paused: got %+v, want run_not_active rejection", rejected)
	}

	// Resuming admits the next breakout normally.
	if err := st.SetStatus(ctx, run.RunID, types.RunActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumeTs := now.Add(-2 * time.Minute)
	seedOHLCV(t, st, "AAA-USD", resumeTs, "100", "102", "100", "101")
	seedFeatures(t, st, "AAA-USD", resumeTs, 0.02, 3, 5)
	if _, err := eng.iterate(ctx, run.RunID, proc, rs); err != nil {
		t.Fatalf("iterate resumed: %v", err)
	}
	orders, err = st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 2 || orders[1].ReasonTag != "momentum_breakout" {
		t.Fatalf("resumed run orders = %+v, want the admitted entry", orders)
	}
}

// Winding-down run with no positions left drains to stopped.
func TestWindingDownDrainsToStopped(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD"})
	ctx := context.Background()

	if err := st.SetStatus(ctx, run.RunID, types.RunWindingDown); err != nil {
		t.Fatalf("winding down: %v", err)
	}

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}
	done, err := eng.iterate(ctx, run.RunID, proc, rs)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !done {
		t.Fatal("flat winding_down run should finish")
	}
	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
}

// Scenario: a loop iteration and an operator force-exit race on the same
// run. The run lock serializes their settlement, so the position closes
// exactly once and capital reflects a single exit. The latest close equals
// the stop price, so both orderings settle the same capital.
func TestForceExitSerializedWithIteration(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD"})
	ctx := context.Background()

	seedOpenLong(t, st, run.RunID, "AAA-USD", "101", "1", "98.98")
	barTs := time.Now().UTC().Truncate(time.Minute).Add(-3 * time.Minute)
	seedOHLCV(t, st, "AAA-USD", barTs, "100", "100", "98", "98.98")

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := eng.iterate(ctx, run.RunID, proc, rs); err != nil {
			t.Errorf("iterate: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := eng.ForceExit(ctx, run.RunID); err != nil {
			t.Errorf("force exit: %v", err)
		}
	}()
	wg.Wait()

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Intent != types.IntentExit {
		t.Fatalf("got %d orders, want exactly one exit: %+v", len(orders), orders)
	}
	fills, err := st.Fills(ctx, run.RunID, "")
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 || !fills[0].Price.Equal(dec("98.98")) {
		t.Fatalf("fills = %+v, want one at 98.98", fills)
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
	// 1000 + (98.98 − 101)·1, no fees.
	if !got.CurrentCapital.Equal(dec("997.98")) {
		t.Fatalf("capital = %s, want 997.98", got.CurrentCapital)
	}
	open, err := st.OpenPositions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("%d positions still open", len(open))
	}
}

// Scenario: the cursor advance fails after a stop exit settled on the same
// bar. The whole bar rolls back: no order, no fill, the position stays
// open, and capital is untouched.
func TestBarWritesRollBackTogether(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD"})
	ctx := context.Background()

	seedOpenLong(t, st, run.RunID, "AAA-USD", "101", "1", "98.98")

	barTs := time.Now().UTC().Truncate(time.Minute).Add(-5 * time.Minute)
	if err := st.SetCursor(ctx, run.RunID, "AAA-USD", barTs.Add(10*time.Minute)); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	bar := types.Bar{
		Symbol: "AAA-USD", Ts: barTs,
		Open: dec("100"), High: dec("100"), Low: dec("98"), Close: dec("99"),
	}

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}
	if err := eng.processBar(ctx, run, proc, rs, bar); err == nil {
		t.Fatal("stale bar must fail on the cursor advance")
	}

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("%d orders survived the rollback", len(orders))
	}
	fills, err := st.Fills(ctx, run.RunID, "")
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("%d fills survived the rollback", len(fills))
	}
	open, err := st.OpenPositions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("position state changed: %d open", len(open))
	}
	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !got.CurrentCapital.Equal(dec("1000")) || !run.CurrentCapital.Equal(dec("1000")) {
		t.Fatalf("capital leaked: stored %s, in-memory %s",
			got.CurrentCapital, run.CurrentCapital)
	}
}

// limitOnlyStrategy emits limit entries the simulator cannot execute.
type limitOnlyStrategy struct{}

func (limitOnlyStrategy) Name() string    { return "limit_only" }
func (limitOnlyStrategy) Version() string { return "v1" }

func (limitOnlyStrategy) Evaluate(bar types.Bar, _ types.State, _ strategy.Params) []types.Signal {
	price := bar.Close
	return []types.Signal{{
		Side: types.LONG, Size: decimal.NewFromInt(1), Type: types.SignalLimit,
		Price: &price, Leverage: decimal.NewFromInt(1), Reason: "limit_entry",
	}}
}

// A LIMIT signal has no execution path in the simulator; it must be
// rejected and audited, never silently filled as a market order.
func TestLimitSignalNotExecuted(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD"})
	ctx := context.Background()

	proc := eng.testProcessor(t, run)
	proc.Strategy = limitOnlyStrategy{}

	bar := types.Bar{
		Symbol: "AAA-USD", Ts: time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Minute),
		Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"),
	}
	state, err := proc.State(ctx, run, "AAA-USD", nil)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	admitted, err := proc.EvalAndAdmit(ctx, run, state, bar, 0)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(admitted) != 0 {
		t.Fatalf("limit signal admitted: %+v", admitted)
	}

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("limit signal produced %d orders", len(orders))
	}
	signals, err := st.Signals(ctx, run.RunID)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if len(signals) != 1 || signals[0].Executed {
		t.Fatalf("signals = %+v, want one rejected audit row", signals)
	}
	if signals[0].RejectionReason != types.RejectUnsupportedType {
		t.Fatalf("rejection = %q, want %q",
			signals[0].RejectionReason, types.RejectUnsupportedType)
	}
}

// Every account snapshot row carries a matching ACCOUNT_SNAPSHOT event.
func TestSnapshotWritesRowAndEvent(t *testing.T) {
	t.Parallel()
	eng, st, run := setup(t, []string{"AAA-USD"})
	ctx := context.Background()

	proc := eng.testProcessor(t, run)
	rs := &runState{lastCandle: make(map[string]*types.Bar), lastSnap: time.Now().UTC()}
	rs.barsSince = eng.cfg.SnapshotEveryBars

	if err := eng.maybeSnapshot(ctx, run, proc, rs, time.Now().UTC()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	var snaps []store.AccountSnapshot
	if err := st.DB().Where("run_id = ?", run.RunID).Find(&snaps).Error; err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].Equity.Equal(dec("1000")) {
		t.Fatalf("snapshots = %+v, want one at equity 1000", snaps)
	}

	events, err := st.Events(ctx, run.RunID, types.EventAccountSnapshot)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d ACCOUNT_SNAPSHOT events, want 1", len(events))
	}
	if rs.barsSince != 0 {
		t.Fatalf("cadence counter not reset: %d", rs.barsSince)
	}
}
