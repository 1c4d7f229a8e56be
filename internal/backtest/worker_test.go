package backtest

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
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

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func testConfig() *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{
			Name:               "w-test",
			MaxParallelSymbols: 2,
			ClaimInterval:      100 * time.Millisecond,
		},
	}
}

func setup(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bt.db"), 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := marketdata.Migrate(st.DB()); err != nil {
		t.Fatalf("migrate market data: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(testConfig(), st, marketdata.NewReader(st.DB()), logger)
	return w, st
}

func seedBar(t *testing.T, st *store.Store, symbol string, ts time.Time,
	o, h, l, c string, feats *marketdata.Feature) {
	t.Helper()
	row := marketdata.OHLCV{
		Symbol: symbol, Ts: ts,
		Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c),
		Volume: decimal.NewFromInt(100),
	}
	if err := st.DB().Create(&row).Error; err != nil {
		t.Fatalf("seed bar: %v", err)
	}
	if feats != nil {
		feats.Symbol = symbol
		feats.Ts = ts
		if err := st.DB().Create(feats).Error; err != nil {
			t.Fatalf("seed features: %v", err)
		}
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func breakoutParams() map[string]float64 {
	return map[string]float64{
		"minRocThreshold": 0.01,
		"minVolMult":      1,
		"maxSpreadBps":    50,
		"riskPct":         0.10,
		"leverage":        1,
		"stopLossPct":     0.02,
		"takeProfitPct":   0.05,
		"slippageBps":     0,
		"takerFeeBps":     0,
	}
}

// seedStopOutScenario seeds two bars: a breakout bar and a bar whose low
// crosses the stop computed off the first bar's close.
func seedStopOutScenario(t *testing.T, st *store.Store, symbol string) {
	t.Helper()
	seedBar(t, st, symbol, t0, "100", "100", "100", "101", &marketdata.Feature{
		ROC1m: f64(0.02), VolMult: f64(2), SpreadBps: f64(10),
	})
	seedBar(t, st, symbol, t0.Add(time.Minute), "101", "101", "98.0", "99.0", nil)
}

func newStopOutRun(t *testing.T, st *store.Store, symbols []string, maxConcurrent int) *store.Run {
	t.Helper()
	start, end := t0, t0.Add(time.Minute)
	run, err := st.CreateRun(context.Background(), store.NewRunConfig{
		Kind:            types.KindBacktest,
		Name:            "stop-out",
		Symbols:         symbols,
		Timeframe:       types.TF1m,
		StrategyName:    "momentum_breakout",
		StrategyVersion: "v2",
		Params:          breakoutParams(),
		StartTs:         &start,
		EndTs:           &end,
		StartingCapital: decimal.NewFromInt(1000),

		MaxConcurrentPositions: maxConcurrent,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestSingleEntryStopExit(t *testing.T) {
	t.Parallel()
	w, st := setup(t)
	ctx := context.Background()
	seedStopOutScenario(t, st, "BTC-USD")
	run := newStopOutRun(t, st, []string{"BTC-USD"}, 1)

	if err := w.ClaimOnce(ctx); err != nil {
		t.Fatalf("claim once: %v", err)
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != types.RunDone {
		t.Fatalf("status = %s (%s), want done", got.Status, got.Error)
	}

	fills, err := st.Fills(ctx, run.RunID, "")
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want entry + stop exit", len(fills))
	}
	// Entry executes on the next bar's open, not the signal bar's close.
	if !fills[0].Price.Equal(dec("101")) {
		t.Fatalf("entry fill = %s, want 101", fills[0].Price)
	}
	wantQty := dec("1000").Mul(dec("0.1")).Div(dec("101"))
	if !fills[0].Qty.Equal(wantQty) {
		t.Fatalf("entry qty = %s, want %s", fills[0].Qty, wantQty)
	}
	if !fills[0].Ts.Equal(t0.Add(time.Minute)) {
		t.Fatalf("entry fill ts = %s, want next bar", fills[0].Ts)
	}
	// Stop fills at the stop price 101·0.98.
	if !fills[1].Price.Equal(dec("98.98")) {
		t.Fatalf("exit fill = %s, want 98.98", fills[1].Price)
	}

	closed, err := st.ClosedPositions(ctx, run.RunID, "BTC-USD")
	if err != nil {
		t.Fatalf("closed positions: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("got %d closed positions, want 1", len(closed))
	}
	realized, _ := closed[0].RealizedPnL.Float64()
	if math.Abs(realized-(-2.0)) > 0.001 {
		t.Fatalf("realized = %f, want ≈ -2.0", realized)
	}

	results, err := st.Results(ctx, run.RunID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d result rows, want 1", len(results))
	}
	r := results[0]
	if r.Trades != 1 || r.Wins != 0 || r.Losses != 1 {
		t.Fatalf("trades/wins/losses = %d/%d/%d, want 1/0/1", r.Trades, r.Wins, r.Losses)
	}
	pnl, _ := r.PnL.Float64()
	if math.Abs(pnl-(-2.0)) > 0.001 {
		t.Fatalf("pnl = %f, want ≈ -2.0", pnl)
	}

	// Capital settled on the run row.
	cap64, _ := got.CurrentCapital.Float64()
	if math.Abs(cap64-998.0) > 0.001 {
		t.Fatalf("capital = %f, want ≈ 998.0", cap64)
	}
}

func TestConcurrencyCapAcrossSymbols(t *testing.T) {
	t.Parallel()
	w, st := setup(t)
	ctx := context.Background()

	// Both symbols break out on the same bar; the cap admits one.
	for _, sym := range []string{"AAA-USD", "BBB-USD"} {
		seedBar(t, st, sym, t0, "100", "100", "100", "101", &marketdata.Feature{
			ROC1m: f64(0.02), VolMult: f64(2), SpreadBps: f64(10),
		})
		seedBar(t, st, sym, t0.Add(time.Minute), "101", "102", "100", "101.5", nil)
	}
	run := newStopOutRun(t, st, []string{"AAA-USD", "BBB-USD"}, 1)

	if err := w.ClaimOnce(ctx); err != nil {
		t.Fatalf("claim once: %v", err)
	}

	signals, err := st.Signals(ctx, run.RunID)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	var admitted, rejected []store.SignalRow
	for _, sig := range signals {
		if sig.Executed {
			admitted = append(admitted, sig)
		} else {
			rejected = append(rejected, sig)
		}
	}
	if len(admitted) != 1 || admitted[0].Symbol != "AAA-USD" {
		t.Fatalf("admitted = %+v, want exactly AAA-USD (run symbol order)", admitted)
	}
	if len(rejected) != 1 || rejected[0].Symbol != "BBB-USD" {
		t.Fatalf("rejected = %+v, want exactly BBB-USD", rejected)
	}
	if rejected[0].RejectionReason != types.RejectConcurrencyCap {
		t.Fatalf("rejection = %q, want concurrency_cap", rejected[0].RejectionReason)
	}

	fills, err := st.Fills(ctx, run.RunID, "BBB-USD")
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("rejected symbol produced %d fills", len(fills))
	}
}

func TestMissingBarsFailsRun(t *testing.T) {
	t.Parallel()
	w, st := setup(t)
	ctx := context.Background()
	run := newStopOutRun(t, st, []string{"NO-DATA"}, 1)

	err := w.ClaimOnce(ctx)
	if err == nil {
		t.Fatal("expected error for empty bar range")
	}
	got, gerr := st.GetRun(ctx, run.RunID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if got.Status != types.RunError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Error == "" {
		t.Fatal("error message not persisted")
	}
}

func TestClaimOnceEmptyQueue(t *testing.T) {
	t.Parallel()
	w, _ := setup(t)
	if err := w.ClaimOnce(context.Background()); err != ErrNoRun {
		t.Fatalf("got %v, want ErrNoRun", err)
	}
}

// fillKey strips the nondeterministic identifiers off a fill.
type fillKey struct {
	Symbol string
	Ts     time.Time
	Qty    string
	Price  string
	Fee    string
}

func fillKeys(fills []store.Fill) []fillKey {
	out := make([]fillKey, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillKey{
			Symbol: f.Symbol, Ts: f.Ts.UTC(),
			Qty: f.Qty.String(), Price: f.Price.String(), Fee: f.Fee.String(),
		})
	}
	return out
}

// Scenario: the cursor advance fails after a stop exit settled on the same
// replay bar. The bar's writes roll back as one unit.
func TestReplayBarRollsBackOnCursorError(t *testing.T) {
	t.Parallel()
	w, st := setup(t)
	ctx := context.Background()
	run := newStopOutRun(t, st, []string{"BTC-USD"}, 1)

	stop := dec("98.98")
	pos := &store.Position{
		PositionID:     uuid.New().String(),
		RunID:          run.RunID,
		Symbol:         "BTC-USD",
		Side:           types.LONG,
		Status:         types.PositionOpen,
		OpenTs:         t0.Add(-10 * time.Minute),
		EntryPriceVWAP: dec("101"),
		QuantityOpen:   dec("1"),
		CostBasis:      dec("101"),
		StopLoss:       &stop,
	}
	if err := st.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := st.SetCursor(ctx, run.RunID, "BTC-USD", t0.Add(10*time.Minute)); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}

	strat, err := strategy.Lookup(run.StrategyName, run.StrategyVersion)
	if err != nil {
		t.Fatalf("lookup strategy: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc := &engine.Processor{
		Store:    st,
		Acct:     account.New(st, logger, 0),
		Guard:    risk.NewGuard(st, logger, 0, 0),
		Strategy: strat,
		Broker:   broker.NewPaper(0),
		Logger:   logger,
	}
	states := map[string]*symbolState{"BTC-USD": {}}
	bar := types.Bar{
		Symbol: "BTC-USD", Ts: t0,
		Open: dec("100"), High: dec("100"), Low: dec("98"), Close: dec("99"),
	}

	if err := w.replayBar(ctx, run, proc, states, bar); err == nil {
		t.Fatal("stale bar must fail on the cursor advance")
	}

	orders, err := st.Orders(ctx, run.RunID)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("%d orders survived the rollback", len(orders))
	}
	open, err := st.OpenPositions(ctx, run.RunID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("position state changed: %d open", len(open))
	}
	curve, err := st.EquityCurve(ctx, run.RunID, "BTC-USD")
	if err != nil {
		t.Fatalf("equity curve: %v", err)
	}
	if len(curve) != 0 {
		t.Fatalf("%d equity points survived the rollback", len(curve))
	}
	if !run.CurrentCapital.Equal(dec("1000")) {
		t.Fatalf("capital leaked: %s", run.CurrentCapital)
	}
}

func TestDeterministicReplay(t *testing.T) {
	t.Parallel()
	w, st := setup(t)
	ctx := context.Background()
	seedStopOutScenario(t, st, "BTC-USD")

	runA := newStopOutRun(t, st, []string{"BTC-USD"}, 1)
	runB := newStopOutRun(t, st, []string{"BTC-USD"}, 1)

	if err := w.ClaimOnce(ctx); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if err := w.ClaimOnce(ctx); err != nil {
		t.Fatalf("second replay: %v", err)
	}

	fillsA, err := st.Fills(ctx, runA.RunID, "")
	if err != nil {
		t.Fatalf("fills A: %v", err)
	}
	fillsB, err := st.Fills(ctx, runB.RunID, "")
	if err != nil {
		t.Fatalf("fills B: %v", err)
	}
	ka, kb := fillKeys(fillsA), fillKeys(fillsB)
	if len(ka) == 0 || len(ka) != len(kb) {
		t.Fatalf("fill counts differ: %d vs %d", len(ka), len(kb))
	}
	for i := range ka {
		if ka[i] != kb[i] {
			t.Fatalf("fill %d differs:\n%+v\n%+v", i, ka[i], kb[i])
		}
	}

	resA, err := st.Results(ctx, runA.RunID)
	if err != nil {
		t.Fatalf("results A: %v", err)
	}
	resB, err := st.Results(ctx, runB.RunID)
	if err != nil {
		t.Fatalf("results B: %v", err)
	}
	a, b := resA[0], resB[0]
	if !a.PnL.Equal(b.PnL) || !a.Fees.Equal(b.Fees) || !a.Turnover.Equal(b.Turnover) ||
		a.Trades != b.Trades || a.Sharpe != b.Sharpe || a.Sortino != b.Sortino ||
		a.MaxDD != b.MaxDD || a.ProfitFactor != b.ProfitFactor || a.Exposure != b.Exposure {
		t.Fatalf("replays diverged:\n%+v\n%+v", a, b)
	}

	curveA, err := st.EquityCurve(ctx, runA.RunID, "BTC-USD")
	if err != nil {
		t.Fatalf("curve A: %v", err)
	}
	curveB, err := st.EquityCurve(ctx, runB.RunID, "BTC-USD")
	if err != nil {
		t.Fatalf("curve B: %v", err)
	}
	if len(curveA) != len(curveB) {
		t.Fatalf("curve lengths differ: %d vs %d", len(curveA), len(curveB))
	}
	for i := range curveA {
		if !curveA[i].Equity.Equal(curveB[i].Equity) || !curveA[i].Ts.Equal(curveB[i].Ts) {
			t.Fatalf("curve point %d differs", i)
		}
	}
}
