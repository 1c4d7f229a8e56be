package marketdata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"momentum-trader/pkg/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "md.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&OHLCV{}, &Feature{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func f64(v float64) *float64 { return &v }

// seedMinutes inserts n consecutive 1m bars starting at base with close
// prices 100, 101, 102, ... and volume 10 each.
func seedMinutes(t *testing.T, db *gorm.DB, symbol string, base time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		price := decimal.NewFromInt(int64(100 + i))
		row := OHLCV{
			Symbol: symbol,
			Ts:     base.Add(time.Duration(i) * time.Minute),
			Open:   price,
			High:   price.Add(decimal.NewFromInt(1)),
			Low:    price.Sub(decimal.NewFromInt(1)),
			Close:  price,
			Volume: decimal.NewFromInt(10),
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seed bar %d: %v", i, err)
		}
	}
}

func TestLoadBarsJoinsFeatures(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMinutes(t, db, "BTC-USD", base, 3)

	// Features only for the second bar.
	feat := Feature{
		Symbol: "BTC-USD", Ts: base.Add(time.Minute),
		ROC1m: f64(0.004), VolMult: f64(2.5), RSI14: f64(61.0),
	}
	if err := db.Create(&feat).Error; err != nil {
		t.Fatalf("seed feature: %v", err)
	}

	r := NewReader(db)
	bars, err := r.LoadBars(context.Background(), "BTC-USD", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("load bars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Ts.After(bars[i-1].Ts) {
			t.Fatalf("bars not strictly ascending at %d", i)
		}
	}
	if bars[0].Features.ROC1m != nil {
		t.Fatal("bar without feature row should carry nil features")
	}
	if bars[1].Features.ROC1m == nil || *bars[1].Features.ROC1m != 0.004 {
		t.Fatalf("joined feature missing: %+v", bars[1].Features)
	}
	if bars[1].Features.SpreadBps != nil {
		t.Fatal("uncomputed feature column must stay nil")
	}
}

func TestLoadBarsEmptyRange(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMinutes(t, db, "BTC-USD", base, 2)

	r := NewReader(db)
	_, err := r.LoadBars(context.Background(), "BTC-USD", base.Add(time.Hour), base.Add(2*time.Hour))
	if !errors.Is(err, ErrNoBars) {
		t.Fatalf("got %v, want ErrNoBars", err)
	}
	_, err = r.LoadBars(context.Background(), "DOGE-USD", base, base.Add(time.Hour))
	if !errors.Is(err, ErrNoBars) {
		t.Fatalf("unknown symbol: got %v, want ErrNoBars", err)
	}
}

func TestLatestPrice(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedMinutes(t, db, "BTC-USD", base, 5)
	seedMinutes(t, db, "ETH-USD", base, 2)

	r := NewReader(db)
	price, err := r.LatestPrice(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(104)) {
		t.Fatalf("latest price = %s, want 104", price)
	}

	m, err := r.LatestPriceMap(context.Background(), []string{"BTC-USD", "ETH-USD", "DOGE-USD"})
	if err != nil {
		t.Fatalf("latest price map: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("map has %d entries, want 2 (unknown symbol absent)", len(m))
	}
	if !m["ETH-USD"].Equal(decimal.NewFromInt(101)) {
		t.Fatalf("ETH-USD = %s, want 101", m["ETH-USD"])
	}
}

func mkBar(sym string, ts time.Time, o, h, l, c, v int64) types.Bar {
	return types.Bar{
		Symbol: sym, Ts: ts,
		Open: decimal.NewFromInt(o), High: decimal.NewFromInt(h),
		Low: decimal.NewFromInt(l), Close: decimal.NewFromInt(c),
		Volume: decimal.NewFromInt(v),
	}
}

func TestAggregateFiveMinute(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		mkBar("BTC-USD", base, 100, 102, 99, 101, 10),
		mkBar("BTC-USD", base.Add(1*time.Minute), 101, 105, 100, 104, 10),
		mkBar("BTC-USD", base.Add(2*time.Minute), 104, 104, 95, 96, 10),
		mkBar("BTC-USD", base.Add(3*time.Minute), 96, 98, 96, 97, 10),
		mkBar("BTC-USD", base.Add(4*time.Minute), 97, 99, 97, 98, 10),
	}
	bars[4].Features = types.Features{RSI14: f64(55.0)}

	out := Aggregate(bars, types.TF5m, 0)
	if len(out) != 1 {
		t.Fatalf("got %d buckets, want 1", len(out))
	}
	b := out[0]
	if !b.Ts.Equal(base) {
		t.Fatalf("bucket ts = %s, want %s", b.Ts, base)
	}
	if !b.Open.Equal(decimal.NewFromInt(100)) || !b.Close.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("open/close = %s/%s, want 100/98", b.Open, b.Close)
	}
	if !b.High.Equal(decimal.NewFromInt(105)) || !b.Low.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("high/low = %s/%s, want 105/95", b.High, b.Low)
	}
	if !b.Volume.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("volume = %s, want 50", b.Volume)
	}
	if b.Features.RSI14 == nil || *b.Features.RSI14 != 55.0 {
		t.Fatal("features must come from the last contributing bar")
	}
}

func TestAggregateSuppressesPartialBucket(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Full bucket then two minutes of the next one. Default floor for 5m
	// is ⌈5/2⌉+1 = 4, so the trailing bucket is suppressed.
	var bars []types.Bar
	for i := 0; i < 7; i++ {
		bars = append(bars, mkBar("BTC-USD", base.Add(time.Duration(i)*time.Minute),
			100, 101, 99, 100, 10))
	}
	out := Aggregate(bars, types.TF5m, 0)
	if len(out) != 1 {
		t.Fatalf("got %d buckets, want 1 (partial suppressed)", len(out))
	}

	// Lowering the floor admits it.
	out = Aggregate(bars, types.TF5m, 2)
	if len(out) != 2 {
		t.Fatalf("got %d buckets, want 2 with minMinutes=2", len(out))
	}
	if !out[1].Volume.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("partial bucket volume = %s, want 20", out[1].Volume)
	}
}

func TestAggregateOneMinuteIdentity(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		mkBar("BTC-USD", base, 100, 102, 99, 101, 10),
		mkBar("BTC-USD", base.Add(time.Minute), 101, 103, 100, 102, 11),
	}
	out := Aggregate(bars, types.TF1m, 0)
	if len(out) != len(bars) {
		t.Fatalf("identity broke: %d != %d", len(out), len(bars))
	}
	for i := range bars {
		if !out[i].Ts.Equal(bars[i].Ts) || !out[i].Close.Equal(bars[i].Close) {
			t.Fatalf("bar %d mutated by 1m aggregation", i)
		}
	}
}

func TestDefaultMinMinutes(t *testing.T) {
	t.Parallel()
	cases := map[types.Timeframe]int{
		types.TF5m:  4,  // ⌈5/2⌉+1
		types.TF15m: 9,  // ⌈15/2⌉+1
		types.TF1h:  31, // ⌈60/2⌉+1
	}
	for tf, want := range cases {
		if got := DefaultMinMinutes(tf); got != want {
			t.Errorf("DefaultMinMinutes(%s) = %d, want %d", tf, got, want)
		}
	}
}
