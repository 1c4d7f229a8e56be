// Package marketdata reads the immutable 1-minute candle and feature tables
// and aggregates them to higher timeframes. It is the only package that
// touches ohlcv_1m / features_1m, and it only ever reads.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"momentum-trader/pkg/types"
)

// ErrNoBars reports an empty requested range. The live loop treats it as
// "no new bar yet"; the backtest worker treats it as a fatal run error.
var ErrNoBars = errors.New("marketdata: no bars in range")

// Reader serves bar queries off a shared gorm handle. Safe for unbounded
// concurrent use: everything here is a read.
type Reader struct {
	db *gorm.DB
}

func NewReader(db *gorm.DB) *Reader {
	return &Reader{db: db}
}

// Migrate creates the market data tables when they are absent. Production
// schemas are owned by the ingestion pipeline; this exists for local SQLite
// development and tests.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&OHLCV{}, &Feature{})
}

// LoadBars returns the 1-minute bars for symbol in [start, end), strictly
// ascending in time, each joined with its feature row when one exists.
// Features the pipeline has not computed stay nil.
func (r *Reader) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	var rows []OHLCV
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND ts >= ? AND ts < ?", symbol, start.UTC(), end.UTC()).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load bars %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s [%s, %s)", ErrNoBars, symbol,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}

	var feats []Feature
	err = r.db.WithContext(ctx).
		Where("symbol = ? AND ts >= ? AND ts < ?", symbol, start.UTC(), end.UTC()).
		Find(&feats).Error
	if err != nil {
		return nil, fmt.Errorf("load features %s: %w", symbol, err)
	}
	byTs := make(map[int64]*Feature, len(feats))
	for i := range feats {
		byTs[feats[i].Ts.Unix()] = &feats[i]
	}

	bars := make([]types.Bar, 0, len(rows))
	for _, row := range rows {
		bar := types.Bar{
			Symbol: row.Symbol,
			Ts:     row.Ts.UTC(),
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		}
		if f, ok := byTs[row.Ts.Unix()]; ok {
			bar.Features = types.Features{
				ROC1m: f.ROC1m, ROC5m: f.ROC5m, ROC15m: f.ROC15m,
				ROC30m: f.ROC30m, ROC1h: f.ROC1h, ROC4h: f.ROC4h,
				ROC1d: f.ROC1d, VolMult: f.VolMult,
				SpreadBps: f.SpreadBps, RSI14: f.RSI14,
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// LatestPrice returns the most recent close for one symbol.
func (r *Reader) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var row OHLCV
	err := r.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("ts DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoBars, symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest price %s: %w", symbol, err)
	}
	return row.Close, nil
}

// LatestPriceMap returns the last known close per symbol. Symbols with no
// bars at all are simply absent from the map.
func (r *Reader) LatestPriceMap(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		price, err := r.LatestPrice(ctx, sym)
		if errors.Is(err, ErrNoBars) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[sym] = price
	}
	return out, nil
}
