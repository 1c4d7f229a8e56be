package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCV maps the read-only 1-minute candle table maintained by the
// ingestion pipeline. The trading core never writes here.
type OHLCV struct {
	Symbol string    `gorm:"primaryKey"`
	Ts     time.Time `gorm:"primaryKey"`
	Open   decimal.Decimal `gorm:"type:decimal(30,12)"`
	High   decimal.Decimal `gorm:"type:decimal(30,12)"`
	Low    decimal.Decimal `gorm:"type:decimal(30,12)"`
	Close  decimal.Decimal `gorm:"type:decimal(30,12)"`
	Volume decimal.Decimal `gorm:"type:decimal(30,12)"`
}

// Feature maps the derived-indicator table, keyed like ohlcv_1m.
// Every column is nullable: the pipeline backfills features lazily and a
// missing value must surface as nil, never as zero.
type Feature struct {
	Symbol string    `gorm:"primaryKey"`
	Ts     time.Time `gorm:"primaryKey"`

	ROC1m     *float64 `gorm:"column:roc_1m"`
	ROC5m     *float64 `gorm:"column:roc_5m"`
	ROC15m    *float64 `gorm:"column:roc_15m"`
	ROC30m    *float64 `gorm:"column:roc_30m"`
	ROC1h     *float64 `gorm:"column:roc_1h"`
	ROC4h     *float64 `gorm:"column:roc_4h"`
	ROC1d     *float64 `gorm:"column:roc_1d"`
	VolMult   *float64 `gorm:"column:vol_mult"`
	SpreadBps *float64 `gorm:"column:spread_bps"`
	RSI14     *float64 `gorm:"column:rsi_14"`
}

func (OHLCV) TableName() string   { return "ohlcv_1m" }
func (Feature) TableName() string { return "features_1m" }
