package store

import (
	"time"

	"github.com/shopspring/decimal"

	"momentum-trader/pkg/types"
)

// Run is one trading session, live paper or backtest.
type Run struct {
	RunID           string            `gorm:"primaryKey;column:run_id"`
	Kind            types.RunKind     `gorm:"index"`
	Name            string
	StartTs         *time.Time
	EndTs           *time.Time
	Symbols         []string           `gorm:"serializer:json"`
	Timeframe       types.Timeframe
	StrategyName    string
	StrategyVersion string
	Params          map[string]float64 `gorm:"serializer:json"`
	Seed            *int64
	Status          types.RunStatus `gorm:"index"`
	StartingCapital decimal.Decimal `gorm:"type:decimal(30,12)"`
	CurrentCapital  decimal.Decimal `gorm:"type:decimal(30,12)"`

	MaxConcurrentPositions          int
	AllowMultiplePositionsPerSymbol bool

	ClaimedBy string
	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
	Error     string `gorm:"size:1024"`
}

// Position is the aggregate exposure of a run on one symbol and side.
// At most one row per (run, symbol, side) may be in NEW or OPEN — enforced
// by a partial unique index, not just application checks, because the
// application check alone is racy across workers.
type Position struct {
	PositionID string `gorm:"primaryKey;column:position_id"`
	RunID      string `gorm:"index:idx_positions_run"`
	Symbol     string
	Side       types.Side
	Status     types.PositionStatus `gorm:"index"`

	OpenTs  time.Time
	CloseTs *time.Time

	EntryPriceVWAP decimal.Decimal `gorm:"column:entry_price_vwap;type:decimal(30,12)"`
	ExitPriceVWAP  decimal.Decimal `gorm:"column:exit_price_vwap;type:decimal(30,12)"`
	QuantityOpen   decimal.Decimal `gorm:"type:decimal(30,12)"`
	QuantityClose  decimal.Decimal `gorm:"type:decimal(30,12)"`
	CostBasis      decimal.Decimal `gorm:"type:decimal(30,12)"`
	FeesTotal      decimal.Decimal `gorm:"type:decimal(30,12)"`
	RealizedPnL    decimal.Decimal `gorm:"column:realized_pnl;type:decimal(30,12)"`
	// closeNotional accumulates Σ price·qty over closing fills so the exit
	// VWAP stays exact under decimal arithmetic.
	CloseNotional decimal.Decimal `gorm:"type:decimal(30,12)"`

	LeverageEffective decimal.Decimal  `gorm:"type:decimal(10,4)"`
	StopLoss          *decimal.Decimal `gorm:"type:decimal(30,12)"`
	TakeProfit        *decimal.Decimal `gorm:"type:decimal(30,12)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// View projects a position into the read-only shape strategies see.
func (p *Position) View() types.PositionView {
	return types.PositionView{
		PositionID: p.PositionID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Status:     p.Status,
		Quantity:   p.QuantityOpen,
		EntryVWAP:  p.EntryPriceVWAP,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
	}
}

// Order is a trading intent, created before its fills.
type Order struct {
	OrderID    string `gorm:"primaryKey;column:order_id"`
	RunID      string `gorm:"index:idx_orders_run"`
	Symbol     string
	PositionID *string
	Ts         time.Time
	Side       types.Side
	Intent     types.OrderIntent
	Qty        decimal.Decimal  `gorm:"type:decimal(30,12)"`
	Price      *decimal.Decimal `gorm:"type:decimal(30,12)"`
	Status     types.OrderStatus
	ReasonTag  string
	RejectionReason string
	CreatedAt  time.Time
}

// Fill is one execution against an order. Append-only.
type Fill struct {
	FillID     string `gorm:"primaryKey;column:fill_id"`
	OrderID    string `gorm:"index"`
	PositionID *string
	RunID      string `gorm:"index:idx_fills_run"`
	Symbol     string
	Ts         time.Time
	Qty        decimal.Decimal `gorm:"type:decimal(30,12)"`
	Price      decimal.Decimal `gorm:"type:decimal(30,12)"`
	Fee        decimal.Decimal `gorm:"type:decimal(30,12)"`
	CreatedAt  time.Time
}

// SignalRow audits every strategy or synthetic signal, admitted or not.
type SignalRow struct {
	SignalID        string `gorm:"primaryKey;column:signal_id"`
	RunID           string `gorm:"index:idx_signals_run"`
	Symbol          string
	Ts              time.Time
	Side            types.Side
	Intent          types.Intent
	Size            decimal.Decimal `gorm:"type:decimal(30,12)"`
	Reason          string
	Executed        bool
	RejectionReason string
	CreatedAt       time.Time
}

// AccountSnapshot is a point-in-time equity record, unique per (run, ts).
type AccountSnapshot struct {
	SnapshotID string    `gorm:"primaryKey;column:snapshot_id"`
	RunID      string    `gorm:"uniqueIndex:uniq_account_snapshot"`
	Ts         time.Time `gorm:"uniqueIndex:uniq_account_snapshot"`

	Equity             decimal.Decimal `gorm:"type:decimal(30,12)"`
	Cash               decimal.Decimal `gorm:"type:decimal(30,12)"`
	MarginUsed         decimal.Decimal `gorm:"type:decimal(30,12)"`
	ExposureGross      decimal.Decimal `gorm:"type:decimal(30,12)"`
	ExposureNet        decimal.Decimal `gorm:"type:decimal(30,12)"`
	OpenPositionsCount int
	CreatedAt          time.Time
}

// PriceSnapshot captures the mark price used for a POSITION_MARK.
type PriceSnapshot struct {
	SnapshotID string    `gorm:"primaryKey;column:snapshot_id"`
	RunID      string    `gorm:"uniqueIndex:uniq_price_snapshot"`
	Ts         time.Time `gorm:"uniqueIndex:uniq_price_snapshot"`
	Symbol     string    `gorm:"uniqueIndex:uniq_price_snapshot"`
	Price      decimal.Decimal `gorm:"type:decimal(30,12)"`
	CreatedAt  time.Time
}

// Event is a structured audit record. Append-only.
type Event struct {
	EventID    string `gorm:"primaryKey;column:event_id"`
	RunID      string `gorm:"index:idx_events_run"`
	EventType  types.EventType
	Ts         time.Time
	Payload    string `gorm:"size:4096"` // JSON
	OrderID    *string
	FillID     *string
	PositionID *string
	CreatedAt  time.Time
}

// Cursor tracks the last processed candle per (run, symbol). Monotonic
// non-decreasing; per-symbol so a fast symbol never starves a slow one.
type Cursor struct {
	RunID                  string `gorm:"primaryKey"`
	Symbol                 string `gorm:"primaryKey"`
	LastProcessedCandleTs  time.Time
	UpdatedAt              time.Time
}

// BTResult is the per-(run, symbol) backtest summary. Upserted once per run.
type BTResult struct {
	RunID  string `gorm:"primaryKey"`
	Symbol string `gorm:"primaryKey"`

	Trades int
	Wins   int
	Losses int

	PnL  decimal.Decimal `gorm:"column:pnl;type:decimal(30,12)"`
	Fees decimal.Decimal `gorm:"type:decimal(30,12)"`

	WinRate      float64
	Sharpe       float64
	Sortino      float64
	MaxDD        float64 `gorm:"column:max_dd"`
	ProfitFactor float64
	Exposure     float64
	Turnover     decimal.Decimal `gorm:"type:decimal(30,12)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BTEquity is one equity-curve point per (run, symbol, ts).
type BTEquity struct {
	RunID  string    `gorm:"primaryKey"`
	Symbol string    `gorm:"primaryKey"`
	Ts     time.Time `gorm:"primaryKey"`
	Equity decimal.Decimal `gorm:"type:decimal(30,12)"`
}

func (Run) TableName() string             { return "runs" }
func (Position) TableName() string        { return "positions" }
func (Order) TableName() string           { return "orders" }
func (Fill) TableName() string            { return "fills" }
func (SignalRow) TableName() string       { return "signals" }
func (AccountSnapshot) TableName() string { return "account_snapshots" }
func (PriceSnapshot) TableName() string   { return "price_snapshots" }
func (Event) TableName() string           { return "events" }
func (Cursor) TableName() string          { return "cursors" }
func (BTResult) TableName() string        { return "bt_results" }
func (BTEquity) TableName() string        { return "bt_equity" }
