// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — run and
// position lifecycles, bars, strategy signals, and event kinds. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position or signal: LONG or SHORT.
type Side string

const (
	LONG  Side = "LONG"
	SHORT Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == LONG {
		return SHORT
	}
	return LONG
}

// Sign returns +1 for LONG and -1 for SHORT, used in P&L arithmetic.
func (s Side) Sign() decimal.Decimal {
	if s == SHORT {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// RunKind distinguishes the two run flavors sharing this core.
type RunKind string

const (
	KindBacktest RunKind = "backtest"
	KindLive     RunKind = "live"
)

// RunStatus is the lifecycle state of a run.
//
// Backtests move queued → running → done|error. Live runs start active,
// toggle active ↔ paused, drain through winding_down → stopped, and any
// state can be forced to stopped by the control plane.
type RunStatus string

const (
	RunQueued      RunStatus = "queued"
	RunRunning     RunStatus = "running"
	RunActive      RunStatus = "active"
	RunPaused      RunStatus = "paused"
	RunWindingDown RunStatus = "winding_down"
	RunStopped     RunStatus = "stopped"
	RunDone        RunStatus = "done"
	RunError       RunStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStopped || s == RunDone || s == RunError
}

// OrderIntent classifies what an order does to exposure.
type OrderIntent string

const (
	IntentEntry  OrderIntent = "ENTRY"
	IntentExit   OrderIntent = "EXIT"
	IntentAdjust OrderIntent = "ADJUST"
)

// OrderStatus is the order lifecycle. The simulator fills in one shot, so
// PARTIAL only appears in implementations that model partial fills.
type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// PositionStatus is the three-state position FSM: NEW → OPEN → CLOSED.
type PositionStatus string

const (
	PositionNew    PositionStatus = "NEW"
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// SignalType is the execution style a strategy requests.
type SignalType string

const (
	SignalMarket SignalType = "MARKET"
	SignalLimit  SignalType = "LIMIT"
)

// EventType enumerates structured audit records written to the event log.
type EventType string

const (
	EventAccountSnapshot EventType = "ACCOUNT_SNAPSHOT"
	EventOrderNew        EventType = "ORDER_NEW"
	EventOrderUpdate     EventType = "ORDER_UPDATE"
	EventFill            EventType = "FILL"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionMark    EventType = "POSITION_MARK"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventStrategyNote    EventType = "STRATEGY_NOTE"
)

// Rejection reasons recorded on signals the guard layer refuses.
const (
	RejectRunNotActive        = "run_not_active"
	RejectExitOnly            = "exit_only"
	RejectConcurrencyCap      = "concurrency_cap"
	RejectPerSymbolCap        = "per_symbol_cap"
	RejectInsufficientCapital = "insufficient_capital"
	RejectPositionExists      = "position_already_exists"
	RejectUnsupportedType     = "unsupported_signal_type"
)

// ————————————————————————————————————————————————————————————————————————
// Timeframes
// ————————————————————————————————————————————————————————————————————————

// Timeframe is the bar interval a run operates on. Aggregation source is
// always 1-minute bars.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeMinutes = map[Timeframe]int{
	TF1m: 1, TF5m: 5, TF15m: 15, TF30m: 30, TF1h: 60, TF4h: 240, TF1d: 1440,
}

// Minutes returns the bar length in minutes, or 0 for an unknown timeframe.
func (tf Timeframe) Minutes() int {
	return timeframeMinutes[tf]
}

// Duration returns the bar length as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// BucketStart returns the UTC start of the bucket containing ts:
// floor(epoch / (N·60)) · (N·60).
func (tf Timeframe) BucketStart(ts time.Time) time.Time {
	n := int64(tf.Minutes()) * 60
	return time.Unix(ts.Unix()/n*n, 0).UTC()
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bars
// ————————————————————————————————————————————————————————————————————————

// Features are the derived per-bar indicators joined onto OHLCV rows.
// Nil means the ingestion pipeline has not computed that feature for the
// bar — callers must treat missing features as absent, never as zero.
type Features struct {
	ROC1m     *float64 // rate of change over 1 minute
	ROC5m     *float64
	ROC15m    *float64
	ROC30m    *float64
	ROC1h     *float64
	ROC4h     *float64
	ROC1d     *float64
	VolMult   *float64 // volume vs trailing average
	SpreadBps *float64 // quoted spread in basis points
	RSI14     *float64 // 14-period relative strength index
}

// ROCFor returns the rate-of-change feature matching a timeframe.
func (f Features) ROCFor(tf Timeframe) *float64 {
	switch tf {
	case TF1m:
		return f.ROC1m
	case TF5m:
		return f.ROC5m
	case TF15m:
		return f.ROC15m
	case TF30m:
		return f.ROC30m
	case TF1h:
		return f.ROC1h
	case TF4h:
		return f.ROC4h
	case TF1d:
		return f.ROC1d
	default:
		return nil
	}
}

// Bar is one OHLCV candle (source 1-minute or aggregated) with features.
// Ts is the bucket start in UTC. A bar is "completed" once Ts + timeframe
// is in the past.
type Bar struct {
	Symbol   string
	Ts       time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Features Features
}

// ————————————————————————————————————————————————————————————————————————
// Strategy contract
// ————————————————————————————————————————————————————————————————————————

// PositionView is the read-only slice of a position the strategy kernel and
// guard layer see. The kernel never learns position IDs through signals; it
// only knows a position exists, on which side, and how big it is.
type PositionView struct {
	PositionID string
	Symbol     string
	Side       Side
	Status     PositionStatus
	Quantity   decimal.Decimal // quantity still open
	EntryVWAP  decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// State is the per-(run, symbol) view passed into a strategy evaluation.
// It copies only fields derived from bars already processed — the kernel
// can never look ahead.
type State struct {
	RunID          string
	Symbol         string
	Timeframe      Timeframe
	CurrentCapital decimal.Decimal
	Positions      []PositionView
	LastCandle     *Bar // previous bar on this symbol, nil on the first
}

// OpenPosition returns the in-flight position on the given side, if any.
func (s State) OpenPosition(side Side) *PositionView {
	for i := range s.Positions {
		p := &s.Positions[i]
		if p.Side == side && (p.Status == PositionNew || p.Status == PositionOpen) {
			return p
		}
	}
	return nil
}

// Signal is a trading intent emitted by a strategy for one bar. A signal
// whose side opposes an existing position is an exit, not a new entry —
// the engine classifies this before admission.
type Signal struct {
	Side       Side
	Size       decimal.Decimal
	Type       SignalType
	Price      *decimal.Decimal // limit price, nil for MARKET
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   decimal.Decimal // 1 if the strategy doesn't lever
	Reason     string
}

// Intent classifies a signal against current exposure: OPEN starts or adds
// to a position, CLOSE reduces one, FLIP closes and re-opens opposite.
type Intent string

const (
	IntentOpen  Intent = "OPEN"
	IntentClose Intent = "CLOSE"
	IntentFlip  Intent = "FLIP"
)

// Classify resolves a signal's intent by inspecting held positions.
// Without this check a reversal signal would silently open an unprotected
// opposite position.
func Classify(st State, sig Signal) Intent {
	held := st.OpenPosition(sig.Side.Opposite())
	if held == nil {
		return IntentOpen
	}
	if sig.Size.GreaterThan(held.Quantity) {
		return IntentFlip
	}
	return IntentClose
}
