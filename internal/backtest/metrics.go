package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"momentum-trader/internal/store"
	"momentum-trader/pkg/types"
)

const minutesPerYear = 525600

// Summary is the per-symbol metrics block written to bt_results.
type Summary struct {
	Trades int
	Wins   int
	Losses int

	PnL  decimal.Decimal
	Fees decimal.Decimal

	WinRate      float64
	Sharpe       float64
	Sortino      float64
	MaxDD        float64
	ProfitFactor float64
	Exposure     float64
	Turnover     decimal.Decimal
}

// Compute derives the summary from the replay's outputs: closed positions,
// fills, the per-bar equity curve, and the count of bars with exposure.
// Annualization scales by √(525600 / timeframe minutes).
func Compute(tf types.Timeframe, closed []store.Position, fills []store.Fill,
	equity []decimal.Decimal, barsExposed, barsTotal int) Summary {

	var s Summary
	s.PnL = decimal.Zero
	s.Fees = decimal.Zero
	s.Turnover = decimal.Zero

	gains := decimal.Zero
	losses := decimal.Zero
	for i := range closed {
		s.Trades++
		pnl := closed[i].RealizedPnL
		s.PnL = s.PnL.Add(pnl)
		if pnl.IsPositive() {
			s.Wins++
			gains = gains.Add(pnl)
		} else {
			s.Losses++
			losses = losses.Add(pnl.Abs())
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}

	for i := range fills {
		s.Fees = s.Fees.Add(fills[i].Fee)
		s.Turnover = s.Turnover.Add(fills[i].Qty.Mul(fills[i].Price).Abs())
	}

	returns := barReturns(equity)
	factor := math.Sqrt(minutesPerYear / float64(tf.Minutes()))
	s.Sharpe = ratio(returns, stdDev(returns)) * factor
	s.Sortino = ratio(returns, downsideDev(returns)) * factor
	s.MaxDD = maxDrawdown(equity)

	// Profit factor is Σ gains / Σ |losses|. With no losing trades the
	// ratio is unbounded; the stored value is the bounded sentinel Σ gains.
	// Result rows are served as JSON and encoding/json rejects +Inf.
	switch {
	case losses.IsPositive():
		s.ProfitFactor, _ = gains.Div(losses).Float64()
	case gains.IsPositive():
		s.ProfitFactor, _ = gains.Float64()
	}

	if barsTotal > 0 {
		s.Exposure = float64(barsExposed) / float64(barsTotal)
	}
	return s
}

func barReturns(equity []decimal.Decimal) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev, _ := equity[i-1].Float64()
		cur, _ := equity[i].Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the sample standard deviation.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// downsideDev penalizes only negative returns, over the full sample size.
func downsideDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		if x < 0 {
			ss += x * x
		}
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func ratio(returns []float64, dev float64) float64 {
	if dev == 0 {
		return 0
	}
	return mean(returns) / dev
}

// maxDrawdown is the largest peak-to-trough equity fraction, ≥ 0.
func maxDrawdown(equity []decimal.Decimal) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	var worst float64
	for _, e := range equity {
		if e.GreaterThan(peak) {
			peak = e
		}
		if !peak.IsPositive() {
			continue
		}
		dd, _ := peak.Sub(e).Div(peak).Float64()
		if dd > worst {
			worst = dd
		}
	}
	return worst
}
