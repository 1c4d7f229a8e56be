package strategy

import (
	"github.com/shopspring/decimal"

	"momentum-trader/pkg/types"
)

func init() {
	Register(&MomentumBreakout{})
}

// MomentumBreakout is a long-only breakout strategy. It enters when the
// rate of change on the run's timeframe, the volume multiple, and the
// quoted spread all clear their thresholds on the same bar, and exits a
// held long on momentum loss or an overbought RSI.
type MomentumBreakout struct{}

func (m *MomentumBreakout) Name() string    { return "momentum_breakout" }
func (m *MomentumBreakout) Version() string { return "v2" }

func (m *MomentumBreakout) Evaluate(bar types.Bar, state types.State, params Params) []types.Signal {
	if held := state.OpenPosition(types.LONG); held != nil {
		return m.evalExit(bar, held, params)
	}
	return m.evalEntry(bar, state, params)
}

func (m *MomentumBreakout) evalEntry(bar types.Bar, state types.State, params Params) []types.Signal {
	roc := bar.Features.ROCFor(state.Timeframe)
	volMult := bar.Features.VolMult
	spread := bar.Features.SpreadBps
	// A missing feature can never satisfy an entry condition.
	if roc == nil || volMult == nil || spread == nil {
		return nil
	}

	minRoc := params.Pct("minRocThreshold", 0.005)
	minVol := params.Num("minVolMult", 2.0)
	maxSpread := params.Num("maxSpreadBps", 10)
	if *roc < minRoc || *volMult < minVol || *spread > maxSpread {
		return nil
	}

	riskPct := params.Pct("riskPct", 0.02)
	stopPct := params.Pct("stopLossPct", 0.01)
	takePct := params.Pct("takeProfitPct", 0.03)
	leverage := params.Num("leverage", 1)
	if leverage <= 0 {
		leverage = 1
	}

	lev := decimal.NewFromFloat(leverage)
	size := state.CurrentCapital.
		Mul(decimal.NewFromFloat(riskPct)).
		Mul(lev).
		Div(bar.Close)
	if !size.IsPositive() {
		return nil
	}

	one := decimal.NewFromInt(1)
	stop := bar.Close.Mul(one.Sub(decimal.NewFromFloat(stopPct)))
	take := bar.Close.Mul(one.Add(decimal.NewFromFloat(takePct)))

	return []types.Signal{{
		Side:       types.LONG,
		Size:       size,
		Type:       types.SignalMarket,
		StopLoss:   &stop,
		TakeProfit: &take,
		Leverage:   lev,
		Reason:     "momentum_breakout",
	}}
}

// evalExit closes a held long on roc_1m < 0 or rsi_14 above the exit level.
// The signal's side opposes the position; the engine classifies it as an
// exit, never a fresh short entry.
func (m *MomentumBreakout) evalExit(bar types.Bar, held *types.PositionView, params Params) []types.Signal {
	rsiExit := params.Num("rsiExitLevel", 75)

	momentumLost := bar.Features.ROC1m != nil && *bar.Features.ROC1m < 0
	overbought := bar.Features.RSI14 != nil && *bar.Features.RSI14 > rsiExit
	if !momentumLost && !overbought {
		return nil
	}

	reason := "momentum_loss"
	if overbought {
		reason = "rsi_overbought"
	}
	return []types.Signal{{
		Side:     types.SHORT,
		Size:     held.Quantity,
		Type:     types.SignalMarket,
		Leverage: decimal.NewFromInt(1),
		Reason:   reason,
	}}
}
