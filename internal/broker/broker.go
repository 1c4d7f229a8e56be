// Package broker is the execution boundary. Both engines settle orders
// through a Broker; the only production implementation is the deterministic
// Paper simulator, which prices fills from the reference bar price plus
// slippage. The REST client exists for venue connectivity checks and keeps
// the wire shape ready for a real exchange.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"momentum-trader/internal/account"
	"momentum-trader/pkg/types"
)

// ErrNotImplemented is returned by broker methods with no venue behind them.
var ErrNotImplemented = errors.New("broker: not implemented")

// ExecRequest asks a broker to settle one order.
type ExecRequest struct {
	Symbol    string
	Side      types.Side
	Qty       decimal.Decimal
	BasePrice decimal.Decimal // reference price the fill is quoted from
	Ts        time.Time
}

// Execution is the broker's settlement of an ExecRequest.
type Execution struct {
	Price decimal.Decimal
	Ts    time.Time
}

// Broker settles orders. Fill must be deterministic for the paper broker:
// the same request always yields the same execution.
type Broker interface {
	Name() string
	Fill(ctx context.Context, req ExecRequest) (Execution, error)
}

// Paper simulates fills: price = base · (1 ± slippageBps/10⁴), adverse to
// the taker, at the request timestamp. No queue, no partial fills.
type Paper struct {
	slippageBps int
}

func NewPaper(slippageBps int) *Paper {
	return &Paper{slippageBps: slippageBps}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Fill(_ context.Context, req ExecRequest) (Execution, error) {
	if req.BasePrice.Sign() <= 0 {
		return Execution{}, errors.New("broker: non-positive base price")
	}
	if req.Qty.Sign() <= 0 {
		return Execution{}, errors.New("broker: non-positive quantity")
	}
	return Execution{
		Price: account.FillPrice(req.BasePrice, req.Side, p.slippageBps),
		Ts:    req.Ts,
	}, nil
}
