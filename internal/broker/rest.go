package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"momentum-trader/internal/config"
)

// REST talks to a live exchange's public REST API. Order placement is not
// wired to any venue; the client is used for ticker sanity checks against
// the ingested candle feed.
type REST struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewREST(cfg config.ExchangeConfig, logger *slog.Logger) *REST {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &REST{
		http:   httpClient,
		logger: logger.With("component", "broker"),
	}
}

func (c *REST) Name() string { return "rest" }

// Fill is not wired to a venue; paper execution is the only settlement path.
func (c *REST) Fill(context.Context, ExecRequest) (Execution, error) {
	return Execution{}, ErrNotImplemented
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Ticker fetches the venue's last trade price for a symbol.
func (c *REST) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/ticker")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get ticker: status %d: %s", resp.StatusCode(), resp.String())
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get ticker: bad price %q: %w", result.Price, err)
	}
	return price, nil
}
