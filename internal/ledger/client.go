// Package ledger is the RPC client for the external asset ledger.
//
// The ledger owns fund freezing and trade settlement; the engine only
// invokes it at the documented call sites. The submit-time freeze is a
// synchronous call on the market actor, so that market waits for it (up
// to the timeout); settlement runs in the background after publishing.
// Every call carries an upper-bounded timeout; a settlement call that
// fails or times out is counted as unconfirmed and left to the external
// reconciliation path — the engine itself never retries settlement,
// because the processor stream already carries the authoritative record.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/purplecity/PredictionMarket/pkg/types"
)

// Client talks to the asset ledger over HTTP. A nil Client (no base URL
// configured) disables settlement calls entirely.
type Client struct {
	http        *resty.Client
	timeout     time.Duration
	unconfirmed atomic.Int64
	logger      *slog.Logger
}

// freezeRequest is the wire form of a submit-time funds lock: quote for
// buys, tokens for sells.
type freezeRequest struct {
	OrderID  string     `json:"order_id"`
	UserID   string     `json:"user_id"`
	TokenID  string     `json:"token_id"`
	Side     types.Side `json:"side"`
	Quantity string     `json:"quantity,omitempty"` // sells: tokens to lock
	Amount   string     `json:"amount,omitempty"`   // buys: quote to lock
}

// settleRequest is the wire form of a settlement batch.
type settleRequest struct {
	Trades []settleTrade `json:"trades"`
}

type settleTrade struct {
	TradeID      string `json:"trade_id"`
	TakerUserID  string `json:"taker_user_id"`
	MakerUserID  string `json:"maker_user_id"`
	TakerTokenID string `json:"taker_token_id"`
	MakerTokenID string `json:"maker_token_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	QuoteAmount  string `json:"quote_amount"`
}

// New creates a ledger client. Returns nil when baseURL is empty.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:    http,
		timeout: timeout,
		logger:  logger.With("component", "ledger"),
	}
}

// FreezeFunds asks the ledger to lock what an order can consume before
// it is accepted: the budget (market buy) or price*quantity (limit buy)
// in quote, or the quantity in tokens for sells. A nil client approves
// everything; any error or non-2xx answer refuses the order.
func (c *Client) FreezeFunds(ctx context.Context, o *types.Order) error {
	if c == nil {
		return nil
	}
	req := freezeRequest{
		OrderID: o.ID,
		UserID:  o.UserID,
		TokenID: o.Symbol.TokenID,
		Side:    o.Side,
	}
	if o.Side == types.BUY {
		amount := o.Budget
		if o.Kind == types.LIMIT {
			amount = types.QuoteAmount(o.Price, o.Quantity)
		}
		req.Amount = types.QuoteString(amount)
	} else {
		req.Quantity = types.QuantityString(o.Quantity)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/freeze")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ledger freeze: status %d", resp.StatusCode())
	}
	return nil
}

// SettleTrades submits one matched batch for settlement. On timeout or
// error the batch is recorded as unconfirmed.
func (c *Client) SettleTrades(ctx context.Context, trades []types.Trade) error {
	if c == nil || len(trades) == 0 {
		return nil
	}
	req := settleRequest{Trades: make([]settleTrade, 0, len(trades))}
	for _, tr := range trades {
		req.Trades = append(req.Trades, settleTrade{
			TradeID:      tr.ID,
			TakerUserID:  tr.TakerUserID,
			MakerUserID:  tr.MakerUserID,
			TakerTokenID: tr.TakerTokenID,
			MakerTokenID: tr.MakerTokenID,
			Price:        types.PriceString(tr.Price),
			Quantity:     types.QuantityString(tr.Quantity),
			QuoteAmount:  types.QuoteString(tr.QuoteAmount),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/settle")
	if err != nil {
		c.unconfirmed.Add(int64(len(trades)))
		c.logger.Warn("settlement unconfirmed", "trades", len(trades), "error", err)
		return err
	}
	if resp.IsError() {
		c.unconfirmed.Add(int64(len(trades)))
		c.logger.Warn("settlement rejected", "trades", len(trades), "status", resp.StatusCode())
		return fmt.Errorf("ledger settle: status %d", resp.StatusCode())
	}
	return nil
}

// Unconfirmed returns the number of trades whose settlement call never
// got a confirmed response.
func (c *Client) Unconfirmed() int64 {
	if c == nil {
		return 0
	}
	return c.unconfirmed.Load()
}
