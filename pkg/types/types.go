// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — price-grid math,
// orders, trades, input commands, and output stream payloads. It has no
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

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderKind enumerates the supported order kinds.
type OrderKind string

const (
	// Limit orders carry a limit price and may rest on the book until
	// filled or cancelled.
	LIMIT OrderKind = "LIMIT"
	// Market orders execute immediately against available liquidity and
	// never rest. A market buy is bounded by a quote budget; a market sell
	// is bounded by quantity and an optional floor price.
	MARKET OrderKind = "MARKET"
)

// OrderStatus tracks the lifecycle of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// ————————————————————————————————————————————————————————————————————————
// Price grid
// ————————————————————————————————————————————————————————————————————————
// Prices and quantities are integers on fixed grids. One price unit is
// 0.0001 of the quote currency, one quantity unit is 0.01 of a token, and
// quote amounts are carried in micro units (1e-6). On these grids
// price*quantity is exactly the quote amount in micros, so no rounding
// ever happens inside the matching path. Decimal conversion is done only
// when formatting for external streams.

const (
	// PriceScale is the number of price units in 1.0 quote.
	PriceScale int64 = 10_000
	// MinPrice and MaxPrice bound valid resting prices.
	MinPrice int64 = 10
	MaxPrice int64 = 9_990
	// QtyScale is the number of quantity units in 1 token.
	QtyScale int64 = 100
	// QuoteScale is the number of micro units in 1.0 quote.
	QuoteScale int64 = 1_000_000
)

// Complement returns the price of the opposite outcome: a buy at p on one
// token is economically a sell at PriceScale-p on the other.
func Complement(price int64) int64 {
	return PriceScale - price
}

// QuoteAmount returns price*quantity in micro quote units.
func QuoteAmount(price, quantity int64) int64 {
	return price * quantity
}

// MaxQuantityFor returns the largest quantity (on the quantity grid) whose
// cost at the given price does not exceed budget micro units.
func MaxQuantityFor(budget, price int64) int64 {
	if price <= 0 {
		return 0
	}
	return budget / price
}

// PriceString renders a grid price as a decimal string, e.g. 6500 -> "0.65".
func PriceString(price int64) string {
	return decimal.New(price, -4).String()
}

// QuantityString renders a grid quantity as a decimal string, e.g. 10000 -> "100".
func QuantityString(quantity int64) string {
	return decimal.New(quantity, -2).String()
}

// QuoteString renders a micro quote amount as a decimal string.
func QuoteString(amount int64) string {
	return decimal.New(amount, -6).String()
}

// ————————————————————————————————————————————————————————————————————————
// Symbols and orders
// ————————————————————————————————————————————————————————————————————————

// PredictionSymbol uniquely identifies one order book. A market holds
// exactly two token IDs (the complementary pair); each token has its own
// book, but the two books of a market are matched jointly.
type PredictionSymbol struct {
	EventID  int64  `json:"event_id"`
	MarketID int64  `json:"market_id"`
	TokenID  string `json:"token_id"`
}

func (s PredictionSymbol) String() string {
	return fmt.Sprintf("%d/%d/%s", s.EventID, s.MarketID, s.TokenID)
}

// Order is a resting or in-flight order. Identity fields are immutable
// after acceptance; Remaining/Filled/Status mutate as the order trades.
//
// For LIMIT and MARKET sell orders, Filled+Remaining always equals
// Quantity. A MARKET buy carries no quantity; it is bounded by Budget
// (micro quote units) and RemainingBudget tracks what is left.
type Order struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Symbol    PredictionSymbol `json:"symbol"`
	Side      Side             `json:"side"`
	Kind      OrderKind        `json:"kind"`
	Price     int64            `json:"price"`    // limit price; floor price for MARKET sell; 0 for MARKET buy
	Quantity  int64            `json:"quantity"` // original quantity; 0 for MARKET buy
	Budget    int64            `json:"budget"`   // MARKET buy only, micro quote units
	CreatedAt time.Time        `json:"created_at"`

	// OrderNum is the engine-wide acceptance index. It is the sole
	// tiebreaker between orders at equal effective prices.
	OrderNum int64 `json:"order_num"`

	Remaining       int64       `json:"remaining"`
	Filled          int64       `json:"filled"`
	RemainingBudget int64       `json:"remaining_budget"`
	Status          OrderStatus `json:"status"`
}

// Clone returns a copy of the order. Book internals hand out clones so
// callers can never mutate indexed state.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Done reports whether the order can take no further fills.
func (o *Order) Done() bool {
	if o.Kind == MARKET && o.Side == BUY {
		return o.RemainingBudget < MinPrice // cannot afford a single unit at any valid price
	}
	return o.Remaining <= 0
}

// Trade records one maker fill against a taker.
//
// Price is always the maker's price on the maker's own token. When the
// maker came from the complementary book, the price the taker effectively
// paid or received is Complement(Price); both sides receive their own
// token in that case (a pair is minted from the combined quote).
type Trade struct {
	ID           string    `json:"id"`
	TakerOrderID string    `json:"taker_order_id"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerUserID  string    `json:"taker_user_id"`
	MakerUserID  string    `json:"maker_user_id"`
	TakerTokenID string    `json:"taker_token_id"` // token the taker receives/delivers
	MakerTokenID string    `json:"maker_token_id"` // token the maker's order rests on
	Price        int64     `json:"price"`
	Quantity     int64     `json:"quantity"`
	QuoteAmount  int64     `json:"quote_amount"` // micro quote units
	Time         time.Time `json:"time"`
}

// ————————————————————————————————————————————————————————————————————————
// Input commands
// ————————————————————————————————————————————————————————————————————————
// Commands arrive on the order_input and event_input streams as a tagged
// union: a type string plus the matching payload. The set is closed, so
// dispatch is by tag, not by interface.

// CommandType tags an input stream entry.
type CommandType string

const (
	CmdSubmitOrder CommandType = "submit_order"
	CmdCancelOrder CommandType = "cancel_order"
	CmdAddEvent    CommandType = "add_event"
	CmdRemoveEvent CommandType = "remove_event"
)

// SubmitOrder asks the engine to accept and match a new order.
type SubmitOrder struct {
	OrderID   string    `json:"order_id"`
	EventID   int64     `json:"event_id"`
	MarketID  int64     `json:"market_id"`
	TokenID   string    `json:"token_id"`
	Side      Side      `json:"side"`
	Kind      OrderKind `json:"kind"`
	Price     int64     `json:"price"`
	Quantity  int64     `json:"quantity"`
	Budget    int64     `json:"budget,omitempty"`
	UserID    string    `json:"user_id"`
	CreatedAt int64     `json:"created_at"` // unix milliseconds
}

// CancelOrder asks the engine to remove a resting order. Only the owner
// may cancel.
type CancelOrder struct {
	OrderID  string `json:"order_id"`
	UserID   string `json:"user_id"`
	EventID  int64  `json:"event_id"`
	MarketID int64  `json:"market_id"`
}

// MarketSpec describes one market inside an AddEvent command.
type MarketSpec struct {
	MarketID     int64     `json:"market_id"`
	TokenIDs     [2]string `json:"token_ids"`
	OutcomeNames [2]string `json:"outcome_names"`
}

// AddEvent creates an event and all of its markets with empty books.
type AddEvent struct {
	EventID int64        `json:"event_id"`
	Markets []MarketSpec `json:"markets"`
	EndTime int64        `json:"end_time"` // unix milliseconds
}

// RemoveEvent tears an event down, cancelling every resting order.
type RemoveEvent struct {
	EventID int64 `json:"event_id"`
}

// ————————————————————————————————————————————————————————————————————————
// Rejection reasons
// ————————————————————————————————————————————————————————————————————————

// RejectReason is carried on OrderRejected processor messages.
type RejectReason string

const (
	RejectUnknownEvent      RejectReason = "unknown_event"
	RejectUnknownMarket     RejectReason = "unknown_market"
	RejectUnknownToken      RejectReason = "unknown_token"
	RejectBadQuantity       RejectReason = "non_positive_quantity"
	RejectBadPrice          RejectReason = "price_out_of_range"
	RejectMissingPrice      RejectReason = "limit_without_price"
	RejectBadBudget         RejectReason = "market_buy_budget_invalid"
	RejectUnknownOrder      RejectReason = "unknown_order"
	RejectNotOwner          RejectReason = "not_order_owner"
	RejectEventExpired      RejectReason = "event_expired"
	RejectInsufficientFunds RejectReason = "insufficient_funds"
	RejectDuplicateOrder    RejectReason = "duplicate_order"
	RejectEventExists       RejectReason = "event_exists"
	RejectBadMarketCount    RejectReason = "invalid_market_spec"
	RejectBadSide           RejectReason = "invalid_side"
	RejectBadKind           RejectReason = "invalid_order_kind"
	RejectEngineShuttingDn  RejectReason = "engine_shutting_down"
)
