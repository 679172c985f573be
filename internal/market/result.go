package market

import (
	"context"
	"time"

	"github.com/purplecity/PredictionMarket/internal/book"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// Terminal classifies how a command ended after any trades.
type Terminal int

const (
	TermNone      Terminal = iota // depth-only emission, no order event
	TermSubmitted                 // limit residual is resting
	TermFilled                    // taker fully consumed
	TermCancelled                 // remainder cancelled (market residual, self-trade halt, or explicit cancel)
	TermRejected                  // validation failure, nothing touched
)

// LevelDelta is one changed price level on the grid.
type LevelDelta struct {
	Side     types.Side
	Price    int64
	Quantity int64 // new total at the level, 0 = level gone
}

// BookDepth is a full depth image for one token on the grid.
type BookDepth struct {
	Bids      []book.Level
	Asks      []book.Level
	LastTrade int64 // 0 = no trade yet
}

// Result is the classified outcome of one processed command. The fan-out
// layer renders it onto the four output streams; everything here is still
// grid integers.
type Result struct {
	EventID  int64
	MarketID int64
	UpdateID uint64
	Time     time.Time

	// Taker is the post-processing image of the order the command was
	// about (nil for depth-only results). Makers are the post-fill
	// images of every resting order touched.
	Taker    *types.Order
	Terminal Terminal
	Reason   types.RejectReason
	Trades   []types.Trade
	Makers   []*types.Order

	// DepthDelta lists changed levels per token since the last emission.
	// FullDepth, when set, replaces the delta with a complete snapshot
	// (market creation and restart baselines).
	DepthDelta map[string][]LevelDelta
	FullDepth  map[string]BookDepth

	// LastTrade carries the latest trade price per token when this
	// command produced trades.
	LastTrade map[string]int64
}

// Publisher receives classified results. Publish must preserve call order
// per market; actors call it synchronously between commands.
type Publisher interface {
	Publish(ctx context.Context, res *Result) error
}

// FundChecker is the submit-time hook into the asset ledger: it must
// approve (freeze) what an order can consume before the order is
// accepted. A nil checker approves everything.
type FundChecker interface {
	FreezeFunds(ctx context.Context, o *types.Order) error
}
