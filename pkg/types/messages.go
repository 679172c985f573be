// messages.go defines the payloads written to the four output streams.
//
// Every message is wrapped in an Envelope carrying the market coordinates,
// the per-market update_id, and a millisecond timestamp. Consumers join
// streams on (event_id, market_id, update_id). Across what a market actor
// emits, update_id never decreases, but it is not unique per message:
// every message rendered from one command carries the same value, and a
// rejection repeats the current value without advancing it. Rejections of
// commands that never reached a market carry 0. A stream with nothing to
// say about a command skips that value, so a gap on one stream alone is
// not a loss; the store stream carries a market_updated checkpoint for
// every value a market assigns.
//
// Prices, quantities and quote amounts are rendered as decimal strings on
// the wire; the grid integers never leave the engine.
package types

// Output stream names.
const (
	StreamStore     = "store"
	StreamProcessor = "processor"
	StreamDepth     = "depth"
	StreamWebsocket = "websocket"
)

// Input stream names.
const (
	StreamOrderInput = "order_input"
	StreamEventInput = "event_input"
)

// MessageType tags an Envelope payload.
type MessageType string

const (
	// processor stream
	MsgOrderRejected  MessageType = "order_rejected"
	MsgOrderCancelled MessageType = "order_cancelled"
	MsgOrderSubmitted MessageType = "order_submitted"
	MsgOrderTraded    MessageType = "order_traded"

	// store stream
	MsgOrderImage    MessageType = "order_image"
	MsgEventAdded    MessageType = "event_added"
	MsgEventRemoved  MessageType = "event_removed"
	MsgMarketUpdated MessageType = "market_updated"

	// depth + websocket streams
	MsgDepthSnapshot MessageType = "depth_snapshot"
	MsgDepthDelta    MessageType = "depth_delta"
)

// Envelope is the outer frame of every output stream entry.
type Envelope struct {
	Type        MessageType `json:"type"`
	EventID     int64       `json:"event_id"`
	MarketID    int64       `json:"market_id"`
	UpdateID    uint64      `json:"update_id"`
	TimestampMs int64       `json:"timestamp_ms"`
}

// ————————————————————————————————————————————————————————————————————————
// processor stream
// ————————————————————————————————————————————————————————————————————————

// OrderRejectedMsg reports a validation failure. The order never touched
// any book and produced no trades.
type OrderRejectedMsg struct {
	Envelope
	OrderID string       `json:"order_id"`
	UserID  string       `json:"user_id"`
	Reason  RejectReason `json:"reason"`
}

// OrderCancelledMsg reports removal of an order, carrying the quantity
// that never filled so downstream can unfreeze the matching funds. For a
// market buy, which carries no quantity, the unspent budget is reported
// alongside an unfilled quantity of 0.
type OrderCancelledMsg struct {
	Envelope
	OrderID          string `json:"order_id"`
	UserID           string `json:"user_id"`
	TokenID          string `json:"token_id"`
	UnfilledQuantity string `json:"unfilled_quantity"`
	UnspentBudget    string `json:"unspent_budget,omitempty"`
}

// OrderSubmittedMsg reports that a limit order is now resting.
type OrderSubmittedMsg struct {
	Envelope
	OrderID         string `json:"order_id"`
	UserID          string `json:"user_id"`
	TokenID         string `json:"token_id"`
	Side            Side   `json:"side"`
	Price           string `json:"price"`
	RestingQuantity string `json:"resting_quantity"`
}

// TradeFill is one maker fill inside an OrderTradedMsg.
type TradeFill struct {
	TradeID      string `json:"trade_id"`
	MakerOrderID string `json:"maker_order_id"`
	MakerUserID  string `json:"maker_user_id"`
	MakerTokenID string `json:"maker_token_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	QuoteAmount  string `json:"quote_amount"`
}

// OrderTradedMsg bundles every maker fill produced by one taker command.
// A taker whose remaining quantity reaches zero here is fully filled;
// there is no separate filled message on this stream.
type OrderTradedMsg struct {
	Envelope
	TakerOrderID string      `json:"taker_order_id"`
	TakerUserID  string      `json:"taker_user_id"`
	TakerTokenID string      `json:"taker_token_id"`
	TakerSide    Side        `json:"taker_side"`
	Trades       []TradeFill `json:"trades"`
}

// ————————————————————————————————————————————————————————————————————————
// store stream
// ————————————————————————————————————————————————————————————————————————

// OrderImageMsg is the full current image of one order, emitted on every
// transition so the store consumer can rebuild a durable view with plain
// upserts.
type OrderImageMsg struct {
	Envelope
	Order Order `json:"order"`
}

// EventAddedMsg records event creation with its market layout.
type EventAddedMsg struct {
	Envelope
	Markets []MarketSpec `json:"markets"`
	EndTime int64        `json:"end_time"`
}

// EventRemovedMsg records event teardown (explicit or by expiry).
type EventRemovedMsg struct {
	Envelope
	Expired bool `json:"expired"`
}

// MarketUpdatedMsg records the latest update_id for a market so the store
// consumer can checkpoint without parsing every order image.
type MarketUpdatedMsg struct {
	Envelope
}

// ————————————————————————————————————————————————————————————————————————
// depth + websocket streams
// ————————————————————————————————————————————————————————————————————————

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int    `json:"order_count"`
}

// TokenDepth is the full visible book for one token.
type TokenDepth struct {
	Bids           []DepthLevel `json:"bids"`
	Asks           []DepthLevel `json:"asks"`
	LastTradePrice string       `json:"last_trade_price,omitempty"`
}

// DepthSnapshotMsg is a full depth image per token, capped at the
// configured reporting depth.
type DepthSnapshotMsg struct {
	Envelope
	PerToken map[string]TokenDepth `json:"per_token"`
}

// LevelChange is one changed price level. Quantity "0" means the level
// disappeared.
type LevelChange struct {
	Side     Side   `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// TokenDelta lists the changed levels for one token since the previous
// emission, plus the latest trade price when a trade happened.
type TokenDelta struct {
	Changed        []LevelChange `json:"changed_levels"`
	LastTradePrice string        `json:"last_trade_price,omitempty"`
}

// DepthDeltaMsg is an incremental depth update per token.
type DepthDeltaMsg struct {
	Envelope
	PerToken map[string]TokenDelta `json:"per_token"`
}
