// messages.go converts classified actor results into the payloads of the
// four output streams, and encodes/decodes the tagged input commands.
//
// The four streams are always rendered in a fixed order per command
// (store, processor, depth, websocket) so a consumer joining streams can
// reconcile by (market, update_id).
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/purplecity/PredictionMarket/internal/book"
	"github.com/purplecity/PredictionMarket/internal/market"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// entry is one payload destined for one stream.
type entry struct {
	stream  string
	payload any
}

func envelope(msgType types.MessageType, res *market.Result) types.Envelope {
	return types.Envelope{
		Type:        msgType,
		EventID:     res.EventID,
		MarketID:    res.MarketID,
		UpdateID:    res.UpdateID,
		TimestampMs: res.Time.UnixMilli(),
	}
}

// renderResult classifies a result onto the four streams.
func renderResult(res *market.Result) []entry {
	var out []entry
	out = append(out, renderStore(res)...)
	out = append(out, renderProcessor(res)...)
	if depth := renderDepth(res); depth != nil {
		out = append(out, entry{types.StreamDepth, depth})
		out = append(out, entry{types.StreamWebsocket, depth})
	}
	return out
}

// renderStore emits full order images for every order the command
// touched, then the market update_id checkpoint. The store consumer
// rebuilds a durable image with plain upserts.
func renderStore(res *market.Result) []entry {
	var out []entry
	// A rejected command touched no order, so it leaves no image here.
	if res.Taker != nil && res.Terminal != market.TermRejected {
		out = append(out, entry{types.StreamStore, types.OrderImageMsg{
			Envelope: envelope(types.MsgOrderImage, res),
			Order:    *res.Taker,
		}})
	}
	for _, maker := range res.Makers {
		out = append(out, entry{types.StreamStore, types.OrderImageMsg{
			Envelope: envelope(types.MsgOrderImage, res),
			Order:    *maker,
		}})
	}
	// Rejects don't advance the update_id, so they don't checkpoint.
	if res.Terminal != market.TermRejected {
		out = append(out, entry{types.StreamStore, types.MarketUpdatedMsg{
			Envelope: envelope(types.MsgMarketUpdated, res),
		}})
	}
	return out
}

func renderProcessor(res *market.Result) []entry {
	var out []entry
	if len(res.Trades) > 0 {
		msg := types.OrderTradedMsg{
			Envelope:     envelope(types.MsgOrderTraded, res),
			TakerOrderID: res.Taker.ID,
			TakerUserID:  res.Taker.UserID,
			TakerTokenID: res.Taker.Symbol.TokenID,
			TakerSide:    res.Taker.Side,
		}
		for _, tr := range res.Trades {
			msg.Trades = append(msg.Trades, types.TradeFill{
				TradeID:      tr.ID,
				MakerOrderID: tr.MakerOrderID,
				MakerUserID:  tr.MakerUserID,
				MakerTokenID: tr.MakerTokenID,
				Price:        types.PriceString(tr.Price),
				Quantity:     types.QuantityString(tr.Quantity),
				QuoteAmount:  types.QuoteString(tr.QuoteAmount),
			})
		}
		out = append(out, entry{types.StreamProcessor, msg})
	}

	switch res.Terminal {
	case market.TermRejected:
		out = append(out, entry{types.StreamProcessor, types.OrderRejectedMsg{
			Envelope: envelope(types.MsgOrderRejected, res),
			OrderID:  res.Taker.ID,
			UserID:   res.Taker.UserID,
			Reason:   res.Reason,
		}})
	case market.TermCancelled:
		msg := types.OrderCancelledMsg{
			Envelope:         envelope(types.MsgOrderCancelled, res),
			OrderID:          res.Taker.ID,
			UserID:           res.Taker.UserID,
			TokenID:          res.Taker.Symbol.TokenID,
			UnfilledQuantity: types.QuantityString(res.Taker.Remaining),
		}
		if res.Taker.Kind == types.MARKET && res.Taker.Side == types.BUY {
			msg.UnspentBudget = types.QuoteString(res.Taker.RemainingBudget)
		}
		out = append(out, entry{types.StreamProcessor, msg})
	case market.TermSubmitted:
		out = append(out, entry{types.StreamProcessor, types.OrderSubmittedMsg{
			Envelope:        envelope(types.MsgOrderSubmitted, res),
			OrderID:         res.Taker.ID,
			UserID:          res.Taker.UserID,
			TokenID:         res.Taker.Symbol.TokenID,
			Side:            res.Taker.Side,
			Price:           types.PriceString(res.Taker.Price),
			RestingQuantity: types.QuantityString(res.Taker.Remaining),
		}})
	}
	// TermFilled emits nothing extra: the trade bundle already shows the
	// remaining quantity reaching zero.
	return out
}

func renderDepth(res *market.Result) any {
	if res.FullDepth != nil {
		msg := types.DepthSnapshotMsg{
			Envelope: envelope(types.MsgDepthSnapshot, res),
			PerToken: make(map[string]types.TokenDepth, len(res.FullDepth)),
		}
		for tok, d := range res.FullDepth {
			td := types.TokenDepth{
				Bids: formatLevels(d.Bids),
				Asks: formatLevels(d.Asks),
			}
			if d.LastTrade > 0 {
				td.LastTradePrice = types.PriceString(d.LastTrade)
			}
			msg.PerToken[tok] = td
		}
		return msg
	}

	if len(res.DepthDelta) == 0 && len(res.LastTrade) == 0 {
		return nil
	}
	msg := types.DepthDeltaMsg{
		Envelope: envelope(types.MsgDepthDelta, res),
		PerToken: make(map[string]types.TokenDelta),
	}
	for tok, changes := range res.DepthDelta {
		td := types.TokenDelta{}
		for _, ch := range changes {
			td.Changed = append(td.Changed, types.LevelChange{
				Side:     ch.Side,
				Price:    types.PriceString(ch.Price),
				Quantity: types.QuantityString(ch.Quantity),
			})
		}
		msg.PerToken[tok] = td
	}
	for tok, price := range res.LastTrade {
		td := msg.PerToken[tok]
		td.LastTradePrice = types.PriceString(price)
		msg.PerToken[tok] = td
	}
	return msg
}

func formatLevels(levels []book.Level) []types.DepthLevel {
	out := make([]types.DepthLevel, 0, len(levels))
	for _, lv := range levels {
		out = append(out, types.DepthLevel{
			Price:      types.PriceString(lv.Price),
			Quantity:   types.QuantityString(lv.Quantity),
			OrderCount: lv.OrderCount,
		})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Input command envelope
// ————————————————————————————————————————————————————————————————————————

// InputEntry is the tagged union carried on the input streams: the type
// tag plus the matching payload under data.
type InputEntry struct {
	Type types.CommandType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// EncodeCommand wraps a command payload for XADD (used by producers and
// tests; the engine itself only decodes).
func EncodeCommand(cmdType types.CommandType, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(InputEntry{Type: cmdType, Data: data})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeCommand parses an input stream entry.
func DecodeCommand(data string) (*InputEntry, error) {
	var e InputEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode input entry: %w", err)
	}
	switch e.Type {
	case types.CmdSubmitOrder, types.CmdCancelOrder, types.CmdAddEvent, types.CmdRemoveEvent:
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", e.Type)
	}
}
