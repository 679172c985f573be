// Package match implements the cross-outcome matching kernel.
//
// A taker on token X draws candidates from two sources at once: the
// opposite side of X's own book, and the same side of the complementary
// token's book presented at the converted price 10000-p. A buy of one
// outcome at p and a buy of the other at q match when p+q >= 10000; the
// combined quote mints a token pair, so both parties receive their own
// token. The kernel merges the two sources in effective-price order with
// OrderNum breaking ties, which preserves price-time priority across both
// books.
//
// The kernel runs to completion against in-memory state and never blocks.
// It mutates the maker books directly and reports taker progress on the
// taker order; residual handling (resting, cancelling) is the actor's job.
package match

import (
	"time"

	"github.com/google/uuid"

	"github.com/purplecity/PredictionMarket/internal/book"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// Outcome is the result bundle of one kernel run.
type Outcome struct {
	Trades []types.Trade
	// Makers holds the post-fill image of every maker touched, in fill
	// order. A maker filled to zero appears with status Filled and is
	// already removed from its book.
	Makers []*types.Order
	// SelfTradeHalt is set when matching stopped because the next
	// admissible candidate belonged to the taker's own user. The policy
	// is to cancel the taker's entire remainder rather than trade
	// against or rest beside the user's own quotes.
	SelfTradeHalt bool
}

type candidate struct {
	order     *types.Order
	effective int64 // price from the taker's perspective
	fromComp  bool
}

// Run matches taker against the market's two books: same is the book for
// the taker's own token, comp the complementary token's book.
func Run(taker *types.Order, same, comp *book.Book) *Outcome {
	out := &Outcome{}

	for !takerDone(taker) {
		cand, ok := nextCandidate(taker, same, comp)
		if !ok || !admissible(taker, cand.effective) {
			break
		}
		if cand.order.UserID == taker.UserID {
			out.SelfTradeHalt = true
			break
		}

		qty := matchQuantity(taker, cand)
		if qty <= 0 {
			break // market buy budget cannot afford one unit here
		}

		makerBook := same
		if cand.fromComp {
			makerBook = comp
		}
		makerImg, err := makerBook.Fill(cand.order.ID, qty)
		if err != nil {
			// Book and index desynced: state is no longer trustworthy.
			panic(err)
		}

		taker.Filled += qty
		if taker.Kind == types.MARKET && taker.Side == types.BUY {
			taker.RemainingBudget -= types.QuoteAmount(cand.effective, qty)
		} else {
			taker.Remaining -= qty
		}

		out.Trades = append(out.Trades, types.Trade{
			ID:           uuid.New().String(),
			TakerOrderID: taker.ID,
			MakerOrderID: makerImg.ID,
			TakerUserID:  taker.UserID,
			MakerUserID:  makerImg.UserID,
			TakerTokenID: taker.Symbol.TokenID,
			MakerTokenID: makerImg.Symbol.TokenID,
			Price:        makerImg.Price,
			Quantity:     qty,
			QuoteAmount:  types.QuoteAmount(makerImg.Price, qty),
			Time:         time.Now(),
		})
		out.Makers = append(out.Makers, makerImg)
	}
	return out
}

func takerDone(taker *types.Order) bool {
	return taker.Done()
}

// nextCandidate peeks the best order of each source and picks the one
// with the better effective price; equal prices fall back to OrderNum.
func nextCandidate(taker *types.Order, same, comp *book.Book) (candidate, bool) {
	var sameCand, compCand *candidate

	if o, ok := same.PeekBest(taker.Side.Opposite()); ok {
		sameCand = &candidate{order: o, effective: o.Price}
	}
	if o, ok := comp.PeekBest(taker.Side); ok {
		compCand = &candidate{order: o, effective: types.Complement(o.Price), fromComp: true}
	}

	switch {
	case sameCand == nil && compCand == nil:
		return candidate{}, false
	case sameCand == nil:
		return *compCand, true
	case compCand == nil:
		return *sameCand, true
	}

	// A buyer wants the lower effective price, a seller the higher.
	if sameCand.effective == compCand.effective {
		if sameCand.order.OrderNum < compCand.order.OrderNum {
			return *sameCand, true
		}
		return *compCand, true
	}
	sameBetter := sameCand.effective < compCand.effective
	if taker.Side == types.SELL {
		sameBetter = !sameBetter
	}
	if sameBetter {
		return *sameCand, true
	}
	return *compCand, true
}

// admissible applies the taker's price predicate to a candidate's
// effective price.
func admissible(taker *types.Order, effective int64) bool {
	switch {
	case taker.Kind == types.MARKET && taker.Side == types.BUY:
		return true // bounded by budget, not price
	case taker.Side == types.BUY:
		return effective <= taker.Price
	default:
		// Limit sell, or market sell with floor (0 = no floor).
		return effective >= taker.Price
	}
}

// matchQuantity bounds the fill by both parties' remainders and, for a
// market buy, by what the remaining budget affords at the effective price.
func matchQuantity(taker *types.Order, cand candidate) int64 {
	if taker.Kind == types.MARKET && taker.Side == types.BUY {
		affordable := types.MaxQuantityFor(taker.RemainingBudget, cand.effective)
		return min(affordable, cand.order.Remaining)
	}
	return min(taker.Remaining, cand.order.Remaining)
}
