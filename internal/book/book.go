// Package book implements the per-token limit order book.
//
// Levels live in two B-trees (bids descending, asks ascending); inside a
// level orders are a FIFO slice ordered by acceptance. A side index maps
// order ID to its (side, price) locator so cancels don't scan levels. The
// index stores the locator, not a pointer back into the tree, so there are
// no reference cycles between the book structures.
//
// The book is not safe for concurrent use. Each market actor owns its two
// books exclusively, which is what makes the matching path lock-free.
package book

import (
	"errors"
	"fmt"

	"github.com/tidwall/btree"

	"github.com/purplecity/PredictionMarket/pkg/types"
)

var (
	ErrSymbolMismatch      = errors.New("order symbol does not match book")
	ErrNonPositiveQuantity = errors.New("order has no remaining quantity")
	ErrUnknownOrder        = errors.New("order not in book")
)

// Level is one aggregated price level as reported by Depth.
type Level struct {
	Price      int64
	Quantity   int64
	OrderCount int
}

type locator struct {
	side  types.Side
	price int64
}

type priceLevel struct {
	price    int64
	orders   []*types.Order // FIFO by OrderNum
	totalQty int64
}

type levels = btree.BTreeG[*priceLevel]

// Book is the order book for a single token.
type Book struct {
	symbol types.PredictionSymbol
	bids   *levels
	asks   *levels
	index  map[string]locator
}

// New creates an empty book for the given symbol.
func New(symbol types.PredictionSymbol) *Book {
	// Bids sort greatest first, asks least first, so MinMut is always
	// the best level on either side.
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price > b.price
	})
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price < b.price
	})
	return &Book{
		symbol: symbol,
		bids:   bids,
		asks:   asks,
		index:  make(map[string]locator),
	}
}

// Symbol returns the symbol this book trades.
func (b *Book) Symbol() types.PredictionSymbol { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

func (b *Book) sideLevels(side types.Side) *levels {
	if side == types.BUY {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting order. The caller hands over ownership; the order
// must belong to this book's symbol and have remaining quantity. Orders
// are accepted in OrderNum sequence by the single writer, so appending to
// the level preserves FIFO.
func (b *Book) Insert(o *types.Order) error {
	if o.Symbol != b.symbol {
		return fmt.Errorf("%w: %s vs %s", ErrSymbolMismatch, o.Symbol, b.symbol)
	}
	if o.Remaining <= 0 {
		return fmt.Errorf("%w: %s", ErrNonPositiveQuantity, o.ID)
	}
	if _, dup := b.index[o.ID]; dup {
		return fmt.Errorf("order %s already in book", o.ID)
	}

	lv := b.sideLevels(o.Side)
	level, ok := lv.GetMut(&priceLevel{price: o.Price})
	if ok {
		level.orders = append(level.orders, o)
		level.totalQty += o.Remaining
	} else {
		lv.Set(&priceLevel{
			price:    o.Price,
			orders:   []*types.Order{o},
			totalQty: o.Remaining,
		})
	}
	b.index[o.ID] = locator{side: o.Side, price: o.Price}
	return nil
}

// Remove takes an order out of the book, returning its final image.
func (b *Book) Remove(orderID string) (*types.Order, bool) {
	loc, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	lv := b.sideLevels(loc.side)
	level, ok := lv.GetMut(&priceLevel{price: loc.price})
	if !ok {
		return nil, false
	}

	for i, o := range level.orders {
		if o.ID != orderID {
			continue
		}
		level.orders = append(level.orders[:i], level.orders[i+1:]...)
		level.totalQty -= o.Remaining
		if len(level.orders) == 0 {
			lv.Delete(level)
		}
		delete(b.index, orderID)
		return o, true
	}
	return nil, false
}

// Fill decrements an order's remaining quantity by qty. When remaining
// reaches zero the order leaves the book with status Filled. Returns the
// order's image after the fill.
func (b *Book) Fill(orderID string, qty int64) (*types.Order, error) {
	loc, ok := b.index[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	level, ok := b.sideLevels(loc.side).GetMut(&priceLevel{price: loc.price})
	if !ok {
		return nil, fmt.Errorf("%w: %s (level gone)", ErrUnknownOrder, orderID)
	}

	for _, o := range level.orders {
		if o.ID != orderID {
			continue
		}
		if qty <= 0 || qty > o.Remaining {
			return nil, fmt.Errorf("fill %d out of range for order %s (remaining %d)", qty, o.ID, o.Remaining)
		}
		o.Remaining -= qty
		o.Filled += qty
		level.totalQty -= qty
		if o.Remaining == 0 {
			o.Status = types.StatusFilled
			b.Remove(o.ID)
		} else {
			o.Status = types.StatusPartiallyFilled
		}
		return o.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
}

// Get returns a copy of a resting order.
func (b *Book) Get(orderID string) (*types.Order, bool) {
	loc, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	level, ok := b.sideLevels(loc.side).GetMut(&priceLevel{price: loc.price})
	if !ok {
		return nil, false
	}
	for _, o := range level.orders {
		if o.ID == orderID {
			return o.Clone(), true
		}
	}
	return nil, false
}

// PeekBest returns a copy of the first order at the best price on the
// given side: highest bid for BUY, lowest ask for SELL.
func (b *Book) PeekBest(side types.Side) (*types.Order, bool) {
	level, ok := b.sideLevels(side).Min()
	if !ok {
		return nil, false
	}
	return level.orders[0].Clone(), true
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (int64, bool) {
	level, ok := b.bids.Min()
	if !ok {
		return 0, false
	}
	return level.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (int64, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return level.price, true
}

// Depth returns up to maxDepth aggregated levels per side in priority
// order. maxDepth <= 0 means unlimited.
func (b *Book) Depth(maxDepth int) (bids, asks []Level) {
	collect := func(lv *levels) []Level {
		var out []Level
		lv.Scan(func(level *priceLevel) bool {
			out = append(out, Level{
				Price:      level.price,
				Quantity:   level.totalQty,
				OrderCount: len(level.orders),
			})
			return maxDepth <= 0 || len(out) < maxDepth
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// AllLevels returns every aggregated level keyed by side, with no depth
// cap. Used for depth-delta baselines.
func (b *Book) AllLevels() map[types.Side]map[int64]int64 {
	out := map[types.Side]map[int64]int64{
		types.BUY:  make(map[int64]int64),
		types.SELL: make(map[int64]int64),
	}
	b.bids.Scan(func(level *priceLevel) bool {
		out[types.BUY][level.price] = level.totalQty
		return true
	})
	b.asks.Scan(func(level *priceLevel) bool {
		out[types.SELL][level.price] = level.totalQty
		return true
	})
	return out
}

// Orders returns copies of every resting order in side/price/FIFO order.
func (b *Book) Orders() []*types.Order {
	var out []*types.Order
	scan := func(lv *levels) {
		lv.Scan(func(level *priceLevel) bool {
			for _, o := range level.orders {
				out = append(out, o.Clone())
			}
			return true
		})
	}
	scan(b.bids)
	scan(b.asks)
	return out
}

// ScanSide walks resting orders on one side in price-priority order,
// FIFO within a level, until fn returns false.
func (b *Book) ScanSide(side types.Side, fn func(*types.Order) bool) {
	b.sideLevels(side).Scan(func(level *priceLevel) bool {
		for _, o := range level.orders {
			if !fn(o.Clone()) {
				return false
			}
		}
		return true
	})
}
