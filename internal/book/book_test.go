package book

import (
	"fmt"
	"testing"

	"github.com/purplecity/PredictionMarket/pkg/types"
)

var testSymbol = types.PredictionSymbol{EventID: 1, MarketID: 1, TokenID: "tokA"}

func limitOrder(id string, side types.Side, price, qty, num int64) *types.Order {
	return &types.Order{
		ID:        id,
		UserID:    "u-" + id,
		Symbol:    testSymbol,
		Side:      side,
		Kind:      types.LIMIT,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		OrderNum:  num,
		Status:    types.StatusNew,
	}
}

func TestInsertAndBest(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)

	for i, o := range []*types.Order{
		limitOrder("b1", types.BUY, 5000, 1000, 1),
		limitOrder("b2", types.BUY, 5500, 1000, 2),
		limitOrder("a1", types.SELL, 6000, 1000, 3),
		limitOrder("a2", types.SELL, 6500, 1000, 4),
	} {
		if err := b.Insert(o); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	if bid, ok := b.BestBid(); !ok || bid != 5500 {
		t.Errorf("BestBid = %d, %v, want 5500", bid, ok)
	}
	if ask, ok := b.BestAsk(); !ok || ask != 6000 {
		t.Errorf("BestAsk = %d, %v, want 6000", ask, ok)
	}
	if got := b.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}
}

func TestInsertRejections(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)

	wrong := limitOrder("w1", types.BUY, 5000, 1000, 1)
	wrong.Symbol.TokenID = "tokB"
	if err := b.Insert(wrong); err == nil {
		t.Error("Insert with wrong symbol succeeded")
	}

	empty := limitOrder("e1", types.BUY, 5000, 1000, 2)
	empty.Remaining = 0
	if err := b.Insert(empty); err == nil {
		t.Error("Insert with zero remaining succeeded")
	}

	dup := limitOrder("d1", types.BUY, 5000, 1000, 3)
	if err := b.Insert(dup); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Insert(dup.Clone()); err == nil {
		t.Error("duplicate Insert succeeded")
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)

	for i := int64(1); i <= 3; i++ {
		o := limitOrder(fmt.Sprintf("o%d", i), types.SELL, 6000, 1000, i)
		if err := b.Insert(o); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	top, ok := b.PeekBest(types.SELL)
	if !ok || top.ID != "o1" {
		t.Fatalf("PeekBest = %+v, want o1", top)
	}

	// Consume the head; the next order at the level surfaces.
	if _, err := b.Fill("o1", 1000); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	top, ok = b.PeekBest(types.SELL)
	if !ok || top.ID != "o2" {
		t.Fatalf("PeekBest after fill = %+v, want o2", top)
	}
}

func TestFillPartialAndFull(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)
	if err := b.Insert(limitOrder("o1", types.SELL, 6000, 1000, 1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	img, err := b.Fill("o1", 400)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if img.Remaining != 600 || img.Filled != 400 || img.Status != types.StatusPartiallyFilled {
		t.Errorf("after partial fill: remaining=%d filled=%d status=%s", img.Remaining, img.Filled, img.Status)
	}
	if img.Filled+img.Remaining != img.Quantity {
		t.Errorf("mass conservation broken: %d + %d != %d", img.Filled, img.Remaining, img.Quantity)
	}

	img, err = b.Fill("o1", 600)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if img.Status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", img.Status)
	}
	if _, ok := b.Get("o1"); ok {
		t.Error("fully filled order still in book")
	}
	if _, ok := b.BestAsk(); ok {
		t.Error("empty level not removed")
	}
}

func TestFillOutOfRange(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)
	if err := b.Insert(limitOrder("o1", types.SELL, 6000, 1000, 1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := b.Fill("o1", 1001); err == nil {
		t.Error("overfill succeeded")
	}
	if _, err := b.Fill("o1", 0); err == nil {
		t.Error("zero fill succeeded")
	}
	if _, err := b.Fill("missing", 10); err == nil {
		t.Error("fill of unknown order succeeded")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)
	if err := b.Insert(limitOrder("o1", types.BUY, 5000, 1000, 1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.Insert(limitOrder("o2", types.BUY, 5000, 2000, 2)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	removed, ok := b.Remove("o1")
	if !ok || removed.ID != "o1" {
		t.Fatalf("Remove = %+v, %v", removed, ok)
	}
	if _, ok := b.Remove("o1"); ok {
		t.Error("double remove succeeded")
	}

	bids, _ := b.Depth(0)
	if len(bids) != 1 || bids[0].Quantity != 2000 || bids[0].OrderCount != 1 {
		t.Errorf("level after remove = %+v", bids)
	}
}

func TestDepthAggregation(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)

	for i, spec := range []struct {
		side  types.Side
		price int64
		qty   int64
	}{
		{types.BUY, 5000, 1000},
		{types.BUY, 5000, 500},
		{types.BUY, 4800, 700},
		{types.SELL, 6000, 300},
		{types.SELL, 6200, 900},
		{types.SELL, 6400, 100},
	} {
		o := limitOrder(fmt.Sprintf("o%d", i), spec.side, spec.price, spec.qty, int64(i+1))
		if err := b.Insert(o); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	bids, asks := b.Depth(2)
	if len(bids) != 2 || len(asks) != 2 {
		t.Fatalf("Depth(2) = %d bids, %d asks", len(bids), len(asks))
	}
	if bids[0].Price != 5000 || bids[0].Quantity != 1500 || bids[0].OrderCount != 2 {
		t.Errorf("top bid level = %+v", bids[0])
	}
	if asks[0].Price != 6000 || asks[1].Price != 6200 {
		t.Errorf("ask ordering = %+v", asks)
	}

	// Level totals must equal the sum of their orders' remainders.
	for side, lvls := range b.AllLevels() {
		for price, total := range lvls {
			var sum int64
			b.ScanSide(side, func(o *types.Order) bool {
				if o.Price == price {
					sum += o.Remaining
				}
				return true
			})
			if sum != total {
				t.Errorf("level %s@%d total %d != order sum %d", side, price, total, sum)
			}
		}
	}
}

func TestScanSidePriority(t *testing.T) {
	t.Parallel()
	b := New(testSymbol)
	if err := b.Insert(limitOrder("low", types.BUY, 4000, 100, 1)); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert(limitOrder("high", types.BUY, 5000, 100, 2)); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert(limitOrder("high2", types.BUY, 5000, 100, 3)); err != nil {
		t.Fatal(err)
	}

	var seen []string
	b.ScanSide(types.BUY, func(o *types.Order) bool {
		seen = append(seen, o.ID)
		return true
	})
	want := []string{"high", "high2", "low"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scan order = %v, want %v", seen, want)
		}
	}
}
