package match

import (
	"testing"

	"github.com/purplecity/PredictionMarket/internal/book"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

const (
	tokA = "tokA"
	tokB = "tokB"
)

func symbol(token string) types.PredictionSymbol {
	return types.PredictionSymbol{EventID: 1, MarketID: 1, TokenID: token}
}

func pair() (same, comp *book.Book) {
	return book.New(symbol(tokA)), book.New(symbol(tokB))
}

func restingLimit(t *testing.T, b *book.Book, id, user string, side types.Side, price, qty, num int64) {
	t.Helper()
	o := &types.Order{
		ID:        id,
		UserID:    user,
		Symbol:    b.Symbol(),
		Side:      side,
		Kind:      types.LIMIT,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		OrderNum:  num,
		Status:    types.StatusNew,
	}
	if err := b.Insert(o); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func limitTaker(id, user string, side types.Side, price, qty int64) *types.Order {
	return &types.Order{
		ID:        id,
		UserID:    user,
		Symbol:    symbol(tokA),
		Side:      side,
		Kind:      types.LIMIT,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		OrderNum:  100,
		Status:    types.StatusNew,
	}
}

// Straight fill: resting sell, matching buy on the same token.
func TestStraightFill(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "m1", "u1", types.SELL, 6000, 10000, 1)

	taker := limitTaker("t1", "u2", types.BUY, 6500, 10000)
	out := Run(taker, same, comp)

	if len(out.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(out.Trades))
	}
	tr := out.Trades[0]
	if tr.Price != 6000 || tr.Quantity != 10000 {
		t.Errorf("trade = %d @ %d, want 10000 @ 6000", tr.Quantity, tr.Price)
	}
	if tr.QuoteAmount != 60_000_000 {
		t.Errorf("quote = %d, want 60000000", tr.QuoteAmount)
	}
	if taker.Remaining != 0 || taker.Filled != 10000 {
		t.Errorf("taker remaining=%d filled=%d", taker.Remaining, taker.Filled)
	}
	if out.Makers[0].Status != types.StatusFilled {
		t.Errorf("maker status = %s", out.Makers[0].Status)
	}
	if same.Len() != 0 {
		t.Errorf("book not empty after full fill")
	}
}

// Cross-outcome fill: a bid on the complementary token is an ask on ours
// at the converted price.
func TestCrossOutcomeFill(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, comp, "m1", "u1", types.BUY, 4000, 10000, 1)

	taker := limitTaker("t1", "u2", types.BUY, 7000, 10000)
	out := Run(taker, same, comp)

	if len(out.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(out.Trades))
	}
	tr := out.Trades[0]
	// Price is the maker's own price on its own token, not the
	// converted price the taker saw.
	if tr.Price != 4000 {
		t.Errorf("trade price = %d, want maker's 4000", tr.Price)
	}
	if tr.Quantity != 10000 {
		t.Errorf("trade quantity = %d", tr.Quantity)
	}
	if tr.TakerTokenID != tokA || tr.MakerTokenID != tokB {
		t.Errorf("token routing: taker %s maker %s", tr.TakerTokenID, tr.MakerTokenID)
	}
	if taker.Remaining != 0 {
		t.Errorf("taker remaining = %d", taker.Remaining)
	}
	if comp.Len() != 0 {
		t.Errorf("complement book not drained")
	}
}

// Cross admissibility: Buy-A@p matches Buy-B@q iff p+q >= 10000.
func TestCrossAdmissibility(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		takerPrice int64
		makerPrice int64
		wantTrade  bool
	}{
		{"exactly complementary", 6000, 4000, true},
		{"crossing", 7000, 4000, true},
		{"one tick short", 5999, 4000, false},
		{"deep out", 3000, 4000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			same, comp := pair()
			restingLimit(t, comp, "m1", "u1", types.BUY, tc.makerPrice, 1000, 1)

			taker := limitTaker("t1", "u2", types.BUY, tc.takerPrice, 1000)
			out := Run(taker, same, comp)
			if got := len(out.Trades) > 0; got != tc.wantTrade {
				t.Errorf("p=%d q=%d: traded=%v, want %v", tc.takerPrice, tc.makerPrice, got, tc.wantTrade)
			}
		})
	}
}

// Price-time priority must hold across the two candidate sources: at an
// equal effective price the lower order_num fills first.
func TestPriorityAcrossBooks(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	// Both makers offer effective 6000 to a buyer of tokA.
	restingLimit(t, comp, "cross", "u1", types.BUY, 4000, 1000, 1)
	restingLimit(t, same, "direct", "u3", types.SELL, 6000, 1000, 2)

	taker := limitTaker("t1", "u2", types.BUY, 6000, 1500)
	out := Run(taker, same, comp)

	if len(out.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(out.Trades))
	}
	if out.Trades[0].MakerOrderID != "cross" {
		t.Errorf("first fill went to %s, want cross (lower order_num)", out.Trades[0].MakerOrderID)
	}
	if out.Trades[1].MakerOrderID != "direct" || out.Trades[1].Quantity != 500 {
		t.Errorf("second fill = %s qty %d", out.Trades[1].MakerOrderID, out.Trades[1].Quantity)
	}
}

// A cheaper converted price must beat a worse same-book price.
func TestBetterCrossPriceWins(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "direct", "u1", types.SELL, 6500, 1000, 1)
	restingLimit(t, comp, "cross", "u3", types.BUY, 4000, 1000, 2) // effective 6000

	taker := limitTaker("t1", "u2", types.BUY, 7000, 1000)
	out := Run(taker, same, comp)

	if len(out.Trades) != 1 || out.Trades[0].MakerOrderID != "cross" {
		t.Fatalf("trades = %+v, want single fill against cross", out.Trades)
	}
}

// Self-trade: matching halts before any trade and the remainder is not
// matched past the offending candidate.
func TestSelfTradeHalt(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "own", "u1", types.SELL, 5000, 5000, 1)

	taker := limitTaker("t1", "u1", types.BUY, 6000, 10000)
	out := Run(taker, same, comp)

	if len(out.Trades) != 0 {
		t.Fatalf("self-trade produced %d trades", len(out.Trades))
	}
	if !out.SelfTradeHalt {
		t.Error("SelfTradeHalt not set")
	}
	if got, ok := same.Get("own"); !ok || got.Remaining != 5000 {
		t.Errorf("resting own order disturbed: %+v", got)
	}
}

// Self-trade halt happens mid-sweep too: fills before the offending
// candidate stand.
func TestSelfTradeHaltAfterPartialSweep(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "other", "u3", types.SELL, 5000, 2000, 1)
	restingLimit(t, same, "own", "u1", types.SELL, 5500, 5000, 2)

	taker := limitTaker("t1", "u1", types.BUY, 6000, 10000)
	out := Run(taker, same, comp)

	if len(out.Trades) != 1 || out.Trades[0].MakerOrderID != "other" {
		t.Fatalf("trades = %+v", out.Trades)
	}
	if !out.SelfTradeHalt {
		t.Error("SelfTradeHalt not set")
	}
	if taker.Remaining != 8000 {
		t.Errorf("taker remaining = %d, want 8000", taker.Remaining)
	}
}

// Market buy with budget: consumption is bounded by the budget at the
// effective price, never exceeding it.
func TestMarketBuyBudget(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "m1", "u1", types.SELL, 5000, 2000, 1)
	restingLimit(t, same, "m2", "u3", types.SELL, 6000, 5000, 2)

	taker := &types.Order{
		ID:              "t1",
		UserID:          "u2",
		Symbol:          symbol(tokA),
		Side:            types.BUY,
		Kind:            types.MARKET,
		Budget:          45_000_000,
		RemainingBudget: 45_000_000,
		OrderNum:        100,
		Status:          types.StatusNew,
	}
	out := Run(taker, same, comp)

	if len(out.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(out.Trades))
	}
	if out.Trades[0].Quantity != 2000 || out.Trades[0].Price != 5000 {
		t.Errorf("trade1 = %d @ %d", out.Trades[0].Quantity, out.Trades[0].Price)
	}
	if out.Trades[1].Quantity != 5000 || out.Trades[1].Price != 6000 {
		t.Errorf("trade2 = %d @ %d", out.Trades[1].Quantity, out.Trades[1].Price)
	}

	var spent int64
	for _, tr := range out.Trades {
		spent += tr.QuoteAmount
	}
	if spent > 45_000_000 {
		t.Errorf("budget exceeded: spent %d", spent)
	}
	if taker.RemainingBudget != 5_000_000 {
		t.Errorf("remaining budget = %d, want 5000000", taker.RemainingBudget)
	}
}

// A budget too small for one quantity unit at the best price stops the
// sweep even with liquidity available.
func TestMarketBuyBudgetExhaustedMidLevel(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "m1", "u1", types.SELL, 5000, 10000, 1)

	taker := &types.Order{
		ID:              "t1",
		UserID:          "u2",
		Symbol:          symbol(tokA),
		Side:            types.BUY,
		Kind:            types.MARKET,
		Budget:          4_999,
		RemainingBudget: 4_999,
		OrderNum:        100,
		Status:          types.StatusNew,
	}
	out := Run(taker, same, comp)
	if len(out.Trades) != 0 {
		t.Fatalf("trades = %d, want 0 (cannot afford one unit)", len(out.Trades))
	}
}

// Market sell floor: candidates below the floor are not matched.
func TestMarketSellFloor(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "m1", "u1", types.BUY, 7000, 3000, 1)
	restingLimit(t, same, "m2", "u3", types.BUY, 5500, 3000, 2)

	taker := &types.Order{
		ID:        "t1",
		UserID:    "u2",
		Symbol:    symbol(tokA),
		Side:      types.SELL,
		Kind:      types.MARKET,
		Price:     6000, // floor
		Quantity:  5000,
		Remaining: 5000,
		OrderNum:  100,
		Status:    types.StatusNew,
	}
	out := Run(taker, same, comp)

	if len(out.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(out.Trades))
	}
	if out.Trades[0].Quantity != 3000 || out.Trades[0].Price != 7000 {
		t.Errorf("trade = %d @ %d", out.Trades[0].Quantity, out.Trades[0].Price)
	}
	if taker.Remaining != 2000 {
		t.Errorf("taker remaining = %d, want 2000", taker.Remaining)
	}
	if got, ok := same.Get("m2"); !ok || got.Remaining != 3000 {
		t.Errorf("below-floor bid disturbed: %+v", got)
	}
}

// Floor 0 means no floor: a market sell sweeps everything.
func TestMarketSellNoFloor(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "m1", "u1", types.BUY, 7000, 3000, 1)
	restingLimit(t, same, "m2", "u3", types.BUY, 20, 3000, 2)

	taker := &types.Order{
		ID:        "t1",
		UserID:    "u2",
		Symbol:    symbol(tokA),
		Side:      types.SELL,
		Kind:      types.MARKET,
		Price:     0,
		Quantity:  6000,
		Remaining: 6000,
		OrderNum:  100,
		Status:    types.StatusNew,
	}
	out := Run(taker, same, comp)
	if len(out.Trades) != 2 || taker.Remaining != 0 {
		t.Fatalf("trades = %d remaining = %d, want full sweep", len(out.Trades), taker.Remaining)
	}
}

// Mass conservation across an arbitrary sweep.
func TestMassConservation(t *testing.T) {
	t.Parallel()
	same, comp := pair()
	restingLimit(t, same, "m1", "u1", types.SELL, 5000, 1500, 1)
	restingLimit(t, comp, "m2", "u3", types.BUY, 4800, 1200, 2) // effective 5200
	restingLimit(t, same, "m3", "u4", types.SELL, 5400, 900, 3)

	taker := limitTaker("t1", "u2", types.BUY, 5400, 3000)
	out := Run(taker, same, comp)

	var filled int64
	for _, tr := range out.Trades {
		filled += tr.Quantity
		if tr.TakerUserID == tr.MakerUserID {
			t.Errorf("self trade emitted: %+v", tr)
		}
	}
	if filled != taker.Filled {
		t.Errorf("trade sum %d != taker filled %d", filled, taker.Filled)
	}
	if taker.Filled+taker.Remaining != taker.Quantity {
		t.Errorf("mass conservation broken: %d + %d != %d", taker.Filled, taker.Remaining, taker.Quantity)
	}
	for _, m := range out.Makers {
		if m.Filled+m.Remaining != m.Quantity {
			t.Errorf("maker %s mass conservation broken", m.ID)
		}
	}
	// m1 (5000), then m2 (5200 effective), then m3 (5400).
	wantOrder := []string{"m1", "m2", "m3"}
	for i, tr := range out.Trades {
		if tr.MakerOrderID != wantOrder[i] {
			t.Errorf("fill %d went to %s, want %s", i, tr.MakerOrderID, wantOrder[i])
		}
	}
}
