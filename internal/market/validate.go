package market

import (
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// validate applies the acceptance checks to a submit command. A failure
// is reported only as an OrderRejected on the processor stream; the order
// never touches a book.
func (a *Actor) validate(s *types.SubmitOrder) (types.RejectReason, bool) {
	if _, ok := a.books[s.TokenID]; !ok {
		return types.RejectUnknownToken, false
	}
	if !a.endTime.IsZero() && !a.now().Before(a.endTime) {
		return types.RejectEventExpired, false
	}
	if s.Side != types.BUY && s.Side != types.SELL {
		return types.RejectBadSide, false
	}
	for _, tok := range a.spec.TokenIDs {
		if _, dup := a.books[tok].Get(s.OrderID); dup {
			return types.RejectDuplicateOrder, false
		}
	}

	switch s.Kind {
	case types.LIMIT:
		if s.Quantity <= 0 {
			return types.RejectBadQuantity, false
		}
		if s.Price == 0 {
			return types.RejectMissingPrice, false
		}
		if s.Price < types.MinPrice || s.Price > types.MaxPrice {
			return types.RejectBadPrice, false
		}
	case types.MARKET:
		if s.Side == types.BUY {
			// A market buy is budget-bounded: it must carry a budget
			// and no quantity.
			if s.Budget <= 0 || s.Quantity != 0 {
				return types.RejectBadBudget, false
			}
		} else {
			if s.Quantity <= 0 {
				return types.RejectBadQuantity, false
			}
			// Floor price 0 means "no floor"; anything else must sit
			// on the valid grid.
			if s.Price != 0 && (s.Price < types.MinPrice || s.Price > types.MaxPrice) {
				return types.RejectBadPrice, false
			}
		}
	default:
		return types.RejectBadKind, false
	}
	return "", true
}
