// Package market implements the per-market actor.
//
// One goroutine owns one market: the pair of complementary books, the
// depth baseline, and the update_id counter. Commands arrive on a bounded
// channel and are processed strictly in order; the matching kernel runs to
// completion between receives, so there is no locking anywhere in the
// matching path. Producers block when the channel is full — commands are
// never dropped.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	tomb "gopkg.in/tomb.v2"

	"github.com/purplecity/PredictionMarket/internal/book"
	"github.com/purplecity/PredictionMarket/internal/match"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// ErrStopped is returned by enqueue methods after the actor has exited.
var ErrStopped = errors.New("market actor stopped")

// Config holds the per-actor tunables.
type Config struct {
	ChannelCapacity int // bounded command channel size
	MaxDepth        int // levels reported in depth snapshots

	// Funds, when set, must approve each order on submit before it is
	// accepted; a refusal rejects the order.
	Funds FundChecker
	// OnFatal, when set, runs once before an invariant-violation panic
	// takes the process down, giving the engine a chance to flush.
	OnFatal func(error)
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdTick
	cmdDump
	cmdTeardown
)

type command struct {
	kind    cmdKind
	submit  *types.SubmitOrder
	cancel  *types.CancelOrder
	expired bool       // teardown: event expired vs explicitly removed
	dumpCh  chan *Dump // dump reply
	doneCh  chan struct{}
}

// Dump is the actor's state handed to the snapshot writer.
type Dump struct {
	Orders   []*types.Order
	UpdateID uint64
}

// Actor is the single writer for one (event, market).
type Actor struct {
	eventID  int64
	spec     types.MarketSpec
	endTime  time.Time
	books    map[string]*book.Book
	next     func() int64 // engine-wide order_num source
	updateID uint64

	// baseline is the depth image of the last emission, per token, used
	// to compute level deltas.
	baseline  map[string]map[types.Side]map[int64]int64
	lastTrade map[string]int64

	// dead is set once the market has been torn down. The actor keeps
	// consuming until engine shutdown so commands already routed to it
	// are answered (with rejections) instead of silently dropped.
	dead    bool
	cmds    chan command
	stopped chan struct{} // closed when Run returns
	pub     Publisher
	cfg     Config
	logger  *slog.Logger
	ctx     context.Context
	now     func() time.Time
}

// NewActor builds an actor with empty books. Run must be started before
// commands are enqueued.
func NewActor(eventID int64, spec types.MarketSpec, endTime time.Time, next func() int64, pub Publisher, cfg Config, logger *slog.Logger) *Actor {
	a := &Actor{
		eventID:   eventID,
		spec:      spec,
		endTime:   endTime,
		books:     make(map[string]*book.Book, 2),
		next:      next,
		baseline:  make(map[string]map[types.Side]map[int64]int64, 2),
		lastTrade: make(map[string]int64, 2),
		cmds:      make(chan command, cfg.ChannelCapacity),
		stopped:   make(chan struct{}),
		pub:       pub,
		cfg:       cfg,
		logger: logger.With(
			"component", "market",
			"event_id", eventID,
			"market_id", spec.MarketID,
		),
		ctx: context.Background(),
		now: time.Now,
	}
	for _, tok := range spec.TokenIDs {
		a.books[tok] = book.New(types.PredictionSymbol{
			EventID:  eventID,
			MarketID: spec.MarketID,
			TokenID:  tok,
		})
		a.baseline[tok] = map[types.Side]map[int64]int64{
			types.BUY:  {},
			types.SELL: {},
		}
	}
	return a
}

// Restore reinserts resting orders from a snapshot and resets the
// update_id. Must be called before Run.
func (a *Actor) Restore(orders []*types.Order, updateID uint64) error {
	for _, o := range orders {
		b, ok := a.books[o.Symbol.TokenID]
		if !ok {
			return fmt.Errorf("restore: order %s has token %s not in market %d", o.ID, o.Symbol.TokenID, a.spec.MarketID)
		}
		if err := b.Insert(o.Clone()); err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
	}
	a.updateID = updateID
	for _, tok := range a.spec.TokenIDs {
		a.baseline[tok] = a.books[tok].AllLevels()
	}
	return nil
}

// MarketID returns the market this actor owns.
func (a *Actor) MarketID() int64 { return a.spec.MarketID }

// EndTime returns the enclosing event's expiry.
func (a *Actor) EndTime() time.Time { return a.endTime }

// Run consumes commands until engine shutdown. After a teardown the loop
// keeps answering (rejecting) whatever is still routed here. On shutdown
// the queued commands are drained before exiting so accepted work is
// never lost.
func (a *Actor) Run(t *tomb.Tomb) error {
	defer close(a.stopped)
	// An invariant violation (book/index desync) panics: state is no
	// longer trustworthy. Give the engine one chance to flush, then let
	// the panic take the process down; recovery proceeds from the last
	// snapshot.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("market %d/%d: %v", a.eventID, a.spec.MarketID, r)
			a.logger.Error("invariant violation, aborting", "error", err)
			if a.cfg.OnFatal != nil {
				a.cfg.OnFatal(err)
			}
			panic(r)
		}
	}()
	a.ctx = t.Context(nil)
	a.logger.Info("market actor started", "tokens", a.spec.TokenIDs)

	// Baseline snapshot so downstream consumers start from a known image.
	if err := a.emitFullDepth(); err != nil {
		return err
	}

	for {
		select {
		case <-t.Dying():
			// The tomb's context is already cancelled; drained commands
			// publish on one that keeps its values but not the cancel.
			a.ctx = context.WithoutCancel(a.ctx)
			for {
				select {
				case cmd := <-a.cmds:
					a.handle(cmd)
				default:
					a.logger.Info("market actor drained, exiting")
					return nil
				}
			}
		case cmd := <-a.cmds:
			a.handle(cmd)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Enqueue API (blocking; back-pressure, never drops)
// ————————————————————————————————————————————————————————————————————————

func (a *Actor) enqueue(ctx context.Context, cmd command) error {
	// Checked first: with buffer room left, the select below could pick
	// the send even after the actor has exited.
	select {
	case <-a.stopped:
		return ErrStopped
	default:
	}
	select {
	case a.cmds <- cmd:
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a new order command.
func (a *Actor) Submit(ctx context.Context, s *types.SubmitOrder) error {
	return a.enqueue(ctx, command{kind: cmdSubmit, submit: s})
}

// Cancel enqueues a cancel command.
func (a *Actor) Cancel(ctx context.Context, c *types.CancelOrder) error {
	return a.enqueue(ctx, command{kind: cmdCancel, cancel: c})
}

// Tick enqueues a periodic depth check; the actor emits a delta only if
// the book changed since the last emission.
func (a *Actor) Tick(ctx context.Context) error {
	return a.enqueue(ctx, command{kind: cmdTick})
}

// Dump asks the actor for its resting orders and update_id.
func (a *Actor) Dump(ctx context.Context) (*Dump, error) {
	reply := make(chan *Dump, 1)
	if err := a.enqueue(ctx, command{kind: cmdDump, dumpCh: reply}); err != nil {
		return nil, err
	}
	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Teardown cancels every resting order and marks the market dead; later
// commands are rejected. Blocks until the teardown has been processed.
func (a *Actor) Teardown(ctx context.Context, expired bool) error {
	done := make(chan struct{})
	if err := a.enqueue(ctx, command{kind: cmdTeardown, expired: expired, doneCh: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Command handling
// ————————————————————————————————————————————————————————————————————————

func (a *Actor) handle(cmd command) {
	if a.dead {
		a.handleDead(cmd)
		return
	}
	switch cmd.kind {
	case cmdSubmit:
		a.handleSubmit(cmd.submit)
	case cmdCancel:
		a.handleCancel(cmd.cancel)
	case cmdTick:
		a.handleTick()
	case cmdDump:
		cmd.dumpCh <- a.dump()
	case cmdTeardown:
		a.handleTeardown(cmd.expired)
		a.dead = true
		close(cmd.doneCh)
	}
}

// handleDead answers commands that were routed here before the removal
// took effect. Rejecting them keeps the at-least-once contract: anything
// the dispatcher acknowledged gets an observable outcome.
func (a *Actor) handleDead(cmd command) {
	switch cmd.kind {
	case cmdSubmit:
		a.publish(&Result{
			EventID:  a.eventID,
			MarketID: a.spec.MarketID,
			UpdateID: a.updateID,
			Time:     a.now(),
			Taker:    rejectedOrder(cmd.submit),
			Terminal: TermRejected,
			Reason:   types.RejectUnknownEvent,
		})
	case cmdCancel:
		a.publish(&Result{
			EventID:  a.eventID,
			MarketID: a.spec.MarketID,
			UpdateID: a.updateID,
			Time:     a.now(),
			Taker:    &types.Order{ID: cmd.cancel.OrderID, UserID: cmd.cancel.UserID, Status: types.StatusRejected},
			Terminal: TermRejected,
			Reason:   types.RejectUnknownEvent,
		})
	case cmdDump:
		cmd.dumpCh <- &Dump{UpdateID: a.updateID}
	case cmdTeardown:
		close(cmd.doneCh)
	}
}

func (a *Actor) handleSubmit(s *types.SubmitOrder) {
	if reason, ok := a.validate(s); !ok {
		a.publish(&Result{
			EventID:  a.eventID,
			MarketID: a.spec.MarketID,
			UpdateID: a.updateID,
			Time:     a.now(),
			Taker:    rejectedOrder(s),
			Terminal: TermRejected,
			Reason:   reason,
		})
		return
	}

	taker := orderFromSubmit(s)

	// Funds are frozen before acceptance; a refusal never touches a book.
	if a.cfg.Funds != nil {
		if err := a.cfg.Funds.FreezeFunds(a.ctx, taker); err != nil {
			a.logger.Warn("funds check refused order", "order_id", s.OrderID, "user_id", s.UserID, "error", err)
			taker.Status = types.StatusRejected
			a.publish(&Result{
				EventID:  a.eventID,
				MarketID: a.spec.MarketID,
				UpdateID: a.updateID,
				Time:     a.now(),
				Taker:    taker,
				Terminal: TermRejected,
				Reason:   types.RejectInsufficientFunds,
			})
			return
		}
	}

	taker.OrderNum = a.next()

	same := a.books[taker.Symbol.TokenID]
	comp := a.books[a.complementToken(taker.Symbol.TokenID)]
	outcome := match.Run(taker, same, comp)

	terminal := a.settleResidual(taker, same, outcome)

	a.updateID++
	res := &Result{
		EventID:    a.eventID,
		MarketID:   a.spec.MarketID,
		UpdateID:   a.updateID,
		Time:       a.now(),
		Taker:      taker.Clone(),
		Terminal:   terminal,
		Trades:     outcome.Trades,
		Makers:     outcome.Makers,
		DepthDelta: a.depthDelta(),
	}
	if len(outcome.Trades) > 0 {
		res.LastTrade = a.recordLastTrades(outcome.Trades)
	}
	a.publish(res)
}

// settleResidual applies the residual policy after matching and returns
// the terminal classification.
func (a *Actor) settleResidual(taker *types.Order, same *book.Book, outcome *match.Outcome) Terminal {
	switch {
	case outcome.SelfTradeHalt:
		// Entire remainder cancelled, even for limit orders.
		taker.Status = types.StatusCancelled
		return TermCancelled
	case taker.Kind == types.LIMIT && taker.Remaining > 0:
		if taker.Filled > 0 {
			taker.Status = types.StatusPartiallyFilled
		} else {
			taker.Status = types.StatusNew
		}
		if err := same.Insert(taker); err != nil {
			panic(err) // book/index desync, state untrustworthy
		}
		return TermSubmitted
	case taker.Kind == types.MARKET && taker.Side == types.BUY && taker.RemainingBudget > 0:
		taker.Status = types.StatusCancelled
		return TermCancelled
	case taker.Kind == types.MARKET && taker.Side == types.SELL && taker.Remaining > 0:
		taker.Status = types.StatusCancelled
		return TermCancelled
	default:
		taker.Status = types.StatusFilled
		return TermFilled
	}
}

func (a *Actor) handleCancel(c *types.CancelOrder) {
	var removed *types.Order
	var owner string
	for _, tok := range a.spec.TokenIDs {
		if o, ok := a.books[tok].Get(c.OrderID); ok {
			owner = o.UserID
			if owner != c.UserID {
				break
			}
			removed, _ = a.books[tok].Remove(c.OrderID)
			break
		}
	}

	if removed == nil {
		reason := types.RejectUnknownOrder
		if owner != "" {
			reason = types.RejectNotOwner
		}
		a.publish(&Result{
			EventID:  a.eventID,
			MarketID: a.spec.MarketID,
			UpdateID: a.updateID,
			Time:     a.now(),
			Taker:    &types.Order{ID: c.OrderID, UserID: c.UserID, Status: types.StatusRejected},
			Terminal: TermRejected,
			Reason:   reason,
		})
		return
	}

	removed.Status = types.StatusCancelled
	a.updateID++
	a.publish(&Result{
		EventID:    a.eventID,
		MarketID:   a.spec.MarketID,
		UpdateID:   a.updateID,
		Time:       a.now(),
		Taker:      removed,
		Terminal:   TermCancelled,
		DepthDelta: a.depthDelta(),
	})
}

func (a *Actor) handleTick() {
	delta := a.depthDelta()
	if len(delta) == 0 {
		return
	}
	a.updateID++
	a.publish(&Result{
		EventID:    a.eventID,
		MarketID:   a.spec.MarketID,
		UpdateID:   a.updateID,
		Time:       a.now(),
		Terminal:   TermNone,
		DepthDelta: delta,
	})
}

// handleTeardown cancels every resting order so downstream can unfreeze
// funds, emitting one cancel result per order.
func (a *Actor) handleTeardown(expired bool) {
	a.logger.Info("market actor tearing down", "expired", expired)
	for _, tok := range a.spec.TokenIDs {
		for _, o := range a.books[tok].Orders() {
			removed, ok := a.books[tok].Remove(o.ID)
			if !ok {
				continue
			}
			removed.Status = types.StatusCancelled
			a.updateID++
			a.publish(&Result{
				EventID:    a.eventID,
				MarketID:   a.spec.MarketID,
				UpdateID:   a.updateID,
				Time:       a.now(),
				Taker:      removed,
				Terminal:   TermCancelled,
				DepthDelta: a.depthDelta(),
			})
		}
	}
}

func (a *Actor) dump() *Dump {
	d := &Dump{UpdateID: a.updateID}
	for _, tok := range a.spec.TokenIDs {
		d.Orders = append(d.Orders, a.books[tok].Orders()...)
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Depth accounting
// ————————————————————————————————————————————————————————————————————————

// depthDelta diffs current levels against the last emitted baseline and
// advances the baseline. Deltas are sorted for deterministic output.
func (a *Actor) depthDelta() map[string][]LevelDelta {
	out := make(map[string][]LevelDelta)
	for _, tok := range a.spec.TokenIDs {
		cur := a.books[tok].AllLevels()
		prev := a.baseline[tok]

		var changes []LevelDelta
		for side, lvls := range cur {
			for price, qty := range lvls {
				if prev[side][price] != qty {
					changes = append(changes, LevelDelta{Side: side, Price: price, Quantity: qty})
				}
			}
		}
		for side, lvls := range prev {
			for price := range lvls {
				if _, ok := cur[side][price]; !ok {
					changes = append(changes, LevelDelta{Side: side, Price: price, Quantity: 0})
				}
			}
		}
		if len(changes) > 0 {
			sort.Slice(changes, func(i, j int) bool {
				if changes[i].Side != changes[j].Side {
					return changes[i].Side == types.BUY
				}
				return changes[i].Price < changes[j].Price
			})
			out[tok] = changes
		}
		a.baseline[tok] = cur
	}
	return out
}

// recordLastTrades updates the latest trade price per token. A cross-book
// fill trades both tokens: the maker token at the maker's price, the taker
// token at the converted price.
func (a *Actor) recordLastTrades(trades []types.Trade) map[string]int64 {
	for _, tr := range trades {
		a.lastTrade[tr.MakerTokenID] = tr.Price
		if tr.TakerTokenID != tr.MakerTokenID {
			a.lastTrade[tr.TakerTokenID] = types.Complement(tr.Price)
		} else {
			a.lastTrade[tr.TakerTokenID] = tr.Price
		}
	}
	out := make(map[string]int64, len(a.lastTrade))
	for tok, p := range a.lastTrade {
		out[tok] = p
	}
	return out
}

func (a *Actor) emitFullDepth() error {
	full := make(map[string]BookDepth, 2)
	for _, tok := range a.spec.TokenIDs {
		bids, asks := a.books[tok].Depth(a.cfg.MaxDepth)
		full[tok] = BookDepth{Bids: bids, Asks: asks, LastTrade: a.lastTrade[tok]}
		a.baseline[tok] = a.books[tok].AllLevels()
	}
	return a.pub.Publish(a.ctx, &Result{
		EventID:   a.eventID,
		MarketID:  a.spec.MarketID,
		UpdateID:  a.updateID,
		Time:      a.now(),
		Terminal:  TermNone,
		FullDepth: full,
	})
}

func (a *Actor) publish(res *Result) {
	if err := a.pub.Publish(a.ctx, res); err != nil {
		a.logger.Error("publish failed", "error", err, "update_id", res.UpdateID)
	}
}

func (a *Actor) complementToken(tokenID string) string {
	if tokenID == a.spec.TokenIDs[0] {
		return a.spec.TokenIDs[1]
	}
	return a.spec.TokenIDs[0]
}

// ————————————————————————————————————————————————————————————————————————
// Order construction
// ————————————————————————————————————————————————————————————————————————

func orderFromSubmit(s *types.SubmitOrder) *types.Order {
	return &types.Order{
		ID:     s.OrderID,
		UserID: s.UserID,
		Symbol: types.PredictionSymbol{
			EventID:  s.EventID,
			MarketID: s.MarketID,
			TokenID:  s.TokenID,
		},
		Side:            s.Side,
		Kind:            s.Kind,
		Price:           s.Price,
		Quantity:        s.Quantity,
		Budget:          s.Budget,
		CreatedAt:       time.UnixMilli(s.CreatedAt),
		Remaining:       s.Quantity,
		RemainingBudget: s.Budget,
		Status:          types.StatusNew,
	}
}

func rejectedOrder(s *types.SubmitOrder) *types.Order {
	o := orderFromSubmit(s)
	o.Status = types.StatusRejected
	return o
}
