// Package event tracks active events and routes commands to their market
// actors.
//
// The manager owns the event_id map; each event owns one actor per market.
// Event expiry runs as a timer goroutine per event that removes the event
// exactly as an explicit RemoveEvent would, and removal is idempotent so a
// late timer firing after an explicit removal is a no-op.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tomb "gopkg.in/tomb.v2"

	"github.com/purplecity/PredictionMarket/internal/market"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// Publisher is what the manager needs from the fan-out layer: per-market
// results plus the event-scoped store records.
type Publisher interface {
	market.Publisher
	PublishEventAdded(ctx context.Context, ev *types.AddEvent, ts time.Time) error
	PublishEventRemoved(ctx context.Context, eventID int64, expired bool, ts time.Time) error
}

type eventState struct {
	markets map[int64]*market.Actor
	specs   []types.MarketSpec
	endTime time.Time
}

// Manager owns the active event set.
type Manager struct {
	mu     sync.RWMutex
	events map[int64]*eventState

	actorCfg market.Config
	next     func() int64
	pub      Publisher
	t        *tomb.Tomb
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates an empty manager. Start must be called before any
// events are added.
func NewManager(actorCfg market.Config, next func() int64, pub Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		events:   make(map[int64]*eventState),
		actorCfg: actorCfg,
		next:     next,
		pub:      pub,
		logger:   logger.With("component", "event_manager"),
		now:      time.Now,
	}
}

// Start binds the manager to the supervising tomb. Actor goroutines and
// expiry timers run under it.
func (m *Manager) Start(t *tomb.Tomb) {
	m.t = t
}

// AddEvent creates an event and starts an actor per market. Rejected if
// the event already exists or the market specs are malformed.
func (m *Manager) AddEvent(ctx context.Context, ev *types.AddEvent) error {
	if len(ev.Markets) == 0 {
		return fmt.Errorf("event %d: no markets", ev.EventID)
	}
	for _, spec := range ev.Markets {
		if spec.TokenIDs[0] == "" || spec.TokenIDs[1] == "" || spec.TokenIDs[0] == spec.TokenIDs[1] {
			return fmt.Errorf("event %d market %d: invalid token pair", ev.EventID, spec.MarketID)
		}
	}
	endTime := time.UnixMilli(ev.EndTime)

	m.mu.Lock()
	if _, exists := m.events[ev.EventID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("event %d already exists", ev.EventID)
	}
	st := m.buildEvent(ev.EventID, ev.Markets, endTime)
	m.mu.Unlock()

	m.startEvent(ev.EventID, st)
	m.logger.Info("event added", "event_id", ev.EventID, "markets", len(ev.Markets), "end_time", endTime)
	return m.pub.PublishEventAdded(ctx, ev, m.now())
}

// RestoreEvent rebuilds an event from a snapshot: actors get their resting
// orders and update_ids back, and no EventAdded record is emitted.
func (m *Manager) RestoreEvent(ev *types.AddEvent, orders map[int64][]*types.Order, updateIDs map[int64]uint64) error {
	endTime := time.UnixMilli(ev.EndTime)

	m.mu.Lock()
	if _, exists := m.events[ev.EventID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("event %d already exists", ev.EventID)
	}
	st := m.buildEvent(ev.EventID, ev.Markets, endTime)
	m.mu.Unlock()

	for marketID, actor := range st.markets {
		if err := actor.Restore(orders[marketID], updateIDs[marketID]); err != nil {
			return err
		}
	}
	m.startEvent(ev.EventID, st)
	m.logger.Info("event restored", "event_id", ev.EventID, "markets", len(ev.Markets))
	return nil
}

func (m *Manager) buildEvent(eventID int64, specs []types.MarketSpec, endTime time.Time) *eventState {
	st := &eventState{
		markets: make(map[int64]*market.Actor, len(specs)),
		specs:   specs,
		endTime: endTime,
	}
	for _, spec := range specs {
		st.markets[spec.MarketID] = market.NewActor(eventID, spec, endTime, m.next, m.pub, m.actorCfg, m.logger)
	}
	m.events[eventID] = st
	return st
}

func (m *Manager) startEvent(eventID int64, st *eventState) {
	for _, actor := range st.markets {
		a := actor
		m.t.Go(func() error { return a.Run(m.t) })
	}
	m.t.Go(func() error {
		m.expireAfter(eventID, st.endTime)
		return nil
	})
}

// expireAfter removes the event once its end time passes. Removal through
// RemoveEvent first makes this a no-op.
func (m *Manager) expireAfter(eventID int64, endTime time.Time) {
	d := time.Until(endTime)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.t.Dying():
	case <-timer.C:
		if err := m.RemoveEvent(m.t.Context(nil), eventID, true); err != nil {
			m.logger.Error("expiry removal failed", "event_id", eventID, "error", err)
		}
	}
}

// RemoveEvent tears an event down: every market actor cancels its resting
// orders and goes dead, then the removal record is emitted. Idempotent.
func (m *Manager) RemoveEvent(ctx context.Context, eventID int64, expired bool) error {
	m.mu.Lock()
	st, ok := m.events[eventID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.events, eventID)
	m.mu.Unlock()

	for _, actor := range st.markets {
		if err := actor.Teardown(ctx, expired); err != nil && err != market.ErrStopped {
			return fmt.Errorf("teardown event %d market %d: %w", eventID, actor.MarketID(), err)
		}
	}
	m.logger.Info("event removed", "event_id", eventID, "expired", expired)
	return m.pub.PublishEventRemoved(ctx, eventID, expired, m.now())
}

// Route returns the actor for a market, if the event and market exist.
func (m *Manager) Route(eventID, marketID int64) (*market.Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.events[eventID]
	if !ok {
		return nil, false
	}
	actor, ok := st.markets[marketID]
	return actor, ok
}

// HasEvent reports whether the event is currently active.
func (m *Manager) HasEvent(eventID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok
}

// TickAll sends the periodic depth tick to every market actor.
func (m *Manager) TickAll(ctx context.Context) {
	for _, actor := range m.actors() {
		if err := actor.Tick(ctx); err != nil && err != market.ErrStopped {
			m.logger.Error("depth tick failed", "market_id", actor.MarketID(), "error", err)
		}
	}
}

// EventDump is one event's contribution to a snapshot.
type EventDump struct {
	EventID   int64
	Specs     []types.MarketSpec
	EndTime   time.Time
	Orders    map[int64][]*types.Order
	UpdateIDs map[int64]uint64
}

// Dump collects resting orders and update_ids from every actor. Each
// actor answers from its own goroutine, so the dump is per-market
// consistent (the unit the snapshot format requires).
func (m *Manager) Dump(ctx context.Context) ([]EventDump, error) {
	m.mu.RLock()
	snapshot := make(map[int64]*eventState, len(m.events))
	for id, st := range m.events {
		snapshot[id] = st
	}
	m.mu.RUnlock()

	var dumps []EventDump
	for id, st := range snapshot {
		d := EventDump{
			EventID:   id,
			Specs:     st.specs,
			EndTime:   st.endTime,
			Orders:    make(map[int64][]*types.Order, len(st.markets)),
			UpdateIDs: make(map[int64]uint64, len(st.markets)),
		}
		for marketID, actor := range st.markets {
			ad, err := actor.Dump(ctx)
			if err != nil {
				if err == market.ErrStopped {
					continue // removed while dumping
				}
				return nil, err
			}
			d.Orders[marketID] = ad.Orders
			d.UpdateIDs[marketID] = ad.UpdateID
		}
		dumps = append(dumps, d)
	}
	return dumps, nil
}

func (m *Manager) actors() []*market.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.Actor
	for _, st := range m.events {
		for _, actor := range st.markets {
			out = append(out, actor)
		}
	}
	return out
}
