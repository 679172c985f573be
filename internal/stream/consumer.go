// consumer.go reads the ordered input streams through a consumer group.
//
// Startup order matters: the saved cursor (if any) is applied to the
// group first, then messages delivered to a previous process but never
// acknowledged are reclaimed, and only then does normal reading begin.
// Delivery is at-least-once; the sliding dedup window suppresses
// double-application during reclaim and cursor replay.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	tomb "gopkg.in/tomb.v2"

	"github.com/purplecity/PredictionMarket/internal/event"
	"github.com/purplecity/PredictionMarket/internal/market"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// ConsumerConfig tunes the input reader.
type ConsumerConfig struct {
	Group        string
	ConsumerName string
	BatchSize    int
	BlockTimeout time.Duration
	DedupSize    int
}

// Consumer pulls commands off order_input and event_input and routes them
// to market actors. Back-pressure is a blocking channel send; the
// consumer never drops a command.
type Consumer struct {
	rdb    redis.UniversalClient
	cfg    ConsumerConfig
	mgr    *event.Manager
	pub    *Publisher
	dedup  *dedupWindow
	logger *slog.Logger

	mu      sync.Mutex
	cursors map[string]string // stream -> last processed entry ID
}

// NewConsumer creates the input dispatcher.
func NewConsumer(rdb redis.UniversalClient, cfg ConsumerConfig, mgr *event.Manager, pub *Publisher, logger *slog.Logger) *Consumer {
	return &Consumer{
		rdb:     rdb,
		cfg:     cfg,
		mgr:     mgr,
		pub:     pub,
		dedup:   newDedupWindow(cfg.DedupSize),
		logger:  logger.With("component", "consumer"),
		cursors: make(map[string]string),
	}
}

func inputStreams() []string {
	return []string{types.StreamEventInput, types.StreamOrderInput}
}

// SetCursors rewinds the consumer group to the snapshot's cursors so
// retained messages past them are redelivered (and deduplicated).
func (c *Consumer) SetCursors(ctx context.Context, cursors map[string]string) error {
	for stream, id := range cursors {
		if id == "" {
			continue
		}
		if err := c.rdb.XGroupSetID(ctx, stream, c.cfg.Group, id).Err(); err != nil {
			return fmt.Errorf("set group cursor on %s: %w", stream, err)
		}
		c.mu.Lock()
		c.cursors[stream] = id
		c.mu.Unlock()
	}
	return nil
}

// Cursors returns the last processed entry ID per input stream, for the
// snapshot writer.
func (c *Consumer) Cursors() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}

// EnsureGroups creates the consumer groups (and streams) if missing.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range inputStreams() {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
	}
	return nil
}

// Run reclaims pending deliveries, then reads batches until shutdown.
func (c *Consumer) Run(t *tomb.Tomb) error {
	ctx := t.Context(nil)

	if err := c.reclaimPending(ctx); err != nil {
		return err
	}

	streams := inputStreams()
	// XREADGROUP wants the stream names followed by one ">" per stream.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.ConsumerName,
			Streams:  args,
			Count:    int64(c.cfg.BatchSize),
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timed out, nothing new
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("input read failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-t.Dying():
				return nil
			}
			continue
		}

		for _, sr := range res {
			for _, msg := range sr.Messages {
				c.process(ctx, sr.Stream, msg)
			}
		}
	}
}

// reclaimPending takes over entries delivered to any consumer of the
// group but never acknowledged (a previous process that died mid-batch).
func (c *Consumer) reclaimPending(ctx context.Context) error {
	for _, stream := range inputStreams() {
		start := "0-0"
		for {
			msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.ConsumerName,
				MinIdle:  0,
				Start:    start,
				Count:    int64(c.cfg.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("reclaim pending on %s: %w", stream, err)
			}
			for _, msg := range msgs {
				c.process(ctx, stream, msg)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// process decodes, deduplicates, routes, and acknowledges one entry.
// Undecodable entries are acknowledged and dropped: replaying them can
// never succeed.
func (c *Consumer) process(ctx context.Context, streamName string, msg redis.XMessage) {
	data, _ := msg.Values["data"].(string)
	e, err := DecodeCommand(data)
	if err != nil {
		c.logger.Error("dropping malformed input entry", "stream", streamName, "id", msg.ID, "error", err)
		c.ack(ctx, streamName, msg.ID)
		return
	}

	if key, ok := dedupKey(e); ok && c.dedup.observe(key) {
		c.logger.Debug("duplicate command suppressed", "key", key, "id", msg.ID)
		c.ack(ctx, streamName, msg.ID)
		return
	}

	if err := c.route(ctx, e); err != nil {
		c.logger.Error("route failed", "stream", streamName, "id", msg.ID, "error", err)
	}
	c.ack(ctx, streamName, msg.ID)
}

func dedupKey(e *InputEntry) (string, bool) {
	switch e.Type {
	case types.CmdSubmitOrder:
		var s types.SubmitOrder
		if json.Unmarshal(e.Data, &s) != nil {
			return "", false
		}
		return "submit:" + s.OrderID, true
	case types.CmdCancelOrder:
		var cl types.CancelOrder
		if json.Unmarshal(e.Data, &cl) != nil {
			return "", false
		}
		return "cancel:" + cl.OrderID, true
	case types.CmdAddEvent:
		var ev types.AddEvent
		if json.Unmarshal(e.Data, &ev) != nil {
			return "", false
		}
		return fmt.Sprintf("add_event:%d", ev.EventID), true
	case types.CmdRemoveEvent:
		var rm types.RemoveEvent
		if json.Unmarshal(e.Data, &rm) != nil {
			return "", false
		}
		return fmt.Sprintf("remove_event:%d", rm.EventID), true
	}
	return "", false
}

func (c *Consumer) route(ctx context.Context, e *InputEntry) error {
	switch e.Type {
	case types.CmdSubmitOrder:
		var s types.SubmitOrder
		if err := json.Unmarshal(e.Data, &s); err != nil {
			return err
		}
		actor, reason := c.lookup(s.EventID, s.MarketID)
		if actor == nil {
			return c.rejectOrder(ctx, s.EventID, s.MarketID, s.OrderID, s.UserID, reason)
		}
		if err := actor.Submit(ctx, &s); err != nil {
			if errors.Is(err, market.ErrStopped) {
				return c.rejectOrder(ctx, s.EventID, s.MarketID, s.OrderID, s.UserID, types.RejectUnknownEvent)
			}
			return err
		}
		return nil

	case types.CmdCancelOrder:
		var cl types.CancelOrder
		if err := json.Unmarshal(e.Data, &cl); err != nil {
			return err
		}
		actor, reason := c.lookup(cl.EventID, cl.MarketID)
		if actor == nil {
			return c.rejectOrder(ctx, cl.EventID, cl.MarketID, cl.OrderID, cl.UserID, reason)
		}
		if err := actor.Cancel(ctx, &cl); err != nil {
			if errors.Is(err, market.ErrStopped) {
				return c.rejectOrder(ctx, cl.EventID, cl.MarketID, cl.OrderID, cl.UserID, types.RejectUnknownEvent)
			}
			return err
		}
		return nil

	case types.CmdAddEvent:
		var ev types.AddEvent
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return err
		}
		if err := c.mgr.AddEvent(ctx, &ev); err != nil {
			c.logger.Warn("add event refused", "event_id", ev.EventID, "error", err)
		}
		return nil

	case types.CmdRemoveEvent:
		var rm types.RemoveEvent
		if err := json.Unmarshal(e.Data, &rm); err != nil {
			return err
		}
		return c.mgr.RemoveEvent(ctx, rm.EventID, false)
	}
	return fmt.Errorf("unknown command type %q", e.Type)
}

func (c *Consumer) lookup(eventID, marketID int64) (*market.Actor, types.RejectReason) {
	actor, ok := c.mgr.Route(eventID, marketID)
	if ok {
		return actor, ""
	}
	if c.mgr.HasEvent(eventID) {
		return nil, types.RejectUnknownMarket
	}
	return nil, types.RejectUnknownEvent
}

// rejectOrder emits an OrderRejected for commands that never reached an
// actor (unknown event or market). There is no market update_id to carry.
func (c *Consumer) rejectOrder(ctx context.Context, eventID, marketID int64, orderID, userID string, reason types.RejectReason) error {
	return c.pub.Publish(ctx, &market.Result{
		EventID:  eventID,
		MarketID: marketID,
		Time:     time.Now(),
		Taker:    &types.Order{ID: orderID, UserID: userID, Status: types.StatusRejected},
		Terminal: market.TermRejected,
		Reason:   reason,
	})
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.rdb.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("ack failed", "stream", stream, "id", id, "error", err)
	}
	c.mu.Lock()
	c.cursors[stream] = id
	c.mu.Unlock()
}
