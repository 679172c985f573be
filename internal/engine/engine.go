// Package engine is the central orchestrator of the matching engine.
//
// It wires together all subsystems:
//
//  1. The input consumer reads order and event commands off Redis Streams,
//     deduplicates, and routes them to market actors.
//  2. The event manager owns the active events; each market runs a
//     single-writer actor goroutine holding its pair of books.
//  3. The publisher fans every classified result out to the four output
//     streams (store, processor, depth, websocket).
//  4. The snapshot writer periodically persists resting orders, market
//     metadata, update_ids, and the input cursors; startup resumes from
//     the latest snapshot.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	tomb "gopkg.in/tomb.v2"

	"github.com/purplecity/PredictionMarket/internal/config"
	"github.com/purplecity/PredictionMarket/internal/event"
	"github.com/purplecity/PredictionMarket/internal/ledger"
	"github.com/purplecity/PredictionMarket/internal/market"
	"github.com/purplecity/PredictionMarket/internal/snapshot"
	"github.com/purplecity/PredictionMarket/internal/stream"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

// Engine owns the lifecycle of all goroutines: consumer, market actors,
// expiry timers, depth ticks, and the snapshot writer.
type Engine struct {
	cfg      config.Config
	rdb      *redis.Client
	pub      *stream.Publisher
	mgr      *event.Manager
	consumer *stream.Consumer
	snapshot *snapshot.Writer
	logger   *slog.Logger

	// orderNum is the engine-wide acceptance counter; its value at
	// snapshot time is persisted so order_num stays monotonic across
	// restarts.
	orderNum atomic.Int64

	fatalOnce sync.Once

	t *tomb.Tomb
}

// New creates and wires all engine components and verifies the stream
// broker is reachable. Any failure here is unrecoverable init.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("input log unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	e := &Engine{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger.With("component", "engine"),
	}

	led := ledger.New(cfg.Ledger.BaseURL, cfg.Ledger.Timeout, logger)
	e.pub = stream.NewPublisher(rdb, led, logger)

	actorCfg := market.Config{
		ChannelCapacity: cfg.Engine.CommandChannelCapacity,
		MaxDepth:        cfg.Engine.MaxDepthReported,
		Funds:           led,
		OnFatal:         e.emergencyFlush,
	}
	e.mgr = event.NewManager(actorCfg, e.nextOrderNum, e.pub, logger)

	e.consumer = stream.NewConsumer(rdb, stream.ConsumerConfig{
		Group:        cfg.Engine.ConsumerGroup,
		ConsumerName: cfg.Engine.ConsumerName,
		BatchSize:    cfg.Engine.InputBatchSize,
		BlockTimeout: time.Second,
		DedupSize:    cfg.Engine.DedupWindowSize,
	}, e.mgr, e.pub, logger)

	e.snapshot = snapshot.NewWriter(cfg.Snapshot.Path, cfg.Snapshot.Interval, e.collect, logger)

	return e, nil
}

func (e *Engine) nextOrderNum() int64 {
	return e.orderNum.Add(1)
}

// Start restores the latest snapshot, rewinds the input cursors, and
// launches all goroutines.
func (e *Engine) Start() error {
	e.t = &tomb.Tomb{}
	e.mgr.Start(e.t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.consumer.EnsureGroups(ctx); err != nil {
		return err
	}
	if err := e.restore(ctx); err != nil {
		return err
	}

	e.t.Go(func() error { return e.consumer.Run(e.t) })
	e.t.Go(func() error { return e.snapshot.Run(e.t) })
	e.t.Go(e.depthTicks)

	e.logger.Info("engine started",
		"consumer_group", e.cfg.Engine.ConsumerGroup,
		"consumer_name", e.cfg.Engine.ConsumerName,
		"snapshot_path", e.cfg.Snapshot.Path,
	)
	return nil
}

// restore loads the latest snapshot, drops expired events, rebuilds the
// remaining markets, and rewinds the consumer group to the saved cursors.
func (e *Engine) restore(ctx context.Context) error {
	snap, err := snapshot.Load(e.cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	if snap == nil {
		e.logger.Info("no snapshot, starting fresh")
		return nil
	}

	dropped := snap.DropExpired(time.Now())
	for _, id := range dropped {
		e.logger.Info("dropping expired event from snapshot", "event_id", id)
	}
	e.orderNum.Store(snap.NextOrderNum)

	for _, ev := range snap.Events {
		orders := make(map[int64][]*types.Order, len(ev.States))
		updateIDs := make(map[int64]uint64, len(ev.States))
		for _, st := range ev.States {
			orders[st.MarketID] = st.Orders
			updateIDs[st.MarketID] = st.UpdateID
		}
		add := &types.AddEvent{EventID: ev.EventID, Markets: ev.Markets, EndTime: ev.EndTimeMs}
		if err := e.mgr.RestoreEvent(add, orders, updateIDs); err != nil {
			return fmt.Errorf("restore event %d: %w", ev.EventID, err)
		}
	}
	if err := e.consumer.SetCursors(ctx, snap.Cursors); err != nil {
		return err
	}

	e.logger.Info("snapshot restored",
		"events", len(snap.Events),
		"dropped_expired", len(dropped),
		"next_order_num", snap.NextOrderNum,
	)
	return nil
}

// collect assembles the snapshot. Cursors are read BEFORE the dumps:
// commands acknowledged up to the cursor were enqueued before the dump
// command, so FIFO guarantees the dump contains their effects. Replay
// from the cursor can redeliver commands the dump already absorbed; the
// dedup window and the duplicate-order check absorb those.
func (e *Engine) collect(ctx context.Context) (*snapshot.Snapshot, error) {
	cursors := e.consumer.Cursors()
	dumps, err := e.mgr.Dump(ctx)
	if err != nil {
		return nil, err
	}

	snap := &snapshot.Snapshot{
		NextOrderNum: e.orderNum.Load(),
		Cursors:      cursors,
	}
	for _, d := range dumps {
		ev := snapshot.EventSnapshot{
			EventID:   d.EventID,
			Markets:   d.Specs,
			EndTimeMs: d.EndTime.UnixMilli(),
		}
		for marketID, orders := range d.Orders {
			ev.States = append(ev.States, snapshot.MarketSnapshot{
				MarketID: marketID,
				UpdateID: d.UpdateIDs[marketID],
				Orders:   orders,
			})
		}
		snap.Events = append(snap.Events, ev)
	}
	return snap, nil
}

// emergencyFlush runs once, just before an invariant violation takes the
// process down: log the cause and attempt one final snapshot. Publishes
// are synchronous inside the actors, so the output logs hold everything
// emitted; the snapshot attempt is best-effort — the broken market cannot
// answer a dump, in which case the attempt fails and the last periodic
// snapshot stays authoritative for recovery.
func (e *Engine) emergencyFlush(cause error) {
	e.fatalOnce.Do(func() {
		e.logger.Error("fatal: invariant violation, flushing before abort", "error", cause)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.snapshot.WriteOnce(ctx); err != nil {
			e.logger.Error("final snapshot attempt failed, recovery will use the previous one", "error", err)
		}
	})
}

// depthTicks drives the periodic depth diff emission for every market.
func (e *Engine) depthTicks() error {
	ticker := time.NewTicker(e.cfg.Engine.DepthTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-ticker.C:
			e.mgr.TickAll(e.t.Context(nil))
		}
	}
}

// Stop shuts the engine down: intake stops, actors drain their queued
// commands, and a final snapshot pins the resume cursor. Waits up to the
// configured graceful timeout.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.t.Kill(nil)

	done := make(chan error, 1)
	go func() { done <- e.t.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			e.logger.Error("engine exited with error", "error", err)
		}
	case <-time.After(e.cfg.Engine.GracefulShutdownTimeout):
		e.logger.Warn("graceful shutdown timed out")
	}

	if err := e.rdb.Close(); err != nil {
		e.logger.Error("closing redis client", "error", err)
	}
	e.logger.Info("engine stopped")
}

// Wait blocks until every engine goroutine has exited.
func (e *Engine) Wait() error {
	return e.t.Wait()
}
