// publisher.go appends classified results to the four output streams.
//
// Appends are best-effort-persistent: each XADD is retried with capped
// backoff until it lands or the engine is shutting down. The snapshot
// writer only commits an input cursor after the actors have finished
// publishing everything up to it, so an emission can be delayed but never
// silently lost across a restart.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/purplecity/PredictionMarket/internal/ledger"
	"github.com/purplecity/PredictionMarket/internal/market"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

const (
	retryBase = 100 * time.Millisecond
	retryCap  = 5 * time.Second
)

// Publisher writes to the output streams and fires the settlement RPC
// for traded bundles.
type Publisher struct {
	rdb    redis.UniversalClient
	ledger *ledger.Client
	logger *slog.Logger
}

// NewPublisher creates the fan-out writer. ledger may be nil.
func NewPublisher(rdb redis.UniversalClient, led *ledger.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		ledger: led,
		logger: logger.With("component", "publisher"),
	}
}

// Publish renders one result onto the four streams in fixed order. The
// calling actor is the market's single writer, so per-market stream order
// follows call order.
func (p *Publisher) Publish(ctx context.Context, res *market.Result) error {
	for _, e := range renderResult(res) {
		if err := p.append(ctx, e.stream, e.payload); err != nil {
			return err
		}
	}

	if len(res.Trades) > 0 && p.ledger != nil {
		// Settlement must not hold up the matching path; the call has
		// its own timeout and unconfirmed accounting.
		trades := res.Trades
		go func() {
			_ = p.ledger.SettleTrades(context.Background(), trades)
		}()
	}
	return nil
}

// PublishEventAdded records event creation on the store stream.
func (p *Publisher) PublishEventAdded(ctx context.Context, ev *types.AddEvent, ts time.Time) error {
	return p.append(ctx, types.StreamStore, types.EventAddedMsg{
		Envelope: types.Envelope{
			Type:        types.MsgEventAdded,
			EventID:     ev.EventID,
			TimestampMs: ts.UnixMilli(),
		},
		Markets: ev.Markets,
		EndTime: ev.EndTime,
	})
}

// PublishEventRemoved records event teardown on the store stream.
func (p *Publisher) PublishEventRemoved(ctx context.Context, eventID int64, expired bool, ts time.Time) error {
	return p.append(ctx, types.StreamStore, types.EventRemovedMsg{
		Envelope: types.Envelope{
			Type:        types.MsgEventRemoved,
			EventID:     eventID,
			TimestampMs: ts.UnixMilli(),
		},
		Expired: expired,
	})
}

// append XADDs one payload, retrying transient failures with capped
// backoff until ctx is cancelled.
func (p *Publisher) append(ctx context.Context, stream string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	backoff := retryBase
	for {
		err := p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"data": string(data)},
		}).Err()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("stream append failed, retrying", "stream", stream, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > retryCap {
			backoff = retryCap
		}
	}
}
