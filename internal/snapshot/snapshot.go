// Package snapshot provides crash-safe persistence of engine state.
//
// Every interval the writer collects resting orders, market metadata,
// per-market update_ids, and the last acknowledged input cursors, and
// writes them as one JSON document. Writes are atomic: a .tmp file is
// written, fsynced, then renamed over the target, so the file is never
// left in a partial state. On startup the most recent snapshot rebuilds
// the books and the input consumption resumes from the saved cursors,
// with the dedup window suppressing messages the log retained past them.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tomb "gopkg.in/tomb.v2"

	"github.com/purplecity/PredictionMarket/pkg/types"
)

// Snapshot is the full persisted engine state.
type Snapshot struct {
	TakenAtMs    int64             `json:"taken_at_ms"`
	NextOrderNum int64             `json:"next_order_num"`
	Events       []EventSnapshot   `json:"events"`
	Cursors      map[string]string `json:"last_input_cursor"`
}

// EventSnapshot is one event's metadata and market state.
type EventSnapshot struct {
	EventID   int64              `json:"event_id"`
	Markets   []types.MarketSpec `json:"markets"`
	EndTimeMs int64              `json:"end_time_ms"`
	States    []MarketSnapshot   `json:"states"`
}

// MarketSnapshot is one market's resting orders and update_id. Filled
// and cancelled orders never appear here.
type MarketSnapshot struct {
	MarketID int64          `json:"market_id"`
	UpdateID uint64         `json:"update_id"`
	Orders   []*types.Order `json:"orders"`
}

// Collector assembles the current state; the writer calls it each tick.
type Collector func(ctx context.Context) (*Snapshot, error)

// Writer periodically persists snapshots to a single path.
type Writer struct {
	path     string
	interval time.Duration
	collect  Collector
	logger   *slog.Logger
}

// NewWriter creates the periodic snapshot writer.
func NewWriter(path string, interval time.Duration, collect Collector, logger *slog.Logger) *Writer {
	return &Writer{
		path:     path,
		interval: interval,
		collect:  collect,
		logger:   logger.With("component", "snapshot"),
	}
}

// Run writes a snapshot every interval and a final one on shutdown, so
// the resume cursor is as fresh as possible.
func (w *Writer) Run(t *tomb.Tomb) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			// Final snapshot on a fresh context: the tomb's own context
			// is already cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			err := w.WriteOnce(ctx)
			cancel()
			if err != nil {
				w.logger.Error("final snapshot failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := w.WriteOnce(t.Context(nil)); err != nil {
				w.logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

// WriteOnce collects and persists a single snapshot.
func (w *Writer) WriteOnce(ctx context.Context) error {
	snap, err := w.collect(ctx)
	if err != nil {
		return fmt.Errorf("collect snapshot: %w", err)
	}
	snap.TakenAtMs = time.Now().UnixMilli()

	if err := Write(w.path, snap); err != nil {
		return err
	}
	w.logger.Debug("snapshot written", "events", len(snap.Events), "cursors", snap.Cursors)
	return nil
}

// Write persists a snapshot atomically: tmp file, fsync, rename, then
// fsync the directory so the rename itself is durable.
func Write(path string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open snapshot tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// Load reads the snapshot at path. Returns nil, nil when no snapshot
// exists (first boot); a corrupt file is an error — recovery without a
// trustworthy snapshot must be an operator decision, not silent.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot corrupt: %w", err)
	}
	return &snap, nil
}

// DropExpired removes events whose end time has passed, returning the
// IDs dropped. Their resting orders were already reported cancelled by
// the expiry path of the previous run, or will never trade again either
// way.
func (s *Snapshot) DropExpired(now time.Time) []int64 {
	var dropped []int64
	kept := s.Events[:0]
	for _, ev := range s.Events {
		if time.UnixMilli(ev.EndTimeMs).After(now) {
			kept = append(kept, ev)
		} else {
			dropped = append(dropped, ev.EventID)
		}
	}
	s.Events = kept
	return dropped
}
