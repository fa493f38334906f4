package ingest

import (
	"context"
	"time"

	"github.com/aqstream/aqstream/stream"
)

// CheckpointCoordinator decides when a partition's position is written back
// to the broker. A position only becomes eligible after the event's rows are
// durably flushed, and commits are rate-limited so checkpoint traffic stays
// bounded on busy partitions.
type CheckpointCoordinator struct {
	session  stream.PartitionSession
	interval time.Duration

	pending *stream.Event
	last    time.Time
	clock   func() time.Time
}

// NewCheckpointCoordinator builds a coordinator for one partition session.
func NewCheckpointCoordinator(session stream.PartitionSession, interval time.Duration) *CheckpointCoordinator {
	return &CheckpointCoordinator{session: session, interval: interval, clock: time.Now}
}

// EventFlushed records that every row derived from ev (and all earlier
// events) is durably persisted, making ev the checkpoint candidate.
func (c *CheckpointCoordinator) EventFlushed(ev *stream.Event) {
	if ev != nil {
		c.pending = ev
	}
}

// Commit writes the pending checkpoint if one exists. Unforced commits are
// skipped while the minimum interval has not elapsed; forced commits (idle
// heartbeats, shutdown) always go through. A successful commit clears the
// pending candidate.
func (c *CheckpointCoordinator) Commit(ctx context.Context, force bool) error {
	if c.pending == nil {
		return nil
	}
	now := c.clock()
	if !force && !c.last.IsZero() && now.Sub(c.last) < c.interval {
		return nil
	}
	if err := c.session.Checkpoint(ctx, c.pending); err != nil {
		return err
	}
	c.pending = nil
	c.last = now
	return nil
}
