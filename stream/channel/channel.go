// Package channel implements an in-memory, partitioned stream source backed
// by Go channels. It exists for tests and local development: deterministic
// delivery, recorded checkpoints, no broker.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/aqstream/aqstream/stream"
)

// SourceName is the registry key for this source.
const SourceName = "channel"

func init() {
	stream.Register(SourceName, func(ctx context.Context, cfg stream.Config, logger watermill.LoggerAdapter) (stream.Source, error) {
		return NewSource("0"), nil
	})
}

// Source is an in-memory partitioned stream. Events published to a partition
// are delivered to that partition's handler in order; partitions run
// concurrently, mirroring the real transport's concurrency contract.
type Source struct {
	mu         sync.Mutex
	partitions map[string]chan *stream.Event
	order      []string
	checkpoint map[string]int64
	closed     bool
}

// NewSource creates a source with the given partitions.
func NewSource(partitionIDs ...string) *Source {
	s := &Source{
		partitions: make(map[string]chan *stream.Event, len(partitionIDs)),
		order:      append([]string(nil), partitionIDs...),
		checkpoint: make(map[string]int64),
	}
	for _, id := range partitionIDs {
		s.partitions[id] = make(chan *stream.Event, 1024)
	}
	return s
}

// Publish enqueues an event on a partition. The event's PartitionID is set
// to match.
func (s *Source) Publish(partitionID string, ev *stream.Event) error {
	s.mu.Lock()
	ch, ok := s.partitions[partitionID]
	closed := s.closed
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel: unknown partition %q", partitionID)
	}
	if closed {
		return fmt.Errorf("channel: source is closed")
	}
	ev.PartitionID = partitionID
	ch <- ev
	return nil
}

// Checkpoints returns the last committed offset per partition. Partitions
// that never checkpointed are absent.
func (s *Source) Checkpoints() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.checkpoint))
	for k, v := range s.checkpoint {
		out[k] = v
	}
	return out
}

// Consume runs one goroutine per partition and blocks until ctx is
// cancelled. Each partition delivers its queued events sequentially, with
// idle heartbeats between them, and a final heartbeat on shutdown.
func (s *Source) Consume(ctx context.Context, opts stream.ConsumeOptions) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(s.order))

	for _, id := range s.order {
		session := &partitionSession{source: s, id: id}
		if opts.OnPartitionInit != nil {
			opts.OnPartitionInit(session)
		}

		wg.Add(1)
		go func(id string, session *partitionSession) {
			defer wg.Done()
			if err := s.consumePartition(ctx, id, session, opts); err != nil {
				errs <- err
			}
		}(id, session)
	}

	wg.Wait()
	close(errs)
	return <-errs
}

func (s *Source) consumePartition(ctx context.Context, id string, session *partitionSession, opts stream.ConsumeOptions) error {
	s.mu.Lock()
	ch := s.partitions[id]
	s.mu.Unlock()

	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(opts.IdleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}
	resetIdle := func() {
		if idleTimer == nil {
			return
		}
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(opts.IdleTimeout)
	}

	for {
		select {
		case ev := <-ch:
			if err := opts.OnEvent(ctx, session, ev); err != nil {
				return err
			}
			resetIdle()

		case <-idleC:
			if err := opts.OnEvent(ctx, session, nil); err != nil {
				return err
			}
			resetIdle()

		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := opts.OnEvent(drainCtx, session, nil)
			cancel()
			return err
		}
	}
}

// Close stops accepting publishes.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type partitionSession struct {
	source *Source
	id     string
}

func (p *partitionSession) PartitionID() string { return p.id }

func (p *partitionSession) Checkpoint(ctx context.Context, ev *stream.Event) error {
	if ev == nil {
		return nil
	}
	p.source.mu.Lock()
	p.source.checkpoint[p.id] = ev.Offset
	p.source.mu.Unlock()
	return ctx.Err()
}
