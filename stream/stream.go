// Package stream defines the core contracts for partitioned, replayable
// event-stream sources. Each source implementation (kafka, channel) lives in
// its own sub-package and registers itself with the source registry.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// SystemPropertyDeviceID is the system-properties key carrying the
// authoritative device-identity claim stamped by the device gateway.
const SystemPropertyDeviceID = "iothub-connection-device-id"

// Event is one raw telemetry event as delivered by the transport. It is
// owned by the transport for the duration of one callback; handlers must not
// retain the body past the callback.
type Event struct {
	// Body is the opaque UTF-8 JSON payload.
	Body []byte
	// PartitionID identifies the partition the event was read from.
	PartitionID string
	// Offset is the position of the event within its partition.
	Offset int64
	// EnqueuedAt is the broker-side enqueue time, when known.
	EnqueuedAt time.Time
	// SystemProperties carries transport-level metadata such as the device
	// identity claim.
	SystemProperties map[string]string
}

// PartitionSession represents ownership of one partition during a consume
// run. Checkpoint durably records that every event up to and including ev
// has been fully processed.
type PartitionSession interface {
	PartitionID() string
	Checkpoint(ctx context.Context, ev *Event) error
}

// Handler processes one delivered event. A nil ev is an idle heartbeat: no
// event arrived within the configured idle timeout, and the handler should
// use the opportunity to flush buffers and emit metrics. Returning an error
// aborts the consume run.
type Handler func(ctx context.Context, session PartitionSession, ev *Event) error

// PartitionInitHandler is invoked once when ownership of a partition is
// established, before any event is delivered for it.
type PartitionInitHandler func(session PartitionSession)

// ConsumeOptions configures one consume run.
type ConsumeOptions struct {
	OnEvent         Handler
	OnPartitionInit PartitionInitHandler
	// Start selects where consumption begins for partitions without a
	// committed checkpoint.
	Start StartPosition
	// IdleTimeout bounds how long a silent partition can go without a
	// heartbeat delivery. Zero disables heartbeats.
	IdleTimeout time.Duration
}

// Source is a partitioned event-stream consumer bound to one consumer group.
// Consume blocks until the context is cancelled or an unrecoverable
// transport error occurs; it performs no internal reconnect or backoff.
type Source interface {
	Consume(ctx context.Context, opts ConsumeOptions) error
	Close() error
}

// StartKind enumerates the supported starting positions.
type StartKind int

const (
	// StartEarliest begins at the oldest retained event.
	StartEarliest StartKind = iota
	// StartLatest begins at the next event enqueued after the run starts.
	StartLatest
	// StartInstant begins at the first event enqueued at or after Instant.
	StartInstant
)

// StartPosition is a normalized starting position. Configuration strings are
// parsed exactly once, at the boundary; downstream code never re-interprets
// them.
type StartPosition struct {
	Kind    StartKind
	Instant time.Time
}

func (p StartPosition) String() string {
	switch p.Kind {
	case StartLatest:
		return "latest"
	case StartInstant:
		return p.Instant.Format(time.RFC3339)
	default:
		return "earliest"
	}
}

var startLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseStartPosition normalizes a starting-position string. Accepted forms
// are "earliest" (or "-1"), "latest" (or "@latest"), and a civil date-time
// interpreted in loc and converted to UTC. An empty string means earliest.
func ParseStartPosition(s string, loc *time.Location) (StartPosition, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "earliest", "-1":
		return StartPosition{Kind: StartEarliest}, nil
	case "latest", "@latest":
		return StartPosition{Kind: StartLatest}, nil
	}

	if loc == nil {
		loc = time.UTC
	}
	raw := strings.TrimSuffix(strings.TrimSpace(s), "Z")
	for _, layout := range startLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return StartPosition{Kind: StartInstant, Instant: t.UTC()}, nil
		}
	}
	return StartPosition{}, fmt.Errorf("stream: cannot interpret start position %q", s)
}

// Config provides the configuration values needed by source builders. The
// interface keeps sources decoupled from the full config package.
type Config interface {
	// GetStreamSystem returns the source type name ("kafka", "channel").
	GetStreamSystem() string
	// GetConnectionString returns the stream endpoint descriptor.
	GetConnectionString() string
	// GetConsumerGroup returns the consumer-group name.
	GetConsumerGroup() string
	// GetClientID returns the client identifier presented to the broker.
	GetClientID() string
	// GetKafkaBrokers optionally overrides the broker list derived from the
	// connection descriptor.
	GetKafkaBrokers() []string
}

// Builder is the function signature for creating a source from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Source, error)

// Registry maps source names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry is the registry that source packages register into from
// their init functions.
var DefaultRegistry = NewRegistry()

// Register adds a builder under the given name. Later registrations replace
// earlier ones.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = builder
}

// Build constructs the source registered under cfg.GetStreamSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Source, error) {
	name := strings.ToLower(cfg.GetStreamSystem())
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stream: unknown source %q (registered: %s)", name, strings.Join(r.names(), ", "))
	}
	return builder(ctx, cfg, logger)
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build constructs a source from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Source, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
