// Package kafka implements a stream source on the Kafka wire protocol, as
// exposed by Event Hub-compatible telemetry endpoints. The shared-access
// descriptor authenticates via SASL PLAIN with the "$ConnectionString"
// username convention.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"

	ingesterrors "github.com/aqstream/aqstream/internal/ingest/errors"
	"github.com/aqstream/aqstream/internal/ingest/logging"
	"github.com/aqstream/aqstream/stream"
	"github.com/aqstream/aqstream/stream/netconf"
)

// SourceName is the registry key for this source.
const SourceName = "kafka"

func init() {
	stream.Register(SourceName, Build)
}

// Factories are overridable for tests.
var (
	ClientFactory = func(brokers []string, cfg *sarama.Config) (sarama.Client, error) {
		return sarama.NewClient(brokers, cfg)
	}
	GroupFactory = func(group string, client sarama.Client) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroupFromClient(group, client)
	}
)

// KafkaPort is the Kafka-protocol port of Event Hub-compatible endpoints.
const KafkaPort = 9093

// Source consumes one topic through a consumer group.
type Source struct {
	client sarama.Client
	group  sarama.ConsumerGroup
	topic  string
	host   string
	cg     string

	closeOnce sync.Once
	closeErr  error
}

// Build parses and validates the connection descriptor before any network
// call, then dials the broker. Descriptor problems surface as configuration
// errors; connectivity problems as transport errors.
func Build(ctx context.Context, cfg stream.Config, logger watermill.LoggerAdapter) (stream.Source, error) {
	if cfg.GetConsumerGroup() == "" {
		return nil, ingesterrors.NewConfigurationError(ingesterrors.ErrConsumerGroupRequired)
	}
	settings, err := stream.ParseConnectionString(cfg.GetConnectionString())
	if err != nil {
		return nil, err
	}

	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		brokers = []string{fmt.Sprintf("%s:%d", settings.Host, KafkaPort)}
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.ClientID = cfg.GetClientID()

	sc.Net.SASL.Enable = true
	sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	sc.Net.SASL.User = "$ConnectionString"
	sc.Net.SASL.Password = cfg.GetConnectionString()

	netLogger := logging.NewWatermillServiceLogger(logger)

	sc.Net.TLS.Enable = true
	tlsConf, err := netconf.ResolveTLS(netconf.OSEnv, netLogger).ClientConfig()
	if err != nil {
		return nil, ingesterrors.NewConfigurationError(err)
	}
	sc.Net.TLS.Config = tlsConf

	if proxy := netconf.ResolveProxy(netconf.OSEnv, settings.Host, netLogger); proxy != nil {
		sc.Net.Proxy.Enable = true
		sc.Net.Proxy.Dialer = proxy.Dialer()
		logger.Info("using HTTP CONNECT proxy for stream connection", watermill.LogFields{
			"proxy": proxy.Address(),
		})
	}

	// Checkpoints are explicit commits gated on durable persistence, never
	// timer-driven.
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	client, err := ClientFactory(brokers, sc)
	if err != nil {
		return nil, ingesterrors.NewTransportError(settings.Host, cfg.GetConsumerGroup(), err)
	}
	group, err := GroupFactory(cfg.GetConsumerGroup(), client)
	if err != nil {
		client.Close()
		return nil, ingesterrors.NewTransportError(settings.Host, cfg.GetConsumerGroup(), err)
	}

	// One drain goroutine per source. It lives until Close shuts the group
	// down, which closes the errors channel.
	go func() {
		for err := range group.Errors() {
			logger.Error("consumer group error", err, watermill.LogFields{
				"host":           settings.Host,
				"consumer_group": cfg.GetConsumerGroup(),
			})
		}
	}()

	logger.Info("stream source ready", watermill.LogFields{
		"host":           settings.Host,
		"topic":          settings.EntityPath,
		"consumer_group": cfg.GetConsumerGroup(),
	})

	return &Source{
		client: client,
		group:  group,
		topic:  settings.EntityPath,
		host:   settings.Host,
		cg:     cfg.GetConsumerGroup(),
	}, nil
}

// Consume joins the consumer group and delivers events until ctx is
// cancelled or the transport fails. Rebalances re-enter the group silently;
// transport errors are wrapped and returned without retry.
func (s *Source) Consume(ctx context.Context, opts stream.ConsumeOptions) error {
	switch opts.Start.Kind {
	case stream.StartLatest:
		s.client.Config().Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		s.client.Config().Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	h := &groupHandler{source: s, opts: opts}

	for {
		err := s.group.Consume(ctx, []string{s.topic}, h)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return ingesterrors.NewTransportError(s.host, s.cg, err)
		}
		// A nil return with a live context is a rebalance; rejoin.
	}
}

// Close releases the consumer group and the underlying client.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.group.Close()
		if err := s.client.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// groupHandler adapts sarama's consumer-group callbacks to the stream
// contracts.
type groupHandler struct {
	source *Source
	opts   stream.ConsumeOptions

	mu       sync.Mutex
	sessions map[int32]*partitionSession
}

// Setup runs after a generation's partitions are assigned. Timestamp starts
// resolve to per-partition offsets here, before any delivery.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	h.sessions = make(map[int32]*partitionSession)
	h.mu.Unlock()

	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			if h.opts.Start.Kind == stream.StartInstant {
				offset, err := h.source.client.GetOffset(topic, partition, h.opts.Start.Instant.UnixMilli())
				if err != nil {
					return ingesterrors.NewTransportError(h.source.host, h.source.cg, err)
				}
				session.ResetOffset(topic, partition, offset, "")
			}

			ps := h.session(session, topic, partition)
			if h.opts.OnPartitionInit != nil {
				h.opts.OnPartitionInit(ps)
			}
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) session(session sarama.ConsumerGroupSession, topic string, partition int32) *partitionSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	ps, ok := h.sessions[partition]
	if !ok {
		ps = &partitionSession{session: session, topic: topic, partition: partition}
		h.sessions[partition] = ps
	}
	return ps
}

// ConsumeClaim delivers one partition's messages sequentially, interleaved
// with idle heartbeats. When the session ends it delivers one final
// heartbeat so the handler can flush and checkpoint before the partition is
// released to another consumer.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ps := h.session(session, claim.Topic(), claim.Partition())

	var idleC <-chan time.Time
	var idleTimer *time.Timer
	if h.opts.IdleTimeout > 0 {
		idleTimer = time.NewTimer(h.opts.IdleTimeout)
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
		idleTimer.Reset(h.opts.IdleTimeout)
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return h.finalHeartbeat(ps)
			}
			ev := toEvent(msg)
			if err := h.opts.OnEvent(session.Context(), ps, ev); err != nil {
				return err
			}
			resetIdle()

		case <-idleC:
			if err := h.opts.OnEvent(session.Context(), ps, nil); err != nil {
				return err
			}
			resetIdle()

		case <-session.Context().Done():
			return h.finalHeartbeat(ps)
		}
	}
}

// finalHeartbeat gives the handler one last flush opportunity with a bounded
// fresh context, since the session context is already closing.
func (h *groupHandler) finalHeartbeat(ps *partitionSession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.opts.OnEvent(ctx, ps, nil)
}

func toEvent(msg *sarama.ConsumerMessage) *stream.Event {
	var props map[string]string
	if len(msg.Headers) > 0 {
		props = make(map[string]string, len(msg.Headers))
		for _, hdr := range msg.Headers {
			props[string(hdr.Key)] = string(hdr.Value)
		}
	}
	return &stream.Event{
		Body:             msg.Value,
		PartitionID:      strconv.FormatInt(int64(msg.Partition), 10),
		Offset:           msg.Offset,
		EnqueuedAt:       msg.Timestamp,
		SystemProperties: props,
	}
}

// partitionSession is the checkpoint surface for one claimed partition.
type partitionSession struct {
	session   sarama.ConsumerGroupSession
	topic     string
	partition int32
}

func (p *partitionSession) PartitionID() string {
	return strconv.FormatInt(int64(p.partition), 10)
}

// Checkpoint marks the offset after ev and commits it synchronously. The
// committed position is the next event to read, hence offset+1.
func (p *partitionSession) Checkpoint(ctx context.Context, ev *stream.Event) error {
	if ev == nil {
		return nil
	}
	p.session.MarkOffset(p.topic, p.partition, ev.Offset+1, "")
	p.session.Commit()
	return ctx.Err()
}
