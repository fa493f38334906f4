// Package ingest orchestrates the telemetry pipeline: events arrive from a
// partitioned stream source, get decoded into measurements, buffered per
// partition, flushed in batches to the measurement store, and checkpointed
// once durable.
package ingest

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqstream/aqstream/internal/ingest/config"
	ingesterrors "github.com/aqstream/aqstream/internal/ingest/errors"
	"github.com/aqstream/aqstream/internal/ingest/ids"
	"github.com/aqstream/aqstream/internal/ingest/logging"
	"github.com/aqstream/aqstream/store"
	"github.com/aqstream/aqstream/stream"
)

// Pipeline wires one stream source to one measurement store and runs the
// per-partition buffer, flush, checkpoint, and health loops.
type Pipeline struct {
	cfg    *config.Config
	logger logging.ServiceLogger
	store  store.MeasurementStore
	source stream.Source
	sink   *MetricsSink
	tracer trace.Tracer
	loc    *time.Location
	runID  string

	mu      sync.Mutex
	workers map[string]*partitionWorker
}

// partitionWorker holds the per-partition state. The transport delivers a
// partition's callbacks sequentially, so none of this needs locking beyond
// the workers map itself.
type partitionWorker struct {
	session     stream.PartitionSession
	processor   *Processor
	buffer      *BatchBuffer
	monitor     *Monitor
	coordinator *CheckpointCoordinator

	// lastPending is the newest event whose rows sit in the buffer, not yet
	// flushed. It becomes the checkpoint candidate only after a successful
	// flush.
	lastPending *stream.Event
}

// New validates dependencies and builds a pipeline. The source is built
// separately (via the stream registry) so callers control transport
// construction and its pre-flight errors.
func New(cfg *config.Config, source stream.Source, st store.MeasurementStore, logger logging.ServiceLogger) (*Pipeline, error) {
	if logger == nil {
		return nil, ingesterrors.NewConfigurationError(ingesterrors.ErrLoggerRequired)
	}
	if source == nil {
		return nil, ingesterrors.NewConfigurationError(ingesterrors.ErrSourceRequired)
	}
	if st == nil {
		return nil, ingesterrors.NewConfigurationError(ingesterrors.ErrStoreRequired)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, ingesterrors.NewConfigurationError(err)
	}

	p := &Pipeline{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		source:  source,
		tracer:  otel.Tracer("aqstream/ingest"),
		loc:     loc,
		runID:   ids.NewRunID(),
		workers: make(map[string]*partitionWorker),
	}
	if cfg.MetricsEnabled {
		p.sink = NewMetricsSink()
		if err := p.sink.Register(nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RunID identifies this pipeline run in logs and trace attributes.
func (p *Pipeline) RunID() string { return p.runID }

// Run consumes the stream until ctx is cancelled or the transport fails.
// On return every partition's buffered rows have been flushed (best effort)
// and final health totals logged.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting", logging.LogFields{
		"run_id":         p.runID,
		"stream_system":  p.cfg.StreamSystem,
		"consumer_group": p.cfg.ConsumerGroup,
		"batch_size":     p.cfg.BatchSize,
		"start":          p.cfg.Start.String(),
	})

	err := p.source.Consume(ctx, stream.ConsumeOptions{
		OnEvent:         p.handleEvent,
		OnPartitionInit: p.initPartition,
		Start:           p.cfg.Start,
		IdleTimeout:     p.cfg.IdleTimeout,
	})

	p.finish()
	if err != nil && ctx.Err() == nil {
		p.logger.Error("pipeline stopped on transport failure", err, logging.LogFields{"run_id": p.runID})
		return err
	}
	p.logger.Info("pipeline stopped", logging.LogFields{"run_id": p.runID})
	return nil
}

func (p *Pipeline) initPartition(session stream.PartitionSession) {
	w := &partitionWorker{
		session:     session,
		processor:   NewProcessor(p.cfg.AllowedDevices, p.loc),
		buffer:      NewBatchBuffer(p.cfg.BatchSize),
		monitor:     NewMonitor(session.PartitionID(), p.logger, p.sink, p.cfg.MetricsInterval),
		coordinator: NewCheckpointCoordinator(session, p.cfg.CheckpointInterval),
	}

	p.mu.Lock()
	p.workers[session.PartitionID()] = w
	p.mu.Unlock()

	p.logger.Info("partition claimed", logging.LogFields{
		"partition": session.PartitionID(),
		"run_id":    p.runID,
	})
}

func (p *Pipeline) worker(partitionID string) *partitionWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[partitionID]
}

// handleEvent is the per-partition callback. A nil ev is an idle heartbeat:
// flush whatever is buffered, force a checkpoint, and let the monitor report.
func (p *Pipeline) handleEvent(ctx context.Context, session stream.PartitionSession, ev *stream.Event) error {
	w := p.worker(session.PartitionID())
	if w == nil {
		// Init always precedes delivery; a missing worker means the
		// transport broke that contract.
		p.initPartition(session)
		w = p.worker(session.PartitionID())
	}

	if ev == nil {
		if w.buffer.Len() > 0 {
			p.flush(ctx, w)
		}
		if err := w.coordinator.Commit(ctx, true); err != nil {
			return err
		}
		w.monitor.MaybeLog(false)
		return nil
	}

	w.monitor.RecordReceived()

	measurements, outcome := w.processor.ProcessEvent(ev)
	switch outcome {
	case OutcomeProcessed:
		w.monitor.RecordProcessed()
	case OutcomeFiltered:
		w.monitor.RecordFiltered()
	case OutcomeParseError, OutcomeUnattributable:
		w.monitor.RecordError()
		p.logger.Debug("event dropped", logging.LogFields{
			"partition": session.PartitionID(),
			"offset":    ev.Offset,
			"outcome":   outcome.String(),
		})
	}

	full := false
	if len(measurements) > 0 {
		full = w.buffer.Append(measurements...)
	}

	if w.buffer.Len() == 0 {
		// Nothing from this event is waiting on a flush, so it is
		// immediately checkpointable.
		w.coordinator.EventFlushed(ev)
	} else {
		w.lastPending = ev
		if full {
			p.flush(ctx, w)
		}
	}

	if err := w.coordinator.Commit(ctx, false); err != nil {
		return err
	}
	w.monitor.MaybeLog(false)
	return nil
}

// flush writes the buffered batch. A store failure is logged and counted but
// never escapes: the drained rows go back into the buffer for the next
// attempt (threshold or heartbeat) and the checkpoint stays at the last
// durable event, so a restart mid-outage replays them. Only on success does
// the newest buffered event become the checkpoint candidate.
func (p *Pipeline) flush(ctx context.Context, w *partitionWorker) {
	batch := w.buffer.Drain()
	if len(batch) == 0 {
		return
	}

	batchID := ids.NewRunID()
	ctx, span := p.tracer.Start(ctx, "ingest.flush", trace.WithAttributes(
		attribute.String("partition", w.session.PartitionID()),
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	res, err := p.store.SaveBatch(ctx, batch)
	if err != nil {
		span.RecordError(err)
		w.buffer.Requeue(batch)
		w.monitor.RecordError()
		p.logger.Error("batch flush failed, rows retained for retry", err, logging.LogFields{
			"partition": w.session.PartitionID(),
			"batch_id":  batchID,
			"rows":      len(batch),
		})
		return
	}

	w.monitor.RecordBatchSaved()
	w.monitor.RecordSaved(res.Inserted)
	w.monitor.RecordDuplicates(res.DuplicatesSkipped)
	if res.Failed > 0 {
		w.monitor.RecordError()
	}

	if w.lastPending != nil {
		w.coordinator.EventFlushed(w.lastPending)
		w.lastPending = nil
	}

	p.logger.Debug("batch flushed", logging.LogFields{
		"partition":  w.session.PartitionID(),
		"batch_id":   batchID,
		"inserted":   res.Inserted,
		"duplicates": res.DuplicatesSkipped,
		"failed":     res.Failed,
	})
}

// finish drains every partition and emits final totals. Runs with a fresh
// context because the consume context is usually already cancelled.
func (p *Pipeline) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	workers := make([]*partitionWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		if w.buffer.Len() > 0 {
			p.flush(ctx, w)
		}
		if err := w.coordinator.Commit(ctx, true); err != nil {
			p.logger.Warn("final checkpoint failed", logging.LogFields{
				"partition": w.session.PartitionID(),
				"error":     err.Error(),
			})
		}
		w.monitor.LogFinal()
	}
}
