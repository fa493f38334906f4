package ingest

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aqstream/aqstream/internal/ingest/logging"
)

// MetricsSink exposes pipeline counters to Prometheus, labelled by partition.
type MetricsSink struct {
	Received   *prometheus.CounterVec
	Processed  *prometheus.CounterVec
	Filtered   *prometheus.CounterVec
	Saved      *prometheus.CounterVec
	Duplicates *prometheus.CounterVec
	Errors     *prometheus.CounterVec
	Batches    *prometheus.CounterVec
}

// NewMetricsSink creates the collector set. Call Register before use.
func NewMetricsSink() *MetricsSink {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aqstream",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		}, []string{"partition"})
	}
	return &MetricsSink{
		Received:   counter("events_received_total", "Raw events delivered by the stream source."),
		Processed:  counter("events_processed_total", "Events that yielded at least one measurement."),
		Filtered:   counter("events_filtered_total", "Events dropped by the device allow-list."),
		Saved:      counter("rows_saved_total", "Measurement rows durably inserted."),
		Duplicates: counter("rows_duplicate_total", "Measurement rows skipped as duplicates."),
		Errors:     counter("events_error_total", "Events dropped for parse or attribution failures, plus failed flushes."),
		Batches:    counter("batches_flushed_total", "Batches flushed to the measurement store."),
	}
}

// Register attaches the collectors to the given registerer (the default one
// when nil). Re-registering existing collectors is tolerated so repeated
// pipeline construction in one process does not panic.
func (m *MetricsSink) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []*prometheus.CounterVec{
		m.Received, m.Processed, m.Filtered, m.Saved, m.Duplicates, m.Errors, m.Batches,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Counters is one accumulation window of per-partition totals.
type Counters struct {
	Received   int64
	Processed  int64
	Filtered   int64
	Saved      int64
	Duplicates int64
	Errors     int64
	Batches    int64
}

func (c *Counters) add(o Counters) {
	c.Received += o.Received
	c.Processed += o.Processed
	c.Filtered += o.Filtered
	c.Saved += o.Saved
	c.Duplicates += o.Duplicates
	c.Errors += o.Errors
	c.Batches += o.Batches
}

// Monitor tracks health counters for one partition and periodically emits a
// one-line summary. Cumulative totals survive window resets and feed the
// final shutdown report.
type Monitor struct {
	partition string
	logger    logging.ServiceLogger
	sink      *MetricsSink
	interval  time.Duration

	window     Counters
	cumulative Counters
	started    time.Time
	lastReport time.Time
	clock      func() time.Time
}

// NewMonitor creates a monitor for one partition. sink may be nil when
// Prometheus export is disabled.
func NewMonitor(partition string, logger logging.ServiceLogger, sink *MetricsSink, interval time.Duration) *Monitor {
	now := time.Now()
	return &Monitor{
		partition:  partition,
		logger:     logger.With(logging.LogFields{"partition": partition}),
		sink:       sink,
		interval:   interval,
		started:    now,
		lastReport: now,
		clock:      time.Now,
	}
}

func (m *Monitor) bump(vec func(*MetricsSink) *prometheus.CounterVec, n int64) {
	if m.sink != nil && n > 0 {
		vec(m.sink).WithLabelValues(m.partition).Add(float64(n))
	}
}

func (m *Monitor) RecordReceived() {
	m.window.Received++
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Received }, 1)
}

func (m *Monitor) RecordProcessed() {
	m.window.Processed++
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Processed }, 1)
}

func (m *Monitor) RecordFiltered() {
	m.window.Filtered++
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Filtered }, 1)
}

func (m *Monitor) RecordSaved(n int) {
	m.window.Saved += int64(n)
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Saved }, int64(n))
}

func (m *Monitor) RecordDuplicates(n int) {
	m.window.Duplicates += int64(n)
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Duplicates }, int64(n))
}

func (m *Monitor) RecordError() {
	m.window.Errors++
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Errors }, 1)
}

func (m *Monitor) RecordBatchSaved() {
	m.window.Batches++
	m.bump(func(s *MetricsSink) *prometheus.CounterVec { return s.Batches }, 1)
}

// MaybeLog emits the window summary when the report interval has elapsed (or
// force is set), then starts a new window.
func (m *Monitor) MaybeLog(force bool) {
	now := m.clock()
	if !force && now.Sub(m.lastReport) < m.interval {
		return
	}

	m.logger.Info("partition health", logging.LogFields{
		"received":   m.window.Received,
		"processed":  m.window.Processed,
		"filtered":   m.window.Filtered,
		"saved":      m.window.Saved,
		"duplicates": m.window.Duplicates,
		"errors":     m.window.Errors,
		"batches":    m.window.Batches,
		"window":     now.Sub(m.lastReport).Round(time.Second).String(),
	})

	m.cumulative.add(m.window)
	m.window = Counters{}
	m.lastReport = now
}

// LogFinal folds the open window into the cumulative totals and reports them
// with the total uptime. Called once at shutdown.
func (m *Monitor) LogFinal() {
	m.cumulative.add(m.window)
	m.window = Counters{}

	m.logger.Info("partition totals", logging.LogFields{
		"received":   m.cumulative.Received,
		"processed":  m.cumulative.Processed,
		"filtered":   m.cumulative.Filtered,
		"saved":      m.cumulative.Saved,
		"duplicates": m.cumulative.Duplicates,
		"errors":     m.cumulative.Errors,
		"batches":    m.cumulative.Batches,
		"uptime":     m.clock().Sub(m.started).Round(time.Second).String(),
	})
}

// Totals returns the cumulative counters including the open window.
func (m *Monitor) Totals() Counters {
	total := m.cumulative
	total.add(m.window)
	return total
}
