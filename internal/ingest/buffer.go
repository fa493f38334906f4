package ingest

import "github.com/aqstream/aqstream/store"

// BatchBuffer accumulates measurements for one partition until a flush
// threshold is reached. Callbacks for a partition are sequential, so the
// buffer needs no locking.
type BatchBuffer struct {
	limit   int
	pending []*store.Measurement
}

// NewBatchBuffer creates a buffer that reports full at limit rows.
func NewBatchBuffer(limit int) *BatchBuffer {
	if limit <= 0 {
		limit = 1
	}
	return &BatchBuffer{limit: limit, pending: make([]*store.Measurement, 0, limit)}
}

// Append adds measurements and reports whether the buffer reached its
// threshold.
func (b *BatchBuffer) Append(ms ...*store.Measurement) bool {
	b.pending = append(b.pending, ms...)
	return len(b.pending) >= b.limit
}

// Requeue puts a drained batch back at the front of the buffer, preserving
// event order for the next flush attempt.
func (b *BatchBuffer) Requeue(ms []*store.Measurement) {
	if len(ms) == 0 {
		return
	}
	b.pending = append(ms, b.pending...)
}

// Drain returns the buffered measurements and resets the buffer.
func (b *BatchBuffer) Drain() []*store.Measurement {
	out := b.pending
	b.pending = make([]*store.Measurement, 0, b.limit)
	return out
}

// Len returns the number of buffered measurements.
func (b *BatchBuffer) Len() int { return len(b.pending) }
