package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aqstream/aqstream/store"
)

func bufferRow(i int) *store.Measurement {
	return store.NewMeasurement("S1", store.ChannelUm1,
		time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC).Add(time.Duration(i)*time.Second))
}

func TestBatchBufferThreshold(t *testing.T) {
	b := NewBatchBuffer(3)

	assert.False(t, b.Append(bufferRow(0)))
	assert.False(t, b.Append(bufferRow(1)))
	assert.True(t, b.Append(bufferRow(2)))
	assert.Equal(t, 3, b.Len())
}

func TestBatchBufferMultiRowAppend(t *testing.T) {
	b := NewBatchBuffer(3)

	// A dual-channel event can push the buffer past the threshold at once.
	assert.False(t, b.Append(bufferRow(0)))
	assert.True(t, b.Append(bufferRow(1), bufferRow(2), bufferRow(3)))
	assert.Equal(t, 4, b.Len())
}

func TestBatchBufferDrain(t *testing.T) {
	b := NewBatchBuffer(10)
	b.Append(bufferRow(0), bufferRow(1))

	drained := b.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Drain())
}

func TestBatchBufferRequeueRestoresOrder(t *testing.T) {
	b := NewBatchBuffer(3)
	b.Append(bufferRow(0), bufferRow(1), bufferRow(2))

	batch := b.Drain()
	b.Append(bufferRow(3))
	b.Requeue(batch)

	out := b.Drain()
	assert.Len(t, out, 4)
	for i, m := range out {
		assert.Equal(t, bufferRow(i).Timestamp, m.Timestamp)
	}

	b.Requeue(nil)
	assert.Equal(t, 0, b.Len())
}

func TestBatchBufferMinimumLimit(t *testing.T) {
	b := NewBatchBuffer(0)
	assert.True(t, b.Append(bufferRow(0)))
}
