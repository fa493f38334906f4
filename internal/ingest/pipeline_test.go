package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqstream/aqstream/internal/ingest/config"
	ingesterrors "github.com/aqstream/aqstream/internal/ingest/errors"
	"github.com/aqstream/aqstream/internal/ingest/logging"
	"github.com/aqstream/aqstream/store"
	"github.com/aqstream/aqstream/stream"
	"github.com/aqstream/aqstream/stream/channel"
)

func testPipelineConfig() *config.Config {
	return &config.Config{
		StreamSystem:       "channel",
		ConsumerGroup:      "test",
		BatchSize:          5,
		CheckpointInterval: time.Millisecond,
		IdleTimeout:        50 * time.Millisecond,
		MetricsInterval:    time.Minute,
		Timezone:           "UTC",
	}
}

func testStore(t *testing.T) store.MeasurementStore {
	t.Helper()
	st, err := store.NewSQLite(store.SQLiteConfig{FilePath: ":memory:"}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func telemetryEvent(offset int64, device string, ts time.Time) *stream.Event {
	body := fmt.Sprintf(`{"DeviceId":%q,"FechaH":%q,"n1025Um1":10.0,"n25100Um1":15.0,"temp":23.0,"hr":60.0}`,
		device, ts.Format("2006-01-02T15:04:05"))
	return &stream.Event{Body: []byte(body), Offset: offset}
}

func runPipeline(t *testing.T, cfg *config.Config, src *channel.Source, st store.MeasurementStore, d time.Duration) {
	t.Helper()
	p, err := New(cfg, src, st, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}

func TestPipelinePersistsAndCheckpoints(t *testing.T) {
	src := channel.NewSource("0")
	st := testStore(t)
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	for i := int64(0); i < 12; i++ {
		require.NoError(t, src.Publish("0", telemetryEvent(i, "S1", base.Add(time.Duration(i)*time.Minute))))
	}

	runPipeline(t, testPipelineConfig(), src, st, 300*time.Millisecond)

	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 12)

	// The final heartbeat flushed the tail and checkpointed the last event.
	assert.Equal(t, map[string]int64{"0": 11}, src.Checkpoints())
}

// flakyStore fails SaveBatch a configured number of times before delegating.
// A negative count fails every call.
type flakyStore struct {
	store.MeasurementStore

	mu        sync.Mutex
	failures  int
	saveCalls int
}

func (s *flakyStore) SaveBatch(ctx context.Context, batch []*store.Measurement) (store.FlushResult, error) {
	s.mu.Lock()
	s.saveCalls++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return store.FlushResult{}, errors.New("database unavailable")
	}
	return s.MeasurementStore.SaveBatch(ctx, batch)
}

func (s *flakyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

func TestPipelineFlushFailureRetriesWithoutLoss(t *testing.T) {
	src := channel.NewSource("0")
	st := &flakyStore{MeasurementStore: testStore(t), failures: 1}
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	cfg := testPipelineConfig()
	cfg.BatchSize = 2

	for i := int64(0); i < 4; i++ {
		require.NoError(t, src.Publish("0", telemetryEvent(i, "S1", base.Add(time.Duration(i)*time.Minute))))
	}

	runPipeline(t, cfg, src, st, 300*time.Millisecond)

	// The batch the store rejected stays buffered and lands on the retry.
	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.GreaterOrEqual(t, st.calls(), 2)
	assert.Equal(t, map[string]int64{"0": 3}, src.Checkpoints())
}

func TestPipelineFlushFailureHoldsCheckpoint(t *testing.T) {
	src := channel.NewSource("0")
	st := &flakyStore{MeasurementStore: testStore(t), failures: -1}
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	cfg := testPipelineConfig()
	cfg.BatchSize = 2

	for i := int64(0); i < 4; i++ {
		require.NoError(t, src.Publish("0", telemetryEvent(i, "S1", base.Add(time.Duration(i)*time.Minute))))
	}

	runPipeline(t, cfg, src, st, 300*time.Millisecond)

	// Nothing was persisted, so no offset may be recorded: a restart must
	// replay every event.
	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, src.Checkpoints())
}

func TestPipelineRedeliveryDoesNotDuplicate(t *testing.T) {
	src := channel.NewSource("0")
	st := testStore(t)
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	// The same events delivered twice, as after a restart before checkpoint.
	for round := 0; round < 2; round++ {
		for i := int64(0); i < 8; i++ {
			require.NoError(t, src.Publish("0", telemetryEvent(i, "S1", base.Add(time.Duration(i)*time.Minute))))
		}
	}

	runPipeline(t, testPipelineConfig(), src, st, 300*time.Millisecond)

	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 8)
}

func TestPipelineMultiplePartitions(t *testing.T) {
	src := channel.NewSource("0", "1")
	st := testStore(t)
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	for i := int64(0); i < 6; i++ {
		require.NoError(t, src.Publish("0", telemetryEvent(i, "S1", base.Add(time.Duration(i)*time.Minute))))
		require.NoError(t, src.Publish("1", telemetryEvent(i, "S2", base.Add(time.Duration(i)*time.Minute))))
	}

	runPipeline(t, testPipelineConfig(), src, st, 300*time.Millisecond)

	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 12)

	cps := src.Checkpoints()
	assert.Equal(t, int64(5), cps["0"])
	assert.Equal(t, int64(5), cps["1"])
}

func TestPipelineDropsBadEventsAndKeepsMoving(t *testing.T) {
	src := channel.NewSource("0")
	st := testStore(t)
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	require.NoError(t, src.Publish("0", telemetryEvent(0, "S1", base)))
	require.NoError(t, src.Publish("0", &stream.Event{Body: []byte(`{"broken`), Offset: 1}))
	require.NoError(t, src.Publish("0", &stream.Event{Body: []byte(`{"FechaH":"2025-10-02T08:05:00"}`), Offset: 2}))
	require.NoError(t, src.Publish("0", telemetryEvent(3, "S1", base.Add(10*time.Minute))))

	runPipeline(t, testPipelineConfig(), src, st, 300*time.Millisecond)

	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Dropped events do not hold back the checkpoint.
	assert.Equal(t, map[string]int64{"0": 3}, src.Checkpoints())
}

func TestPipelineAllowListFilters(t *testing.T) {
	src := channel.NewSource("0")
	st := testStore(t)
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	cfg := testPipelineConfig()
	cfg.AllowedDevices = []string{"S1"}

	require.NoError(t, src.Publish("0", telemetryEvent(0, "S1", base)))
	require.NoError(t, src.Publish("0", telemetryEvent(1, "S9", base.Add(time.Minute))))

	runPipeline(t, cfg, src, st, 300*time.Millisecond)

	rows, err := st.Range(context.Background(), store.RangeQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "S1", rows[0].DeviceID)
}

func TestNewValidatesDependencies(t *testing.T) {
	cfg := testPipelineConfig()
	src := channel.NewSource("0")
	st := testStore(t)
	logger := logging.Nop()

	_, err := New(cfg, nil, st, logger)
	assert.ErrorIs(t, err, ingesterrors.ErrSourceRequired)

	_, err = New(cfg, src, nil, logger)
	assert.ErrorIs(t, err, ingesterrors.ErrStoreRequired)

	_, err = New(cfg, src, st, nil)
	assert.ErrorIs(t, err, ingesterrors.ErrLoggerRequired)

	bad := testPipelineConfig()
	bad.ConsumerGroup = ""
	_, err = New(bad, src, st, logger)
	assert.ErrorIs(t, err, ingesterrors.ErrConsumerGroupRequired)
}

func TestNewAssignsRunID(t *testing.T) {
	p, err := New(testPipelineConfig(), channel.NewSource("0"), testStore(t), logging.Nop())
	require.NoError(t, err)
	assert.NotEmpty(t, p.RunID())
}
