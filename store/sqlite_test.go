package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqstream/aqstream/internal/ingest/logging"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(SQLiteConfig{FilePath: ":memory:"}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func f(v float64) *float64 { return &v }

func testMeasurement(device string, channel SensorChannel, ts time.Time) *Measurement {
	m := NewMeasurement(device, channel, ts)
	m.PM25 = f(10.5)
	m.PM10 = f(22.1)
	m.Temperature = f(23.0)
	m.Humidity = f(61.0)
	m.RawJSON = `{"test":true}`
	return m
}

func TestSaveBatchInsertsAndReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	batch := make([]*Measurement, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, testMeasurement("S1", ChannelUm1, base.Add(time.Duration(i)*time.Minute)))
	}

	res, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Inserted: 50}, res)

	rows, err := s.Range(ctx, RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 50)
}

func TestSaveBatchSkipsExistingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	var first []*Measurement
	for i := 0; i < 20; i++ {
		first = append(first, testMeasurement("S1", ChannelUm1, base.Add(time.Duration(i)*time.Minute)))
	}
	_, err := s.SaveBatch(ctx, first)
	require.NoError(t, err)

	// Second batch overlaps the first 20 and adds 100 new rows.
	var second []*Measurement
	for i := 0; i < 120; i++ {
		second = append(second, testMeasurement("S1", ChannelUm1, base.Add(time.Duration(i)*time.Minute)))
	}

	res, err := s.SaveBatch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Inserted)
	assert.Equal(t, 20, res.DuplicatesSkipped)
	assert.Equal(t, 0, res.Failed)
}

func TestSaveBatchReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	var batch []*Measurement
	for i := 0; i < 10; i++ {
		batch = append(batch, testMeasurement("S1", ChannelUm1, base.Add(time.Duration(i)*time.Minute)))
	}

	res, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Inserted)

	for replay := 0; replay < 3; replay++ {
		res, err = s.SaveBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 10, res.DuplicatesSkipped)
	}

	rows, err := s.Range(ctx, RangeQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 10)
}

func TestSaveBatchCollapsesInBatchDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	batch := []*Measurement{
		testMeasurement("S1", ChannelUm1, ts),
		testMeasurement("S1", ChannelUm1, ts),
		testMeasurement("S1", ChannelUm2, ts),
	}

	res, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.DuplicatesSkipped)
}

func TestNaturalKeySecondPrecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	// Sub-second differences collapse onto the same natural key.
	a := testMeasurement("S1", ChannelUm1, ts.Add(100*time.Millisecond))
	b := testMeasurement("S1", ChannelUm1, ts.Add(900*time.Millisecond))

	res, err := s.SaveBatch(ctx, []*Measurement{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.DuplicatesSkipped)
}

func TestSameTimestampDifferentChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	res, err := s.SaveBatch(ctx, []*Measurement{
		testMeasurement("S1", ChannelUm1, ts),
		testMeasurement("S1", ChannelUm2, ts),
		testMeasurement("S2", ChannelUm1, ts),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
}

func TestSaveBatchEmpty(t *testing.T) {
	s := newTestStore(t)
	res, err := s.SaveBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, res)
}

func TestRangeFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	var batch []*Measurement
	for i, device := range []string{"S1", "S2", "S3"} {
		for j := 0; j < 10; j++ {
			ts := base.Add(time.Duration(i*10+j) * time.Minute)
			batch = append(batch, testMeasurement(device, ChannelUm1, ts))
			batch = append(batch, testMeasurement(device, ChannelUm2, ts))
		}
	}
	_, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)

	t.Run("by device", func(t *testing.T) {
		rows, err := s.Range(ctx, RangeQuery{Devices: []string{"S2"}})
		require.NoError(t, err)
		assert.Len(t, rows, 20)
		for _, m := range rows {
			assert.Equal(t, "S2", m.DeviceID)
		}
	})

	t.Run("by channel", func(t *testing.T) {
		rows, err := s.Range(ctx, RangeQuery{Channels: []SensorChannel{ChannelUm2}})
		require.NoError(t, err)
		assert.Len(t, rows, 30)
	})

	t.Run("by time window", func(t *testing.T) {
		rows, err := s.Range(ctx, RangeQuery{
			From: base.Add(5 * time.Minute),
			To:   base.Add(9 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, rows, 10)
	})

	t.Run("newest first", func(t *testing.T) {
		rows, err := s.Range(ctx, RangeQuery{Devices: []string{"S1"}, Channels: []SensorChannel{ChannelUm1}})
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		for i := 1; i < len(rows); i++ {
			assert.False(t, rows[i].Timestamp.After(rows[i-1].Timestamp))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		page1, err := s.Range(ctx, RangeQuery{Limit: 10})
		require.NoError(t, err)
		page2, err := s.Range(ctx, RangeQuery{Limit: 10, Offset: 10})
		require.NoError(t, err)
		assert.Len(t, page1, 10)
		assert.Len(t, page2, 10)
		assert.NotEqual(t, page1[0].ID, page2[0].ID)
	})
}

func TestRangeRoundTripsValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	m := NewMeasurement("S1", ChannelUm1, ts)
	m.PM25 = f(10.0)
	m.PM10 = f(15.0)
	m.Temperature = f(23.0)
	m.Humidity = f(60.0)
	doy := 275
	m.DayOfYear = &doy
	m.Wind = f(1.4)
	m.RawJSON = `{"DeviceId":"S1"}`

	_, err := s.SaveBatch(ctx, []*Measurement{m})
	require.NoError(t, err)

	rows, err := s.Range(ctx, RangeQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, "S1", got.DeviceID)
	assert.Equal(t, ChannelUm1, got.Channel)
	require.NotNil(t, got.PM25)
	assert.Equal(t, 10.0, *got.PM25)
	require.NotNil(t, got.PM10)
	assert.Equal(t, 15.0, *got.PM10)
	require.NotNil(t, got.DayOfYear)
	assert.Equal(t, 275, *got.DayOfYear)
	require.NotNil(t, got.Wind)
	assert.Equal(t, 1.4, *got.Wind)
	assert.Equal(t, `{"DeviceId":"S1"}`, got.RawJSON)
	assert.Equal(t, ts.Unix(), got.Timestamp.Unix())
}

func TestRangeNullReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := NewMeasurement("S1", ChannelUm1, time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC))
	_, err := s.SaveBatch(ctx, []*Measurement{m})
	require.NoError(t, err)

	rows, err := s.Range(ctx, RangeQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].PM25)
	assert.Nil(t, rows[0].Temperature)
	assert.Nil(t, rows[0].DayOfYear)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 2, 8, 0, 0, 0, time.UTC)

	var batch []*Measurement
	for i, pm := range []float64{10, 20, 30} {
		m := NewMeasurement("S1", ChannelUm1, base.Add(time.Duration(i)*time.Minute))
		m.PM25 = f(pm)
		m.PM10 = f(pm * 2)
		m.Temperature = f(20 + float64(i))
		batch = append(batch, m)
	}
	_, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, RangeQuery{Devices: []string{"S1"}})
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Count)
	require.NotNil(t, stats.AvgPM25)
	assert.InDelta(t, 20.0, *stats.AvgPM25, 0.001)
	require.NotNil(t, stats.MaxPM25)
	assert.Equal(t, 30.0, *stats.MaxPM25)
	require.NotNil(t, stats.MinPM25)
	assert.Equal(t, 10.0, *stats.MinPM25)
	require.NotNil(t, stats.AvgTemperature)
	assert.InDelta(t, 21.0, *stats.AvgTemperature, 0.001)
	assert.Nil(t, stats.AvgHumidity)
}

func TestStatsEmptyStore(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.Stats(context.Background(), RangeQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count)
	assert.Nil(t, stats.AvgPM25)
}

func TestLargeBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var batch []*Measurement
	for d := 0; d < 5; d++ {
		for i := 0; i < 100; i++ {
			batch = append(batch, testMeasurement(
				fmt.Sprintf("S%d", d), ChannelUm1, base.Add(time.Duration(i)*time.Minute)))
		}
	}

	res, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 500, res.Inserted)
}
