// Package store persists sensor measurements durably and idempotently.
//
// Two backends share the same schema and flush logic: PostgreSQL for
// production and SQLite for tests and local development. Deduplication runs
// on the measurement natural key before insertion, and the unique constraint
// on the same key is the final arbiter under concurrent writers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aqstream/aqstream/internal/ingest/logging"
)

// SensorChannel identifies one of the two physical sub-sensor channels.
type SensorChannel string

const (
	ChannelUm1 SensorChannel = "Um1"
	ChannelUm2 SensorChannel = "Um2"
)

// Measurement is the persisted unit. Once committed it is immutable history;
// the pipeline never updates or deletes rows.
//
// The natural key is (DeviceID, Channel, Timestamp). Timestamp precision is
// whole seconds: NewMeasurement truncates on construction so the in-batch
// key, the dedup lookup, and the persisted row always agree.
type Measurement struct {
	ID       int64
	DeviceID string
	Channel  SensorChannel

	// Particulate concentrations, one pair per channel.
	PM25 *float64
	PM10 *float64

	// Shared ambient readings.
	Temperature *float64
	Humidity    *float64

	// Extension fields some firmware revisions emit.
	DayOfYear *int
	Wind      *float64

	// Timestamp is the civil (fixed-timezone) reading time, second
	// precision.
	Timestamp time.Time

	// RawJSON snapshots the original payload for audit.
	RawJSON string

	CreatedAt time.Time
}

// NewMeasurement constructs a measurement with the natural-key fields
// normalized.
func NewMeasurement(deviceID string, channel SensorChannel, ts time.Time) *Measurement {
	return &Measurement{
		DeviceID:  deviceID,
		Channel:   channel,
		Timestamp: ts.Truncate(time.Second),
		CreatedAt: time.Now().In(ts.Location()).Truncate(time.Second),
	}
}

// Key is the comparable form of the natural key. Timestamps compare by
// absolute instant so rows scanned back in a different zone representation
// still match.
type Key struct {
	DeviceID string
	Channel  SensorChannel
	Unix     int64
}

// NaturalKey returns the measurement's natural key.
func (m *Measurement) NaturalKey() Key {
	return Key{DeviceID: m.DeviceID, Channel: m.Channel, Unix: m.Timestamp.Unix()}
}

// RowOutcome is the typed result of persisting one row. A uniqueness
// violation is an expected duplicate, not an error.
type RowOutcome int

const (
	RowInserted RowOutcome = iota
	RowDuplicateSkipped
	RowFailed
)

// FlushResult aggregates per-row outcomes for one flushed batch.
type FlushResult struct {
	Inserted          int
	DuplicatesSkipped int
	Failed            int
}

// RangeQuery filters measurement reads. Zero-valued fields are unbounded.
type RangeQuery struct {
	Devices  []string
	Channels []SensorChannel
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Stats summarizes measurements matching a RangeQuery. Pointer fields are
// nil when no matching rows carry the reading.
type Stats struct {
	Count          int64    `json:"count"`
	AvgPM25        *float64 `json:"avg_pm25"`
	MaxPM25        *float64 `json:"max_pm25"`
	MinPM25        *float64 `json:"min_pm25"`
	AvgPM10        *float64 `json:"avg_pm10"`
	MaxPM10        *float64 `json:"max_pm10"`
	MinPM10        *float64 `json:"min_pm10"`
	AvgTemperature *float64 `json:"avg_temp"`
	AvgHumidity    *float64 `json:"avg_rh"`
}

// MeasurementStore is the persistence contract consumed by the pipeline and
// the read API.
type MeasurementStore interface {
	// SaveBatch deduplicates and durably writes a batch. Replaying an
	// identical batch any number of times converges to the same row set and
	// reports the same duplicate count.
	SaveBatch(ctx context.Context, batch []*Measurement) (FlushResult, error)
	Range(ctx context.Context, q RangeQuery) ([]*Measurement, error)
	Stats(ctx context.Context, q RangeQuery) (Stats, error)
	Close() error
}

// dialect abstracts the SQL differences between backends.
type dialect interface {
	name() string
	// placeholder returns the bind-parameter token for 1-based position n.
	placeholder(n int) string
	// isUniqueViolation reports whether err is a natural-key uniqueness
	// violation.
	isUniqueViolation(err error) bool
}

// baseStore implements MeasurementStore on database/sql for a dialect.
type baseStore struct {
	db     *sql.DB
	d      dialect
	logger logging.ServiceLogger
}

const insertColumns = "device_id, sensor_channel, pm25, pm10, temp, rh, doy, w, fecha, fechah_local, raw_json, created_at"

func (s *baseStore) insertSQL() string {
	binds := make([]string, 12)
	for i := range binds {
		binds[i] = s.d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO measurements (%s) VALUES (%s)", insertColumns, strings.Join(binds, ", "))
}

func insertArgs(m *Measurement) []any {
	return []any{
		m.DeviceID,
		string(m.Channel),
		m.PM25,
		m.PM10,
		m.Temperature,
		m.Humidity,
		m.DayOfYear,
		m.Wind,
		m.Timestamp.Format("2006-01-02"),
		m.Timestamp,
		m.RawJSON,
		m.CreatedAt,
	}
}

// SaveBatch computes natural keys, skips keys already present (in the batch
// or in the store), and bulk-inserts the remainder in one transaction. If
// the bulk insert fails it retries row by row with typed outcomes, so one
// bad row never aborts the rest of the batch.
func (s *baseStore) SaveBatch(ctx context.Context, batch []*Measurement) (FlushResult, error) {
	var res FlushResult
	if len(batch) == 0 {
		return res, nil
	}

	// Collapse in-batch duplicates first; redelivery can place the same
	// logical reading in one batch twice.
	seen := make(map[Key]struct{}, len(batch))
	fresh := make([]*Measurement, 0, len(batch))
	for _, m := range batch {
		k := m.NaturalKey()
		if _, dup := seen[k]; dup {
			res.DuplicatesSkipped++
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, m)
	}

	existing, err := s.existingKeys(ctx, fresh)
	if err != nil {
		return res, fmt.Errorf("store: duplicate lookup: %w", err)
	}

	toInsert := make([]*Measurement, 0, len(fresh))
	for _, m := range fresh {
		if _, dup := existing[m.NaturalKey()]; dup {
			res.DuplicatesSkipped++
			continue
		}
		toInsert = append(toInsert, m)
	}
	if len(toInsert) == 0 {
		return res, nil
	}

	if err := s.bulkInsert(ctx, toInsert); err != nil {
		s.logger.Warn("bulk insert failed, retrying row by row", logging.LogFields{
			"backend": s.d.name(),
			"rows":    len(toInsert),
			"error":   err.Error(),
		})
		s.insertRowByRow(ctx, toInsert, &res)
		return res, nil
	}

	res.Inserted += len(toInsert)
	return res, nil
}

func (s *baseStore) existingKeys(ctx context.Context, batch []*Measurement) (map[Key]struct{}, error) {
	keys := make(map[Key]struct{})
	if len(batch) == 0 {
		return keys, nil
	}

	tuples := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*3)
	for i, m := range batch {
		base := i * 3
		tuples = append(tuples, fmt.Sprintf("(%s, %s, %s)",
			s.d.placeholder(base+1), s.d.placeholder(base+2), s.d.placeholder(base+3)))
		args = append(args, m.DeviceID, string(m.Channel), m.Timestamp)
	}

	query := fmt.Sprintf(
		"SELECT device_id, sensor_channel, fechah_local FROM measurements WHERE (device_id, sensor_channel, fechah_local) IN (%s)",
		strings.Join(tuples, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var device, channel string
		var ts time.Time
		if err := rows.Scan(&device, &channel, &ts); err != nil {
			return nil, err
		}
		keys[Key{DeviceID: device, Channel: SensorChannel(channel), Unix: ts.Unix()}] = struct{}{}
	}
	return keys, rows.Err()
}

func (s *baseStore) bulkInsert(ctx context.Context, batch []*Measurement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.insertSQL())
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, insertArgs(m)...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return tx.Commit()
}

// insertRowByRow degrades a failed bulk insert into per-row inserts with
// typed outcomes. A row that individually violates uniqueness is a skipped
// duplicate (a concurrent writer raced the constraint); any other row
// failure is logged and skipped without aborting the rest.
func (s *baseStore) insertRowByRow(ctx context.Context, batch []*Measurement, res *FlushResult) {
	query := s.insertSQL()
	for _, m := range batch {
		_, err := s.db.ExecContext(ctx, query, insertArgs(m)...)
		switch outcome := s.classifyRow(err); outcome {
		case RowInserted:
			res.Inserted++
		case RowDuplicateSkipped:
			res.DuplicatesSkipped++
		case RowFailed:
			res.Failed++
			s.logger.Error("row insert failed, skipping", err, logging.LogFields{
				"device_id": m.DeviceID,
				"channel":   string(m.Channel),
				"timestamp": m.Timestamp,
			})
		}
	}
}

func (s *baseStore) classifyRow(err error) RowOutcome {
	switch {
	case err == nil:
		return RowInserted
	case s.d.isUniqueViolation(err):
		return RowDuplicateSkipped
	default:
		return RowFailed
	}
}

func (s *baseStore) whereClause(q RangeQuery, args *[]any) string {
	var conds []string
	next := func() string { return s.d.placeholder(len(*args)) }

	if len(q.Devices) > 0 {
		binds := make([]string, len(q.Devices))
		for i, d := range q.Devices {
			*args = append(*args, d)
			binds[i] = next()
		}
		conds = append(conds, fmt.Sprintf("device_id IN (%s)", strings.Join(binds, ", ")))
	}
	if len(q.Channels) > 0 {
		binds := make([]string, len(q.Channels))
		for i, c := range q.Channels {
			*args = append(*args, string(c))
			binds[i] = next()
		}
		conds = append(conds, fmt.Sprintf("sensor_channel IN (%s)", strings.Join(binds, ", ")))
	}
	if !q.From.IsZero() {
		*args = append(*args, q.From)
		conds = append(conds, "fechah_local >= "+next())
	}
	if !q.To.IsZero() {
		*args = append(*args, q.To)
		conds = append(conds, "fechah_local <= "+next())
	}

	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// Range returns measurements matching q, newest first.
func (s *baseStore) Range(ctx context.Context, q RangeQuery) ([]*Measurement, error) {
	var args []any
	query := "SELECT id, device_id, sensor_channel, pm25, pm10, temp, rh, doy, w, fechah_local, raw_json, created_at FROM measurements" +
		s.whereClause(q, &args) +
		" ORDER BY fechah_local DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	query += " LIMIT " + s.d.placeholder(len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += " OFFSET " + s.d.placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: range query: %w", err)
	}
	defer rows.Close()

	var out []*Measurement
	for rows.Next() {
		var m Measurement
		var channel string
		if err := rows.Scan(&m.ID, &m.DeviceID, &channel, &m.PM25, &m.PM10, &m.Temperature, &m.Humidity,
			&m.DayOfYear, &m.Wind, &m.Timestamp, &m.RawJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Channel = SensorChannel(channel)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Stats returns aggregate statistics for measurements matching q.
func (s *baseStore) Stats(ctx context.Context, q RangeQuery) (Stats, error) {
	var args []any
	query := "SELECT COUNT(id), AVG(pm25), MAX(pm25), MIN(pm25), AVG(pm10), MAX(pm10), MIN(pm10), AVG(temp), AVG(rh) FROM measurements" +
		s.whereClause(q, &args)

	var st Stats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.Count, &st.AvgPM25, &st.MaxPM25, &st.MinPM25,
		&st.AvgPM10, &st.MaxPM10, &st.MinPM10,
		&st.AvgTemperature, &st.AvgHumidity)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats query: %w", err)
	}
	return st, nil
}

// Close releases the underlying database handle.
func (s *baseStore) Close() error {
	return s.db.Close()
}
