package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/aqstream/aqstream/internal/ingest/logging"
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
}

func (c SQLiteConfig) withDefaults() SQLiteConfig {
	if c.FilePath == "" {
		c.FilePath = "aqstream.db"
	}
	return c
}

// SQLiteStore is a file-backed MeasurementStore for tests and local
// development. It implements the same dedup and flush semantics as the
// PostgreSQL store.
type SQLiteStore struct {
	baseStore
}

// NewSQLite opens (or creates) the database file and initializes the schema.
func NewSQLite(cfg SQLiteConfig, logger logging.ServiceLogger) (*SQLiteStore, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open SQLite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{baseStore: baseStore{db: db, d: sqliteDialect{}, logger: logger}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		sensor_channel TEXT NOT NULL,
		pm25 REAL,
		pm10 REAL,
		temp REAL,
		rh REAL,
		doy INTEGER,
		w REAL,
		fecha DATE NOT NULL,
		fechah_local TIMESTAMP NOT NULL,
		raw_json TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (device_id, sensor_channel, fechah_local)
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_fechah_local
		ON measurements(fechah_local);

	CREATE INDEX IF NOT EXISTS idx_measurements_device_fecha
		ON measurements(device_id, fecha);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for advanced use cases.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
