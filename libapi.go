package aqstream

import (
	"github.com/aqstream/aqstream/internal/ingest"
	"github.com/aqstream/aqstream/internal/ingest/config"
	"github.com/aqstream/aqstream/internal/ingest/errors"
	"github.com/aqstream/aqstream/internal/ingest/ids"
	"github.com/aqstream/aqstream/internal/ingest/jsoncodec"
	"github.com/aqstream/aqstream/internal/ingest/logging"
	"github.com/aqstream/aqstream/store"
	"github.com/aqstream/aqstream/stream"
)

// Pipeline orchestration.
type (
	Config   = config.Config
	Pipeline = ingest.Pipeline
)

// NewPipeline validates dependencies and builds a pipeline.
var NewPipeline = ingest.New

// Stream contracts.
type (
	Event              = stream.Event
	PartitionSession   = stream.PartitionSession
	Source             = stream.Source
	StartPosition      = stream.StartPosition
	ConnectionSettings = stream.ConnectionSettings
)

var (
	ParseConnectionString = stream.ParseConnectionString
	ParseStartPosition    = stream.ParseStartPosition
)

// Persistence.
type (
	Measurement      = store.Measurement
	MeasurementStore = store.MeasurementStore
	FlushResult      = store.FlushResult
	RangeQuery       = store.RangeQuery
	PostgresConfig   = store.PostgresConfig
	SQLiteConfig     = store.SQLiteConfig
)

var (
	NewPostgresStore = store.NewPostgres
	NewSQLiteStore   = store.NewSQLite
)

// Error taxonomy.
type (
	ConfigurationError = errors.ConfigurationError
	TransportError     = errors.TransportError
)

// Logging.
type (
	ServiceLogger = logging.ServiceLogger
	LogFields     = logging.LogFields
)

var (
	NewSlogServiceLogger      = logging.NewSlogServiceLogger
	NewWatermillServiceLogger = logging.NewWatermillServiceLogger
	NewWatermillAdapter       = logging.NewWatermillAdapter
	NopLogger                 = logging.Nop
)

// Encoding aliases, backed by the shared JSON codec.
var (
	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

// NewRunID generates a lexicographically sortable unique run identifier.
var NewRunID = ids.NewRunID
