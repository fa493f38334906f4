// Package errors defines the error taxonomy of the ingestion pipeline.
//
// ConfigurationError and TransportError are the only errors allowed to escape
// the consume loop: the first halts startup before any network call, the
// second terminates the process so an external supervisor can restart it.
// Everything else (parse failures, unattributable events, per-row persistence
// failures) is counted, logged, and kept inside the loop.
package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrConsumerGroupRequired    = sterrors.New("aqstream: consumer group is required")
	ErrConnectionStringRequired = sterrors.New("aqstream: connection string is required")
	ErrStoreRequired            = sterrors.New("aqstream: measurement store is required")
	ErrSourceRequired           = sterrors.New("aqstream: stream source is required")
	ErrLoggerRequired           = sterrors.New("aqstream: logger is required")
	ErrEntityPathMissing        = sterrors.New("aqstream: connection string has no EntityPath; copy the Event Hub-compatible endpoint from the hub's built-in endpoints")
)

// ConfigurationError is fatal and pre-flight: a malformed descriptor or an
// invalid configuration value detected before any network call.
type ConfigurationError struct {
	Err error
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("aqstream: invalid configuration: %v", e.Err)
}

func (e ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err as a ConfigurationError. Returns nil when
// err is nil.
func NewConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigurationError{Err: err}
}

// TransportError is a connectivity or auth failure during consumption. It is
// logged with context and re-raised, never retried at this layer.
type TransportError struct {
	Host          string
	ConsumerGroup string
	Err           error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("aqstream: stream transport failure (host=%s, consumer_group=%s): %v", e.Host, e.ConsumerGroup, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err with stream connection context. Returns nil
// when err is nil.
func NewTransportError(host, consumerGroup string, err error) error {
	if err == nil {
		return nil
	}
	return TransportError{Host: host, ConsumerGroup: consumerGroup, Err: err}
}
