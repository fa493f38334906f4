package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aqstream/aqstream/internal/ingest/logging"
)

func TestPostgresConfigDefaults(t *testing.T) {
	cfg := PostgresConfig{URL: "postgres://localhost/aq"}.withDefaults()
	assert.Equal(t, DefaultMaxOpenConns, cfg.MaxOpenConns)
	assert.Equal(t, DefaultMaxIdleConns, cfg.MaxIdleConns)

	cfg = PostgresConfig{URL: "postgres://localhost/aq", MaxOpenConns: 3, MaxIdleConns: 2}.withDefaults()
	assert.Equal(t, 3, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
}

func TestNewPostgresRequiresURL(t *testing.T) {
	_, err := NewPostgres(PostgresConfig{}, logging.Nop())
	assert.Error(t, err)
}

func TestPostgresDialect(t *testing.T) {
	d := postgresDialect{}
	assert.Equal(t, "$1", d.placeholder(1))
	assert.Equal(t, "$12", d.placeholder(12))
	assert.False(t, d.isUniqueViolation(assert.AnError))
}
