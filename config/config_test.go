package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, DriverSQLite, c.DBDriver)
	assert.Equal(t, 5*time.Minute, c.ReaperInterval)
	assert.Equal(t, 100, c.ReaperBatch)
	assert.Equal(t, 15*time.Minute, c.HoldTTL)
	assert.Equal(t, time.Duration(0), c.BookingHoldTTL)
	assert.Equal(t, []string{"*"}, c.CORSOrigins)
	assert.Empty(t, c.AMQPURL)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("MENTOR_HTTP_ADDR", ":9090")
	t.Setenv("MENTOR_DB_DRIVER", "postgres")
	t.Setenv("MENTOR_DB_DSN", "postgres://localhost/mentor")
	t.Setenv("MENTOR_REAPER_INTERVAL", "30s")
	t.Setenv("MENTOR_BOOKING_HOLD_TTL", "2h")
	t.Setenv("MENTOR_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("MENTOR_LOG_LEVEL", "debug")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.HTTPAddr)
	assert.Equal(t, DriverPostgres, c.DBDriver)
	assert.Equal(t, 30*time.Second, c.ReaperInterval)
	assert.Equal(t, 2*time.Hour, c.BookingHoldTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSOrigins)

	level, err := c.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown driver", "MENTOR_DB_DRIVER", "mysql"},
		{"zero interval", "MENTOR_REAPER_INTERVAL", "0s"},
		{"bad batch", "MENTOR_REAPER_BATCH", "0"},
		{"negative ttl", "MENTOR_HOLD_TTL", "-1m"},
		{"bad level", "MENTOR_LOG_LEVEL", "loud"},
		{"unparsable duration", "MENTOR_REAPER_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
