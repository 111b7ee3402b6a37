// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable, e.g. MENTOR_HTTP_ADDR.
const Prefix = "MENTOR"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type App struct {
	// HTTP
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	// Storage
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"mentor.db"`

	// Holds and reaper
	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL" default:"5m"`
	ReaperBatch    int           `envconfig:"REAPER_BATCH" default:"100"`
	HoldTTL        time.Duration `envconfig:"HOLD_TTL" default:"15m"`
	BookingHoldTTL time.Duration `envconfig:"BOOKING_HOLD_TTL" default:"0"`

	// Collaborators
	MeetingBaseURL string `envconfig:"MEETING_BASE_URL" default:"https://meet.localhost"`
	AMQPURL        string `envconfig:"AMQP_URL"`
	AMQPExchange   string `envconfig:"AMQP_EXCHANGE" default:"mentor.bookings"`
	OTelEndpoint   string `envconfig:"OTEL_ENDPOINT"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (App, error) {
	var c App
	if err := envconfig.Process(Prefix, &c); err != nil {
		return App{}, err
	}
	return c, c.Validate()
}

// Validate checks values envconfig cannot.
func (c App) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}
	if c.DBDriver != DriverMemory && c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required for driver %s", c.DBDriver)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %s", c.ReaperInterval)
	}
	if c.ReaperBatch <= 0 {
		return fmt.Errorf("REAPER_BATCH must be positive, got %d", c.ReaperBatch)
	}
	if c.HoldTTL < 0 || c.BookingHoldTTL < 0 {
		return fmt.Errorf("hold TTLs must not be negative")
	}
	_, err := c.SlogLevel()
	return err
}

// SlogLevel parses LogLevel.
func (c App) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return l, nil
}
