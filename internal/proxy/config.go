package proxy

import (
	"log/slog"

	"github.com/die-net/ruleproxy/internal/connector"
	"github.com/die-net/ruleproxy/internal/metrics"
)

// DefaultMaxHeaderBytes bounds a request's line and headers together.
const DefaultMaxHeaderBytes = 64 << 10

type Config struct {
	// Connector resolves every request's destination.
	Connector connector.Connector

	// MaxHeaderBytes bounds the request head. Zero means
	// DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
