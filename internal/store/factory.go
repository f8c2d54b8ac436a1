package store

import (
	"fmt"

	gobreaker "github.com/sony/gobreaker/v2"

	"botvisor/internal/config"
	"botvisor/internal/metrics"
)

// Open builds the configured Store wrapped in a circuit breaker.
func Open(cfg config.StoreConfig) (*Breaker, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		s, err = OpenSQLite(cfg.Path)
	case "badger":
		s, err = OpenBadger(cfg.Path)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewBreaker(s, BreakerConfig{
		Name:             cfg.Driver,
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange: func(_, to gobreaker.State) {
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	}), nil
}
