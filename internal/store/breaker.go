package store

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"botvisor/internal/logging"
	"botvisor/internal/models"
)

// BreakerConfig controls when the breaker opens and how long it stays open.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	// OnStateChange is called in addition to the default log line.
	OnStateChange func(from, to gobreaker.State)
}

// Breaker wraps a Store so a failing backend fails fast instead of stalling
// every supervisor operation behind it. Not-found and validation errors do
// not count as failures.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[*models.Bot]
}

func NewBreaker(next Store, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrBotNotFound) || errors.Is(err, ErrInvalidBot)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[*models.Bot](settings)}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	return b.cb.Execute(func() (*models.Bot, error) {
		return b.next.GetBot(ctx, id)
	})
}

func (b *Breaker) UpdateBot(ctx context.Context, id int64, patch models.BotPatch) (*models.Bot, error) {
	return b.cb.Execute(func() (*models.Bot, error) {
		return b.next.UpdateBot(ctx, id, patch)
	})
}

func (b *Breaker) PutBot(ctx context.Context, bot *models.Bot) (*models.Bot, error) {
	return b.cb.Execute(func() (*models.Bot, error) {
		return b.next.PutBot(ctx, bot)
	})
}

func (b *Breaker) ListBots(ctx context.Context) ([]models.Bot, error) {
	var out []models.Bot
	_, err := b.cb.Execute(func() (*models.Bot, error) {
		var err error
		out, err = b.next.ListBots(ctx)
		return nil, err
	})
	return out, err
}

func (b *Breaker) DeleteBot(ctx context.Context, id int64) error {
	_, err := b.cb.Execute(func() (*models.Bot, error) {
		return nil, b.next.DeleteBot(ctx, id)
	})
	return err
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
