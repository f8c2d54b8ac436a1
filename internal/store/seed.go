package store

import (
	"context"
	"errors"
	"fmt"

	"botvisor/internal/config"
	"botvisor/internal/models"
)

// Seed upserts the declared bots and returns the ids marked autostart.
// Empty seed fields leave what the store already holds.
func Seed(ctx context.Context, s Store, seeds []config.BotSeed) ([]int64, error) {
	var autostart []int64
	for _, seed := range seeds {
		bot, err := s.GetBot(ctx, seed.ID)
		switch {
		case errors.Is(err, ErrBotNotFound):
			bot = &models.Bot{ID: seed.ID}
		case err != nil:
			return nil, fmt.Errorf("seed bot %d: %w", seed.ID, err)
		}

		if seed.Name != "" {
			bot.Name = seed.Name
		}
		if seed.Code != "" {
			bot.Code = seed.Code
		}
		if seed.Secret != "" {
			bot.Secret = seed.Secret
		}
		if _, err := s.PutBot(ctx, bot); err != nil {
			return nil, fmt.Errorf("seed bot %d: %w", seed.ID, err)
		}
		if seed.AutoStart {
			autostart = append(autostart, seed.ID)
		}
	}
	return autostart, nil
}
