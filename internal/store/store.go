// Package store persists bot entities. The supervisor only reads bots and
// patches the status fields it owns; definitions are written by the API and
// the seed loader.
package store

import (
	"context"
	"errors"

	"botvisor/internal/models"
)

var (
	ErrBotNotFound = errors.New("bot not found")
	ErrInvalidBot  = errors.New("invalid bot")
)

// Store is the full entity store used by the control surface.
type Store interface {
	GetBot(ctx context.Context, id int64) (*models.Bot, error)
	UpdateBot(ctx context.Context, id int64, patch models.BotPatch) (*models.Bot, error)
	// PutBot writes name, code and secret. A zero ID allocates a new bot;
	// status fields of an existing bot are preserved.
	PutBot(ctx context.Context, bot *models.Bot) (*models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)
	DeleteBot(ctx context.Context, id int64) error
	Close() error
}

func validate(bot *models.Bot) error {
	if bot == nil || bot.ID < 0 || bot.Name == "" {
		return ErrInvalidBot
	}
	return nil
}
