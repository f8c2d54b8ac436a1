package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"botvisor/internal/models"
)

// Memory is a non-durable Store for tests and throwaway runs.
type Memory struct {
	mu     sync.RWMutex
	bots   map[int64]models.Bot
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{bots: make(map[int64]models.Bot)}
}

func (m *Memory) GetBot(_ context.Context, id int64) (*models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bots[id]
	if !ok {
		return nil, ErrBotNotFound
	}
	return &b, nil
}

func (m *Memory) UpdateBot(_ context.Context, id int64, patch models.BotPatch) (*models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bots[id]
	if !ok {
		return nil, ErrBotNotFound
	}
	patch.Apply(&b)
	b.UpdatedAt = time.Now().UTC()
	m.bots[id] = b
	return &b, nil
}

func (m *Memory) PutBot(_ context.Context, bot *models.Bot) (*models.Bot, error) {
	if err := validate(bot); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	id := bot.ID
	if id == 0 {
		m.nextID++
		id = m.nextID
	}
	if id > m.nextID {
		m.nextID = id
	}

	stored, ok := m.bots[id]
	if !ok {
		stored = models.Bot{ID: id, CreatedAt: now}
	}
	stored.Name = bot.Name
	stored.Code = bot.Code
	stored.Secret = bot.Secret
	stored.UpdatedAt = now
	m.bots[id] = stored
	return &stored, nil
}

func (m *Memory) ListBots(_ context.Context) ([]models.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteBot(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bots[id]; !ok {
		return ErrBotNotFound
	}
	delete(m.bots, id)
	return nil
}

func (m *Memory) Close() error { return nil }
