package service

import (
	"sync"

	"botvisor/internal/models"
)

// LogBuffer keeps the most recent child output lines across all bots.
type LogBuffer struct {
	mu         sync.RWMutex
	entries    []models.LogEntry
	maxEntries int
}

func NewLogBuffer(maxEntries int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LogBuffer{
		entries:    make([]models.LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

func (lb *LogBuffer) Add(entry models.LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries = append(lb.entries, entry)
	if len(lb.entries) > lb.maxEntries {
		lb.entries = lb.entries[len(lb.entries)-lb.maxEntries:]
	}
}

func (lb *LogBuffer) GetLast(n int) []models.LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n <= 0 || len(lb.entries) == 0 {
		return []models.LogEntry{}
	}

	start := 0
	if len(lb.entries) > n {
		start = len(lb.entries) - n
	}

	result := make([]models.LogEntry, len(lb.entries[start:]))
	copy(result, lb.entries[start:])
	return result
}

// GetByBot returns up to n of the newest entries for one bot, oldest first.
func (lb *LogBuffer) GetByBot(botID int64, n int) []models.LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	filtered := []models.LogEntry{}
	for _, e := range lb.entries {
		if e.BotID == botID {
			filtered = append(filtered, e)
		}
	}

	if n > 0 && len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered
}
