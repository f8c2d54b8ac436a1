package service

import (
	"sync"
	"time"

	"botvisor/internal/models"
)

// EventSink receives every recorded activity, e.g. the websocket hub.
type EventSink interface {
	Publish(activity models.Activity)
}

// ActivityFeed is a bounded, in-memory history of lifecycle events.
type ActivityFeed struct {
	mu      sync.RWMutex
	entries []models.Activity
	max     int
	sinks   []EventSink
}

func NewActivityFeed(max int) *ActivityFeed {
	if max <= 0 {
		max = 200
	}
	return &ActivityFeed{max: max}
}

func (f *ActivityFeed) Subscribe(sink EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

func (f *ActivityFeed) Record(botID int64, typ models.ActivityType, message string) {
	a := models.Activity{
		BotID:     botID,
		Type:      typ,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	f.entries = append(f.entries, a)
	if len(f.entries) > f.max {
		f.entries = f.entries[len(f.entries)-f.max:]
	}
	sinks := f.sinks
	f.mu.Unlock()

	for _, s := range sinks {
		s.Publish(a)
	}
}

// Recent returns up to n activities, newest first. A botID of 0 matches all bots.
func (f *ActivityFeed) Recent(botID int64, n int) []models.Activity {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := []models.Activity{}
	for i := len(f.entries) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if botID == 0 || f.entries[i].BotID == botID {
			out = append(out, f.entries[i])
		}
	}
	return out
}
