package models

import "time"

// Bot is a supervised entity: user code plus the secret it runs with.
type Bot struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Code          string     `json:"code,omitempty"`
	Secret        string     `json:"-"`
	Online        bool       `json:"online"`
	Deployed      bool       `json:"deployed"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BotPatch is a partial update of the fields the supervisor owns.
// A nil pointer leaves the field untouched; ClearHeartbeat wins over LastHeartbeat.
type BotPatch struct {
	Online         *bool
	Deployed       *bool
	LastHeartbeat  *time.Time
	ClearHeartbeat bool
}

// Apply copies the set fields of p onto b.
func (p BotPatch) Apply(b *Bot) {
	if p.Online != nil {
		b.Online = *p.Online
	}
	if p.Deployed != nil {
		b.Deployed = *p.Deployed
	}
	switch {
	case p.ClearHeartbeat:
		b.LastHeartbeat = nil
	case p.LastHeartbeat != nil:
		t := *p.LastHeartbeat
		b.LastHeartbeat = &t
	}
}

func Bool(v bool) *bool { return &v }

func Time(t time.Time) *time.Time { return &t }

// Status is the supervisor's view of a bot's process.
type Status struct {
	ID           int64  `json:"id"`
	IsRunning    bool   `json:"is_running"`
	UptimeMillis *int64 `json:"uptime_ms,omitempty"`
	Pid          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restart_count"`
}

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	BotID     int64  `json:"bot_id,omitempty"`
	Stream    string `json:"stream,omitempty"`
}

// ActivityType classifies lifecycle events shown in the activity feed.
type ActivityType string

const (
	ActivityDeployment ActivityType = "deployment"
	ActivityOnline     ActivityType = "online"
	ActivityOffline    ActivityType = "offline"
	ActivityCrash      ActivityType = "crash"
	ActivityRestart    ActivityType = "restart"
	ActivityStopped    ActivityType = "stopped"
	ActivityExited     ActivityType = "exited"
	ActivityExhausted  ActivityType = "exhausted"
	ActivityError      ActivityType = "error"
)

// Activity is one lifecycle event for a bot.
type Activity struct {
	BotID     int64        `json:"bot_id"`
	Type      ActivityType `json:"type"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}
