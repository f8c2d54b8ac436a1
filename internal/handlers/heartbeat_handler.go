package handlers

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"botvisor/internal/logging"
	"botvisor/internal/metrics"
)

const maxHeartbeatBytes = 4 << 10

// HeartbeatRecorder is the part of the supervisor heartbeat ingestion needs.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, id int64) bool
}

// HeartbeatPayload is what a bot's preamble posts. Older bots send botId.
type HeartbeatPayload struct {
	ID     *int64 `json:"id"`
	BotID  *int64 `json:"botId"`
	Status string `json:"status"`
}

func (p HeartbeatPayload) botID() (int64, bool) {
	switch {
	case p.ID != nil:
		return *p.ID, *p.ID > 0
	case p.BotID != nil:
		return *p.BotID, *p.BotID > 0
	}
	return 0, false
}

type HeartbeatHandler struct {
	rec   HeartbeatRecorder
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewHeartbeatHandler accepts at most perSecond heartbeats per bot with the
// given burst. A non-positive perSecond disables limiting.
func NewHeartbeatHandler(rec HeartbeatRecorder, perSecond float64, burst int) *HeartbeatHandler {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &HeartbeatHandler{
		rec:      rec,
		limit:    limit,
		burst:    burst,
		limiters: make(map[int64]*rate.Limiter),
	}
}

func (h *HeartbeatHandler) allow(id int64) bool {
	h.mu.Lock()
	l, ok := h.limiters[id]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[id] = l
	}
	h.mu.Unlock()
	return l.Allow()
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		metrics.Heartbeats.WithLabelValues("rejected").Inc()
		logging.Warn().Str("remote", r.RemoteAddr).Msg("heartbeat from non-local address rejected")
		writeError(w, http.StatusForbidden, "forbidden", "Heartbeats are accepted from localhost only")
		return
	}

	var p HeartbeatPayload
	r.Body = http.MaxBytesReader(w, r.Body, maxHeartbeatBytes)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		metrics.Heartbeats.WithLabelValues("rejected").Inc()
		logging.Warn().Err(err).Msg("malformed heartbeat payload")
		writeError(w, http.StatusBadRequest, "invalid_body", "Malformed heartbeat")
		return
	}
	id, ok := p.botID()
	if !ok || (p.Status != "" && p.Status != "online") {
		metrics.Heartbeats.WithLabelValues("rejected").Inc()
		logging.Warn().Int64("bot_id", id).Str("status", p.Status).Msg("malformed heartbeat payload")
		writeError(w, http.StatusBadRequest, "invalid_body", "Malformed heartbeat")
		return
	}

	if !h.allow(id) {
		metrics.Heartbeats.WithLabelValues("limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many heartbeats")
		return
	}

	if !h.rec.RecordHeartbeat(r.Context(), id) {
		// Unresolved ids keep no limiter.
		h.Forget(id)
		metrics.Heartbeats.WithLabelValues("failed").Inc()
		writeError(w, http.StatusNotFound, "not_found", "Heartbeat not recorded")
		return
	}
	metrics.Heartbeats.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, SuccessResponse{Status: "ok"})
}

// Forget drops the limiter of a deleted or unknown bot.
func (h *HeartbeatHandler) Forget(id int64) {
	h.mu.Lock()
	delete(h.limiters, id)
	h.mu.Unlock()
}
