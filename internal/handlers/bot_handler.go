package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"botvisor/internal/logging"
	"botvisor/internal/models"
	"botvisor/internal/service"
	"botvisor/internal/store"
)

const (
	defaultLogLimit      = 50
	maxLogLimit          = 1000
	defaultActivityLimit = 10
	maxActivityLimit     = 200
	maxBodyBytes         = 1 << 20
)

type BotHandler struct {
	sup      *service.Supervisor
	store    store.Store
	validate *validator.Validate
	onDelete []func(id int64)
}

func NewBotHandler(sup *service.Supervisor, st store.Store) *BotHandler {
	return &BotHandler{
		sup:      sup,
		store:    st,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// BotView is a bot as the API shows it. The secret is never included.
type BotView struct {
	models.Bot
	HasSecret bool          `json:"has_secret"`
	Status    models.Status `json:"status"`
	Uptime    string        `json:"uptime,omitempty"`
}

// OnDelete registers fn to run after a bot record is deleted.
func (h *BotHandler) OnDelete(fn func(id int64)) {
	h.onDelete = append(h.onDelete, fn)
}

func (h *BotHandler) view(b *models.Bot) BotView {
	st := h.sup.Status(b.ID)
	v := BotView{Bot: *b, HasSecret: b.Secret != "", Status: st}
	if st.UptimeMillis != nil {
		v.Uptime = service.FormatUptime(time.Duration(*st.UptimeMillis) * time.Millisecond)
	}
	return v
}

type CreateBotRequest struct {
	ID     int64  `json:"id" validate:"gte=0"`
	Name   string `json:"name" validate:"required,max=100"`
	Code   string `json:"code" validate:"max=1048576"`
	Secret string `json:"secret" validate:"max=512"`
}

type UpdateBotRequest struct {
	Name   *string `json:"name" validate:"omitnil,min=1,max=100"`
	Code   *string `json:"code" validate:"omitnil,max=1048576"`
	Secret *string `json:"secret" validate:"omitnil,max=512"`
}

func (h *BotHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body is not valid JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "Invalid field: "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func (h *BotHandler) ListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.store.ListBots(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("failed to list bots")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Failed to list bots")
		return
	}
	views := make([]BotView, 0, len(bots))
	for i := range bots {
		views = append(views, h.view(&bots[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *BotHandler) CreateBot(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID > 0 {
		if _, err := h.store.GetBot(r.Context(), req.ID); err == nil {
			writeError(w, http.StatusConflict, "bot_exists", "Bot already exists")
			return
		}
	}

	bot, err := h.store.PutBot(r.Context(), &models.Bot{
		ID:     req.ID,
		Name:   req.Name,
		Code:   req.Code,
		Secret: req.Secret,
	})
	if err != nil {
		h.storeError(w, err, "Failed to create bot")
		return
	}
	h.sup.Activity().Record(bot.ID, models.ActivityDeployment, "Bot was connected successfully")
	writeJSON(w, http.StatusCreated, h.view(bot))
}

func (h *BotHandler) GetBot(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Bot id must be a positive integer")
		return
	}
	bot, err := h.store.GetBot(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "Failed to load bot")
		return
	}
	writeJSON(w, http.StatusOK, h.view(bot))
}

// UpdateBot changes name, code or secret. A running bot keeps its current
// code until it is restarted.
func (h *BotHandler) UpdateBot(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Bot id must be a positive integer")
		return
	}
	var req UpdateBotRequest
	if !h.decode(w, r, &req) {
		return
	}

	bot, err := h.store.GetBot(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "Failed to load bot")
		return
	}
	if req.Name != nil {
		bot.Name = *req.Name
	}
	if req.Code != nil {
		bot.Code = *req.Code
	}
	if req.Secret != nil {
		bot.Secret = *req.Secret
	}

	bot, err = h.store.PutBot(r.Context(), bot)
	if err != nil {
		h.storeError(w, err, "Failed to update bot")
		return
	}
	writeJSON(w, http.StatusOK, h.view(bot))
}

// DeleteBot stops the bot before removing its record.
func (h *BotHandler) DeleteBot(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Bot id must be a positive integer")
		return
	}
	if _, err := h.store.GetBot(r.Context(), id); err != nil {
		h.storeError(w, err, "Failed to load bot")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if !h.sup.Stop(ctx, id) {
		writeError(w, http.StatusInternalServerError, "stop_failed", "Failed to stop bot")
		return
	}
	if err := h.store.DeleteBot(ctx, id); err != nil {
		h.storeError(w, err, "Failed to delete bot")
		return
	}
	for _, fn := range h.onDelete {
		fn(id)
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Status: "deleted", Message: "Bot deleted successfully"})
}

func (h *BotHandler) storeError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, store.ErrBotNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Bot not found")
	case errors.Is(err, store.ErrInvalidBot):
		writeError(w, http.StatusBadRequest, "invalid_bot", err.Error())
	default:
		logging.Error().Err(err).Msg(message)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", message)
	}
}

// lifecycle runs a supervisor operation detached from the request so a
// client disconnect cannot abort an install halfway. The operation is
// bounded by the supervisor's own timeouts, so the server write deadline
// is lifted for its duration.
func (h *BotHandler) lifecycle(op func(context.Context, int64) bool, status, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := botID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_id", "Bot id must be a positive integer")
			return
		}
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
			logging.Debug().Err(err).Int64("bot_id", id).Msg("write deadline not cleared")
		}
		if !op(context.WithoutCancel(r.Context()), id) {
			writeError(w, http.StatusInternalServerError, verb+"_failed", "Failed to "+verb+" bot")
			return
		}
		writeJSON(w, http.StatusOK, SuccessResponse{
			Status:  status,
			Message: "Bot " + status + " successfully",
		})
	}
}

func (h *BotHandler) StartBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.sup.Start, "started", "start")(w, r)
}

func (h *BotHandler) StopBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.sup.Stop, "stopped", "stop")(w, r)
}

func (h *BotHandler) RestartBot(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(h.sup.Restart, "restarted", "restart")(w, r)
}

func (h *BotHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Bot id must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, h.sup.Status(id))
}

func (h *BotHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Bot id must be a positive integer")
		return
	}
	n := queryInt(r, "limit", defaultLogLimit, maxLogLimit)
	writeJSON(w, http.StatusOK, h.sup.Logs().GetByBot(id, n))
}

func (h *BotHandler) ListRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.ListRunning())
}

// GetActivities returns the newest activities, optionally for one bot.
func (h *BotHandler) GetActivities(w http.ResponseWriter, r *http.Request) {
	var id int64
	if raw := r.URL.Query().Get("bot_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_id", "bot_id must be a positive integer")
			return
		}
		id = parsed
	}
	n := queryInt(r, "limit", defaultActivityLimit, maxActivityLimit)
	writeJSON(w, http.StatusOK, h.sup.Activity().Recent(id, n))
}

type StatsResponse struct {
	TotalBots    int `json:"total_bots"`
	OnlineBots   int `json:"online_bots"`
	DeployedBots int `json:"deployed_bots"`
	RunningBots  int `json:"running_bots"`
}

func (h *BotHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	bots, err := h.store.ListBots(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("failed to list bots")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Failed to load stats")
		return
	}
	stats := StatsResponse{TotalBots: len(bots), RunningBots: len(h.sup.ListRunning())}
	for _, b := range bots {
		if b.Online {
			stats.OnlineBots++
		}
		if b.Deployed {
			stats.DeployedBots++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}
