package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botvisor/internal/config"
	"botvisor/internal/handlers"
	"botvisor/internal/middleware"
	"botvisor/internal/service"
	"botvisor/internal/store"
	"botvisor/internal/websocket"
)

type Router struct {
	*mux.Router
}

type Deps struct {
	Supervisor *service.Supervisor
	Store      store.Store
	Hub        *websocket.Hub
	Server     config.ServerConfig
}

func NewRouter(d Deps) *Router {
	r := mux.NewRouter()

	botHandler := handlers.NewBotHandler(d.Supervisor, d.Store)
	heartbeat := handlers.NewHeartbeatHandler(d.Supervisor, d.Server.HeartbeatRate, d.Server.HeartbeatBurst)
	botHandler.OnDelete(heartbeat.Forget)

	// Reads go through the store breaker, so an open breaker fails readiness.
	storeReady := func(ctx context.Context) error {
		_, err := d.Store.ListBots(ctx)
		return err
	}

	// Probes and scrapes
	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", handlers.ReadyCheck(storeReady)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if d.Hub != nil {
		r.HandleFunc("/ws", handlers.WebSocket(d.Hub)).Methods(http.MethodGet)
	}

	// Called by bot processes, not operators
	r.Handle(config.HeartbeatPath, heartbeat).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/bots", botHandler.ListBots).Methods(http.MethodGet)
	api.HandleFunc("/bots", botHandler.CreateBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id:[0-9]+}", botHandler.GetBot).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id:[0-9]+}", botHandler.UpdateBot).Methods(http.MethodPut)
	api.HandleFunc("/bots/{id:[0-9]+}", botHandler.DeleteBot).Methods(http.MethodDelete)
	api.HandleFunc("/bots/{id:[0-9]+}/start", botHandler.StartBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id:[0-9]+}/stop", botHandler.StopBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id:[0-9]+}/restart", botHandler.RestartBot).Methods(http.MethodPost)
	api.HandleFunc("/bots/{id:[0-9]+}/status", botHandler.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id:[0-9]+}/logs", botHandler.GetLogs).Methods(http.MethodGet)
	api.HandleFunc("/running", botHandler.ListRunning).Methods(http.MethodGet)
	api.HandleFunc("/activities", botHandler.GetActivities).Methods(http.MethodGet)
	api.HandleFunc("/stats", botHandler.GetStats).Methods(http.MethodGet)

	// Apply middleware
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.Metrics)

	return &Router{Router: r}
}
