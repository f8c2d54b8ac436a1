// Package service supervises one OS process per bot: start, stop, restart,
// crash handling with a bounded restart budget, and heartbeat sweeps.
//
// Every public operation is total: failures are logged and reported as
// false, never returned to the caller. Lifecycle operations on the same bot
// are serialized; different bots proceed in parallel.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"botvisor/internal/config"
	"botvisor/internal/logging"
	"botvisor/internal/metrics"
	"botvisor/internal/models"
	"botvisor/internal/workspace"
)

const (
	triggerManual  = "manual"
	triggerAuto    = "auto"
	triggerBoot    = "boot"
	triggerRestart = "restart"
)

// Store is the part of the entity store the supervisor depends on.
type Store interface {
	GetBot(ctx context.Context, id int64) (*models.Bot, error)
	UpdateBot(ctx context.Context, id int64, patch models.BotPatch) (*models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)
}

type Options struct {
	InstallCommand []string
	ExecCommand    []string
	InstallTimeout time.Duration
	// SpawnTimeout bounds the store and filesystem work around a spawn.
	SpawnTimeout     time.Duration
	StopTimeout      time.Duration
	RestartDelay     time.Duration
	SettleDelay      time.Duration
	MaxRestarts      int
	StaleAfter       time.Duration
	SweepTimeout     time.Duration
	SweepConcurrency int
	OutputDir        string
	LogBufferSize    int
	ActivityLimit    int
}

func OptionsFromConfig(cfg *config.Config) Options {
	s := cfg.Supervisor
	return Options{
		InstallCommand:   cfg.Runtime.InstallCommand,
		ExecCommand:      cfg.Runtime.ExecCommand,
		InstallTimeout:   s.InstallTimeout,
		SpawnTimeout:     s.SpawnTimeout,
		StopTimeout:      s.StopTimeout,
		RestartDelay:     s.RestartDelay,
		SettleDelay:      s.SettleDelay,
		MaxRestarts:      s.MaxRestarts,
		StaleAfter:       s.StaleAfter,
		SweepTimeout:     s.SweepTimeout,
		SweepConcurrency: s.SweepConcurrency,
		OutputDir:        s.OutputDir,
		LogBufferSize:    s.LogBufferSize,
	}
}

func (o *Options) applyDefaults() {
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = 2 * time.Minute
	}
	if o.SpawnTimeout <= 0 {
		o.SpawnTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 60 * time.Second
	}
	if o.SweepTimeout <= 0 {
		o.SweepTimeout = 5 * time.Second
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = 16
	}
}

// pendingRestart is a scheduled automatic restart.
type pendingRestart struct {
	timer *time.Timer
}

type Supervisor struct {
	store    Store
	ws       *workspace.Workspace
	opts     Options
	logs     *LogBuffer
	activity *ActivityFeed

	mu        sync.RWMutex
	instances map[int64]*Instance
	// restarts is the per-bot automatic restart budget consumed so far.
	restarts map[int64]int
	// epochs change on every explicit Start or Stop; crash handling and
	// pending restarts from an older epoch are discarded.
	epochs  map[int64]uint64
	pending map[int64]*pendingRestart
	closing bool

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	// wg tracks wait goroutines and armed restart timers.
	wg sync.WaitGroup
}

func New(store Store, ws *workspace.Workspace, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		store:     store,
		ws:        ws,
		opts:      opts,
		logs:      NewLogBuffer(opts.LogBufferSize),
		activity:  NewActivityFeed(opts.ActivityLimit),
		instances: make(map[int64]*Instance),
		restarts:  make(map[int64]int),
		epochs:    make(map[int64]uint64),
		pending:   make(map[int64]*pendingRestart),
		locks:     make(map[int64]*sync.Mutex),
	}
}

func (s *Supervisor) Logs() *LogBuffer { return s.logs }

func (s *Supervisor) Activity() *ActivityFeed { return s.activity }

func (s *Supervisor) lockFor(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Supervisor) lock(id int64) func() {
	l := s.lockFor(id)
	l.Lock()
	return l.Unlock
}

// Start launches bot id, replacing any running instance, and resets its
// restart budget.
func (s *Supervisor) Start(ctx context.Context, id int64) bool {
	return s.startExplicit(ctx, id, triggerManual)
}

func (s *Supervisor) startExplicit(ctx context.Context, id int64, trigger string) bool {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		logging.Warn().Int64("bot_id", id).Msg("supervisor is shutting down, start refused")
		return false
	}
	s.epochs[id]++
	epoch := s.epochs[id]
	s.restarts[id] = 0
	s.cancelPendingLocked(id)
	s.mu.Unlock()

	return s.start(ctx, id, trigger, epoch) == nil
}

// start runs one start attempt. The caller holds the bot's lock.
func (s *Supervisor) start(ctx context.Context, id int64, trigger string, epoch uint64) error {
	began := time.Now()
	err := s.launch(ctx, id, epoch)
	metrics.RecordStart(trigger, time.Since(began), err == nil)
	if err != nil {
		logging.Error().Err(err).Int64("bot_id", id).Str("trigger", trigger).Msg("failed to start bot")
		s.activity.Record(id, models.ActivityError, "Start failed: "+err.Error())
	}
	return err
}

func (s *Supervisor) launch(ctx context.Context, id int64, epoch uint64) error {
	bot, err := s.store.GetBot(ctx, id)
	if err != nil {
		return fmt.Errorf("load bot: %w", err)
	}
	if bot.Secret == "" {
		return workspace.ErrMissingSecret
	}

	if inst := s.instance(id); inst != nil {
		logging.Info().Int64("bot_id", id).Int("pid", inst.Pid).Msg("stopping existing instance before start")
		inst.terminate(s.opts.StopTimeout)
		s.removeInstance(inst)
	}

	dir, err := s.ws.Materialize(id, bot.Code, bot.Secret)
	if err != nil {
		return err
	}

	secret := redactor(bot.Secret)
	if err := s.install(ctx, dir, secret); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("%w: supervisor is shutting down", ErrSpawnFailed)
	}
	restarts := s.restarts[id]
	s.mu.Unlock()

	inst, err := s.spawn(id, dir, secret, epoch, restarts)
	if err != nil {
		return err
	}

	logging.Info().
		Int64("bot_id", id).
		Int("pid", inst.Pid).
		Str("run_id", inst.RunID).
		Int("restart_count", restarts).
		Msg("bot started")
	s.activity.Record(id, models.ActivityDeployment, fmt.Sprintf("%s deployed (pid %d)", bot.Name, inst.Pid))

	// The instance is live at this point; a failed write is corrected by
	// the next sweep rather than failing the start.
	now := time.Now().UTC()
	if _, err := s.store.UpdateBot(ctx, id, models.BotPatch{
		Online:        models.Bool(true),
		Deployed:      models.Bool(true),
		LastHeartbeat: &now,
	}); err != nil {
		logging.Error().Err(err).Int64("bot_id", id).Msg("bot started but store update failed")
	}
	return nil
}

func (s *Supervisor) instance(id int64) *Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[id]
}

// register inserts inst as the current instance of its bot.
func (s *Supervisor) register(inst *Instance) {
	s.mu.Lock()
	s.instances[inst.ID] = inst
	running := len(s.instances)
	s.mu.Unlock()
	metrics.RunningBots.Set(float64(running))
}

// removeInstance drops inst from the table if it is still the current one.
func (s *Supervisor) removeInstance(inst *Instance) {
	s.mu.Lock()
	if s.instances[inst.ID] == inst {
		delete(s.instances, inst.ID)
	}
	running := len(s.instances)
	s.mu.Unlock()
	metrics.RunningBots.Set(float64(running))
}

// onExit runs on the wait goroutine once the process is gone.
func (s *Supervisor) onExit(inst *Instance) {
	s.removeInstance(inst)

	id := inst.ID
	log := logging.With().Int64("bot_id", id).Int("pid", inst.Pid).Int("exit_code", inst.exitCode).Logger()
	if inst.stopping.Load() {
		log.Info().Msg("bot process stopped")
		return
	}

	unlock := s.lock(id)
	defer unlock()

	s.mu.RLock()
	superseded := s.closing || s.epochs[id] != inst.epoch
	s.mu.RUnlock()
	if superseded || inst.stopping.Load() {
		log.Debug().Msg("exit superseded by a lifecycle operation")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SpawnTimeout)
	defer cancel()

	if inst.exitCode == 0 {
		metrics.BotExits.WithLabelValues("clean").Inc()
		log.Info().Msg("bot exited cleanly")
		s.activity.Record(id, models.ActivityExited, "Bot exited")
		s.discardRunDir(id)
		s.patch(ctx, id, models.BotPatch{Online: models.Bool(false), Deployed: models.Bool(false)})
		return
	}

	metrics.BotExits.WithLabelValues("crash").Inc()
	s.afterFailure(ctx, id, inst.epoch, fmt.Sprintf("exited with code %d", inst.exitCode))
}

// afterFailure applies the restart policy to a crashed or failed-to-restart
// bot. The caller holds the bot's lock.
func (s *Supervisor) afterFailure(ctx context.Context, id int64, epoch uint64, reason string) {
	s.mu.Lock()
	used := s.restarts[id]
	retry := !s.closing && used < s.opts.MaxRestarts
	if retry {
		s.restarts[id] = used + 1
		s.scheduleLocked(id, epoch)
	}
	s.mu.Unlock()

	log := logging.With().Int64("bot_id", id).Str("reason", reason).Logger()
	if retry {
		log.Warn().
			Int("attempt", used+1).
			Int("max_restarts", s.opts.MaxRestarts).
			Dur("delay", s.opts.RestartDelay).
			Msg("bot crashed, scheduling restart")
		s.activity.Record(id, models.ActivityCrash, fmt.Sprintf("Bot crashed (%s), restarting in %s (attempt %d/%d)",
			reason, s.opts.RestartDelay, used+1, s.opts.MaxRestarts))
		s.patch(ctx, id, models.BotPatch{Online: models.Bool(false)})
		return
	}

	metrics.RestartsExhausted.Inc()
	log.Error().Int("max_restarts", s.opts.MaxRestarts).Msg("bot crashed, restart budget exhausted")
	s.activity.Record(id, models.ActivityExhausted, fmt.Sprintf("Bot crashed (%s), giving up after %d restarts", reason, used))
	s.discardRunDir(id)
	s.patch(ctx, id, models.BotPatch{Online: models.Bool(false), Deployed: models.Bool(false)})
}

// discardRunDir drops the materialized sources, and the secret inlined in
// them, once a bot has reached a terminal state.
func (s *Supervisor) discardRunDir(id int64) {
	if err := s.ws.Remove(id); err != nil {
		logging.Warn().Err(err).Int64("bot_id", id).Msg("failed to remove run directory")
	}
}

// scheduleLocked arms an automatic restart. s.mu must be held.
func (s *Supervisor) scheduleLocked(id int64, epoch uint64) {
	s.cancelPendingLocked(id)

	p := &pendingRestart{}
	s.wg.Add(1)
	p.timer = time.AfterFunc(s.opts.RestartDelay, func() {
		defer s.wg.Done()
		s.autoRestart(id, epoch, p)
	})
	s.pending[id] = p
}

// cancelPendingLocked disarms a scheduled restart. s.mu must be held.
func (s *Supervisor) cancelPendingLocked(id int64) {
	p, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	if p.timer.Stop() {
		s.wg.Done()
	}
}

func (s *Supervisor) autoRestart(id int64, epoch uint64, p *pendingRestart) {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	if s.pending[id] != p || s.closing || s.epochs[id] != epoch {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	attempt := s.restarts[id]
	s.mu.Unlock()

	logging.Info().Int64("bot_id", id).Int("attempt", attempt).Msg("auto-restarting bot")
	s.activity.Record(id, models.ActivityRestart, fmt.Sprintf("Automatic restart %d/%d", attempt, s.opts.MaxRestarts))

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InstallTimeout+s.opts.SpawnTimeout)
	defer cancel()
	if err := s.start(ctx, id, triggerAuto, epoch); err != nil {
		s.afterFailure(ctx, id, epoch, "restart failed")
	}
}

func (s *Supervisor) patch(ctx context.Context, id int64, patch models.BotPatch) bool {
	if _, err := s.store.UpdateBot(ctx, id, patch); err != nil {
		logging.Error().Err(err).Int64("bot_id", id).Msg("failed to update bot status")
		return false
	}
	return true
}

// Stop terminates bot id if it runs, cancels any pending restart, removes
// its run directory and marks it offline and undeployed. Safe to repeat.
func (s *Supervisor) Stop(ctx context.Context, id int64) bool {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	s.epochs[id]++
	s.restarts[id] = 0
	_, hadPending := s.pending[id]
	s.cancelPendingLocked(id)
	inst := s.instances[id]
	s.mu.Unlock()

	if inst != nil {
		logging.Info().Int64("bot_id", id).Int("pid", inst.Pid).Msg("stopping bot")
		inst.terminate(s.opts.StopTimeout)
		s.removeInstance(inst)
	}
	metrics.BotStops.Inc()

	ok := true
	if err := s.ws.Remove(id); err != nil {
		logging.Error().Err(err).Int64("bot_id", id).Msg("failed to remove run directory")
		ok = false
	}
	if !s.patch(ctx, id, models.BotPatch{
		Online:         models.Bool(false),
		Deployed:       models.Bool(false),
		ClearHeartbeat: true,
	}) {
		ok = false
	}
	if inst != nil || hadPending {
		s.activity.Record(id, models.ActivityStopped, "Bot stopped")
	}
	return ok
}

// Restart stops bot id, waits the settle delay and starts it again.
func (s *Supervisor) Restart(ctx context.Context, id int64) bool {
	s.Stop(ctx, id)

	select {
	case <-ctx.Done():
		logging.Warn().Int64("bot_id", id).Msg("restart canceled after stop")
		return false
	case <-time.After(s.opts.SettleDelay):
	}
	return s.startExplicit(ctx, id, triggerRestart)
}

// RecordHeartbeat marks bot id online with a fresh heartbeat.
func (s *Supervisor) RecordHeartbeat(ctx context.Context, id int64) bool {
	prev, err := s.store.GetBot(ctx, id)
	if err != nil {
		logging.Warn().Err(err).Int64("bot_id", id).Msg("heartbeat for unknown bot")
		return false
	}

	now := time.Now().UTC()
	if !s.patch(ctx, id, models.BotPatch{Online: models.Bool(true), LastHeartbeat: &now}) {
		return false
	}
	if !prev.Online {
		s.activity.Record(id, models.ActivityOnline, "Bot is online")
	}
	return true
}

// Status reports the in-memory view of bot id without touching the store.
func (s *Supervisor) Status(id int64) models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return models.Status{ID: id, RestartCount: s.restarts[id]}
	}
	return inst.status(time.Now())
}

// ListRunning returns the ids holding a live instance, ascending.
func (s *Supervisor) ListRunning() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StartDeployed starts every bot the store records as deployed plus any
// extra ids, concurrently. It returns how many started.
func (s *Supervisor) StartDeployed(ctx context.Context, extra ...int64) int {
	want := make(map[int64]bool)
	for _, id := range extra {
		want[id] = true
	}
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("failed to list bots for boot reconciliation")
	}
	for _, b := range bots {
		if b.Deployed {
			want[b.ID] = true
		}
	}

	var (
		mu      sync.Mutex
		started int
		g       errgroup.Group
	)
	g.SetLimit(s.opts.SweepConcurrency)
	for id := range want {
		g.Go(func() error {
			logging.Info().Int64("bot_id", id).Msg("auto-starting bot")
			if s.startExplicit(ctx, id, triggerBoot) {
				mu.Lock()
				started++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return started
}

// StopAll terminates every instance for supervisor shutdown. Bots stay
// marked deployed so the next boot starts them again. No lifecycle
// operation succeeds afterwards.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	for id := range s.pending {
		s.cancelPendingLocked(id)
	}
	s.mu.Unlock()

	s.locksMu.Lock()
	ids := make([]int64, 0, len(s.locks))
	for id := range s.locks {
		ids = append(ids, id)
	}
	s.locksMu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.lock(id)
			defer unlock()

			inst := s.instance(id)
			if inst == nil {
				return
			}
			logging.Info().Int64("bot_id", id).Int("pid", inst.Pid).Msg("stopping bot for shutdown")
			inst.terminate(s.opts.StopTimeout)
			s.removeInstance(inst)
			if err := s.ws.Remove(id); err != nil {
				logging.Warn().Err(err).Int64("bot_id", id).Msg("failed to remove run directory")
			}
			s.patch(ctx, id, models.BotPatch{Online: models.Bool(false)})
		}()
	}
	wg.Wait()
	s.wg.Wait()
}

// FormatUptime renders a duration the way operators read it: 2d 3h 4m.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	seconds := d / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
