package service

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"botvisor/internal/logging"
	"botvisor/internal/metrics"
	"botvisor/internal/models"
)

type SweepResult struct {
	Checked    int
	Stale      int
	Reconciled int
	Skipped    int
}

// Sweep checks every running bot's last heartbeat. Stale or missing
// heartbeats flip the bot offline; the process itself is left alone. Bots
// holding an instance but recorded as undeployed are marked deployed.
// Each bot is checked independently with its own timeout.
func (s *Supervisor) Sweep(ctx context.Context) SweepResult {
	began := time.Now()
	ids := s.ListRunning()

	var stale, reconciled, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.opts.SweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, s.opts.SweepTimeout)
			defer cancel()

			switch s.sweepOne(checkCtx, id, began) {
			case sweepStale:
				stale.Add(1)
			case sweepReconciled:
				reconciled.Add(1)
			case sweepSkipped:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Checked:    len(ids),
		Stale:      int(stale.Load()),
		Reconciled: int(reconciled.Load()),
		Skipped:    int(skipped.Load()),
	}
	metrics.SweepDuration.Observe(time.Since(began).Seconds())
	metrics.SweepStale.Add(float64(res.Stale))
	logging.Debug().
		Int("checked", res.Checked).
		Int("stale", res.Stale).
		Int("reconciled", res.Reconciled).
		Int("skipped", res.Skipped).
		Dur("duration", time.Since(began)).
		Msg("heartbeat sweep finished")
	return res
}

type sweepOutcome int

const (
	sweepFresh sweepOutcome = iota
	sweepStale
	sweepReconciled
	sweepSkipped
)

func (s *Supervisor) sweepOne(ctx context.Context, id int64, now time.Time) sweepOutcome {
	// A lifecycle operation in progress owns the bot's state this cycle.
	l := s.lockFor(id)
	if !l.TryLock() {
		return sweepSkipped
	}
	defer l.Unlock()

	if s.instance(id) == nil {
		return sweepSkipped
	}

	bot, err := s.store.GetBot(ctx, id)
	if err != nil {
		logging.Warn().Err(err).Int64("bot_id", id).Msg("sweep could not load bot")
		return sweepSkipped
	}

	var patch models.BotPatch
	outcome := sweepFresh
	if bot.Online && (bot.LastHeartbeat == nil || now.Sub(*bot.LastHeartbeat) > s.opts.StaleAfter) {
		patch.Online = models.Bool(false)
		outcome = sweepStale
	}
	if !bot.Deployed {
		patch.Deployed = models.Bool(true)
		if outcome == sweepFresh {
			outcome = sweepReconciled
		}
	}
	if outcome == sweepFresh {
		return outcome
	}

	if !s.patch(ctx, id, patch) {
		return sweepSkipped
	}
	if patch.Online != nil {
		logging.Warn().Int64("bot_id", id).Msg("bot missed heartbeat, marking offline")
		s.activity.Record(id, models.ActivityOffline, "Bot missed heartbeat")
	}
	return outcome
}

// Sweeper runs Sweep on a fixed interval as a supervised service.
type Sweeper struct {
	sup      *Supervisor
	interval time.Duration
}

func NewSweeper(sup *Supervisor, interval time.Duration) *Sweeper {
	return &Sweeper{sup: sup, interval: interval}
}

func (w *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sup.Sweep(ctx)
		}
	}
}

func (w *Sweeper) String() string {
	return "heartbeat-sweeper"
}
