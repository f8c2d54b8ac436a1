package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botvisor/internal/models"
)

func TestSweepMarksStaleBotsOffline(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	h.addBot(t, 1, "", "s1")
	h.addBot(t, 2, "", "s2")
	ctx := context.Background()

	require.True(t, h.sup.Start(ctx, 1))
	require.True(t, h.sup.Start(ctx, 2))

	old := time.Now().Add(-2 * time.Minute)
	_, err := h.store.UpdateBot(ctx, 1, models.BotPatch{LastHeartbeat: &old})
	require.NoError(t, err)

	res := h.sup.Sweep(ctx)
	assert.Equal(t, SweepResult{Checked: 2, Stale: 1}, res)

	assert.False(t, h.bot(t, 1).Online)
	assert.True(t, h.bot(t, 2).Online)

	// The process is left alone.
	assert.True(t, h.sup.Status(1).IsRunning)
	assert.Equal(t, []int64{1, 2}, h.sup.ListRunning())

	acts := h.sup.Activity().Recent(1, 1)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActivityOffline, acts[0].Type)

	// A fresh heartbeat brings it back until the next stale window.
	require.True(t, h.sup.RecordHeartbeat(ctx, 1))
	assert.True(t, h.bot(t, 1).Online)
	assert.Equal(t, SweepResult{Checked: 2}, h.sup.Sweep(ctx))
}

func TestSweepTreatsMissingHeartbeatAsStale(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	h.addBot(t, 1, "", "s1")
	ctx := context.Background()

	require.True(t, h.sup.Start(ctx, 1))
	_, err := h.store.UpdateBot(ctx, 1, models.BotPatch{ClearHeartbeat: true})
	require.NoError(t, err)

	res := h.sup.Sweep(ctx)
	assert.Equal(t, 1, res.Stale)
	assert.False(t, h.bot(t, 1).Online)
	assert.True(t, h.sup.Status(1).IsRunning)
}

func TestSweepReconcilesDeployed(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	h.addBot(t, 1, "", "s1")
	ctx := context.Background()

	require.True(t, h.sup.Start(ctx, 1))
	_, err := h.store.UpdateBot(ctx, 1, models.BotPatch{Deployed: models.Bool(false)})
	require.NoError(t, err)

	res := h.sup.Sweep(ctx)
	assert.Equal(t, 1, res.Reconciled)
	assert.True(t, h.bot(t, 1).Deployed)
}

func TestSweepIgnoresBotsWithoutInstance(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	h.addBot(t, 1, "", "s1")
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	_, err := h.store.UpdateBot(ctx, 1, models.BotPatch{Online: models.Bool(true), LastHeartbeat: &old})
	require.NoError(t, err)

	assert.Equal(t, SweepResult{}, h.sup.Sweep(ctx))
	assert.True(t, h.bot(t, 1).Online)
}

func TestSweeperServeStopsOnCancel(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	h.addBot(t, 1, "", "s1")
	require.True(t, h.sup.Start(context.Background(), 1))

	_, err := h.store.UpdateBot(context.Background(), 1, models.BotPatch{ClearHeartbeat: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sweeper := NewSweeper(h.sup, 10*time.Millisecond)
	go func() { done <- sweeper.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return !h.bot(t, 1).Online
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Equal(t, "heartbeat-sweeper", sweeper.String())
}
