// Package autofish drives full cast/resolve cycles without human timing
// input. One loop runs per enabled player; an in-flight guard keeps cycles
// from ever overlapping, and a watchdog un-wedges a loop whose cycle never
// completes.
package autofish

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/session"
	"cast-and-keep/server/internal/telemetry"
)

// Engine is the slice of the session manager the runner drives.
type Engine interface {
	Cast(ctx context.Context, playerID, area string) (session.CastReceipt, error)
	Resolve(ctx context.Context, sessionID string, clientHint int64) (session.ResolveResponse, error)
}

// Notifier surfaces user-visible notices; the presence hub implements it.
type Notifier interface {
	Notify(playerID, code, detail string)
}

// Notice codes sent through the Notifier.
const (
	NoticeQuotaExceeded = "quota_exceeded"
	NoticeStopped       = "autofish_stopped"
)

// Config tunes the cycle cadence and the stuck-cycle watchdog.
type Config struct {
	Interval time.Duration
	Watchdog time.Duration
}

type loop struct {
	playerID string
	area     string
	cancel   context.CancelFunc
	inFlight atomic.Bool
}

// Runner owns every player's autofish loop.
type Runner struct {
	mu    sync.Mutex
	loops map[string]*loop

	engine   Engine
	notifier Notifier
	cfg      Config

	rngMu sync.Mutex
	rng   *rand.Rand

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewRunner(cfg Config, engine Engine, notifier Notifier, rng *rand.Rand, logger zerolog.Logger, metrics *telemetry.Metrics) *Runner {
	return &Runner{
		loops:    make(map[string]*loop),
		engine:   engine,
		notifier: notifier,
		cfg:      cfg,
		rng:      rng,
		logger:   logger,
		metrics:  metrics,
	}
}

// Enable starts a loop for the player. Enabling an already-enabled player is
// a no-op. Loops live until Disable, ForceStop, or Shutdown.
func (r *Runner) Enable(playerID, area string) {
	r.mu.Lock()
	if _, running := r.loops[playerID]; running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{playerID: playerID, area: area, cancel: cancel}
	r.loops[playerID] = l
	r.mu.Unlock()

	r.logger.Info().Str("player", playerID).Msg("autofish enabled")
	go r.run(loopCtx, l)
}

// Disable stops the player's loop. The in-flight cycle, if any, is cancelled
// through its context.
func (r *Runner) Disable(playerID string) {
	r.mu.Lock()
	l, running := r.loops[playerID]
	if running {
		delete(r.loops, playerID)
	}
	r.mu.Unlock()

	if running {
		l.cancel()
		r.logger.Info().Str("player", playerID).Msg("autofish disabled")
	}
}

// Shutdown cancels every loop, for server teardown.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	loops := make([]*loop, 0, len(r.loops))
	for id, l := range r.loops {
		loops = append(loops, l)
		delete(r.loops, id)
	}
	r.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
}

// Enabled reports whether the player has a running loop.
func (r *Runner) Enabled(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.loops[playerID]
	return running
}

// ForceStop is Disable plus a notice; wired to connection drops and
// duplicate-session evictions.
func (r *Runner) ForceStop(playerID string) {
	if !r.Enabled(playerID) {
		return
	}
	r.Disable(playerID)
	r.notifier.Notify(playerID, NoticeStopped, "autofishing stopped")
}

func (r *Runner) run(ctx context.Context, l *loop) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip the whole tick while a cycle is outstanding. Never queue.
			if !l.inFlight.CompareAndSwap(false, true) {
				r.metrics.AutofishCycles.WithLabelValues("skipped").Inc()
				continue
			}
			r.startCycle(ctx, l)
		}
	}
}

// startCycle runs one cast/resolve cycle in its own goroutine. The guard is
// cleared exactly once per cycle, by whichever of cycle completion or the
// watchdog happens first; the loser's clear is a no-op.
func (r *Runner) startCycle(ctx context.Context, l *loop) {
	cycleCtx, cancelCycle := context.WithTimeout(ctx, r.cfg.Watchdog)

	var once sync.Once
	clearGuard := func() {
		once.Do(func() { l.inFlight.Store(false) })
	}

	watchdog := time.AfterFunc(r.cfg.Watchdog, func() {
		r.metrics.AutofishCycles.WithLabelValues("watchdog").Inc()
		r.logger.Warn().Str("player", l.playerID).Msg("autofish cycle exceeded watchdog, clearing in-flight guard")
		clearGuard()
	})

	go func() {
		defer cancelCycle()
		defer watchdog.Stop()
		defer clearGuard()
		r.cycle(cycleCtx, l)
	}()
}

func (r *Runner) cycle(ctx context.Context, l *loop) {
	receipt, err := r.castWithRetry(ctx, l)
	if err != nil {
		r.handleCycleError(l, err)
		return
	}

	reaction := r.simulatedReaction()
	select {
	case <-ctx.Done():
		return
	case <-time.After(receipt.WaitTime + reaction):
	}

	resp, err := r.engine.Resolve(ctx, receipt.SessionID, 0)
	if err != nil {
		r.handleCycleError(l, err)
		return
	}

	r.metrics.AutofishCycles.WithLabelValues("ok").Inc()
	r.logger.Debug().
		Str("player", l.playerID).
		Bool("success", resp.Result.Success).
		Str("fish", resp.Result.Fish.ID).
		Msg("autofish cycle resolved")

	// The server-reported counter, never the local prediction, decides
	// exhaustion: another device may be spending the same quota.
	if resp.DailyStats.Limit > 0 && resp.DailyStats.Used >= resp.DailyStats.Limit {
		r.stopForQuota(l.playerID)
	}
}

func (r *Runner) castWithRetry(ctx context.Context, l *loop) (session.CastReceipt, error) {
	var receipt session.CastReceipt

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		var err error
		receipt, err = r.engine.Cast(ctx, l.playerID, l.area)
		if err == nil {
			return nil
		}
		// Taxonomy errors are not transient; do not burn retries on them.
		if errors.Is(err, session.ErrQuotaExceeded) ||
			errors.Is(err, session.ErrSessionInProgress) {
			return backoff.Permanent(err)
		}
		r.logger.Warn().Err(err).Str("player", l.playerID).Msg("autofish cast failed, retrying")
		return err
	}, policy)

	return receipt, err
}

func (r *Runner) handleCycleError(l *loop, err error) {
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		r.stopForQuota(l.playerID)
	case errors.Is(err, session.ErrSessionInProgress):
		// A manual cast is outstanding; yield this tick to it.
		r.metrics.AutofishCycles.WithLabelValues("skipped").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Loop shutdown or watchdog cancellation; nothing to surface.
	default:
		// Transient: log and let the next tick try again. Quota was not
		// consumed.
		r.metrics.AutofishCycles.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("player", l.playerID).Msg("autofish cycle failed")
	}
}

func (r *Runner) stopForQuota(playerID string) {
	if !r.Enabled(playerID) {
		return
	}
	r.Disable(playerID)
	r.notifier.Notify(playerID, NoticeQuotaExceeded, "daily cast limit reached, autofishing stopped")
}

// simulatedReaction stands in for a human: centered inside typical timing
// windows with some spread, so autofish catches are mostly normal quality
// with occasional misses on twitchy species.
func (r *Runner) simulatedReaction() time.Duration {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	reaction := 500*time.Millisecond + time.Duration(r.rng.NormFloat64()*150)*time.Millisecond
	if reaction < 150*time.Millisecond {
		reaction = 150 * time.Millisecond
	}
	if reaction > time.Second {
		reaction = time.Second
	}
	return reaction
}
