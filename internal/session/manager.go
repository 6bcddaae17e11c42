package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/pity"
	"cast-and-keep/server/internal/quota"
	"cast-and-keep/server/internal/reward"
	"cast-and-keep/server/internal/telemetry"
)

// Observer is notified after every transition that other players may render.
// result is non-nil only for terminal transitions.
type Observer interface {
	SessionStateChanged(playerID string, state State, result *Result)
}

// RecoveryLog is the breadcrumb store the manager writes around each attempt.
// All writes are best effort; a failed breadcrumb never fails the attempt.
type RecoveryLog interface {
	WritePendingCast(playerID, sessionID, area string) error
	ClearPendingCast(playerID string) error
	WriteUnviewedResult(result Result) error
}

// Hooks are the downstream collaborators credited on a successful catch.
type Hooks struct {
	Ledger     reward.Ledger
	Inventory  reward.Inventory
	Challenges reward.Challenges
}

// ManagerConfig bounds the randomized wait and the idempotency cache.
type ManagerConfig struct {
	WaitTimeMin time.Duration
	WaitTimeMax time.Duration
	ResultTTL   time.Duration
	DailyLimit  int
}

// DailyStats mirrors the server-owned quota counters in resolve responses so
// clients can reconcile their optimistic copies.
type DailyStats struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// ResolveResponse bundles everything a client needs to reconcile after a
// catch request.
type ResolveResponse struct {
	Result              Result              `json:"result"`
	PityInfo            []pity.Snapshot     `json:"pityInfo"`
	DailyStats          DailyStats          `json:"dailyStats"`
	ChallengesCompleted []reward.Completion `json:"challengesCompleted"`
}

// Manager owns every live session and is the sole authority over transitions.
// Exactly one non-terminal session may exist per player; success is decided
// from server timestamps only.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	byPlayer map[string]*Session
	byID     map[string]*Session
	pending  map[string][]reward.Completion

	timers   *timerArena
	pity     *pity.Tracker
	quota    quota.Store
	results  ResultStore
	recovery RecoveryLog
	hooks    Hooks

	observersMu sync.Mutex
	observers   []Observer

	rng     *rand.Rand
	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewManager wires the session authority. recovery may be nil.
func NewManager(cfg ManagerConfig, tracker *pity.Tracker, quotaStore quota.Store, results ResultStore, recoveryLog RecoveryLog, hooks Hooks, rng *rand.Rand, logger zerolog.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		byPlayer: make(map[string]*Session),
		byID:     make(map[string]*Session),
		pending:  make(map[string][]reward.Completion),
		timers:   newTimerArena(),
		pity:     tracker,
		quota:    quotaStore,
		results:  results,
		recovery: recoveryLog,
		hooks:    hooks,
		rng:      rng,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetNowFunc overrides the clock, for timing tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// AddObserver registers a state-change listener (the presence hub).
func (m *Manager) AddObserver(o Observer) {
	m.observersMu.Lock()
	m.observers = append(m.observers, o)
	m.observersMu.Unlock()
}

func (m *Manager) notify(playerID string, state State, result *Result) {
	m.observersMu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.Unlock()
	for _, o := range observers {
		o.SessionStateChanged(playerID, state, result)
	}
}

// StateFor reports the player's current machine state; Idle when no session
// exists.
func (m *Manager) StateFor(playerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byPlayer[playerID]; ok {
		return s.State
	}
	return StateIdle
}

// Cast opens a new session for the player. The wait time is randomized, the
// candidate fish is pre-selected from the pity-biased distribution, and the
// miss deadline is armed before the receipt is returned.
func (m *Manager) Cast(ctx context.Context, playerID, area string) (CastReceipt, error) {
	// Reserve the player's single session slot before touching quota or pity.
	// A concurrent cast is rejected here, while it has consumed nothing, and
	// a quota rejection releases the slot with nothing else to unwind.
	reservation := &Session{PlayerID: playerID, State: StateCasting}
	m.mu.Lock()
	if existing, ok := m.byPlayer[playerID]; ok && !existing.State.Terminal() {
		m.mu.Unlock()
		return CastReceipt{}, fmt.Errorf("player %s: %w", playerID, ErrSessionInProgress)
	}
	m.byPlayer[playerID] = reservation
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.byPlayer[playerID] == reservation {
			delete(m.byPlayer, playerID)
		}
		m.mu.Unlock()
	}

	// The quota counter, not local prediction, is the authority.
	used, err := m.quota.Increment(ctx, playerID, m.cfg.DailyLimit)
	if errors.Is(err, quota.ErrExhausted) {
		release()
		m.metrics.QuotaExhausted.Inc()
		return CastReceipt{}, fmt.Errorf("player %s used %d/%d casts: %w", playerID, used, m.cfg.DailyLimit, ErrQuotaExceeded)
	}
	if err != nil {
		release()
		return CastReceipt{}, fmt.Errorf("cast quota check: %w", err)
	}

	candidate := m.pity.SelectCandidate(playerID)
	m.pity.RecordCast(playerID)

	if m.hooks.Challenges != nil {
		if done := m.hooks.Challenges.NoteCast(ctx, playerID); len(done) > 0 {
			m.mu.Lock()
			m.pending[playerID] = append(m.pending[playerID], done...)
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	now := m.now()
	waitRange := m.cfg.WaitTimeMax - m.cfg.WaitTimeMin
	waitTime := m.cfg.WaitTimeMin
	if waitRange > 0 {
		waitTime += time.Duration(m.rng.Int63n(int64(waitRange)))
	}

	s := &Session{
		ID:           uuid.NewString(),
		PlayerID:     playerID,
		State:        StateWaiting,
		CastAt:       now,
		BiteAt:       now.Add(waitTime),
		MissDeadline: now.Add(waitTime).Add(candidate.MissTimeout),
		Candidate:    candidate,
	}

	if m.recovery != nil {
		if err := m.recovery.WritePendingCast(playerID, s.ID, area); err != nil {
			m.logger.Warn().Err(err).Str("player", playerID).Msg("pending-cast marker write failed")
		}
	}

	m.byPlayer[playerID] = s
	m.byID[s.ID] = s
	m.timers.schedule(s.ID, waitTime, func() { m.openBiteWindow(s.ID) })
	m.timers.schedule(s.ID, s.MissDeadline.Sub(now), func() { m.autoResolveMiss(s.ID) })
	m.mu.Unlock()

	m.metrics.CastsTotal.Inc()
	m.logger.Debug().
		Str("player", playerID).
		Str("session", s.ID).
		Dur("wait", waitTime).
		Msg("cast accepted")
	m.notify(playerID, StateWaiting, nil)

	return CastReceipt{
		SessionID:   s.ID,
		WaitTime:    waitTime,
		MissTimeout: candidate.MissTimeout,
		DailyUsed:   used,
	}, nil
}

// openBiteWindow flips Waiting to BiteWindow when the randomized wait
// elapses. A session resolved or cancelled in the meantime is left alone.
func (m *Manager) openBiteWindow(sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok || s.State != StateWaiting {
		m.mu.Unlock()
		return
	}
	s.State = StateBiteWindow
	playerID := s.PlayerID
	m.mu.Unlock()

	m.notify(playerID, StateBiteWindow, nil)
}

// autoResolveMiss fires at the miss deadline. It resolves the session as a
// failure using the deadline itself as the catch timestamp, so the stored
// result is identical whether the deadline or a too-late request got there
// first.
func (m *Manager) autoResolveMiss(sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok || s.State.Terminal() {
		m.mu.Unlock()
		return
	}
	resp := m.resolveLocked(s, s.MissDeadline)
	m.mu.Unlock()

	m.finishResolve(context.Background(), &resp)
	m.logger.Debug().
		Str("player", resp.Result.PlayerID).
		Str("session", sessionID).
		Msg("bite window elapsed, session auto-resolved as miss")
}

// Resolve decides a catch request. The authoritative reaction time is the
// server arrival time minus biteAt; clientHint is advisory and only logged.
// Resolving an already-resolved session returns the stored result.
func (m *Manager) Resolve(ctx context.Context, sessionID string, clientHint int64) (ResolveResponse, error) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return m.replayResolved(ctx, sessionID)
	}

	now := m.now()
	if clientHint > 0 {
		measured := now.Sub(s.BiteAt).Milliseconds()
		m.logger.Debug().
			Str("session", sessionID).
			Int64("clientHint", clientHint).
			Int64("measured", measured).
			Msg("client reaction hint received")
	}

	resp := m.resolveLocked(s, now)
	m.mu.Unlock()

	m.finishResolve(ctx, &resp)

	resp.PityInfo = m.pity.Snapshot(resp.Result.PlayerID)
	if used, err := m.quota.Used(ctx, resp.Result.PlayerID); err == nil {
		resp.DailyStats.Used = used
	} else {
		m.logger.Warn().Err(err).Str("player", resp.Result.PlayerID).Msg("quota read failed during resolve")
	}
	return resp, nil
}

// replayResolved serves duplicate resolve calls from the result cache.
func (m *Manager) replayResolved(ctx context.Context, sessionID string) (ResolveResponse, error) {
	stored, ok, err := m.results.Get(sessionID)
	if err != nil {
		return ResolveResponse{}, fmt.Errorf("result cache lookup for %s: %w", sessionID, err)
	}
	if !ok {
		return ResolveResponse{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	used, err := m.quota.Used(ctx, stored.PlayerID)
	if err != nil {
		m.logger.Warn().Err(err).Str("player", stored.PlayerID).Msg("quota read failed during replay")
	}
	return ResolveResponse{
		Result:     stored,
		PityInfo:   m.pity.Snapshot(stored.PlayerID),
		DailyStats: DailyStats{Used: used, Limit: m.cfg.DailyLimit},
	}, nil
}

// resolveLocked computes and records the terminal outcome. Caller holds m.mu.
// The decision depends only on catchAt and the session's stored timestamps,
// so it can be replayed for auditing.
func (m *Manager) resolveLocked(s *Session, catchAt time.Time) ResolveResponse {
	reaction := catchAt.Sub(s.BiteAt)
	window := s.Candidate.TimingWindow

	success := reaction >= 0 && reaction <= window && !catchAt.After(s.MissDeadline)
	quality := QualityEscaped
	if success {
		switch fraction := float64(reaction) / float64(window); {
		case fraction <= 0.3:
			quality = QualityPerfect
		case fraction <= 0.65:
			quality = QualityGreat
		default:
			quality = QualityNormal
		}
	}

	rewardPoints := 0
	if success {
		rewardPoints = int(float64(s.Candidate.RewardValue) * quality.RewardMultiplier())
	}

	if success {
		s.State = StateSuccess
	} else {
		s.State = StateFailure
	}

	result := Result{
		SessionID:      s.ID,
		PlayerID:       s.PlayerID,
		Success:        success,
		Fish:           FishSummary{ID: s.Candidate.ID, Name: s.Candidate.Name, Rarity: s.Candidate.Rarity},
		Quality:        quality,
		ReactionMillis: reaction.Milliseconds(),
		Reward:         rewardPoints,
		ResolvedAt:     catchAt,
	}

	delete(m.byPlayer, s.PlayerID)
	delete(m.byID, s.ID)
	m.timers.cancel(s.ID)

	completions := m.pending[s.PlayerID]
	delete(m.pending, s.PlayerID)

	return ResolveResponse{
		Result:              result,
		DailyStats:          DailyStats{Limit: m.cfg.DailyLimit},
		ChallengesCompleted: completions,
	}
}

// finishResolve runs the side effects of a terminal transition outside the
// manager lock: result caching, pity, breadcrumbs, reward hooks, observers.
func (m *Manager) finishResolve(ctx context.Context, resp *ResolveResponse) {
	result := resp.Result

	if err := m.results.Put(result, m.cfg.ResultTTL); err != nil {
		m.logger.Error().Err(err).Str("session", result.SessionID).Msg("result cache write failed")
	}

	if result.Success {
		m.pity.RecordSuccess(result.PlayerID, result.Fish.Rarity)
	}

	if m.recovery != nil {
		if err := m.recovery.ClearPendingCast(result.PlayerID); err != nil {
			m.logger.Warn().Err(err).Str("player", result.PlayerID).Msg("pending-cast marker clear failed")
		}
		if err := m.recovery.WriteUnviewedResult(result); err != nil {
			m.logger.Warn().Err(err).Str("player", result.PlayerID).Msg("unviewed-result marker write failed")
		}
	}

	if result.Success {
		if m.hooks.Ledger != nil {
			if err := m.hooks.Ledger.Credit(ctx, result.PlayerID, result.Reward, "fishing:"+result.Fish.ID); err != nil {
				m.logger.Error().Err(err).Str("player", result.PlayerID).Msg("reward credit failed")
			}
		}
		if m.hooks.Inventory != nil {
			if err := m.hooks.Inventory.Grant(ctx, result.PlayerID, result.Fish.ID); err != nil {
				m.logger.Error().Err(err).Str("player", result.PlayerID).Msg("inventory grant failed")
			}
		}
		if m.hooks.Challenges != nil {
			done := m.hooks.Challenges.NoteCatch(ctx, result.PlayerID, result.Fish.ID, result.Fish.Rarity, string(result.Quality))
			resp.ChallengesCompleted = append(resp.ChallengesCompleted, done...)
		}
	}

	outcome := "failure"
	state := StateFailure
	if result.Success {
		outcome = "success"
		state = StateSuccess
	}
	m.metrics.ResolutionsTotal.WithLabelValues(outcome, string(result.Quality)).Inc()
	if result.ReactionMillis >= 0 {
		m.metrics.ReactionSeconds.Observe(float64(result.ReactionMillis) / 1000)
	}

	m.notify(result.PlayerID, state, &result)
}

// PityInfo is the getPityInfo read.
func (m *Manager) PityInfo(playerID string) []pity.Snapshot {
	return m.pity.Snapshot(playerID)
}

// Daily is the getDailyQuota read.
func (m *Manager) Daily(ctx context.Context, playerID string) (DailyStats, error) {
	used, err := m.quota.Used(ctx, playerID)
	if err != nil {
		return DailyStats{}, fmt.Errorf("quota read: %w", err)
	}
	return DailyStats{Used: used, Limit: m.cfg.DailyLimit}, nil
}

// Close stops every pending timer. Live sessions are abandoned; clients
// re-synchronise through the recovery log on reconnect.
func (m *Manager) Close() {
	m.timers.drain()
}
