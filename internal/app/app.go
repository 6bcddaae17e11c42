// Package app wires the fishing engine: config, logging, stores, the session
// authority, the presence hub, and the HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/autofish"
	"cast-and-keep/server/internal/config"
	"cast-and-keep/server/internal/fish"
	"cast-and-keep/server/internal/logging"
	"cast-and-keep/server/internal/net/api"
	"cast-and-keep/server/internal/net/ws"
	"cast-and-keep/server/internal/pity"
	"cast-and-keep/server/internal/quota"
	"cast-and-keep/server/internal/recovery"
	"cast-and-keep/server/internal/reward"
	"cast-and-keep/server/internal/session"
	"cast-and-keep/server/internal/telemetry"
)

// passthroughAuth treats the opaque token as the player id. Production
// deployments swap in the real session-issuance service here.
type passthroughAuth struct{}

func (passthroughAuth) PlayerID(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// Run starts the engine and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Configure(logging.Config{Level: cfg.LogLevel})
	logger := logging.Base()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.New(registry)

	catalog := fish.Default()
	if cfg.FishCatalogPath != "" {
		catalog, err = fish.LoadFile(cfg.FishCatalogPath)
		if err != nil {
			return err
		}
		logger.Info().Str("path", cfg.FishCatalogPath).Int("species", len(catalog.Species())).Msg("loaded fish catalog")
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.DataDir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("open data dir %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	quotaStore, closeQuota, err := buildQuotaStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuota()

	ledger := reward.NewMemoryLedger()
	inventory := reward.NewMemoryInventory()
	challenges := reward.NewMemoryChallenges()

	tracker := pity.NewTracker(catalog, pity.DefaultConfig(), rand.New(rand.NewSource(time.Now().UnixNano())))
	recoveryStore := recovery.NewStore(db, logging.WithComponent("recovery"), metrics)

	manager := session.NewManager(
		session.ManagerConfig{
			WaitTimeMin: cfg.WaitTimeMin,
			WaitTimeMax: cfg.WaitTimeMax,
			ResultTTL:   cfg.ResultTTL,
			DailyLimit:  cfg.DailyCastLimit,
		},
		tracker,
		quotaStore,
		session.NewBadgerResultStore(db),
		recoveryStore,
		session.Hooks{Ledger: ledger, Inventory: inventory, Challenges: challenges},
		rand.New(rand.NewSource(time.Now().UnixNano())),
		logging.WithComponent("session"),
		metrics,
	)
	defer manager.Close()

	hub := ws.NewHub(
		ws.Config{HeartbeatInterval: cfg.HeartbeatInterval, EmoteTTL: cfg.EmoteTTL},
		logging.WithComponent("presence"),
		metrics,
	)
	manager.AddObserver(hub)

	runner := autofish.NewRunner(
		autofish.Config{Interval: cfg.AutofishInterval, Watchdog: cfg.AutofishWatchdog},
		manager,
		hub,
		rand.New(rand.NewSource(time.Now().UnixNano())),
		logging.WithComponent("autofish"),
		metrics,
	)
	defer runner.Shutdown()
	hub.OnDrop(runner.ForceStop)

	go hub.RunSweeper(ctx)

	auth := passthroughAuth{}
	wsHandler := ws.NewHandler(hub, auth, logging.WithComponent("ws"))
	apiHandler := api.NewHandler(manager, runner, recoveryStore, ledger, auth, logging.WithComponent("api"))

	diagnostics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDiagnostics(w, hub)
	})

	router := api.NewRouter(
		apiHandler,
		wsHandler,
		diagnostics,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		api.RateLimitConfig{RequestLimit: cfg.RateLimit, WindowSize: cfg.RateLimitWindow},
	)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

// buildQuotaStore picks Redis when configured, dialing with exponential
// backoff, and falls back to the in-memory counter otherwise.
func buildQuotaStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (quota.Store, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("no REDIS_ADDR configured, using in-memory quota store")
		return quota.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis connection failed, retrying")
			return err
		}
		return nil
	}, policy)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis at %s unreachable: %w", cfg.RedisAddr, err)
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis quota store")
	return quota.NewRedisStore(client, logger), func() { client.Close() }, nil
}

func writeDiagnostics(w http.ResponseWriter, hub *ws.Hub) {
	payload := struct {
		Status     string                 `json:"status"`
		ServerTime int64                  `json:"serverTime"`
		Players    []ws.DiagnosticsPlayer `json:"players"`
	}{
		Status:     "ok",
		ServerTime: time.Now().UnixMilli(),
		Players:    hub.DiagnosticsSnapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
