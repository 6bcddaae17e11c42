package api

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/autofish"
	"cast-and-keep/server/internal/fish"
	"cast-and-keep/server/internal/pity"
	"cast-and-keep/server/internal/quota"
	"cast-and-keep/server/internal/recovery"
	"cast-and-keep/server/internal/reward"
	"cast-and-keep/server/internal/session"
	"cast-and-keep/server/internal/telemetry"
)

type tokenAuth struct{}

func (tokenAuth) PlayerID(token string) (string, error) {
	return token, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, string) {}

type apiFixture struct {
	router   http.Handler
	manager  *session.Manager
	recovery *recovery.Store
	now      *time.Time
	base     time.Time
}

func newAPIFixture(t *testing.T, rate RateLimitConfig) *apiFixture {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	metrics := telemetry.NewNop()
	catalog := fish.Default()
	recoveryStore := recovery.NewStore(db, zerolog.Nop(), metrics)
	ledger := reward.NewMemoryLedger()

	manager := session.NewManager(
		session.ManagerConfig{
			WaitTimeMin: 2 * time.Second,
			WaitTimeMax: 2 * time.Second,
			ResultTTL:   time.Minute,
			DailyLimit:  3,
		},
		pity.NewTracker(catalog, pity.DefaultConfig(), rand.New(rand.NewSource(1))),
		quota.NewMemoryStore(),
		session.NewMemoryResultStore(),
		recoveryStore,
		session.Hooks{Ledger: ledger, Inventory: reward.NewMemoryInventory(), Challenges: reward.NewMemoryChallenges()},
		rand.New(rand.NewSource(2)),
		zerolog.Nop(),
		metrics,
	)
	t.Cleanup(manager.Close)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base
	manager.SetNowFunc(func() time.Time { return now })

	runner := autofish.NewRunner(
		autofish.Config{Interval: time.Hour, Watchdog: time.Hour},
		manager,
		nopNotifier{},
		rand.New(rand.NewSource(3)),
		zerolog.Nop(),
		metrics,
	)
	t.Cleanup(runner.Shutdown)

	handler := NewHandler(manager, runner, recoveryStore, ledger, tokenAuth{}, zerolog.Nop())
	wsStub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotImplemented) })
	router := NewRouter(handler, wsStub, wsStub, wsStub, rate)

	return &apiFixture{router: router, manager: manager, recovery: recoveryStore, now: &now, base: base}
}

func (fx *apiFixture) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func defaultRate() RateLimitConfig {
	return RateLimitConfig{RequestLimit: 1000, WindowSize: time.Minute}
}

func TestRequestsRequireToken(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/cast"},
		{http.MethodPost, "/api/catch"},
		{http.MethodGet, "/api/pity"},
		{http.MethodGet, "/api/quota"},
		{http.MethodGet, "/api/rank"},
		{http.MethodPost, "/api/autofish"},
		{http.MethodGet, "/api/recovery"},
	} {
		rec := fx.request(t, tc.method, tc.path, "", "{}")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestCastEndpoint(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["sessionId"] == "" {
		t.Fatalf("expected session id, got %v", body)
	}
	if body["waitTimeMs"].(float64) != 2000 {
		t.Fatalf("expected 2000ms wait, got %v", body["waitTimeMs"])
	}
	if body["dailyCastsUsed"].(float64) != 1 {
		t.Fatalf("expected 1 cast used, got %v", body["dailyCastsUsed"])
	}

	// A second cast while the first is live conflicts.
	rec = fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for concurrent cast, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "session_in_progress" {
		t.Fatalf("expected session_in_progress, got %v", body)
	}
}

func TestCatchEndpoint(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("cast failed: %d", rec.Code)
	}
	sessionID := decodeBody(t, rec)["sessionId"].(string)

	// Reaction lands 300ms into the bite window.
	*fx.now = fx.base.Add(2*time.Second + 300*time.Millisecond)

	rec = fx.request(t, http.MethodPost, "/api/catch", "p1", `{"sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	result := body["result"].(map[string]any)
	if result["sessionId"] != sessionID {
		t.Fatalf("expected result for %s, got %v", sessionID, result)
	}
	if result["reactionMillis"].(float64) != 300 {
		t.Fatalf("expected 300ms reaction, got %v", result["reactionMillis"])
	}
	if _, ok := body["pityInfo"]; !ok {
		t.Fatalf("expected pityInfo in catch response, got %v", body)
	}
	stats := body["dailyStats"].(map[string]any)
	if stats["used"].(float64) != 1 || stats["limit"].(float64) != 3 {
		t.Fatalf("expected daily stats 1/3, got %v", stats)
	}

	// A duplicate catch replays the same result.
	rec = fx.request(t, http.MethodPost, "/api/catch", "p1", `{"sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected replay 200, got %d", rec.Code)
	}
	replay := decodeBody(t, rec)["result"].(map[string]any)
	if replay["reactionMillis"].(float64) != 300 {
		t.Fatalf("expected replayed reaction 300ms, got %v", replay["reactionMillis"])
	}
}

func TestCatchValidation(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodPost, "/api/catch", "p1", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing sessionId, got %d", rec.Code)
	}

	rec = fx.request(t, http.MethodPost, "/api/catch", "p1", `{"sessionId":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestCatchOwnership(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
	sessionID := decodeBody(t, rec)["sessionId"].(string)

	rec = fx.request(t, http.MethodPost, "/api/catch", "intruder", `{"sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another player's session, got %d", rec.Code)
	}
}

func TestQuotaEndpointAndExhaustion(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodGet, "/api/quota", "p1", "")
	body := decodeBody(t, rec)
	if body["used"].(float64) != 0 || body["limit"].(float64) != 3 {
		t.Fatalf("expected 0/3 quota, got %v", body)
	}

	for i := 0; i < 3; i++ {
		rec := fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("cast %d failed: %d %s", i+1, rec.Code, rec.Body.String())
		}
		sessionID := decodeBody(t, rec)["sessionId"].(string)
		*fx.now = fx.now.Add(3 * time.Second)
		if rec := fx.request(t, http.MethodPost, "/api/catch", "p1", `{"sessionId":"`+sessionID+`"}`); rec.Code != http.StatusOK {
			t.Fatalf("catch %d failed: %d", i+1, rec.Code)
		}
	}

	rec = fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 past the daily limit, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded, got %v", body)
	}
}

func TestPityEndpoint(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodGet, "/api/pity", "p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	info, ok := body["pityInfo"].([]any)
	if !ok || len(info) == 0 {
		t.Fatalf("expected tracked tiers in pityInfo, got %v", body)
	}
}

func TestRankEndpoint(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodGet, "/api/rank", "p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["playerId"] != "p1" {
		t.Fatalf("expected rank for p1, got %v", body)
	}
}

func TestAutofishToggle(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodPost, "/api/autofish", "p1", `{"enabled":true,"area":"dock"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["enabled"] != true {
		t.Fatalf("expected enabled true, got %v", body)
	}

	rec = fx.request(t, http.MethodPost, "/api/autofish", "p1", `{"enabled":false}`)
	if body := decodeBody(t, rec); body["enabled"] != false {
		t.Fatalf("expected enabled false, got %v", body)
	}
}

func TestRecoveryEndpoints(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())

	rec := fx.request(t, http.MethodGet, "/api/recovery", "p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); len(body["notices"].([]any)) != 0 {
		t.Fatalf("expected empty notices, got %v", body)
	}

	// Resolve an attempt so an unviewed-result marker exists.
	cast := fx.request(t, http.MethodPost, "/api/cast", "p1", `{"area":"dock"}`)
	sessionID := decodeBody(t, cast)["sessionId"].(string)
	*fx.now = fx.base.Add(2*time.Second + 200*time.Millisecond)
	if rec := fx.request(t, http.MethodPost, "/api/catch", "p1", `{"sessionId":"`+sessionID+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("catch failed: %d", rec.Code)
	}

	rec = fx.request(t, http.MethodGet, "/api/recovery", "p1", "")
	notices := decodeBody(t, rec)["notices"].([]any)
	if len(notices) != 1 {
		t.Fatalf("expected one unviewed notice, got %v", notices)
	}
	notice := notices[0].(map[string]any)
	if notice["kind"] != "unviewed_result" || notice["sessionId"] != sessionID {
		t.Fatalf("unexpected notice %v", notice)
	}

	rec = fx.request(t, http.MethodPost, "/api/recovery/viewed", "p1", `{"sessionId":"`+sessionID+`"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = fx.request(t, http.MethodGet, "/api/recovery", "p1", "")
	if body := decodeBody(t, rec); len(body["notices"].([]any)) != 0 {
		t.Fatalf("expected notices cleared after viewed, got %v", body)
	}
}

func TestRateLimit(t *testing.T) {
	fx := newAPIFixture(t, RateLimitConfig{RequestLimit: 3, WindowSize: time.Minute})

	for i := 0; i < 3; i++ {
		if rec := fx.request(t, http.MethodGet, "/api/pity", "p1", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := fx.request(t, http.MethodGet, "/api/pity", "p1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
	if body := decodeBody(t, rec); body["error"] != "rate_limited" {
		t.Fatalf("expected rate_limited body, got %v", body)
	}
}

func TestHealthz(t *testing.T) {
	fx := newAPIFixture(t, defaultRate())
	rec := fx.request(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected healthz ok, got %d %q", rec.Code, rec.Body.String())
	}
}
