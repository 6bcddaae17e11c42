package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// counterTTL keeps yesterday's keys around long enough for any straggling
// read before Redis reclaims them.
const counterTTL = 48 * time.Hour

// incrScript consumes one cast atomically so two devices racing on the same
// account can never push the counter past the limit.
var incrScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if used >= limit then
  return {used, 0}
end
used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {used, 1}
`)

// RedisStore is the multi-device quota counter.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, now: time.Now}
}

// SetNowFunc overrides the clock, for boundary tests.
func (s *RedisStore) SetNowFunc(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) key(playerID string) string {
	return "quota:" + playerID + ":" + dayKey(s.now())
}

func (s *RedisStore) Increment(ctx context.Context, playerID string, limit int) (int, error) {
	res, err := incrScript.Run(ctx, s.client, []string{s.key(playerID)}, limit, int(counterTTL.Seconds())).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("quota increment for %s: %w", playerID, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("quota increment for %s: unexpected script reply %v", playerID, res)
	}
	used := int(res[0])
	if res[1] == 0 {
		return used, ErrExhausted
	}
	return used, nil
}

func (s *RedisStore) Used(ctx context.Context, playerID string) (int, error) {
	used, err := s.client.Get(ctx, s.key(playerID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota read for %s: %w", playerID, err)
	}
	return used, nil
}
