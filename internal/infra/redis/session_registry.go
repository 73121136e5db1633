package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"quizbot/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionRegistry is a Redis-backed implementation of app.SessionRegistry.
// Keys:
//   - quizbot:session:{user}      active marker holding the owning instance id
//   - quizbot:instance:{instance} heartbeat of a live process, short TTL
//   - quizbot:progress            hash user -> offset
//   - quizbot:score:{user}        hash correct/total
//
// Sessions live in the memory of the process that started them, so a marker is
// only honoured while its owner's heartbeat exists. A marker left behind by a
// crashed or restarted process is taken over by the next TryStart once that
// heartbeat expires. activeTTL is an upper bound on any marker's life.
type SessionRegistry struct {
	client    *redis.Client
	activeTTL time.Duration
	leaseTTL  time.Duration
	instance  string
}

// DefaultLeaseTTL is how long an instance heartbeat survives without a refresh.
const DefaultLeaseTTL = 30 * time.Second

func NewSessionRegistry(client *redis.Client, activeTTL time.Duration) *SessionRegistry {
	return NewSessionRegistryWithLease(client, activeTTL, DefaultLeaseTTL)
}

func NewSessionRegistryWithLease(client *redis.Client, activeTTL, leaseTTL time.Duration) *SessionRegistry {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &SessionRegistry{
		client:    client,
		activeTTL: activeTTL,
		leaseTTL:  leaseTTL,
		instance:  uuid.NewString(),
	}
}

// Instance identifies this process in active markers.
func (r *SessionRegistry) Instance() string {
	return r.instance
}

// tryStartScript refreshes the caller's heartbeat, then claims the marker when
// it is free or held by an instance whose heartbeat is gone. A marker held by
// the caller itself is never re-claimed.
//
// KEYS[1] marker, KEYS[2] caller heartbeat
// ARGV[1] instance id, ARGV[2] marker ttl ms, ARGV[3] lease ms, ARGV[4] heartbeat prefix
var tryStartScript = redis.NewScript(`
redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
local owner = redis.call('GET', KEYS[1])
if owner then
	if owner == ARGV[1] then return 0 end
	if redis.call('EXISTS', ARGV[4] .. owner) == 1 then return 0 end
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// endScript deletes the marker only while this instance still owns it.
var endScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// TryStart claims the user's marker; only one caller across all replicas wins.
func (r *SessionRegistry) TryStart(ctx context.Context, userID string) (bool, error) {
	won, err := tryStartScript.Run(ctx, r.client,
		[]string{r.activeKey(userID), r.heartbeatKey()},
		r.instance, r.activeTTL.Milliseconds(), r.leaseTTL.Milliseconds(), heartbeatPrefix,
	).Int()
	if err != nil {
		return false, err
	}
	return won == 1, nil
}

// End releases the marker if this instance holds it. Idempotent.
func (r *SessionRegistry) End(ctx context.Context, userID string) error {
	return endScript.Run(ctx, r.client, []string{r.activeKey(userID)}, r.instance).Err()
}

// Run refreshes the heartbeat until ctx is done, then deletes it so markers
// owned by this instance can be taken over straight away.
func (r *SessionRegistry) Run(ctx context.Context, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(r.leaseTTL / 3)
	defer ticker.Stop()

	for {
		if err := r.client.Set(ctx, r.heartbeatKey(), "1", r.leaseTTL).Err(); err != nil && ctx.Err() == nil {
			logger.Warn("refresh instance heartbeat", zap.String("instance", r.instance), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.client.Del(cleanupCtx, r.heartbeatKey()).Err(); err != nil {
				logger.Warn("drop instance heartbeat", zap.String("instance", r.instance), zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (r *SessionRegistry) Progress(ctx context.Context, userID string) (int, error) {
	raw, err := r.client.HGet(ctx, progressKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		return 0, nil
	}
	return offset, nil
}

func (r *SessionRegistry) SetProgress(ctx context.Context, userID string, offset int) error {
	if offset < 0 {
		offset = 0
	}
	return r.client.HSet(ctx, progressKey, userID, offset).Err()
}

func (r *SessionRegistry) ResetProgress(ctx context.Context, userID string) error {
	return r.SetProgress(ctx, userID, 0)
}

// RecordAnswer bumps both counters in one MULTI so readers never see correct > total.
func (r *SessionRegistry) RecordAnswer(ctx context.Context, userID string, correct bool) error {
	key := r.scoreKey(userID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "total", 1)
		if correct {
			pipe.HIncrBy(ctx, key, "correct", 1)
		}
		return nil
	})
	return err
}

func (r *SessionRegistry) Score(ctx context.Context, userID string) (domain.Score, error) {
	fields, err := r.client.HGetAll(ctx, r.scoreKey(userID)).Result()
	if err != nil {
		return domain.Score{}, err
	}
	var score domain.Score
	if v, err := strconv.Atoi(fields["correct"]); err == nil {
		score.Correct = v
	}
	if v, err := strconv.Atoi(fields["total"]); err == nil {
		score.Total = v
	}
	return score, nil
}

const (
	progressKey     = "quizbot:progress"
	heartbeatPrefix = "quizbot:instance:"
)

func (r *SessionRegistry) heartbeatKey() string {
	return heartbeatPrefix + r.instance
}

func (r *SessionRegistry) activeKey(userID string) string {
	return "quizbot:session:" + userID
}

func (r *SessionRegistry) scoreKey(userID string) string {
	return "quizbot:score:" + userID
}
