package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/observability"
)

// Renew and release must compare the owner token and act in one step, so
// both run as Lua. Scripts are preloaded at construction to avoid shipping
// the text on every call.
const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
end
return -2
`

const releaseScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return -2
`

// RedisLocker implements Locker on a single Redis instance using
// SET NX PX plus compare-and-act Lua for renew and release. The fencing
// token is a per-name INCR counter bumped on every successful acquire.
type RedisLocker struct {
	client     *redis.Client
	prefix     string
	renewSHA   string
	releaseSHA string
}

func NewRedisLocker(ctx context.Context, url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigInvalid, err, "lock kv url")
	}
	return NewRedisLockerWithClient(ctx, redis.NewClient(opts))
}

func NewRedisLockerWithClient(ctx context.Context, client *redis.Client) (*RedisLocker, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("lock kv ping: %w", err)
	}

	renewSHA, err := client.ScriptLoad(ctx, renewScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload renew script: %w", err)
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload release script: %w", err)
	}

	return &RedisLocker{
		client:     client,
		prefix:     "autonomy:lock:",
		renewSHA:   renewSHA,
		releaseSHA: releaseSHA,
	}, nil
}

func (l *RedisLocker) key(name string) string   { return l.prefix + name }
func (l *RedisLocker) fence(name string) string { return l.prefix + name + ":fence" }

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		observability.LockOutcomes.WithLabelValues("acquire", "error").Inc()
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		observability.LockOutcomes.WithLabelValues("acquire", "contended").Inc()
		return nil, errcode.New(errcode.LockUnavailable, "lock %s is held", name)
	}

	fence, err := l.client.Incr(ctx, l.fence(name)).Result()
	if err != nil {
		// Surrender the name rather than hand out a lease with no fence.
		_ = l.client.Eval(ctx, releaseScript, []string{l.key(name)}, token).Err()
		observability.LockOutcomes.WithLabelValues("acquire", "error").Inc()
		return nil, fmt.Errorf("fence %s: %w", name, err)
	}

	observability.LockOutcomes.WithLabelValues("acquire", "ok").Inc()
	return &Lease{Name: name, Token: token, Fence: fence, AcquiredAt: time.Now()}, nil
}

func (l *RedisLocker) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	res, err := l.client.EvalSha(ctx, l.renewSHA,
		[]string{l.key(lease.Name)}, lease.Token, ttl.Milliseconds()).Result()
	if err != nil {
		observability.LockOutcomes.WithLabelValues("renew", "error").Inc()
		return fmt.Errorf("renew %s: %w", lease.Name, err)
	}
	code, ok := res.(int64)
	if !ok {
		return errors.New("unexpected renew script reply")
	}
	if code != 1 {
		observability.LockOutcomes.WithLabelValues("renew", "stale").Inc()
		return errcode.New(errcode.LockStale, "lock %s lost (renew=%d)", lease.Name, code)
	}
	observability.LockOutcomes.WithLabelValues("renew", "ok").Inc()
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	res, err := l.client.EvalSha(ctx, l.releaseSHA,
		[]string{l.key(lease.Name)}, lease.Token).Result()
	if err != nil {
		observability.LockOutcomes.WithLabelValues("release", "error").Inc()
		return fmt.Errorf("release %s: %w", lease.Name, err)
	}
	code, ok := res.(int64)
	if !ok {
		return errors.New("unexpected release script reply")
	}
	if code != 1 {
		observability.LockOutcomes.WithLabelValues("release", "stale").Inc()
		return errcode.New(errcode.LockStale, "lock %s not held by this lease", lease.Name)
	}
	observability.LockOutcomes.WithLabelValues("release", "ok").Inc()
	return nil
}

func (l *RedisLocker) Owner(ctx context.Context, name string) (string, error) {
	val, err := l.client.Get(ctx, l.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
