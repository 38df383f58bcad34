package store

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Config configures the Redis-backed store adapter.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	CallTimeout  time.Duration // per-call deadline, spec §5 default 2s
	RetryAttempts int          // idempotent-command retries, spec §7 default 3
	RetryBase    time.Duration // spec §7 default 100ms
	RetryMax     time.Duration // spec §7 default 10s
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		DialTimeout:   5 * time.Second,
		CallTimeout:   2 * time.Second,
		RetryAttempts: 3,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      10 * time.Second,
	}
}

// RedisStore is the production Store implementation.
type RedisStore struct {
	client *goredis.Client
	cfg    Config
	logger *zap.Logger
}

// New connects to the shared store and pings it. Zero retry settings
// are replaced with DefaultConfig's values.
func New(cfg Config, logger *zap.Logger) (*RedisStore, error) {
	def := DefaultConfig()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &RedisStore{client: client, cfg: cfg, logger: logger}, nil
}

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

// retryIdempotent retries fn up to cfg.RetryAttempts times with
// exponential backoff, per spec §7 ("idempotent commands only").
func (s *RedisStore) retryIdempotent(ctx context.Context, fn func() error) error {
	wait := s.cfg.RetryBase
	var lastErr error
	attempts := s.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return wrap(ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
		if wait > s.cfg.RetryMax {
			wait = s.cfg.RetryMax
		}
	}
	return wrap(lastErr)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store: %w: %v", ErrUnavailable, err)
}

func (s *RedisStore) StreamAppend(ctx context.Context, key string, fields map[string]interface{}) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	id, err := s.client.XAdd(ctx, &goredis.XAddArgs{Stream: key, Values: fields}).Result()
	if err != nil {
		return "", wrap(err)
	}
	return id, nil
}

func (s *RedisStore) StreamRangeFrom(ctx context.Context, key string, minID string, count int64) ([]StreamEntry, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	start := minID
	if start == "" {
		start = "-"
	}
	res, err := s.client.XRangeN(ctx, key, start, "+", count).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, wrap(err)
	}
	out := make([]StreamEntry, 0, len(res))
	for _, m := range res {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, StreamEntry{ID: m.ID, Fields: fields})
	}
	return out, nil
}

func (s *RedisStore) StreamRangeRecent(ctx context.Context, key string, count int64) ([]StreamEntry, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	res, err := s.client.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, wrap(err)
	}
	out := make([]StreamEntry, 0, len(res))
	for _, m := range res {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, StreamEntry{ID: m.ID, Fields: fields})
	}
	return out, nil
}

func (s *RedisStore) StreamLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.client.XLen(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) StreamTrimApprox(ctx context.Context, key string, maxLen int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.XTrimMaxLenApprox(ctx, key, maxLen, 0).Err())
}

func (s *RedisStore) StreamTrimExact(ctx context.Context, key string, maxLen int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.XTrimMaxLen(ctx, key, maxLen).Err())
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	var err error
	retryErr := s.retryIdempotent(ctx, func() error {
		cctx, cancel := s.withDeadline(ctx)
		defer cancel()
		err = s.client.Publish(cctx, channel, payload).Err()
		return err
	})
	return retryErr
}

func (s *RedisStore) PatternSubscribe(ctx context.Context, pattern string) (PubSub, error) {
	ps := s.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, wrap(err)
	}
	out := make(chan Message, 256)
	native := ps.Channel()
	go func() {
		defer close(out)
		for msg := range native {
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisPubSub{sub: ps, ch: out}, nil
}

type redisPubSub struct {
	sub *goredis.PubSub
	ch  chan Message
}

func (p *redisPubSub) Channel() <-chan Message { return p.ch }
func (p *redisPubSub) Close() error            { return p.sub.Close() }

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retryIdempotent(ctx, func() error {
		cctx, cancel := s.withDeadline(ctx)
		defer cancel()
		var e error
		n, e = s.client.Incr(cctx, key).Result()
		return e
	})
	return n, err
}

func (s *RedisStore) StringGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	var found bool
	err := s.retryIdempotent(ctx, func() error {
		cctx, cancel := s.withDeadline(ctx)
		defer cancel()
		r, e := s.client.Get(cctx, key).Result()
		if e == goredis.Nil {
			found = false
			return nil
		}
		if e != nil {
			return e
		}
		v, found = r, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return v, found, nil
}

func (s *RedisStore) StringSet(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := s.retryIdempotent(ctx, func() error {
		cctx, cancel := s.withDeadline(ctx)
		defer cancel()
		var e error
		m, e = s.client.HGetAll(cctx, key).Result()
		return e
	})
	return m, err
}

func (s *RedisStore) HashSet(ctx context.Context, key string, values map[string]interface{}) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.HSet(ctx, key, values).Err())
}

func (s *RedisStore) HashDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.HDel(ctx, key, fields...).Err())
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.client.SAdd(ctx, key, args...).Err())
}

func (s *RedisStore) SetRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(s.client.SRem(ctx, key, args...).Err())
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	members, err := s.client.SMembers(ctx, key).Result()
	return members, wrap(err)
}

func (s *RedisStore) SetCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.client.SCard(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.client.RPush(ctx, key, args...).Result()
	return n, wrap(err)
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	return vals, wrap(err)
}

func (s *RedisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.client.LLen(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) KeysByPattern(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err)
	}
	return keys, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return wrap(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) RateLimitCheck(ctx context.Context, key string, windowSeconds int64, limit int64, requestID string) (RateLimitResult, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	res, err := s.client.Eval(ctx, slidingWindowScript, []string{key}, windowSeconds, limit, requestID).Result()
	if err != nil {
		return RateLimitResult{}, wrap(err)
	}
	return parseRateLimitResult(res)
}

func parseRateLimitResult(res interface{}) (RateLimitResult, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 4 {
		return RateLimitResult{}, fmt.Errorf("store: unexpected rate limit script result: %#v", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	resetUnix, _ := arr[2].(int64)
	limit, _ := arr[3].(int64)
	return RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetTime: time.Unix(resetUnix, 0),
		Limit:     limit,
	}, nil
}

// Duplicate returns a second connection to the same server, used for
// the dedicated pattern-subscription link (spec §5).
func (s *RedisStore) Duplicate() Store {
	opt := *s.client.Options()
	return &RedisStore{client: goredis.NewClient(&opt), cfg: s.cfg, logger: s.logger}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
