// Package counterstore implements the atomic sliding-window counter used by
// the admission engine, against a Redis backend. The check-and-record
// operation is shipped as a Lua script rather than emulated with multiple
// round trips, since correctness under concurrent access depends on the
// store serializing the whole prune-count-record sequence atomically.
package counterstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/ratelimit-gateway/internal/tracing"
	"github.com/redis/go-redis/v9"
)

// Key prefixes from the external interface contract.
const (
	KeyPrefix      = "ratelimit_"
	QuotaKeyPrefix = "limes_ratelimit_"
)

// Error is a typed counter-store error. Callers can match on errors.Is
// against the sentinels below; the admission engine fails open on any
// error without distinguishing them.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("counterstore: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel error kinds. Wrap with Error via newError.
var (
	ErrUnavailable = errors.New("counter store unavailable")
	ErrTimeout     = errors.New("counter store operation timed out")
)

func newError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
}

// Result is the outcome of a CheckAndRecord call, mirroring the two-element
// integer list the Lua script returns.
type Result struct {
	Remaining      int
	RetryAfter     time.Duration
	RetryAfterTick int64
}

// Store is the counter-store client contract depended on by the admission
// engine. It exists so tests can substitute an in-memory fake without a
// running Redis instance.
type Store interface {
	CheckAndRecord(ctx context.Context, key string, windowTicks int64, maxCount int, nowTicks int64, maxSleepSeconds int, clockAccuracy int) (Result, error)
	IsAvailable(ctx context.Context) (bool, string)
	SetQuotaCache(ctx context.Context, entries map[string]string, ttl time.Duration) error
	GetQuotaCache(ctx context.Context, key string) (string, bool, error)
}

// MinimumServerVersion is the lowest Redis server version known to support
// the EVALSHA / sorted-set-range combination the check-and-record script
// relies on.
const MinimumServerVersion = "5.0.0"

// LatencyRecorder is the ambient-observability capability a RedisStore
// reports round-trip timings to. *metrics.PrometheusMetrics satisfies it;
// the store depends only on this narrow interface so it never needs to
// import the metrics package's concrete types.
type LatencyRecorder interface {
	ObserveStoreLatency(operation string, seconds float64)
}

// RedisStore is the production Store implementation.
type RedisStore struct {
	client        *redis.Client
	minServerVer  string
	socketTimeout time.Duration
	latency       LatencyRecorder
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithMinimumServerVersion overrides MinimumServerVersion for IsAvailable.
func WithMinimumServerVersion(v string) Option {
	return func(s *RedisStore) { s.minServerVer = v }
}

// WithLatencyRecorder wires a round-trip latency recorder into the store.
// Without one, timings are simply not reported.
func WithLatencyRecorder(r LatencyRecorder) Option {
	return func(s *RedisStore) { s.latency = r }
}

func (s *RedisStore) observe(operation string, start time.Time) {
	if s.latency == nil {
		return
	}
	s.latency.ObserveStoreLatency(operation, time.Since(start).Seconds())
}

// NewRedisStore builds a RedisStore around an already-configured
// *redis.Client. The caller is expected to have set the pool size and dial
// timeout (cmd/ratelimitd uses redis_max_connections/redis_timeout_seconds)
// at construction time.
func NewRedisStore(client *redis.Client, socketTimeout time.Duration, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:        client,
		minServerVer:  MinimumServerVersion,
		socketTimeout: socketTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndRecord runs the atomic sliding-window check against key. It always
// returns a non-nil error wrapped as *Error on any store failure; callers
// (the admission engine) are expected to fail open on error rather than
// propagate it further.
func (s *RedisStore) CheckAndRecord(ctx context.Context, key string, windowTicks int64, maxCount int, nowTicks int64, maxSleepSeconds int, clockAccuracy int) (result Result, err error) {
	ctx, endSpan := tracing.StartCounterStoreSpan(ctx, key, tracing.CounterStoreOperationCheck)
	defer func() { endSpan(err) }()
	defer s.observe("check_and_record", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.socketTimeout)
	defer cancel()

	lookback := nowTicks - windowTicks

	raw, runErr := checkAndRecordScript.Run(ctx, s.client,
		[]string{key},
		lookback, nowTicks, maxCount, windowTicks, maxSleepSeconds, clockAccuracy,
	).Result()
	if runErr != nil {
		err = newError("check_and_record", runErr)
		return Result{}, err
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		err = newError("check_and_record", fmt.Errorf("unexpected script result shape: %#v", raw))
		return Result{}, err
	}

	remaining, convErr := toInt(vals[0])
	if convErr != nil {
		err = newError("check_and_record", convErr)
		return Result{}, err
	}
	retryAfterSeconds, convErr := toInt(vals[1])
	if convErr != nil {
		err = newError("check_and_record", convErr)
		return Result{}, err
	}

	return Result{
		Remaining:      remaining,
		RetryAfter:     time.Duration(retryAfterSeconds) * time.Second,
		RetryAfterTick: int64(retryAfterSeconds) * int64(clockAccuracy),
	}, nil
}

// IsAvailable performs a trivial read (PING) plus a version comparison
// against the configured minimum server version.
func (s *RedisStore) IsAvailable(ctx context.Context) (bool, string) {
	ctx, endSpan := tracing.StartCounterStoreSpan(ctx, "", tracing.CounterStoreOperationPing)
	defer func() { endSpan(nil) }()
	defer s.observe("is_available", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.socketTimeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, fmt.Sprintf("ping failed: %v", err)
	}

	info, err := s.client.Info(ctx, "server").Result()
	if err != nil {
		return false, fmt.Sprintf("info failed: %v", err)
	}

	version := parseRedisVersion(info)
	if version == "" {
		return false, "could not determine redis_version from INFO server"
	}
	if compareVersions(version, s.minServerVer) < 0 {
		return false, fmt.Sprintf("redis_version %s is below minimum %s", version, s.minServerVer)
	}

	return true, ""
}

// SetQuotaCache writes entries under the limes_ratelimit_ prefix atomically,
// each with its own TTL (normally the same refresh interval for all entries
// produced from one quota-service response).
func (s *RedisStore) SetQuotaCache(ctx context.Context, entries map[string]string, ttl time.Duration) (err error) {
	if len(entries) == 0 {
		return nil
	}

	ctx, endSpan := tracing.StartCounterStoreSpan(ctx, "", tracing.CounterStoreOperationCacheSet)
	defer func() { endSpan(err) }()
	defer s.observe("set_quota_cache", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.socketTimeout)
	defer cancel()

	keys := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*2)
	ttlSeconds := int(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	for k, v := range entries {
		keys = append(keys, QuotaKeyPrefix+k)
		args = append(args, v, ttlSeconds)
	}

	if runErr := multiSetWithTTLScript.Run(ctx, s.client, keys, args...).Err(); runErr != nil {
		err = newError("set_quota_cache", runErr)
		return err
	}
	return nil
}

// GetQuotaCache reads a single cached quota entry. The bool return is false
// both on a genuine cache miss and on any store error, since the remote
// provider treats both identically (re-fetch from the quota service).
func (s *RedisStore) GetQuotaCache(ctx context.Context, key string) (val string, found bool, err error) {
	ctx, endSpan := tracing.StartCounterStoreSpan(ctx, key, tracing.CounterStoreOperationCacheGet)
	defer func() { endSpan(err) }()
	defer s.observe("get_quota_cache", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.socketTimeout)
	defer cancel()

	val, getErr := s.client.Get(ctx, QuotaKeyPrefix+key).Result()
	if errors.Is(getErr, redis.Nil) {
		return "", false, nil
	}
	if getErr != nil {
		err = newError("get_quota_cache", getErr)
		return "", false, err
	}
	return val, true, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer script result, got %T", v)
	}
}

// parseRedisVersion extracts redis_version from an INFO server payload.
func parseRedisVersion(info string) string {
	const marker = "redis_version:"
	idx := -1
	for i := 0; i+len(marker) <= len(info); i++ {
		if info[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx == -1 {
		return ""
	}
	end := idx
	for end < len(info) && info[end] != '\r' && info[end] != '\n' {
		end++
	}
	return info[idx:end]
}

// compareVersions compares two dotted version strings, returning -1, 0, or 1.
func compareVersions(a, b string) int {
	aParts := splitVersion(a)
	bParts := splitVersion(b)
	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		var av, bv int
		if i < len(aParts) {
			av = aParts[i]
		}
		if i < len(bParts) {
			bv = bParts[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	var parts []int
	cur := 0
	started := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			started = true
			continue
		}
		if r == '.' {
			if started {
				parts = append(parts, cur)
			}
			cur = 0
			started = false
			continue
		}
		break
	}
	if started {
		parts = append(parts, cur)
	}
	return parts
}

// BuildKey constructs the opaque counter-store key for (scope, action,
// target), using the literal "global" scope for the unscoped check.
func BuildKey(scope, action, target string) string {
	if scope == "" {
		scope = "global"
	}
	return KeyPrefix + scope + "_" + action + "_" + target
}

// NowTicks converts the current wall-clock time to integer ticks at the
// given clock accuracy (ticks per second).
func NowTicks(now time.Time, clockAccuracy int) int64 {
	return now.UnixNano() / (int64(time.Second) / int64(clockAccuracy))
}
