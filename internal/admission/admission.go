// Package admission implements the decision engine: given a scope, action,
// target, and rate spec, it consults the counter store and returns one of
// Admit, AdmitAfterSleep, or Reject.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/ratelimit-gateway/internal/counterstore"
	"github.com/onnwee/ratelimit-gateway/internal/ratespec"
	"github.com/onnwee/ratelimit-gateway/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Decision is a closed sum type for the outcome of an admission check. The
// unexported marker method prevents other packages from defining new
// variants; callers should switch on the concrete type via a type switch
// rather than scatter type assertions through the codebase.
type Decision interface {
	isDecision()
}

// Admit means the request proceeds immediately.
type Admit struct{}

func (Admit) isDecision() {}

// AdmitAfterSleep means the request proceeds after a cooperative wait of
// After, because the reservation fits within the configured sleep budget.
type AdmitAfterSleep struct {
	After time.Duration
}

func (AdmitAfterSleep) isDecision() {}

// Reject means the request is denied with the given retry-after duration
// and the spec string that triggered the rejection (for the
// X-RateLimit-Limit response header).
type Reject struct {
	RetryAfter time.Duration
	Spec       string
}

func (Reject) isDecision() {}

// Sleeper performs a context-aware, cooperative wait. The production
// implementation is backed by time.Timer so it cancels promptly if the
// request context is done; the reservation already recorded in the counter
// store is not rolled back by an abandoned wait.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// TimerSleeper is the production Sleeper, yielding to the Go scheduler via
// time.Timer rather than time.Sleep so an expiring request context can
// abandon the wait early.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Engine runs the admission decision for a single (scope, action, target,
// spec) tuple against a counter store.
type Engine struct {
	Store         counterstore.Store
	ClockAccuracy int
	MaxSleep      time.Duration
	LogSleep      time.Duration
	Logger        *slog.Logger
}

// NewEngine constructs an Engine. logger may be nil, in which case a
// discard logger is used.
func NewEngine(store counterstore.Store, clockAccuracy int, maxSleep, logSleep time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Engine{
		Store:         store,
		ClockAccuracy: clockAccuracy,
		MaxSleep:      maxSleep,
		LogSleep:      logSleep,
		Logger:        logger,
	}
}

// Decide evaluates spec for key and returns the resulting Decision. An
// unlimited spec always admits without consulting the counter store. Any
// counter-store error fails open to Admit (logged at debug level).
func (e *Engine) Decide(ctx context.Context, key string, spec ratespec.RateSpec) Decision {
	ctx, endSpan := tracing.StartSpan(ctx, "admission.decide")
	defer endSpan(nil)
	tracing.SetAttributes(ctx, attribute.String("ratelimit.key", key), attribute.String("ratelimit.spec", spec.String()))

	if spec.IsUnlimited() {
		return Admit{}
	}

	now := time.Now()
	nowTicks := counterstore.NowTicks(now, e.ClockAccuracy)
	windowTicks := spec.Ticks(e.ClockAccuracy)
	maxSleepSeconds := int(e.MaxSleep.Seconds())

	result, err := e.Store.CheckAndRecord(ctx, key, windowTicks, spec.MaxCount, nowTicks, maxSleepSeconds, e.ClockAccuracy)
	if err != nil {
		e.Logger.DebugContext(ctx, "counter store error, failing open", slog.String("key", key), slog.String("error", err.Error()))
		return Admit{}
	}

	if result.Remaining > 0 {
		return Admit{}
	}

	if result.RetryAfter <= e.MaxSleep {
		if result.RetryAfter >= e.LogSleep {
			e.Logger.InfoContext(ctx, "suspending request", slog.String("key", key), slog.Duration("sleep", result.RetryAfter))
		}
		return AdmitAfterSleep{After: result.RetryAfter}
	}

	return Reject{RetryAfter: result.RetryAfter, Spec: spec.String()}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
