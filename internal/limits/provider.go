// Package limits provides rate-limit lookups for the decision pipeline: a
// static provider backed by configuration, and a remote provider backed by
// a Limes-style quota service with counter-store-cached lookups.
package limits

import (
	"context"
	"errors"

	"github.com/onnwee/ratelimit-gateway/internal/ratespec"
)

// ErrProviderUnavailable is returned by Provider implementations that choose
// to surface an error rather than silently fail open; current
// implementations never return it from Get* (both fail open to Unlimited),
// but it is exported so callers can recognize the kind if a future provider
// chooses to propagate it instead.
var ErrProviderUnavailable = errors.New("limit provider unavailable")

// Provider is the small capability the decision pipeline depends on. Both
// StaticProvider and RemoteProvider satisfy it; the pipeline has no
// import-time dependency on Redis, HTTP, or the identity client.
type Provider interface {
	GetGlobalRateLimit(ctx context.Context, action, target string) ratespec.RateSpec
	GetLocalRateLimit(ctx context.Context, scope, action, target string) ratespec.RateSpec
}
