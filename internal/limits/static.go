package limits

import (
	"context"

	"github.com/onnwee/ratelimit-gateway/internal/config"
	"github.com/onnwee/ratelimit-gateway/internal/ratespec"
)

// StaticProvider serves global and local rate specs from rules built once
// at startup from configuration and immutable thereafter. First-match-wins
// ordering is preserved by indexing each target's rule list in
// configuration-file order (a slice, not a map).
type StaticProvider struct {
	global map[string][]config.RateRule
	local  map[string][]config.RateRule
}

// NewStaticProvider builds a StaticProvider from the rates.global and
// rates.default tables in cfg.
func NewStaticProvider(cfg *config.Config) *StaticProvider {
	return &StaticProvider{
		global: cfg.Rates.Global,
		local:  cfg.Rates.Default,
	}
}

// GetGlobalRateLimit returns the first rule for target whose action matches,
// or Unlimited if no rule matches.
func (p *StaticProvider) GetGlobalRateLimit(ctx context.Context, action, target string) ratespec.RateSpec {
	return firstMatch(p.global, action, target)
}

// GetLocalRateLimit returns the first rule for target whose action matches.
// scope is accepted for interface symmetry with RemoteProvider but unused in
// lookup: per-scope limits are uniform across scopes, only counted per
// scope.
func (p *StaticProvider) GetLocalRateLimit(ctx context.Context, scope, action, target string) ratespec.RateSpec {
	return firstMatch(p.local, action, target)
}

func firstMatch(rules map[string][]config.RateRule, action, target string) ratespec.RateSpec {
	list, ok := rules[target]
	if !ok {
		return ratespec.Unlimited
	}
	for _, rule := range list {
		if rule.Action == action {
			return ratespec.ParseOrUnlimited(rule.Limit)
		}
	}
	return ratespec.Unlimited
}
