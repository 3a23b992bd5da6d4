package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/onnwee/ratelimit-gateway/internal/counterstore"
	"github.com/onnwee/ratelimit-gateway/internal/identity"
	"github.com/onnwee/ratelimit-gateway/internal/ratespec"
	"golang.org/x/sync/singleflight"
)

// quotaDocument mirrors the project/service/rate shape returned by a
// Limes-style quota service's rates=only projection.
type quotaDocument struct {
	Services []struct {
		Type  string `json:"type"`
		Rates []struct {
			Name   string `json:"name"`
			Limit  int    `json:"limit"`
			Window string `json:"window"`
		} `json:"rates"`
	} `json:"services"`
}

// RemoteProvider serves local rate specs fetched from a quota service,
// cached in the counter store under the limes_ratelimit_ prefix. It never
// supplies global rate limits (the quota service is project-scoped by
// definition), so GetGlobalRateLimit always returns Unlimited.
type RemoteProvider struct {
	apiURI          string
	domainName      string
	tokens          identity.TokenSource
	httpClient      *http.Client
	store           counterstore.Store
	refreshInterval time.Duration
	group           singleflight.Group
}

// NewRemoteProvider builds a RemoteProvider. httpClient should carry a
// request timeout matching backend_timeout_seconds; a nil httpClient falls
// back to http.DefaultClient.
func NewRemoteProvider(apiURI, domainName string, tokens identity.TokenSource, httpClient *http.Client, store counterstore.Store, refreshInterval time.Duration) *RemoteProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteProvider{
		apiURI:          strings.TrimRight(apiURI, "/"),
		domainName:      domainName,
		tokens:          tokens,
		httpClient:      httpClient,
		store:           store,
		refreshInterval: refreshInterval,
	}
}

// GetGlobalRateLimit always returns Unlimited; the quota service has no
// notion of a global (cross-project) rate.
func (p *RemoteProvider) GetGlobalRateLimit(ctx context.Context, action, target string) ratespec.RateSpec {
	return ratespec.Unlimited
}

// GetLocalRateLimit returns the cached rate spec for (scope, action,
// target), refreshing the whole project's quota cache on a miss. Quota
// rates are per service type, so the lookup uses the target's service
// prefix. Any failure along the way fails open to Unlimited; network errors
// are never surfaced to the caller.
func (p *RemoteProvider) GetLocalRateLimit(ctx context.Context, scope, action, target string) ratespec.RateSpec {
	service := serviceFromTarget(target)
	key := quotaCacheKey(scope, action, service)

	if val, found, err := p.store.GetQuotaCache(ctx, key); err == nil && found {
		return ratespec.ParseOrUnlimited(val)
	}

	result, err, _ := p.group.Do(scope+"/"+service, func() (interface{}, error) {
		return p.refresh(ctx, scope, service)
	})
	if err != nil {
		return ratespec.Unlimited
	}

	entries, _ := result.(map[string]string)
	if val, ok := entries[key]; ok {
		return ratespec.ParseOrUnlimited(val)
	}
	return ratespec.Unlimited
}

// refresh fetches the project's rate document from the quota service and
// writes every synthesized entry into the counter store cache in one
// atomic multi-set. It returns the freshly synthesized entries so the
// caller that triggered the fetch doesn't have to wait for a second cache
// round trip.
func (p *RemoteProvider) refresh(ctx context.Context, scope, service string) (map[string]string, error) {
	doc, err := p.fetchQuotaDocument(ctx, scope, service)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]string)
	for _, svc := range doc.Services {
		for _, rate := range svc.Rates {
			key := quotaCacheKey(scope, rate.Name, svc.Type)
			entries[key] = fmt.Sprintf("%dr/%s", rate.Limit, normalizeWindow(rate.Window))
		}
	}

	if len(entries) > 0 {
		if err := p.store.SetQuotaCache(ctx, entries, p.refreshInterval); err != nil {
			return entries, nil
		}
	}
	return entries, nil
}

func (p *RemoteProvider) fetchQuotaDocument(ctx context.Context, scope, service string) (*quotaDocument, error) {
	doc, err := p.doFetch(ctx, scope, service, false)
	if err == errUnauthorized {
		p.tokens.Invalidate()
		doc, err = p.doFetch(ctx, scope, service, true)
	}
	return doc, err
}

var errUnauthorized = fmt.Errorf("limits: quota service returned 401")

func (p *RemoteProvider) doFetch(ctx context.Context, scope, service string, forceReauth bool) (*quotaDocument, error) {
	var doc *quotaDocument

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	operation := func() error {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		url := fmt.Sprintf("%s/v1/domains/%s/projects/%s?service=%s&rates=only",
			p.apiURI, p.domainName, scope, service)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Auth-Token", token)

		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(errUnauthorized)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("limits: quota service returned status %d", resp.StatusCode)
		}

		var parsed quotaDocument
		if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
			return backoff.Permanent(decodeErr)
		}
		doc = &parsed
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return doc, nil
}

// quotaCacheKey matches the opaque key shape the admission engine's own
// BuildKey uses, so quota and counter keys share a single mental model even
// though they live under different store prefixes.
func quotaCacheKey(scope, action, target string) string {
	return scope + "_" + action + "_" + target
}

// serviceFromTarget extracts the CADF service-type prefix from a
// "<service>/<resource>" target_type_uri, e.g. "compute/server" -> "compute".
func serviceFromTarget(target string) string {
	if idx := strings.Index(target, "/"); idx >= 0 {
		return target[:idx]
	}
	return target
}

// normalizeWindow drops a leading "1" multiplier, e.g. "1h" -> "h", while
// leaving multi-digit counts like "10h" or "2h" untouched, matching the
// quota-service provider's cache value convention.
func normalizeWindow(window string) string {
	i := 0
	for i < len(window) && window[i] >= '0' && window[i] <= '9' {
		i++
	}
	if i == 0 {
		return window
	}
	if window[:i] == "1" {
		return window[i:]
	}
	return window
}
