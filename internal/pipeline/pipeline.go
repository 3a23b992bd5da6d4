// Package pipeline implements the decision pipeline: classify, group,
// whitelist/blacklist, global limit, local limit, in that order, with
// short-circuiting at the first non-passthrough outcome. It calls its
// collaborators through small interfaces (limits.Provider, a Decider,
// metrics.Emitter) and never constructs a Redis client, HTTP server or
// identity client; those are wired together in cmd/ratelimitd and
// internal/middleware.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/ratelimit-gateway/internal/admission"
	"github.com/onnwee/ratelimit-gateway/internal/counterstore"
	"github.com/onnwee/ratelimit-gateway/internal/limits"
	"github.com/onnwee/ratelimit-gateway/internal/metrics"
	"github.com/onnwee/ratelimit-gateway/internal/ratespec"
	"github.com/onnwee/ratelimit-gateway/internal/response"
)

const unknownSentinel = "unknown"

// defaultCADFServiceNamePrefixes is the service_type -> cadf_service_name
// fallback table, used when cadf_service_name isn't explicitly configured
// but service_type is known.
var defaultCADFServiceNamePrefixes = map[string]string{
	"identity":     "data/security",
	"compute":      "service/compute",
	"volumev3":     "data/block-storage",
	"network":      "service/network",
	"image":        "data/image",
	"object-store": "data/storage",
}

// Attributes is the Go representation of the WSGI request-environment
// classification tuple. It is populated by a ClassificationExtractor and
// consumed as opaque strings; the pipeline never interprets their meaning
// beyond matching and grouping.
type Attributes struct {
	Action                     string
	TargetTypeURI              string
	InitiatorProjectID         string
	TargetProjectID            string
	InitiatorHostAddress       string
	ServiceType                string
	CADFServiceName            string
	InitiatorProjectDomainName string
	InitiatorProjectName       string
}

// Decider is the admission capability the pipeline depends on. *admission.Engine
// satisfies it directly.
type Decider interface {
	Decide(ctx context.Context, key string, spec ratespec.RateSpec) admission.Decision
}

// Result is the pipeline's terminal outcome: either pass the request
// through unmodified, or write a generated response.
type Result struct {
	Passthrough bool
	Response    response.Writer
}

// LatencyRecorder is the ambient-observability capability a Pipeline
// reports per-stage timings to. *metrics.PrometheusMetrics satisfies it.
type LatencyRecorder interface {
	ObservePipelineLatency(stage string, seconds float64)
}

// Pipeline runs the classify -> group -> whitelist -> blacklist -> global
// -> local sequence for a single request.
type Pipeline struct {
	Provider  limits.Provider
	Engine    Decider
	Sleeper   admission.Sleeper
	Responses *response.Builder
	Emitter   metrics.Emitter
	Logger    *slog.Logger
	// Latency reports per-stage wall time, if non-nil.
	Latency LatencyRecorder

	RateLimitBy     string
	ServiceType     string
	CADFServiceName string
	Whitelist       map[string]struct{}
	Blacklist       map[string]struct{}
	// Groups maps a member action to the group name that replaces it for
	// the remainder of the pipeline and for metrics.
	Groups map[string]string
}

// BuildGroupIndex inverts a group-name -> member-actions configuration map
// into a member-action -> group-name lookup.
func BuildGroupIndex(groups map[string][]string) map[string]string {
	idx := make(map[string]string)
	for group, members := range groups {
		for _, member := range members {
			idx[member] = group
		}
	}
	return idx
}

// BuildSet turns a slice into a membership set for O(1) whitelist/blacklist
// lookups.
func BuildSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Handle runs the full decision pipeline for attrs.
func (p *Pipeline) Handle(ctx context.Context, attrs Attributes) Result {
	classifyStart := time.Now()
	action := attrs.Action
	scope := p.scopeFor(attrs)
	target := p.classifyTarget(attrs)
	p.observe("classify", classifyStart)

	if isUnknown(action) || isUnknown(target) || isUnknown(scope) {
		p.emit(metrics.MetricUnknownClassified, action, scope, target, "")
		return Result{Passthrough: true}
	}

	groupStart := time.Now()
	actionGroup := ""
	if group, ok := p.Groups[action]; ok {
		actionGroup = group
		action = group
	}
	p.observe("group", groupStart)

	whitelistStart := time.Now()
	whitelisted := p.isListed(p.Whitelist, scope, attrs)
	p.observe("whitelist", whitelistStart)
	if whitelisted {
		p.emit(metrics.MetricWhitelisted, action, scope, target, actionGroup)
		return Result{Passthrough: true}
	}

	blacklistStart := time.Now()
	blacklisted := p.isListed(p.Blacklist, scope, attrs)
	p.observe("blacklist", blacklistStart)
	if blacklisted {
		p.emit(metrics.MetricBlacklisted, action, scope, target, actionGroup)
		return Result{Response: p.Responses.BuildBlacklist()}
	}

	globalStart := time.Now()
	if globalSpec := p.Provider.GetGlobalRateLimit(ctx, action, target); !globalSpec.IsUnlimited() {
		key := counterstore.BuildKey("", action, target)
		decision := p.Engine.Decide(ctx, key, globalSpec)
		p.observe("global_limit", globalStart)
		switch d := decision.(type) {
		case admission.Reject:
			p.emit(metrics.MetricGlobalRateLimited, action, scope, target, actionGroup)
			return Result{Response: p.Responses.BuildReject(d.Spec, int(d.RetryAfter.Seconds()))}
		case admission.AdmitAfterSleep:
			p.Sleeper.Sleep(ctx, d.After)
		}
	} else {
		p.observe("global_limit", globalStart)
	}

	localStart := time.Now()
	if localSpec := p.Provider.GetLocalRateLimit(ctx, scope, action, target); !localSpec.IsUnlimited() {
		key := counterstore.BuildKey(scope, action, target)
		decision := p.Engine.Decide(ctx, key, localSpec)
		p.observe("local_limit", localStart)
		switch d := decision.(type) {
		case admission.Reject:
			p.emit(metrics.MetricLocalRateLimited, action, scope, target, actionGroup)
			return Result{Response: p.Responses.BuildReject(d.Spec, int(d.RetryAfter.Seconds()))}
		case admission.AdmitAfterSleep:
			p.Sleeper.Sleep(ctx, d.After)
		}
	} else {
		p.observe("local_limit", localStart)
	}

	return Result{Passthrough: true}
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.Latency == nil {
		return
	}
	p.Latency.ObservePipelineLatency(stage, time.Since(start).Seconds())
}

func (p *Pipeline) scopeFor(attrs Attributes) string {
	switch p.RateLimitBy {
	case "target_project_id":
		return attrs.TargetProjectID
	case "initiator_host_address":
		return attrs.InitiatorHostAddress
	default:
		return attrs.InitiatorProjectID
	}
}

// classifyTarget trims a configured (or discovered) CADF service-name
// prefix from target_type_uri.
func (p *Pipeline) classifyTarget(attrs Attributes) string {
	target := attrs.TargetTypeURI
	serviceType := p.effectiveServiceType(attrs)
	cadfName := p.effectiveCADFServiceName(attrs, serviceType)
	if cadfName != "" && strings.HasPrefix(target, cadfName+"/") {
		target = strings.TrimPrefix(target, cadfName+"/")
	}
	return target
}

func (p *Pipeline) effectiveServiceType(attrs Attributes) string {
	if p.ServiceType != "" {
		return p.ServiceType
	}
	return attrs.ServiceType
}

func (p *Pipeline) effectiveCADFServiceName(attrs Attributes, serviceType string) string {
	if p.CADFServiceName != "" {
		return p.CADFServiceName
	}
	if prefix, ok := defaultCADFServiceNamePrefixes[serviceType]; ok {
		return prefix
	}
	return attrs.CADFServiceName
}

// isListed checks scope and, when both project-domain and project name are
// present, the derived "<domain>/<project>" key against set.
func (p *Pipeline) isListed(set map[string]struct{}, scope string, attrs Attributes) bool {
	if _, ok := set[scope]; ok {
		return true
	}
	if attrs.InitiatorProjectDomainName != "" && attrs.InitiatorProjectName != "" {
		derived := attrs.InitiatorProjectDomainName + "/" + attrs.InitiatorProjectName
		if _, ok := set[derived]; ok {
			return true
		}
	}
	return false
}

func (p *Pipeline) emit(name, action, scope, target, actionGroup string) {
	if p.Emitter == nil {
		return
	}
	tags := []string{
		"service:" + p.ServiceType,
		"service_name:" + p.CADFServiceName,
		"action:" + action,
		"scope:" + scope,
		"target_type_uri:" + target,
	}
	if actionGroup != "" {
		tags = append(tags, "action_group:"+actionGroup)
	}
	p.Emitter.Incr(name, tags)
}

func isUnknown(s string) bool {
	return s == "" || s == unknownSentinel
}
