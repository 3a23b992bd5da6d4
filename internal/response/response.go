// Package response builds the two HTTP response shapes the pipeline can
// produce for a non-passthrough decision: a rate-limit rejection and a
// blacklist rejection. Both are configurable from the ratelimit_response /
// blacklist_response sections of the configuration document.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/onnwee/ratelimit-gateway/internal/config"
)

// Writer is satisfied by both Reject and Blacklist.
type Writer interface {
	WriteTo(w http.ResponseWriter)
}

// Reject is returned when admission rejects a request. RetryAfter and Spec
// populate the X-RateLimit-* headers; everything else comes from the
// configured ratelimit_response section (or its defaults).
type Reject struct {
	Status        string
	StatusCode    int
	Headers       map[string]string
	Body          string
	JSONBody      map[string]interface{}
	Spec          string
	RetryAfterSec int
}

// WriteTo writes the reject response, including the unconditional
// X-RateLimit-* headers, then the configured status/headers/body.
func (r Reject) WriteTo(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", r.Spec)
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Retry-After", strconv.Itoa(r.RetryAfterSec))
	h.Set("X-Retry-After", strconv.Itoa(r.RetryAfterSec))
	writeConfigured(w, r.StatusCode, r.Headers, r.Body, r.JSONBody)
}

// Blacklist is returned when a scope is blacklisted.
type Blacklist struct {
	Status     string
	StatusCode int
	Headers    map[string]string
	Body       string
	JSONBody   map[string]interface{}
}

// WriteTo writes the blacklist response.
func (b Blacklist) WriteTo(w http.ResponseWriter) {
	writeConfigured(w, b.StatusCode, b.Headers, b.Body, b.JSONBody)
}

func writeConfigured(w http.ResponseWriter, statusCode int, headers map[string]string, body string, jsonBody map[string]interface{}) {
	h := w.Header()
	for k, v := range headers {
		h.Set(k, v)
	}

	if jsonBody != nil {
		h.Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(jsonBody)
		return
	}

	h.Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

const (
	defaultRejectStatusCode    = http.StatusTooManyRequests
	defaultRejectStatus        = "429 Too Many Requests"
	defaultBlacklistStatusCode = 497
	defaultBlacklistStatus     = "497 Blacklisted"
)

func defaultRejectJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"status":  defaultRejectStatus,
			"message": "Too Many Requests",
		},
	}
}

func defaultBlacklistJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"status":  defaultBlacklistStatus,
			"message": "Blacklisted",
		},
	}
}

// Builder constructs Reject and Blacklist values from parsed configuration,
// falling back to spec defaults for any field left unconfigured.
type Builder struct {
	rejectCfg    config.ResponseConfig
	blacklistCfg config.ResponseConfig
}

// NewBuilder builds a Builder from the configuration document's
// ratelimit_response and blacklist_response sections.
func NewBuilder(rejectCfg, blacklistCfg config.ResponseConfig) *Builder {
	return &Builder{rejectCfg: rejectCfg, blacklistCfg: blacklistCfg}
}

// BuildReject constructs a Reject for the given spec string and
// retry-after duration in seconds.
func (b *Builder) BuildReject(spec string, retryAfterSec int) Reject {
	statusCode := b.rejectCfg.StatusCode
	if statusCode == 0 {
		statusCode = defaultRejectStatusCode
	}

	r := Reject{
		StatusCode:    statusCode,
		Headers:       b.rejectCfg.Headers,
		Spec:          spec,
		RetryAfterSec: retryAfterSec,
	}

	switch {
	case len(b.rejectCfg.JSONBody) > 0:
		r.JSONBody = b.rejectCfg.JSONBody
	case b.rejectCfg.Body != "":
		r.Body = b.rejectCfg.Body
	default:
		r.JSONBody = defaultRejectJSON()
	}
	return r
}

// BuildBlacklist constructs a Blacklist response.
func (b *Builder) BuildBlacklist() Blacklist {
	statusCode := b.blacklistCfg.StatusCode
	if statusCode == 0 {
		statusCode = defaultBlacklistStatusCode
	}

	bl := Blacklist{
		StatusCode: statusCode,
		Headers:    b.blacklistCfg.Headers,
	}

	switch {
	case len(b.blacklistCfg.JSONBody) > 0:
		bl.JSONBody = b.blacklistCfg.JSONBody
	case b.blacklistCfg.Body != "":
		bl.Body = b.blacklistCfg.Body
	default:
		bl.JSONBody = defaultBlacklistJSON()
	}
	return bl
}
