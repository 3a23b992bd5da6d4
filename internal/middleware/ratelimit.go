package middleware

import (
	"net/http"

	"github.com/onnwee/ratelimit-gateway/internal/pipeline"
)

// ClassificationExtractor reads pipeline.Attributes from a request. The
// pipeline consumes classification as opaque strings and is agnostic to
// how it was produced; any real deployment supplies its own extractor in
// place of DefaultClassificationExtractor.
type ClassificationExtractor func(*http.Request) pipeline.Attributes

// DefaultClassificationExtractor reads X-Watcher-* request headers, the
// wire-transported analogue of the WATCHER.* WSGI environ keys, so the
// reference binary and tests are self-contained.
func DefaultClassificationExtractor(r *http.Request) pipeline.Attributes {
	h := r.Header
	return pipeline.Attributes{
		Action:                     h.Get("X-Watcher-Action"),
		TargetTypeURI:              h.Get("X-Watcher-Target-Type-URI"),
		InitiatorProjectID:         h.Get("X-Watcher-Initiator-Project-Id"),
		TargetProjectID:            h.Get("X-Watcher-Target-Project-Id"),
		InitiatorHostAddress:       h.Get("X-Watcher-Initiator-Host-Address"),
		ServiceType:                h.Get("X-Watcher-Service-Type"),
		CADFServiceName:            h.Get("X-Watcher-Cadf-Service-Name"),
		InitiatorProjectDomainName: h.Get("X-Watcher-Initiator-Project-Domain-Name"),
		InitiatorProjectName:       h.Get("X-Watcher-Initiator-Project-Name"),
	}
}

// RateLimit adapts a pipeline.Pipeline to net/http: it extracts
// classification attributes, runs the decision pipeline, and either calls
// next (passthrough) or writes the generated response. It does not call
// SetScope: the scope the pipeline resolves is not passed on to the logging
// middleware.
func RateLimit(p *pipeline.Pipeline, extractor ClassificationExtractor) func(http.Handler) http.Handler {
	if extractor == nil {
		extractor = DefaultClassificationExtractor
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := extractor(r)

			result := p.Handle(r.Context(), attrs)
			if result.Passthrough {
				next.ServeHTTP(w, r)
				return
			}

			if result.Response != nil {
				result.Response.WriteTo(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
