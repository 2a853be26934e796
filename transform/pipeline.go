package transform

import (
	"net/http"

	"dito/config"
)

// RequestTransform applies the full request-side pipeline from spec
// §4.G: header mutation with variable expansion, then URL-path
// rewrite. Body substitution is applied separately by the caller once
// it has decided whether buffering is required (streaming bodies with
// no matching rule are never read into memory).
func RequestTransform(req *http.Request, route *config.HTTPRoute, v Vars) {
	ApplyRequestHeaders(req, route, v)
	req.URL.Path = RewritePath(req.URL.Path, route.URLRewrites)
}

// NeedsRequestBodyBuffering reports whether any enabled
// request_body_replace rule exists, meaning the request body must be
// buffered instead of streamed straight through.
func NeedsRequestBodyBuffering(route *config.HTTPRoute) bool {
	return hasEnabledRule(route.RequestBodyReplace)
}

// NeedsResponseBodyBuffering reports the same for the response side,
// independent of whether compression will also require buffering.
func NeedsResponseBodyBuffering(route *config.HTTPRoute) bool {
	return hasEnabledRule(route.ResponseBodyReplace)
}

func hasEnabledRule(rules []config.BodyReplaceRule) bool {
	for _, r := range rules {
		if r.Enabled {
			return true
		}
	}
	return false
}

// ResponseTransform applies header mutation and body substitution to
// a buffered response body, returning the (possibly rewritten) body.
// Compression is negotiated and applied separately by the caller,
// after this step, since it depends on the final body length.
func ResponseTransform(header http.Header, body []byte, route *config.HTTPRoute, v Vars, contentType string) []byte {
	ApplyResponseHeaders(header, route, v)
	return ApplyBodyReplace(body, route.ResponseBodyReplace, contentType)
}
