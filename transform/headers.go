// Package transform implements spec §4.G's request/response pipeline:
// header mutation with variable expansion, ordered URL rewrite, body
// substitution, and response compression. Grounded on the teacher's
// writer package for the bounded-buffer discipline and on
// original_source/src/proxy.rs for the variable-expansion and
// rule-application semantics.
package transform

import (
	"net/http"
	"strings"

	"dito/config"
)

// Vars holds the values substituted into set_headers entries.
type Vars struct {
	RemoteAddr string
	Scheme     string
	ExistingXFF string
}

// ExpandHeaderValue replaces the three variables spec §4.G names.
// $proxy_add_x_forwarded_for appends the peer address to any XFF hops
// already present on the inbound request, per DESIGN.md's decision on
// the comma-append canonical form.
func ExpandHeaderValue(value string, v Vars) string {
	if strings.Contains(value, "$proxy_add_x_forwarded_for") {
		xff := v.RemoteAddr
		if v.ExistingXFF != "" {
			xff = v.ExistingXFF + ", " + v.RemoteAddr
		}
		value = strings.ReplaceAll(value, "$proxy_add_x_forwarded_for", xff)
	}
	value = strings.ReplaceAll(value, "$remote_addr", v.RemoteAddr)
	value = strings.ReplaceAll(value, "$scheme", v.Scheme)
	return value
}

// ApplyRequestHeaders mutates req's headers per route.SetHeaders and
// route.RemoveHeaders, then sets the standard forwarding headers spec
// §4.H requires regardless of route configuration.
func ApplyRequestHeaders(req *http.Request, route *config.HTTPRoute, v Vars) {
	for _, name := range route.RemoveHeaders {
		req.Header.Del(name)
	}
	for _, kv := range route.SetHeaders {
		req.Header.Set(kv.Name, ExpandHeaderValue(kv.Value, v))
	}

	existingXFF := req.Header.Get("X-Forwarded-For")
	xff := v.RemoteAddr
	if existingXFF != "" {
		xff = existingXFF + ", " + v.RemoteAddr
	}
	req.Header.Set("X-Forwarded-For", xff)
	req.Header.Set("X-Real-IP", v.RemoteAddr)
	req.Header.Set("X-Forwarded-Proto", v.Scheme)
}

// ApplyResponseHeaders mutates resp headers per the same route rules,
// applied on the way back to the client.
func ApplyResponseHeaders(header http.Header, route *config.HTTPRoute, v Vars) {
	for _, name := range route.RemoveHeaders {
		header.Del(name)
	}
	for _, kv := range route.SetHeaders {
		header.Set(kv.Name, ExpandHeaderValue(kv.Value, v))
	}
}

// hopByHopHeaders are stripped before forwarding in either direction,
// per RFC 7230 §6.1 and spec §4.H.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// StripHopByHop removes hop-by-hop headers, including any named by a
// Connection header, from header in place.
func StripHopByHop(header http.Header) {
	if conn := header.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			header.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}
