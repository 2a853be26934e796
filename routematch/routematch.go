// Package routematch implements spec §4.C: filter by listener/enabled,
// host, method, and required headers, then pick the longest matching
// path prefix, breaking ties by declared order.
package routematch

import (
	"net/http"
	"strings"

	"dito/config"
)

// Match is the outcome of a successful lookup.
type Match struct {
	Route         *config.HTTPRoute
	MatchedPrefix string
}

// Find returns the best matching route among rule.Routes for the given
// request, or ok=false if none match (RouteMiss).
func Find(rule *config.HTTPRule, r *http.Request) (Match, bool) {
	host := hostOnly(r.Host)

	bestIdx := -1
	bestLen := -1
	for i := range rule.Routes {
		route := &rule.Routes[i]
		if !route.Enabled {
			continue
		}
		if !hostMatches(route.Host, host) {
			continue
		}
		if !methodMatches(route.Methods, r.Method) {
			continue
		}
		if !headersMatch(route.RequiredHeaders, r.Header) {
			continue
		}
		if !strings.HasPrefix(r.URL.Path, route.PathPrefix) {
			continue
		}
		if l := len(route.PathPrefix); l > bestLen {
			bestLen = l
			bestIdx = i
		}
	}

	if bestIdx == -1 {
		return Match{}, false
	}
	return Match{Route: &rule.Routes[bestIdx], MatchedPrefix: rule.Routes[bestIdx].PathPrefix}, true
}

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i != -1 {
		return hostport[:i]
	}
	return hostport
}

func hostMatches(constraint, host string) bool {
	if constraint == "" {
		return true
	}
	if strings.HasPrefix(constraint, "*.") {
		suffix := constraint[1:] // ".suffix"
		return strings.HasSuffix(host, suffix) && host != suffix[1:]
	}
	return strings.EqualFold(constraint, host)
}

func methodMatches(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func headersMatch(required map[string]string, got http.Header) bool {
	for name, want := range required {
		values := got.Values(name)
		if len(values) == 0 {
			return false
		}
		if want == "*" {
			nonEmpty := false
			for _, v := range values {
				if v != "" {
					nonEmpty = true
					break
				}
			}
			if !nonEmpty {
				return false
			}
			continue
		}
		found := false
		for _, v := range values {
			if strings.EqualFold(v, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
