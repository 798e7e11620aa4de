// ABOUTME: Ordered route matching: method set + exact/prefix path predicate
// ABOUTME: First match wins; no match means synthetic deny, never allow

package route

import (
	"strings"

	"github.com/SatGate-io/satgate-sub000/internal/config"
)

// Match scans routes in configured order and returns the first route
// whose predicate matches, or nil. Callers must treat nil as a deny.
func Match(routes []config.Route, method, path string) *config.Route {
	for i := range routes {
		if matches(&routes[i], method, path) {
			return &routes[i]
		}
	}
	return nil
}

func matches(route *config.Route, method, path string) bool {
	if len(route.Match.Methods) > 0 {
		found := false
		for _, m := range route.Match.Methods {
			if strings.EqualFold(m, method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if route.Match.ExactPath != "" {
		return path == route.Match.ExactPath
	}
	return strings.HasPrefix(path, route.Match.PathPrefix)
}
