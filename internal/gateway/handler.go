// ABOUTME: Data-plane HTTP handlers: catch-all proxy and forward-auth
// ABOUTME: Applies engine decisions; panics become plain 500s

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/SatGate-io/satgate-sub000/internal/l402"
	"github.com/SatGate-io/satgate-sub000/internal/proxy"
	"github.com/SatGate-io/satgate-sub000/internal/route"
)

// dataHandler builds the data-plane mux: the forward-auth endpoint and
// the catch-all proxy handler.
func (g *Gateway) dataHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/decide", g.handleDecide)
	mux.HandleFunc("/", g.handleProxy)
	return g.recoverMiddleware(mux)
}

// recoverMiddleware converts handler panics into 500 responses. The
// data plane must never crash on a single bad request.
func (g *Gateway) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("handler panic",
					"path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, route.ReasonInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleProxy decides and, when allowed, streams the request upstream.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	decision := g.engine.Decide(r.Context(), route.Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
	})
	g.metrics.observe(&decision)

	for k, v := range decision.Headers {
		w.Header().Set(k, v)
	}

	if decision.Challenge != nil {
		l402.WriteChallenge(w, r, decision.Challenge, decision.ChallengeDescription)
		return
	}
	if !decision.Allow {
		if decision.Status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, decision.Status, decision.Reason)
		return
	}

	clientKey := proxy.ClientKey(r, decision.Signature)
	if ok, retry := g.limiter.Allow(r.URL.Path, clientKey); !ok {
		g.metrics.rateLimited.Add(1)
		seconds := int(retry.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	g.proxy.Serve(w, r, decision.Route.Upstream)
}

// maxDecideBody rejects bodies on the forward-auth endpoint; the
// decision is a function of method, path, and headers only.
const maxDecideBody = 0

// handleDecide is the forward-auth endpoint for front proxies (nginx
// auth_request, traefik forwardAuth). The original request travels in
// X-Original-Method and X-Original-URI; an allow comes back as 200
// with the decision headers attached.
func (g *Gateway) handleDecide(w http.ResponseWriter, r *http.Request) {
	// The pattern stays bare so the catch-all proxy never swallows a
	// mistyped method; reject anything but POST here.
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	// ContentLength is -1 for chunked bodies, so any non-zero value
	// means a body arrived.
	if r.ContentLength != maxDecideBody {
		writeError(w, http.StatusRequestEntityTooLarge, "unexpected_body")
		return
	}

	method := r.Header.Get("X-Original-Method")
	uri := r.Header.Get("X-Original-URI")
	if method == "" || uri == "" {
		writeError(w, http.StatusBadRequest, "missing_original_request")
		return
	}
	// X-Original-URI may carry a query string; routing sees the path.
	path := uri
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		path = uri[:i]
	}

	decision := g.engine.Decide(r.Context(), route.Request{
		Method:        method,
		Path:          path,
		Authorization: r.Header.Get("Authorization"),
	})
	g.metrics.observe(&decision)

	for k, v := range decision.Headers {
		w.Header().Set(k, v)
	}

	if decision.Challenge != nil {
		l402.WriteChallenge(w, r, decision.Challenge, decision.ChallengeDescription)
		return
	}
	if !decision.Allow {
		writeError(w, decision.Status, decision.Reason)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
