// ABOUTME: Streaming reverse proxy with per-upstream header rules
// ABOUTME: Bodies stream through; hop-by-hop headers are stripped

package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/SatGate-io/satgate-sub000/internal/config"
)

// upstreamProxy pairs a built reverse proxy with its header rules.
type upstreamProxy struct {
	rp  *httputil.ReverseProxy
	cfg config.Upstream
}

// Proxy forwards requests to named upstreams.
type Proxy struct {
	upstreams map[string]*upstreamProxy
	logger    *slog.Logger
}

// New builds one reverse proxy per configured upstream. URLs were
// validated at config load; a parse failure here is still fatal.
func New(upstreams map[string]config.Upstream, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")

	p := &Proxy{
		upstreams: make(map[string]*upstreamProxy, len(upstreams)),
		logger:    logger,
	}

	for name, up := range upstreams {
		target, err := url.Parse(up.URL)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}

		cfg := up
		rp := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				rewrite(pr, target, &cfg)
			},
			// Flush as data arrives so streamed responses (SSE, long
			// downloads) pass through without buffering.
			FlushInterval: -1,
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				logger.Warn("upstream error",
					"upstream", name, "path", r.URL.Path, "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprintf(w, `{"error":"upstream_unreachable"}`)
			},
		}
		p.upstreams[name] = &upstreamProxy{rp: rp, cfg: cfg}
	}
	return p, nil
}

// Serve streams the request to the named upstream. An unknown name can
// only mean a config/engine mismatch; it fails closed with a 500.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, upstream string) {
	up, ok := p.upstreams[upstream]
	if !ok {
		p.logger.Error("route references unknown upstream", "upstream", upstream)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	up.rp.ServeHTTP(w, r)
}

// rewrite applies upstream targeting and the configured header rules to
// the outbound request.
func rewrite(pr *httputil.ProxyRequest, target *url.URL, cfg *config.Upstream) {
	pr.SetURL(target)
	pr.SetXForwarded()

	if cfg.PassHostHeader {
		pr.Out.Host = pr.In.Host
	}

	headers := pr.Out.Header
	if len(cfg.AllowRequestHeaders) > 0 {
		allowed := make(map[string]bool, len(cfg.AllowRequestHeaders))
		for _, h := range cfg.AllowRequestHeaders {
			allowed[http.CanonicalHeaderKey(h)] = true
		}
		// X-Forwarded-* were just set on purpose; keep them.
		for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"} {
			allowed[h] = true
		}
		for h := range headers {
			if !allowed[h] {
				headers.Del(h)
			}
		}
	}
	for _, h := range cfg.DenyRequestHeaders {
		headers.Del(h)
	}
	for h, v := range cfg.AddHeaders {
		headers.Set(h, v)
	}
}
