// ABOUTME: Prometheus counters and the admin stats snapshot
// ABOUTME: Counts decisions by route and outcome plus local totals

package gateway

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SatGate-io/satgate-sub000/internal/route"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "satgate",
		Subsystem: "gateway",
		Name:      "decisions_total",
		Help:      "Total policy decisions by policy type and outcome",
	},
	[]string{"policy", "outcome"},
)

// metrics carries the local counters behind GET /admin/stats. The
// prometheus registry keeps the labeled series; these atomics keep the
// snapshot cheap.
type metrics struct {
	requests    atomic.Int64
	allowed     atomic.Int64
	denied      atomic.Int64
	challenges  atomic.Int64
	rateLimited atomic.Int64
}

func newMetrics() *metrics {
	return &metrics{}
}

// observe records one decision in both the prometheus series and the
// local snapshot counters.
func (m *metrics) observe(d *route.Decision) {
	m.requests.Add(1)

	policy := "none"
	if d.Route != nil {
		policy = string(d.Route.Policy.Type)
	}

	switch {
	case d.Challenge != nil:
		m.challenges.Add(1)
		decisionsTotal.WithLabelValues(policy, "challenge").Inc()
	case d.Allow:
		m.allowed.Add(1)
		decisionsTotal.WithLabelValues(policy, "allow").Inc()
	default:
		m.denied.Add(1)
		decisionsTotal.WithLabelValues(policy, d.Reason).Inc()
	}
}

// Stats implements admin.StatsSource.
func (g *Gateway) Stats() map[string]any {
	activeBans := 0
	if bans, err := g.store.ListBans(context.Background()); err == nil {
		activeBans = len(bans)
	}

	return map[string]any{
		"requests_total":     g.metrics.requests.Load(),
		"allowed_total":      g.metrics.allowed.Load(),
		"denied_total":       g.metrics.denied.Load(),
		"challenges_total":   g.metrics.challenges.Load(),
		"rate_limited_total": g.metrics.rateLimited.Load(),
		"rate_limiter_size":  g.limiter.Size(),
		"bans_active":        activeBans,
	}
}
