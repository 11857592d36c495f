// Package metrics exposes Prometheus counters for the request-processing
// engine. Registration uses the default registry; embedders can mount
// Handler on any mux to scrape them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts online requests by backend and outcome
	// ("success", "failed", "retried").
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luban_requests_total",
		Help: "Online completion requests by backend and outcome.",
	}, []string{"backend", "outcome"})

	// TokensTotal counts actual token usage reported by providers.
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luban_tokens_total",
		Help: "Token usage by backend and kind (prompt/completion).",
	}, []string{"backend", "kind"})

	// BatchesTotal counts batch lifecycle events ("submitted",
	// "finished", "failed", "cancelled", "downloaded", "resubmitted").
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luban_batches_total",
		Help: "Batch lifecycle events by backend and event.",
	}, []string{"backend", "event"})

	// RateLimitCooldowns counts provider rate-limit errors that put the
	// limiter into cooldown.
	RateLimitCooldowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "luban_rate_limit_cooldowns_total",
		Help: "Rate-limit cooldowns entered, by backend.",
	}, []string{"backend"})
)

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUsage records actual token usage for a backend.
func ObserveUsage(backend string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(backend, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(backend, "completion").Add(float64(completionTokens))
}
