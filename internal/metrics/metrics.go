// Package metrics exposes Prometheus counters for the webhook bridge.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives bridge events worth counting.
type Recorder interface {
	IncWebhook(account, status string)
	IncDispatchEvent(account, eventType string)
	IncPolicyDrop(account, reason string)
	IncTokenFetch(result string)
	IncOutbound(kind, result string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncWebhook(string, string)       {}
func (Noop) IncDispatchEvent(string, string) {}
func (Noop) IncPolicyDrop(string, string)    {}
func (Noop) IncTokenFetch(string)            {}
func (Noop) IncOutbound(string, string)      {}

// Prom implements Recorder backed by Prometheus counters.
type Prom struct {
	webhooks    *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	policyDrops *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	outbound    *prometheus.CounterVec
	once        sync.Once
}

// NewProm creates the counters and registers them on the default registerer.
func NewProm(namespace string) *Prom {
	p := &Prom{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by account and response status",
		}, []string{"account", "status"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_events_total",
			Help:      "DISPATCH events by account and event type",
		}, []string{"account", "event_type"}),
		policyDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_drops_total",
			Help:      "Inbound messages dropped by the policy gate, by reason",
		}, []string{"account", "reason"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_fetches_total",
			Help:      "Access token fetches by result",
		}, []string{"result"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound platform messages by target kind and result",
		}, []string{"kind", "result"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.webhooks, p.dispatched, p.policyDrops, p.tokens, p.outbound)
	})
}

func (p *Prom) IncWebhook(account, status string) {
	p.webhooks.WithLabelValues(account, status).Inc()
}

func (p *Prom) IncDispatchEvent(account, eventType string) {
	p.dispatched.WithLabelValues(account, eventType).Inc()
}

func (p *Prom) IncPolicyDrop(account, reason string) {
	p.policyDrops.WithLabelValues(account, reason).Inc()
}

func (p *Prom) IncTokenFetch(result string) {
	p.tokens.WithLabelValues(result).Inc()
}

func (p *Prom) IncOutbound(kind, result string) {
	p.outbound.WithLabelValues(kind, result).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	defaultMu sync.RWMutex
	current   Recorder = Noop{}
)

// SetDefault installs r as the process-wide recorder.
func SetDefault(r Recorder) {
	if r == nil {
		r = Noop{}
	}
	defaultMu.Lock()
	current = r
	defaultMu.Unlock()
}

// Default returns the process-wide recorder (Noop until SetDefault).
func Default() Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return current
}
