package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the client's collectors. A nil *Registry is valid and records
// nothing.
type Registry struct {
	registry           *prometheus.Registry
	actionsTotal       *prometheus.CounterVec
	simulationFailures *prometheus.CounterVec
	settleSeconds      *prometheus.HistogramVec
	dashboardRefreshes *prometheus.CounterVec
	balancePolls       *prometheus.CounterVec
	replaysTotal       *prometheus.CounterVec
	actionInFlight     prometheus.Gauge
}

func New() *Registry {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowctl_actions_total",
		Help: "Escrow actions by method and terminal outcome",
	}, []string{"method", "outcome"})

	simFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowctl_simulation_failures_total",
		Help: "Dry runs rejected before a signature was requested",
	}, []string{"method"})

	settle := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowctl_settle_seconds",
		Help:    "Time from submission until the action was considered settled",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 80},
	}, []string{"method"})

	dashboard := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowctl_dashboard_refresh_total",
		Help: "Dashboard id fetches by side and result",
	}, []string{"side", "result"})

	balance := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowctl_balance_polls_total",
		Help: "Balance polls by result",
	}, []string{"result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowctl_idempotent_replays_total",
		Help: "Action responses served from the idempotency store",
	}, []string{"route"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowctl_action_in_flight",
		Help: "1 while an action holds the busy slot",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(actions, simFailures, settle, dashboard, balance, replays, inFlight)

	return &Registry{
		registry:           r,
		actionsTotal:       actions,
		simulationFailures: simFailures,
		settleSeconds:      settle,
		dashboardRefreshes: dashboard,
		balancePolls:       balance,
		replaysTotal:       replays,
		actionInFlight:     inFlight,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncAction(method, outcome string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Registry) IncSimulationFailure(method string) {
	if m == nil {
		return
	}
	m.simulationFailures.WithLabelValues(method).Inc()
}

func (m *Registry) ObserveSettle(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.settleSeconds.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Registry) IncDashboard(side, result string) {
	if m == nil {
		return
	}
	m.dashboardRefreshes.WithLabelValues(side, result).Inc()
}

func (m *Registry) IncBalancePoll(result string) {
	if m == nil {
		return
	}
	m.balancePolls.WithLabelValues(result).Inc()
}

func (m *Registry) IncReplay(route string) {
	if m == nil {
		return
	}
	m.replaysTotal.WithLabelValues(route).Inc()
}

func (m *Registry) SetInFlight(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.actionInFlight.Set(1)
		return
	}
	m.actionInFlight.Set(0)
}
