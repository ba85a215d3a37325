package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
	"github.com/micro-ha/audiconnect/addon/internal/model"
)

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal       *prometheus.CounterVec
	LastRefresh        *prometheus.GaugeVec
	AccountAuthFailed  *prometheus.GaugeVec
	SnapshotsStale     *prometheus.GaugeVec
	ActionTotal        *prometheus.CounterVec
	SessionRenewTotal  *prometheus.CounterVec
	VendorErrorsByKind *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiconnect_refresh_total",
			Help: "Finished refreshes by account, path (cloud/vehicle) and result.",
		}, []string{"account", "path", "result"}),
		LastRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiconnect_last_successful_refresh_timestamp_seconds",
			Help: "Unix time of the last successful refresh per account.",
		}, []string{"account"}),
		AccountAuthFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiconnect_account_auth_failed",
			Help: "1 while the vendor rejects the account credentials.",
		}, []string{"account"}),
		SnapshotsStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiconnect_snapshot_stale",
			Help: "1 when the served snapshot of a vehicle is stale.",
		}, []string{"account", "vin"}),
		ActionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiconnect_action_total",
			Help: "Remote actions by kind and outcome.",
		}, []string{"action", "status"}),
		SessionRenewTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiconnect_session_renew_total",
			Help: "Session logins and token refreshes by result.",
		}, []string{"account", "kind", "result"}),
		VendorErrorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiconnect_refresh_errors_total",
			Help: "Failed refreshes by error class.",
		}, []string{"account", "class"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RefreshTotal,
		m.LastRefresh,
		m.AccountAuthFailed,
		m.SnapshotsStale,
		m.ActionTotal,
		m.SessionRenewTotal,
		m.VendorErrorsByKind,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveEvent is a coordinator subscriber.
func (m *Metrics) ObserveEvent(ev coordinator.Event) {
	switch ev.Kind {
	case coordinator.EventSnapshot:
		if ev.View != nil {
			m.SnapshotsStale.WithLabelValues(ev.Account, ev.VIN).Set(boolValue(ev.View.Stale))
		}
	case coordinator.EventRefreshCompleted:
		m.RefreshTotal.WithLabelValues(ev.Account, ev.Path, "ok").Inc()
		m.LastRefresh.WithLabelValues(ev.Account).Set(float64(time.Now().Unix()))
		m.AccountAuthFailed.WithLabelValues(ev.Account).Set(0)
	case coordinator.EventRefreshFailed:
		m.RefreshTotal.WithLabelValues(ev.Account, ev.Path, "failed").Inc()
		class := ErrorClass(ev.Err)
		m.VendorErrorsByKind.WithLabelValues(ev.Account, class).Inc()
		if class == "auth" {
			m.AccountAuthFailed.WithLabelValues(ev.Account).Set(1)
		}
	}
}

// ObserveAction is an action executor observer.
func (m *Metrics) ObserveAction(outcome model.ActionOutcome) {
	m.ActionTotal.WithLabelValues(string(outcome.Kind), string(outcome.Status)).Inc()
}

// RenewHook returns a session renew hook for account.
func (m *Metrics) RenewHook(account string) func(kind string, err error) {
	return func(kind string, err error) {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		m.SessionRenewTotal.WithLabelValues(account, kind, result).Inc()
	}
}

// ErrorClass buckets vendor errors for labels.
func ErrorClass(err error) string {
	if err == nil {
		return "none"
	}
	if _, ok := audiapi.IsThrottled(err); ok {
		return "throttled"
	}
	switch {
	case audiapi.IsAuth(err):
		return "auth"
	case audiapi.IsPermission(err):
		return "permission"
	case audiapi.IsSchemaMismatch(err):
		return "schema"
	case audiapi.IsTimeout(err):
		return "timeout"
	case audiapi.IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
