package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/weisyn/indexer/internal/manifest"
)

// PrometheusTelemetry is the production Telemetry implementation,
// exposing executor lifecycle counts on the runtime's /metrics endpoint.
type PrometheusTelemetry struct {
	registered *prometheus.CounterVec
	retired    *prometheus.CounterVec
	reloaded   *prometheus.CounterVec
}

// NewPrometheusTelemetry registers the Supervisor's lifecycle counters
// against reg. Pass prometheus.DefaultRegisterer to expose them on the
// default /metrics handler.
func NewPrometheusTelemetry(reg prometheus.Registerer) *PrometheusTelemetry {
	factory := promauto.With(reg)
	return &PrometheusTelemetry{
		registered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "supervisor",
			Name:      "executors_registered_total",
			Help:      "Total number of Register calls that started a new executor.",
		}, []string{"uid"}),
		retired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "supervisor",
			Name:      "executors_retired_total",
			Help:      "Total number of executors that reached Terminal after being cancelled.",
		}, []string{"uid"}),
		reloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexer",
			Subsystem: "supervisor",
			Name:      "executors_reloaded_total",
			Help:      "Total number of AssetReload calls that swapped in a new executor.",
		}, []string{"uid"}),
	}
}

func (t *PrometheusTelemetry) ExecutorRegistered(uid manifest.UID) {
	t.registered.WithLabelValues(uid.String()).Inc()
}

func (t *PrometheusTelemetry) ExecutorRetired(uid manifest.UID) {
	t.retired.WithLabelValues(uid.String()).Inc()
}

func (t *PrometheusTelemetry) ExecutorReloaded(uid manifest.UID) {
	t.reloaded.WithLabelValues(uid.String()).Inc()
}

var _ Telemetry = (*PrometheusTelemetry)(nil)
