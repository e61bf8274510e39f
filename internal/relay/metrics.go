package relay

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the Prometheus collectors updated by the loop.
type Metrics struct {
	gatherer prometheus.Gatherer

	FindingsPublished prometheus.Counter
	PacketsSkipped    *prometheus.CounterVec
	Polls             *prometheus.CounterVec
	MeshSent          prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		FindingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_findings_published_total",
			Help: "Sensor events written to the CoT consumer.",
		}),
		PacketsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_packets_skipped_total",
			Help: "Inbound mesh packets that carried no bearing, labeled by reason.",
		}, []string{"reason"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_polls_total",
			Help: "DoA receiver polls, labeled by result.",
		}, []string{"result"}),
		MeshSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_mesh_sent_total",
			Help: "Bearings broadcast on the mesh.",
		}),
	}
}

// NewMetrics registers the relay collectors on reg, defaulting to the global
// Prometheus registry when nil. Collectors already registered under the same
// name are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := newMetrics()
	m.gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	var err error
	if m.FindingsPublished, err = registerCounter(reg, m.FindingsPublished, "relay_findings_published_total"); err != nil {
		return nil, err
	}
	if m.PacketsSkipped, err = registerCounterVec(reg, m.PacketsSkipped, "relay_packets_skipped_total"); err != nil {
		return nil, err
	}
	if m.Polls, err = registerCounterVec(reg, m.Polls, "relay_polls_total"); err != nil {
		return nil, err
	}
	if m.MeshSent, err = registerCounter(reg, m.MeshSent, "relay_mesh_sent_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	g := m.gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
