package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paw-chain/swarm/swarm/types"
)

// Metrics holds Prometheus metrics for the peer registry.
type Metrics struct {
	PeersRegistered prometheus.Counter
	PeersBanned     prometheus.Counter
	TasksSucceeded  prometheus.Counter
	TasksFailed     prometheus.Counter
	PeersByState    *prometheus.GaugeVec
	Reputation      *prometheus.GaugeVec

	mu         sync.Mutex
	peerStates map[types.PeerID]PeerState
}

var (
	registryMetricsOnce sync.Once
	registryMetrics     *Metrics
)

// NewMetrics creates and registers registry metrics (singleton pattern).
func NewMetrics() *Metrics {
	registryMetricsOnce.Do(func() {
		registryMetrics = &Metrics{
			PeersRegistered: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "registry",
				Name:      "peers_registered_total",
				Help:      "Total peers ever registered",
			}),
			PeersBanned: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "registry",
				Name:      "peers_banned_total",
				Help:      "Total peers banned",
			}),
			TasksSucceeded: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "registry",
				Name:      "tasks_succeeded_total",
				Help:      "Total verified task successes recorded",
			}),
			TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "registry",
				Name:      "tasks_failed_total",
				Help:      "Total task failures recorded",
			}),
			PeersByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swarm",
				Subsystem: "registry",
				Name:      "peers",
				Help:      "Current peers by lifecycle state",
			}, []string{"state"}),
			Reputation: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swarm",
				Subsystem: "registry",
				Name:      "peer_reputation",
				Help:      "Current reputation score per peer",
			}, []string{"peer_id"}),
			peerStates: make(map[types.PeerID]PeerState),
		}
	})
	return registryMetrics
}

// setState moves a peer between state gauges.
func (m *Metrics) setState(id types.PeerID, state PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.peerStates[id]; ok {
		m.PeersByState.WithLabelValues(string(prev)).Dec()
	}
	m.peerStates[id] = state
	m.PeersByState.WithLabelValues(string(state)).Inc()
}
