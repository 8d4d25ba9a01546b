package server

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mace/protocol"
)

// stats backs both the JSON status endpoint and /metrics.
type stats struct {
	started   time.Time
	version   string
	commit    string
	audiences []string

	clients atomic.Int64
	updates atomic.Int64
	gets    atomic.Int64

	registry      *prometheus.Registry
	clientsGauge  prometheus.Gauge
	updatesTotal  prometheus.Counter
	getsTotal     prometheus.Counter
	rejected      *prometheus.CounterVec
	persistErrors prometheus.Counter
}

func newStats(started time.Time, version, commit string, audiences []string) *stats {
	s := &stats{
		started:   started,
		version:   version,
		commit:    commit,
		audiences: audiences,
		registry:  prometheus.NewRegistry(),
		clientsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mace_clients",
			Help: "Number of live websocket sessions",
		}),
		updatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mace_updates_total",
			Help: "Total number of update messages accepted",
		}),
		getsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mace_gets_total",
			Help: "Total number of get messages served",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mace_rejected_total",
			Help: "Inbound frames dropped or refused",
		}, []string{"reason"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mace_persist_errors_total",
			Help: "Updates that could not be written to the store",
		}),
	}
	s.registry.MustRegister(s.clientsGauge, s.updatesTotal, s.getsTotal, s.rejected, s.persistErrors)
	return s
}

func (s *stats) connected() {
	s.clients.Add(1)
	s.clientsGauge.Inc()
}

func (s *stats) disconnected() {
	s.clients.Add(-1)
	s.clientsGauge.Dec()
}

func (s *stats) update() {
	s.updates.Add(1)
	s.updatesTotal.Inc()
}

func (s *stats) get() {
	s.gets.Add(1)
	s.getsTotal.Inc()
}

func (s *stats) reject(reason string) {
	s.rejected.WithLabelValues(reason).Inc()
}

func (s *stats) status() protocol.Status {
	return protocol.Status{
		Started: s.started,
		Version: s.version,
		Commit:  s.commit,
		Counts: protocol.Counts{
			Client: s.clients.Load(),
			Update: s.updates.Load(),
			Get:    s.gets.Load(),
		},
		GoogleClientIDs: s.audiences,
	}
}
