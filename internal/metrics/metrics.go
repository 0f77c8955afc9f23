package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsgrab",
			Name:      "fetch_attempts_total",
			Help:      "Network attempts made by the unit fetcher.",
		},
		[]string{"outcome"},
	)

	Units = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsgrab",
			Name:      "units_total",
			Help:      "Units resolved by the unit fetcher, by result.",
		},
		[]string{"result"},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hlsgrab",
			Name:      "bytes_downloaded_total",
			Help:      "Bytes written to local storage by the unit fetcher.",
		},
	)

	Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsgrab",
			Name:      "sessions_total",
			Help:      "Acquisition sessions that reached a terminal state.",
		},
		[]string{"state"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hlsgrab",
			Name:      "active_sessions",
			Help:      "Sessions with a running worker.",
		},
	)

	AssemblyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hlsgrab",
			Name:      "assembly_duration_seconds",
			Help:      "Wall time of concatenation tool runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register registers the collectors into the default registry. Calling it
// more than once is harmless.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(FetchAttempts, Units, BytesDownloaded, Sessions, ActiveSessions, AssemblyDuration)
	})
}
