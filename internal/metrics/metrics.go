package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	VaultSaves        prometheus.Counter
	VaultUnlocks      prometheus.Counter
	VaultUnlockFailed prometheus.Counter
	EntriesSaved      prometheus.Counter
	BlobOffloads      prometheus.Counter
	FallbackActive    prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			VaultSaves: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grompt",
				Name:      "vault_saves_total",
				Help:      "Total vault envelope saves",
			}),
			VaultUnlocks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grompt",
				Name:      "vault_unlocks_total",
				Help:      "Total vault unlock attempts",
			}),
			VaultUnlockFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grompt",
				Name:      "vault_unlock_failures_total",
				Help:      "Total failed vault unlock attempts",
			}),
			EntriesSaved: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grompt",
				Name:      "history_entries_saved_total",
				Help:      "Total history entries persisted",
			}),
			BlobOffloads: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grompt",
				Name:      "history_blob_offloads_total",
				Help:      "Total oversized text fields offloaded to blob storage",
			}),
			FallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "grompt",
				Name:      "history_fallback_active",
				Help:      "1 when the flat key-value history backend is in use",
			}),
		}
		prometheus.MustRegister(
			global.VaultSaves,
			global.VaultUnlocks,
			global.VaultUnlockFailed,
			global.EntriesSaved,
			global.BlobOffloads,
			global.FallbackActive,
		)
	})
	return global
}
