// Package metrics defines the Prometheus metrics exported by the
// udperf server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SettingsReceived counts settings datagrams by outcome
	// (accepted, invalid, duplicate).
	SettingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udperf_settings_datagrams_total",
			Help: "Settings datagrams received on the well-known port, by outcome.",
		},
		[]string{"outcome"},
	)

	// TestsStarted counts test instances created, by direction.
	TestsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udperf_tests_started_total",
			Help: "Test instances created, by direction.",
		},
		[]string{"direction"},
	)

	// TestsCompleted counts test instances that delivered a final
	// record, by direction.
	TestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udperf_tests_completed_total",
			Help: "Test instances completed, by direction.",
		},
		[]string{"direction"},
	)
)
