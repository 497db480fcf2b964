package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeWatchdogs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sidecar_active_watchdogs",
		Help: "Number of deployments currently under watchdog supervision",
	})

	activeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sidecar_provider_clients",
		Help: "Number of provider clients currently registered",
	})

	heartbeatsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sidecar_heartbeats_sent_total",
		Help: "Heartbeats sent to the orchestrator by state",
	}, []string{"state"})

	relaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sidecar_relaunches_total",
		Help: "Automatic re-launch attempts by outcome",
	}, []string{"outcome"})

	extendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sidecar_auto_extends_total",
		Help: "Automatic timeout extensions by outcome",
	}, []string{"outcome"})
)
