package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricGetUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umpired_get_update_requests_total",
		Help: "GetUpdate calls served to DUTs.",
	})
	metricUpdatesNeeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umpired_component_updates_needed_total",
		Help: "Component entries answered with needs_update set.",
	})
	metricReportsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umpired_reports_uploaded_total",
		Help: "DUT reports accepted by upload_report.",
	})
	metricEventsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umpired_events_uploaded_total",
		Help: "Event chunks accepted by upload_event.",
	})
	metricDeploys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "umpired_config_deploys_total",
		Help: "Config deployments that activated a new document.",
	})
)
