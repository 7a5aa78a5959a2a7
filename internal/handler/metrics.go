package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Subsystem: "api",
		Name:      "requests_created_total",
		Help:      "Total requests created, by request type.",
	}, []string{"request_type"})

	approvalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Total approval decisions submitted, by action and outcome.",
	}, []string{"action", "outcome"})

	documentUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approvals",
		Subsystem: "documents",
		Name:      "uploads_total",
		Help:      "Total document uploads, by final analysis status.",
	}, []string{"analysis_status"})
)
