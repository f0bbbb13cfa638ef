// Package metrics exposes prometheus counters for the orchestrator core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

var (
	// WorkItemsDispatched counts items handed out per service.
	WorkItemsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_work_items_dispatched_total",
		Help: "Number of work items dispatched to service workers",
	}, []string{"service_id"})

	// WorkItemsCompleted counts item completions per service and status.
	WorkItemsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_work_items_completed_total",
		Help: "Number of work item completions reported by service workers",
	}, []string{"service_id", "status"})

	// JobTransitions counts job status transitions.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_job_transitions_total",
		Help: "Number of job status transitions",
	}, []string{"status"})

	// ReapedRows counts rows removed by the work reaper per table.
	ReapedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_reaped_rows_total",
		Help: "Number of rows removed by the work reaper",
	}, []string{"table"})
)

// Handler returns the gin handler serving the prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
