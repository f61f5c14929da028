package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSucceeded tracks targets scraped and persisted.
	TasksSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_tasks_succeeded_total",
		Help: "The total number of targets scraped and saved.",
	})
	// TasksFailed tracks targets routed to the failure ledger, by error kind.
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_tasks_failed_total",
		Help: "The total number of failed targets recorded in the ledger.",
	}, []string{"kind"})
	// TasksSkipped tracks targets skipped because they were already done.
	TasksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_tasks_skipped_total",
		Help: "The total number of targets skipped by the dedupe check.",
	})
	// InterruptsReceived counts interrupt signals observed by the orchestrator.
	InterruptsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_interrupts_received_total",
		Help: "The total number of interrupt signals received.",
	})
)
