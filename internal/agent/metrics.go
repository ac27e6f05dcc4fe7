package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insightagent_runs_total",
		Help: "Analysis runs by final status.",
	}, []string{"status"})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insightagent_queries_total",
		Help: "Executed planner decisions by outcome kind.",
	}, []string{"outcome"})

	planRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insightagent_plan_rejections_total",
		Help: "Planner outputs rejected by the plan parser, by reason.",
	}, []string{"reason"})

	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insightagent_llm_calls_total",
		Help: "Chat model calls by stage and status.",
	}, []string{"stage", "status"})

	llmCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insightagent_llm_call_duration_seconds",
		Help:    "Chat model call latency by stage.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"stage"})

	insightsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insightagent_current_run_insights",
		Help: "Insights accumulated by the run in progress.",
	})
)
