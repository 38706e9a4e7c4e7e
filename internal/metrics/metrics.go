// Package metrics exposes Prometheus collectors for the conversation
// engine. Every model invocation attempt is observed here regardless of
// whether the caller retries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModelInvocations counts model invocation attempts by outcome.
	// Outcome is either "success" or one of the llm error kinds.
	ModelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hatchbot",
		Subsystem: "llm",
		Name:      "invocations_total",
		Help:      "Model invocation attempts by model and outcome.",
	}, []string{"model", "outcome"})

	// ModelLatency observes wall-clock latency of model invocations.
	ModelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hatchbot",
		Subsystem: "llm",
		Name:      "invocation_duration_seconds",
		Help:      "Model invocation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model", "streaming"})

	// ModelTokens counts tokens by direction ("input" / "output").
	ModelTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hatchbot",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Token usage reported by the model backend.",
	}, []string{"model", "direction"})

	// GateVerdicts counts safety gate outcomes: "passed", "blocked",
	// "flagged" (malicious but under threshold), "fail_open".
	GateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hatchbot",
		Subsystem: "guard",
		Name:      "verdicts_total",
		Help:      "Safety gate verdicts by outcome and category.",
	}, []string{"outcome", "category"})

	// TurnOutcomes counts conversation turn terminal states:
	// "completed", "failed", "blocked".
	TurnOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hatchbot",
		Subsystem: "engine",
		Name:      "turns_total",
		Help:      "Conversation turns by terminal state.",
	}, []string{"outcome"})

	// DroppedToolCalls counts tool invocations dropped because their
	// accumulated argument buffer failed to parse as JSON.
	DroppedToolCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hatchbot",
		Subsystem: "llm",
		Name:      "dropped_tool_calls_total",
		Help:      "Tool invocations dropped due to malformed argument JSON.",
	})
)
