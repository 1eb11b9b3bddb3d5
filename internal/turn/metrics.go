package turn

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "turn_state_transitions_total",
        Help: "Turn controller state transitions",
    }, []string{"from", "to"})

    metricVADCommits = promauto.NewCounter(prometheus.CounterOpts{
        Name: "turn_vad_commits_total",
        Help: "Utterances committed by silence detection",
    })

    metricGuardNoops = promauto.NewCounter(prometheus.CounterOpts{
        Name: "turn_guard_noops_total",
        Help: "Transitions dropped because another transition was in progress",
    })

    metricPayloadRejected = promauto.NewCounter(prometheus.CounterOpts{
        Name: "turn_payload_rejected_total",
        Help: "Utterance payloads below the minimum size that were not transcribed",
    })

    metricServiceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "turn_service_failures_total",
        Help: "Remote service failures that ended a turn",
    }, []string{"op"})

    metricDeviceFailures = promauto.NewCounter(prometheus.CounterOpts{
        Name: "turn_device_failures_total",
        Help: "Microphone failures that stopped listening",
    })

    metricStaleEvents = promauto.NewCounter(prometheus.CounterOpts{
        Name: "turn_stale_events_total",
        Help: "Async results dropped because the controller had moved on",
    })
)
