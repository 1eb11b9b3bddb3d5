package capture

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricFrames = promauto.NewCounter(prometheus.CounterOpts{
        Name: "capture_frames_total",
        Help: "Total microphone frames received from devices",
    })

    metricChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
        Name: "capture_chunks_dropped_total",
        Help: "Microphone chunks dropped because a consumer was backed up",
    })

    metricTracksLost = promauto.NewCounter(prometheus.CounterOpts{
        Name: "capture_tracks_lost_total",
        Help: "Microphone tracks that ended without being closed",
    })
)
