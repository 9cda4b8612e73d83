// Package metrics holds the prometheus collectors shared by the reader services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PacketsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_packets_decoded_total",
		Help: "Packets decoded from the live message stream by operation",
	}, []string{"operation"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_frames_dropped_total",
		Help: "Frames or packets dropped by reason",
	}, []string{"reason"})

	EventsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_events_classified_total",
		Help: "Classified live events by kind",
	}, []string{"kind"})

	EventsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_events_filtered_total",
		Help: "Events dropped by the pipeline by reason",
	}, []string{"reason"})

	GiftsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livetts_gifts_merged_total",
		Help: "Gift events folded into an existing combo entry",
	})

	UtterancesSpoken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_utterances_total",
		Help: "Speech queue dispatch results by backend and result",
	}, []string{"backend", "result"})

	UtterancesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livetts_utterances_dropped_total",
		Help: "Utterances evicted from a full speech queue",
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livetts_speech_queue_length",
		Help: "Pending utterances in the speech queue",
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livetts_connection_state",
		Help: "Room connection state (0 idle, 1 connecting, 2 open, 3 closing, 4 reconnecting)",
	})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_reconnects_total",
		Help: "Reconnect attempts by result",
	}, []string{"result"})

	Popularity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livetts_room_popularity",
		Help: "Last popularity value reported by the room",
	})

	DiscoveryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livetts_discovery_requests_total",
		Help: "Discovery API requests by endpoint and result",
	}, []string{"endpoint", "result"})
)
