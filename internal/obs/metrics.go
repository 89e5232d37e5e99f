package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Name: "muxgate_connections_active", Help: "Connections with a completed handshake"})
	ChannelsActive      = promauto.NewGauge(prometheus.GaugeOpts{Name: "muxgate_channels_active", Help: "Channels registered with a manager"})
	ConnectAttemptTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "muxgate_connect_attempts_total", Help: "Socket (re)connect attempts"})
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "muxgate_frames_received_total", Help: "Inbound frames by type"}, []string{"type"})
	FramesSentTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "muxgate_frames_sent_total", Help: "Outbound frames written to a socket"})
	FramesDroppedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "muxgate_frames_dropped_total", Help: "Frames dropped by reason"}, []string{"reason"})
	LinesDroppedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "muxgate_lines_dropped_total", Help: "Lines written while a channel was not relaying"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "muxgate_errors_total", Help: "Errors by type"}, []string{"type"})

	GatewaySessionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Name: "muxgate_gateway_sessions_active", Help: "Gateway sessions with a live websocket"})
	GatewayUpstreamsActive  = promauto.NewGauge(prometheus.GaugeOpts{Name: "muxgate_gateway_upstreams_active", Help: "Relaying upstream connections"})
	GatewayRejectedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "muxgate_gateway_rejected_total", Help: "Gateway requests rejected by the rate limiter"}, []string{"kind"})
	UpstreamDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "muxgate_upstream_duration_seconds", Help: "Upstream relay lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
