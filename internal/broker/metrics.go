package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics counts frames per command and direction, and live sessions
type Metrics struct {
	registry *prometheus.Registry
	frames   *prometheus.CounterVec
	sessions prometheus.Gauge
}

// NewMetrics registers the broker collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_frames_total",
			Help: "STOMP frames handled by the broker.",
		}, []string{"command", "direction"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stomp_sessions",
			Help: "Open STOMP WebSocket sessions.",
		}),
	}
	m.registry.MustRegister(m.frames, m.sessions)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) countFrame(command, direction string) {
	m.frames.WithLabelValues(command, direction).Inc()
}

// Stats is a point-in-time view of the broker counters
type Stats struct {
	Sessions int
	Inbound  map[string]int64
	Outbound map[string]int64
}

// Total returns the sum of counts for direction
func (s Stats) Total(direction string) int64 {
	src := s.Inbound
	if direction == DirectionOutbound {
		src = s.Outbound
	}
	var n int64
	for _, v := range src {
		n += v
	}
	return n
}

// Snapshot gathers the current counter values
func (m *Metrics) Snapshot() (Stats, error) {
	stats := Stats{
		Inbound:  make(map[string]int64),
		Outbound: make(map[string]int64),
	}

	families, err := m.registry.Gather()
	if err != nil {
		return stats, err
	}

	for _, mf := range families {
		switch mf.GetName() {
		case "stomp_sessions":
			for _, metric := range mf.GetMetric() {
				stats.Sessions = int(metric.GetGauge().GetValue())
			}
		case "stomp_frames_total":
			for _, metric := range mf.GetMetric() {
				var command, direction string
				for _, label := range metric.GetLabel() {
					switch label.GetName() {
					case "command":
						command = label.GetValue()
					case "direction":
						direction = label.GetValue()
					}
				}
				value := int64(metric.GetCounter().GetValue())
				if direction == DirectionOutbound {
					stats.Outbound[command] += value
				} else {
					stats.Inbound[command] += value
				}
			}
		}
	}
	return stats, nil
}

// MonitorStats logs a stats line every interval until ctx is done
func (m *Metrics) MonitorStats(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.Snapshot()
			if err != nil {
				logger.Warn("failed to gather broker stats", zap.Error(err))
				continue
			}
			logger.Info("broker stats",
				zap.Int("sessions", stats.Sessions),
				zap.Int64("frames_in", stats.Total(DirectionInbound)),
				zap.Int64("frames_out", stats.Total(DirectionOutbound)),
				zap.Int64("send", stats.Inbound["SEND"]),
				zap.Int64("message", stats.Outbound["MESSAGE"]))
		}
	}
}
