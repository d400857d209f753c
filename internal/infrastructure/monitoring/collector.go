package monitoring

import (
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports engine telemetry to prometheus.
type Collector struct {
	framesSentTotal    *prometheus.CounterVec
	framesSkippedTotal prometheus.Counter
	framesDroppedTotal prometheus.Counter
	encodeDuration     prometheus.Histogram

	permissionDenials *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec

	targetBitrate prometheus.Gauge
	currentFPS    prometheus.Gauge
	sessionsOpen  prometheus.Gauge
}

var _ ports.MetricsSink = (*Collector)(nil)

func NewCollector() *Collector {
	return &Collector{
		framesSentTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deskbridge_frames_sent_total",
			Help: "Total encoded frames written to the screen channel",
		}, []string{"kind"}),

		framesSkippedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "deskbridge_frames_skipped_total",
			Help: "Frames skipped due to capture or encode failures",
		}),

		framesDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "deskbridge_frames_dropped_total",
			Help: "Stale frames dropped from the outbound queue",
		}),

		encodeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskbridge_encode_duration_seconds",
			Help:    "Per-frame encode duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25},
		}),

		permissionDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deskbridge_permission_denials_total",
			Help: "Control messages denied by the session permission profile",
		}, []string{"capability"}),

		stateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deskbridge_state_transitions_total",
			Help: "Connection state machine transitions",
		}, []string{"from", "to"}),

		targetBitrate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "deskbridge_target_bitrate_bps",
			Help: "Current encoder target bitrate in bits per second",
		}),

		currentFPS: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "deskbridge_stream_fps",
			Help: "Measured outbound frame rate",
		}),

		sessionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "deskbridge_sessions_open",
			Help: "Currently open remote desktop sessions",
		}),
	}
}

func (c *Collector) FrameSent(keyframe bool) {
	kind := "delta"
	if keyframe {
		kind = "keyframe"
	}
	c.framesSentTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) FrameSkipped() { c.framesSkippedTotal.Inc() }
func (c *Collector) FrameDropped() { c.framesDroppedTotal.Inc() }

func (c *Collector) ObserveEncodeTime(d time.Duration) {
	c.encodeDuration.Observe(d.Seconds())
}

func (c *Collector) PermissionDenied(capability domain.Capability) {
	c.permissionDenials.WithLabelValues(string(capability)).Inc()
}

func (c *Collector) StateTransition(from, to domain.ConnectionState) {
	c.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Collector) SetBitrate(bps int) { c.targetBitrate.Set(float64(bps)) }
func (c *Collector) SetFPS(fps float64) { c.currentFPS.Set(fps) }
func (c *Collector) SessionOpened()     { c.sessionsOpen.Inc() }
func (c *Collector) SessionClosed()     { c.sessionsOpen.Dec() }
