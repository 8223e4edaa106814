package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles the Prometheus metrics of the tick loop, the movement
// orchestrators and the websocket transport.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TickDuration         prometheus.Histogram
	Resimulations        prometheus.Counter
	ResimulatedTicks     prometheus.Histogram
	ResimulationDuration prometheus.Histogram
	SubscriberPanics     *prometheus.CounterVec
	Corrections          *prometheus.CounterVec
	PredictedCommands    *prometheus.CounterVec
	CatchupCommands      *prometheus.CounterVec
	Dropped              *prometheus.CounterVec
	CommandBufferDepth   *prometheus.GaugeVec
	Connections          prometheus.Gauge
	Frames               *prometheus.CounterVec
	OutboundQueueDrops   prometheus.Counter
	CheckpointWrites     *prometheus.CounterVec
	MirrorUploads        *prometheus.CounterVec
}

// NewSimCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &SimCollector{gatherer: gatherer}
	var err error

	if c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netplay_tick_duration_seconds",
		Help:    "Wall time spent in one live fixed step.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05},
	}), "netplay_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Resimulations, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netplay_resimulations_total",
		Help: "Number of rollback resimulations performed.",
	}), "netplay_resimulations_total"); err != nil {
		return nil, err
	}
	if c.ResimulatedTicks, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netplay_resimulated_ticks",
		Help:    "Ticks replayed per resimulation.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	}), "netplay_resimulated_ticks"); err != nil {
		return nil, err
	}
	if c.ResimulationDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netplay_resimulation_duration_seconds",
		Help:    "Wall time spent replaying ticks during a resimulation.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "netplay_resimulation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.SubscriberPanics, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_subscriber_panics_total",
		Help: "Recovered tick subscriber panics, labeled by broadcast.",
	}, []string{"broadcast"}), "netplay_subscriber_panics_total"); err != nil {
		return nil, err
	}
	if c.Corrections, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_corrections_total",
		Help: "Client predictions replaced by the authoritative state.",
	}, []string{"entity"}), "netplay_corrections_total"); err != nil {
		return nil, err
	}
	if c.PredictedCommands, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_predicted_commands_total",
		Help: "Commands synthesized by the server to bridge input gaps.",
	}, []string{"entity"}), "netplay_predicted_commands_total"); err != nil {
		return nil, err
	}
	if c.CatchupCommands, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_catchup_commands_total",
		Help: "Extra commands drained in a single tick to shrink a backlog.",
	}, []string{"entity"}), "netplay_catchup_commands_total"); err != nil {
		return nil, err
	}
	if c.Dropped, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_dropped_total",
		Help: "Discarded inputs, snapshots and frames, labeled by reason.",
	}, []string{"reason"}), "netplay_dropped_total"); err != nil {
		return nil, err
	}
	if c.CommandBufferDepth, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netplay_command_buffer_depth",
		Help: "Commands waiting in the server buffer of an entity.",
	}, []string{"entity"}), "netplay_command_buffer_depth"); err != nil {
		return nil, err
	}
	if c.Connections, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netplay_connections",
		Help: "Open client sessions.",
	}), "netplay_connections"); err != nil {
		return nil, err
	}
	if c.Frames, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_frames_total",
		Help: "Protocol frames, labeled by direction and message type.",
	}, []string{"direction", "type"}), "netplay_frames_total"); err != nil {
		return nil, err
	}
	if c.OutboundQueueDrops, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netplay_outbound_queue_drops_total",
		Help: "Outbound frames evicted because a session's queue was full.",
	}), "netplay_outbound_queue_drops_total"); err != nil {
		return nil, err
	}
	if c.CheckpointWrites, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_checkpoint_writes_total",
		Help: "Checkpoint writes, labeled by result.",
	}, []string{"result"}), "netplay_checkpoint_writes_total"); err != nil {
		return nil, err
	}
	if c.MirrorUploads, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netplay_mirror_uploads_total",
		Help: "Object storage mirror uploads, labeled by result (ok, error, dropped).",
	}, []string{"result"}), "netplay_mirror_uploads_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *SimCollector) ObserveTick(d time.Duration) { c.TickDuration.Observe(d.Seconds()) }

func (c *SimCollector) ObserveResimulation(ticks int, d time.Duration) {
	c.Resimulations.Inc()
	c.ResimulatedTicks.Observe(float64(ticks))
	c.ResimulationDuration.Observe(d.Seconds())
}

func (c *SimCollector) IncSubscriberPanic(broadcast string) {
	c.SubscriberPanics.WithLabelValues(broadcast).Inc()
}

func (c *SimCollector) IncCorrection(entityID string) { c.Corrections.WithLabelValues(entityID).Inc() }

func (c *SimCollector) IncPredictedCommand(entityID string) {
	c.PredictedCommands.WithLabelValues(entityID).Inc()
}

func (c *SimCollector) ObserveCatchup(entityID string, extra int) {
	c.CatchupCommands.WithLabelValues(entityID).Add(float64(extra))
}

func (c *SimCollector) IncDropped(reason string) { c.Dropped.WithLabelValues(reason).Inc() }

func (c *SimCollector) SetCommandBufferDepth(entityID string, depth int) {
	c.CommandBufferDepth.WithLabelValues(entityID).Set(float64(depth))
}

// ForgetEntity removes the per-entity series of a despawned entity.
func (c *SimCollector) ForgetEntity(entityID string) {
	c.Corrections.DeleteLabelValues(entityID)
	c.PredictedCommands.DeleteLabelValues(entityID)
	c.CatchupCommands.DeleteLabelValues(entityID)
	c.CommandBufferDepth.DeleteLabelValues(entityID)
}

func (c *SimCollector) ConnectionOpened() { c.Connections.Inc() }
func (c *SimCollector) ConnectionClosed() { c.Connections.Dec() }

func (c *SimCollector) IncFrame(direction, msgType string) {
	c.Frames.WithLabelValues(direction, msgType).Inc()
}

func (c *SimCollector) IncOutboundDrop() { c.OutboundQueueDrops.Inc() }

func (c *SimCollector) ObserveCheckpoint(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.CheckpointWrites.WithLabelValues(result).Inc()
}

func (c *SimCollector) IncMirrorUpload(result string) { c.MirrorUploads.WithLabelValues(result).Inc() }

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
