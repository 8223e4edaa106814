package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"

	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tick"
)

var (
	_ tick.Metrics     = (*SimCollector)(nil)
	_ movement.Metrics = (*SimCollector)(nil)
)

func TestSimCollector_RecordsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	c.ObserveResimulation(5, 2*time.Millisecond)
	c.IncCorrection("p1")
	c.IncCorrection("p1")
	c.ObserveCatchup("p1", 2)
	c.IncDropped("input_stale")
	c.SetCommandBufferDepth("p1", 4)
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.ObserveCheckpoint(errors.New("disk full"))

	if got := testutil.ToFloat64(c.Resimulations); got != 1 {
		t.Fatalf("resimulations=%v", got)
	}
	if got := testutil.ToFloat64(c.Corrections.WithLabelValues("p1")); got != 2 {
		t.Fatalf("corrections=%v", got)
	}
	if got := testutil.ToFloat64(c.CatchupCommands.WithLabelValues("p1")); got != 2 {
		t.Fatalf("catchup=%v", got)
	}
	if got := testutil.ToFloat64(c.CommandBufferDepth.WithLabelValues("p1")); got != 4 {
		t.Fatalf("buffer depth=%v", got)
	}
	if got := testutil.ToFloat64(c.Connections); got != 1 {
		t.Fatalf("connections=%v", got)
	}
	if got := testutil.ToFloat64(c.CheckpointWrites.WithLabelValues("error")); got != 1 {
		t.Fatalf("checkpoint errors=%v", got)
	}

	c.ForgetEntity("p1")
	if n := testutil.CollectAndCount(c.Corrections); n != 0 {
		t.Fatalf("forgotten entity still has %d correction series", n)
	}
}

func TestSimCollector_RegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	a.IncDropped("x")
	if got := testutil.ToFloat64(b.Dropped.WithLabelValues("x")); got != 1 {
		t.Fatalf("second collector not shared: %v", got)
	}
}

func TestSimCollector_HandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	c.ObserveTick(time.Millisecond)
	c.IncFrame("in", "INPUT")

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{"netplay_tick_duration_seconds", `netplay_frames_total{direction="in",type="INPUT"} 1`} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestInitTracing_StdoutExportsResimulationSpans(t *testing.T) {
	var buf bytes.Buffer
	quiet := log.New(io.Discard, "", 0)
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "stdout", Writer: &buf}, quiet)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "tick.resimulate")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "tick.resimulate") {
		t.Fatalf("span not exported: %s", buf.String())
	}

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, quiet); err == nil {
		t.Fatalf("unknown exporter accepted")
	}
	off, err := InitTracing(context.Background(), TracingConfig{}, quiet)
	if err != nil || off(context.Background()) != nil {
		t.Fatalf("disabled tracing: %v", err)
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("NETPLAY_TRACING_ENABLED", "TRUE")
	t.Setenv("NETPLAY_TRACING_EXPORTER", "OTLP")
	t.Setenv("NETPLAY_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("NETPLAY_OTLP_ENDPOINT", "collector:4317")
	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" || cfg.ServiceName != "netplay-server" {
		t.Fatalf("cfg=%+v", cfg)
	}

	t.Setenv("NETPLAY_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out-of-range ratio gave %v", got)
	}
}
