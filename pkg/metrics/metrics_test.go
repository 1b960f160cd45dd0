package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ModbusReadsTotal.WithLabelValues("AABBCC").Inc()
	m.MQTTPublishesTotal.WithLabelValues("AABBCC").Inc()
	m.ReconnectAttemptsTotal.Inc()
	m.ObservePoll("ok", 50*time.Millisecond)
	m.SetOnline("user@example.com", true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestSetOnlineReflectsState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetOnline("user@example.com", true)
	if v := gaugeValue(t, m.ConnectionOnline.WithLabelValues("user@example.com")); v != 1 {
		t.Errorf("expected online gauge 1, got %v", v)
	}

	m.SetOnline("user@example.com", false)
	if v := gaugeValue(t, m.ConnectionOnline.WithLabelValues("user@example.com")); v != 0 {
		t.Errorf("expected offline gauge 0, got %v", v)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("unexpected error reading gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}
