package metrics

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCountsMeasurements(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Emit(Skipped, map[string]string{"format": "standard", "class": "MAGE", "reason": "ai"}, nil)
	p.Emit(Skipped, map[string]string{"format": "standard", "class": "MAGE", "reason": "ai"}, nil)
	p.Emit(Observed, map[string]string{"format": "wild", "class": "ROGUE"}, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.measurements.WithLabelValues(Skipped, "standard", "MAGE", "ai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.measurements.WithLabelValues(Observed, "wild", "ROGUE", "")))
}

func TestPrometheusConsensus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	tags := map[string]string{"format": "standard", "class": "PRIEST"}

	p.Emit(Consensus, tags, map[string]float64{
		"tree_found": 1, "ilt_found": 1, "agree_deck": 0, "agree_archetype": 1,
		"fuzzy_dropped": 2, "duration_ms": 12,
	})
	p.Emit(Consensus, tags, map[string]float64{"tree_found": 0, "ilt_found": 1, "fuzzy_dropped": 0})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.predictions.WithLabelValues("tree", "standard", "PRIEST", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.predictions.WithLabelValues("tree", "standard", "PRIEST", "false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.predictions.WithLabelValues("ilt", "standard", "PRIEST", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.agreement.WithLabelValues("standard", "PRIEST", "archetype")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.fuzzy))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))
}

func TestPrometheusRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheus(reg)
	assert.Panics(t, func() { NewPrometheus(reg) })
}

func TestLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.DebugLevel)

	NewLogger(l, logrus.InfoLevel).Emit(Consensus, map[string]string{"class": "MAGE"}, map[string]float64{"tree_found": 1})
	out := buf.String()
	assert.Contains(t, out, `"measurement":"consensus"`)
	assert.Contains(t, out, `"class":"MAGE"`)
	assert.Contains(t, out, `"tree_found":1`)
	assert.Contains(t, out, `"level":"info"`)
}

func TestMultiAndMemory(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	sink := Multi{a, Nop{}, b}

	tags := map[string]string{"reason": "ai"}
	sink.Emit(Skipped, tags, nil)
	sink.Emit(Observed, nil, map[string]float64{"cards": 30})
	tags["reason"] = "mutated"

	for _, m := range []*Memory{a, b} {
		require.Len(t, m.Records(""), 2)
		skipped := m.Records(Skipped)
		require.Len(t, skipped, 1)
		assert.Equal(t, "ai", skipped[0].Tags["reason"])
		assert.Equal(t, []string{Observed, Skipped}, m.Names())
	}
}

func TestBool(t *testing.T) {
	assert.Equal(t, 1.0, Bool(true))
	assert.Equal(t, 0.0, Bool(false))
}
