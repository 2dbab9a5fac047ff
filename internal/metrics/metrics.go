// Package metrics carries prediction diagnostics out of the orchestrator.
// A Sink accepts named measurements with string tags and numeric fields and
// never reports failure to the caller.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Measurement names emitted by the orchestrator.
const (
	Skipped         = "skipped"
	Observed        = "observed"
	CrossValidation = "cross_validation"
	Consensus       = "consensus"
	Failure         = "error"
)

// Sink receives measurements. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(name string, tags map[string]string, fields map[string]float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(string, map[string]string, map[string]float64) {}

// Multi fans a measurement out to every sink.
type Multi []Sink

func (m Multi) Emit(name string, tags map[string]string, fields map[string]float64) {
	for _, s := range m {
		s.Emit(name, tags, fields)
	}
}

// Bool converts a flag to a measurement field value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ---- logrus ----

// Logger writes each measurement as a structured log line.
type Logger struct {
	log   logrus.FieldLogger
	level logrus.Level
}

// NewLogger returns a sink logging at level through l.
func NewLogger(l logrus.FieldLogger, level logrus.Level) *Logger {
	return &Logger{log: l, level: level}
}

func (s *Logger) Emit(name string, tags map[string]string, fields map[string]float64) {
	f := logrus.Fields{"measurement": name}
	for k, v := range tags {
		f[k] = v
	}
	for k, v := range fields {
		f[k] = v
	}
	entry := s.log.WithFields(f)
	switch s.level {
	case logrus.TraceLevel, logrus.DebugLevel:
		entry.Debug("measurement")
	case logrus.WarnLevel:
		entry.Warn("measurement")
	default:
		entry.Info("measurement")
	}
}

// ---- prometheus ----

// Prometheus maps measurements onto a fixed set of collectors. Tag values
// other than format, class and reason are not exported as labels.
type Prometheus struct {
	measurements *prometheus.CounterVec
	predictions  *prometheus.CounterVec
	agreement    *prometheus.CounterVec
	fuzzy        *prometheus.HistogramVec
	duration     *prometheus.HistogramVec
}

// NewPrometheus registers the collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		measurements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckpredict_measurements_total",
				Help: "Measurements emitted, by name and skip reason",
			},
			[]string{"name", "format", "class", "reason"},
		),
		predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckpredict_predictions_total",
				Help: "Partial-deck predictions, by predictor and outcome",
			},
			[]string{"predictor", "format", "class", "found"},
		),
		agreement: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckpredict_predictor_agreement_total",
				Help: "Predictions where both predictors named a deck, by agreement level",
			},
			[]string{"format", "class", "level"},
		),
		fuzzy: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckpredict_fuzzy_cards_dropped",
				Help:    "Cards dropped by the inverse lookup before answering",
				Buckets: prometheus.LinearBuckets(0, 1, 6),
			},
			[]string{"format", "class"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckpredict_prediction_duration_seconds",
				Help:    "Wall time of a partial-deck prediction",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "class"},
		),
	}
}

func (p *Prometheus) Emit(name string, tags map[string]string, fields map[string]float64) {
	format, class := tags["format"], tags["class"]
	p.measurements.WithLabelValues(name, format, class, tags["reason"]).Inc()
	if name != Consensus {
		return
	}

	treeFound, iltFound := fields["tree_found"] > 0, fields["ilt_found"] > 0
	p.predictions.WithLabelValues("tree", format, class, boolLabel(treeFound)).Inc()
	p.predictions.WithLabelValues("ilt", format, class, boolLabel(iltFound)).Inc()
	if treeFound && iltFound {
		level := "none"
		switch {
		case fields["agree_deck"] > 0:
			level = "deck"
		case fields["agree_archetype"] > 0:
			level = "archetype"
		}
		p.agreement.WithLabelValues(format, class, level).Inc()
	}
	if v, ok := fields["fuzzy_dropped"]; ok {
		p.fuzzy.WithLabelValues(format, class).Observe(v)
	}
	if v, ok := fields["duration_ms"]; ok {
		p.duration.WithLabelValues(format, class).Observe(v / 1000)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ---- in memory ----

// Record is one captured measurement.
type Record struct {
	Time   time.Time
	Name   string
	Tags   map[string]string
	Fields map[string]float64
}

// Memory keeps every measurement it receives, for backtests and tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

func NewMemory() *Memory { return &Memory{now: time.Now} }

func (m *Memory) Emit(name string, tags map[string]string, fields map[string]float64) {
	r := Record{Time: m.now(), Name: name, Tags: make(map[string]string, len(tags)), Fields: make(map[string]float64, len(fields))}
	for k, v := range tags {
		r.Tags[k] = v
	}
	for k, v := range fields {
		r.Fields[k] = v
	}
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}

// Records returns a copy of the captured measurements, optionally only those
// named name.
func (m *Memory) Records(name string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if name == "" || r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// Names returns the distinct measurement names seen, sorted.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range m.records {
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r.Name)
		}
	}
	sort.Strings(out)
	return out
}
