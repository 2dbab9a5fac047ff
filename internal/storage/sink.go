package storage

import (
	"github.com/sirupsen/logrus"
)

// Sink persists measurements into the measurements table. Write failures
// are logged and dropped.
type Sink struct {
	db  *DB
	log logrus.FieldLogger
}

// NewSink returns a measurement sink writing to db.
func NewSink(db *DB, log logrus.FieldLogger) *Sink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sink{db: db, log: log.WithField("component", "sqlite-sink")}
}

func (s *Sink) Emit(name string, tags map[string]string, fields map[string]float64) {
	if err := s.db.InsertMeasurement(Measurement{Name: name, Tags: tags, Fields: fields}); err != nil {
		s.log.WithError(err).WithField("measurement", name).Warn("dropping measurement")
	}
}
