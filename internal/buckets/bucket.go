// Package buckets provides namespaced, TTL'd storage over fixed-size time
// buckets: scalar counters and member sets (Counter), and bounded popularity
// distributions (Distribution).
package buckets

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pable/hs-deck-predict/internal/model"
)

const (
	minute = 60
	hour   = 60 * minute
	day    = 24 * hour
)

// Bucketing maps instants onto epoch-aligned UTC buckets of a fixed size.
type Bucketing struct {
	size int64 // seconds
}

// NewBucketing validates that size evenly divides its parent unit: sub-minute
// sizes divide a minute, sub-hour sizes an hour, sub-day sizes a day, and
// larger sizes are whole days.
func NewBucketing(size time.Duration) (Bucketing, error) {
	s := int64(size / time.Second)
	if s <= 0 || time.Duration(s)*time.Second != size {
		return Bucketing{}, fmt.Errorf("%w: bucket size %s is not a positive whole number of seconds", model.ErrConfiguration, size)
	}
	var parent int64
	switch {
	case s < minute:
		parent = minute
	case s < hour:
		parent = hour
	case s < day:
		parent = day
	default:
		if s%day != 0 {
			return Bucketing{}, fmt.Errorf("%w: bucket size %s is not a whole number of days", model.ErrConfiguration, size)
		}
		return Bucketing{size: s}, nil
	}
	if parent%s != 0 {
		return Bucketing{}, fmt.Errorf("%w: bucket size %s does not divide %s", model.ErrConfiguration, size, time.Duration(parent)*time.Second)
	}
	return Bucketing{size: s}, nil
}

// Size returns the bucket width.
func (b Bucketing) Size() time.Duration { return time.Duration(b.size) * time.Second }

// Start returns the start of the bucket containing t.
func (b Bucketing) Start(t time.Time) time.Time {
	u := t.Unix()
	u -= mod(u, b.size)
	return time.Unix(u, 0).UTC()
}

// End returns the exclusive end of the bucket containing t.
func (b Bucketing) End(t time.Time) time.Time {
	return b.Start(t).Add(b.Size())
}

// Range returns the starts of every bucket overlapping [start, end].
func (b Bucketing) Range(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	last := b.Start(end)
	for s := b.Start(start); !s.After(last); s = s.Add(b.Size()) {
		out = append(out, s)
	}
	return out
}

func mod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// expiry returns how long a key for the bucket containing asOf should live
// when written at now: until bucket end plus ttl. Zero or less means the
// bucket has already aged out.
func expiry(b Bucketing, asOf, now time.Time, ttl time.Duration) time.Duration {
	return b.End(asOf).Add(ttl).Sub(now)
}

// Option configures a Counter or Distribution.
type Option func(*options)

type options struct {
	now        func() time.Time
	summaryTTL time.Duration
	log        logrus.FieldLogger
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger for dropped writes.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithSummaryTTL sets how long merged distribution summaries are cached.
func WithSummaryTTL(d time.Duration) Option {
	return func(o *options) { o.summaryTTL = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: logrus.StandardLogger()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
