package buckets

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
)

// Counter keeps one integer and one member set per time bucket under a
// namespace. Keys expire ttl after their bucket ends.
type Counter struct {
	db      *store.DB
	buckets Bucketing
	ttl     time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewCounter returns a counter over db's namespace.
func NewCounter(db *store.DB, bucketSize, ttl time.Duration, opts ...Option) (*Counter, error) {
	b, err := NewBucketing(bucketSize)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: counter ttl must be positive", model.ErrConfiguration)
	}
	o := buildOptions(opts)
	return &Counter{db: db, buckets: b, ttl: ttl, now: o.now, log: o.log}, nil
}

func (c *Counter) countKey(start time.Time) string { return c.db.Key("n", start.Unix()) }
func (c *Counter) setKey(start time.Time) string   { return c.db.Key("s", start.Unix()) }

func (c *Counter) agedOut(op string, asOf time.Time) {
	c.log.WithFields(logrus.Fields{
		"namespace": c.db.Namespace(),
		"op":        op,
		"as_of":     asOf,
	}).Debug("bucket aged out, write dropped")
}

// Incr adds by to the bucket containing asOf.
func (c *Counter) Incr(ctx context.Context, asOf time.Time, by int64) error {
	ttl := expiry(c.buckets, asOf, c.now(), c.ttl)
	if ttl <= 0 {
		c.agedOut("incr", asOf)
		return nil
	}
	key := c.countKey(c.buckets.Start(asOf))
	pipe := c.db.Client().TxPipeline()
	pipe.IncrBy(ctx, key, by)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Wrap(fmt.Errorf("incr %s: %w", key, err))
	}
	return nil
}

// Count sums the counters of every bucket overlapping [start, end].
func (c *Counter) Count(ctx context.Context, start, end time.Time) (int64, error) {
	starts := c.buckets.Range(start, end)
	if len(starts) == 0 {
		return 0, nil
	}
	keys := make([]string, len(starts))
	for i, s := range starts {
		keys[i] = c.countKey(s)
	}
	vals, err := c.db.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return 0, store.Wrap(fmt.Errorf("mget counters: %w", err))
	}
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse counter %q: %w", s, err)
		}
		total += n
	}
	return total, nil
}

// AddMember records members in the set of the bucket containing asOf.
func (c *Counter) AddMember(ctx context.Context, asOf time.Time, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ttl := expiry(c.buckets, asOf, c.now(), c.ttl)
	if ttl <= 0 {
		c.agedOut("sadd", asOf)
		return nil
	}
	key := c.setKey(c.buckets.Start(asOf))
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := c.db.Client().TxPipeline()
	pipe.SAdd(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Wrap(fmt.Errorf("sadd %s: %w", key, err))
	}
	return nil
}

// Members returns the union of member sets over [start, end], sorted.
func (c *Counter) Members(ctx context.Context, start, end time.Time) ([]string, error) {
	starts := c.buckets.Range(start, end)
	if len(starts) == 0 {
		return nil, nil
	}
	keys := make([]string, len(starts))
	for i, s := range starts {
		keys[i] = c.setKey(s)
	}
	out, err := c.db.Client().SUnion(ctx, keys...).Result()
	if err != nil && err != redis.Nil {
		return nil, store.Wrap(fmt.Errorf("sunion: %w", err))
	}
	sort.Strings(out)
	return out, nil
}

// Cardinality counts distinct members over [start, end].
func (c *Counter) Cardinality(ctx context.Context, start, end time.Time) (int, error) {
	m, err := c.Members(ctx, start, end)
	return len(m), err
}
