package buckets

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
)

// incrementScript bumps ARGV[1] in the bucket set KEYS[1]. When the member is
// new and the set already holds ARGV[2] members, the lowest-scored member is
// evicted and the newcomer enters just above it. The set then lives for
// ARGV[3] more seconds.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local member = ARGV[1]
local max_items = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call('ZSCORE', key, member) then
	redis.call('ZINCRBY', key, 1, member)
elseif redis.call('ZCARD', key) < max_items then
	redis.call('ZADD', key, 1, member)
else
	local lowest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	redis.call('ZREM', key, lowest[1])
	redis.call('ZADD', key, tonumber(lowest[2]) + 1, member)
end
redis.call('EXPIRE', key, ttl)
return 1
`)

// scratchTTL bounds the life of a scratch merge if its pipeline dies midway.
const scratchTTL = 30 * time.Second

// Distribution is a capped-cardinality popularity distribution per time bucket.
type Distribution struct {
	db         *store.DB
	buckets    Bucketing
	ttl        time.Duration
	summaryTTL time.Duration
	maxItems   int
	now        func() time.Time
	log        logrus.FieldLogger
}

// Entry is one key of a distribution with its merged score.
type Entry struct {
	Key   string
	Score float64
}

// Query narrows a Distribution read.
type Query struct {
	Limit         int  // top-N only when > 0
	AsPercentages bool // scale scores to percentages of the range total
}

// NewDistribution returns a distribution over db's namespace.
func NewDistribution(db *store.DB, bucketSize, ttl time.Duration, maxItems int, opts ...Option) (*Distribution, error) {
	b, err := NewBucketing(bucketSize)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: distribution ttl must be positive", model.ErrConfiguration)
	}
	if maxItems <= 0 {
		return nil, fmt.Errorf("%w: distribution max items must be positive", model.ErrConfiguration)
	}
	o := buildOptions(opts)
	if o.summaryTTL <= 0 {
		o.summaryTTL = b.Size()
	}
	return &Distribution{
		db:         db,
		buckets:    b,
		ttl:        ttl,
		summaryTTL: o.summaryTTL,
		maxItems:   maxItems,
		now:        o.now,
		log:        o.log,
	}, nil
}

func (d *Distribution) bucketKey(start time.Time) string { return d.db.Key(start.Unix()) }

func (d *Distribution) summaryKey(first, last time.Time) string {
	return d.db.Key("summary", first.Unix(), last.Unix())
}

// Buckets exposes the bucketing in use.
func (d *Distribution) Buckets() Bucketing { return d.buckets }

// Increment bumps key in the bucket containing asOf.
func (d *Distribution) Increment(ctx context.Context, key string, asOf time.Time) error {
	ttl := expiry(d.buckets, asOf, d.now(), d.ttl)
	if ttl <= 0 {
		d.log.WithFields(logrus.Fields{
			"namespace": d.db.Namespace(),
			"key":       key,
			"as_of":     asOf,
		}).Debug("bucket aged out, increment dropped")
		return nil
	}
	secs := int64(math.Ceil(ttl.Seconds()))
	bucket := d.bucketKey(d.buckets.Start(asOf))
	if err := incrementScript.Run(ctx, d.db.Client(), []string{bucket}, key, d.maxItems, secs).Err(); err != nil {
		return store.Wrap(fmt.Errorf("increment %s in %s: %w", key, bucket, err))
	}
	return nil
}

// Distribution merges every bucket overlapping [start, end] and returns keys
// by descending score, ties by key. A multi-bucket range that has fully
// elapsed is merged into a cached summary key and reused while it lives. A
// range reaching the open bucket is merged into a scratch key that is
// deleted after the read.
func (d *Distribution) Distribution(ctx context.Context, start, end time.Time, q Query) ([]Entry, error) {
	starts := d.buckets.Range(start, end)
	if len(starts) == 0 {
		return nil, nil
	}

	var zs []redis.Z
	var err error
	switch {
	case len(starts) == 1:
		zs, err = d.read(ctx, d.bucketKey(starts[0]))
	case starts[len(starts)-1].Before(d.buckets.Start(d.now())):
		zs, err = d.summary(ctx, starts)
	default:
		zs, err = d.scratchMerge(ctx, starts)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(zs))
	var total float64
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, Entry{Key: member, Score: z.Score})
		total += z.Score
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if q.AsPercentages && total > 0 {
		for i := range out {
			out[i].Score = 100 * out[i].Score / total
		}
	}
	return out, nil
}

func (d *Distribution) read(ctx context.Context, key string) ([]redis.Z, error) {
	zs, err := d.db.Client().ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, store.Wrap(fmt.Errorf("read %s: %w", key, err))
	}
	return zs, nil
}

func (d *Distribution) bucketKeys(starts []time.Time) []string {
	keys := make([]string, len(starts))
	for i, s := range starts {
		keys[i] = d.bucketKey(s)
	}
	return keys
}

// summary reads the cached merge of an elapsed range, building it first when
// absent. Elapsed buckets only change through late writes, which become
// visible once the summary expires.
func (d *Distribution) summary(ctx context.Context, starts []time.Time) ([]redis.Z, error) {
	client := d.db.Client()
	key := d.summaryKey(starts[0], starts[len(starts)-1])
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return nil, store.Wrap(fmt.Errorf("exists %s: %w", key, err))
	}
	if n == 0 {
		pipe := client.TxPipeline()
		pipe.ZUnionStore(ctx, key, &redis.ZStore{Keys: d.bucketKeys(starts), Aggregate: "SUM"})
		pipe.Expire(ctx, key, d.summaryTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, store.Wrap(fmt.Errorf("merge %s: %w", key, err))
		}
	}
	return d.read(ctx, key)
}

// scratchMerge merges a range that reaches the open bucket into a throwaway
// key, so the result is never cached.
func (d *Distribution) scratchMerge(ctx context.Context, starts []time.Time) ([]redis.Z, error) {
	scratch := d.db.Key("tmp", uuid.NewString())
	pipe := d.db.Client().TxPipeline()
	pipe.ZUnionStore(ctx, scratch, &redis.ZStore{Keys: d.bucketKeys(starts), Aggregate: "SUM"})
	pipe.Expire(ctx, scratch, scratchTTL)
	zs := pipe.ZRevRangeWithScores(ctx, scratch, 0, -1)
	pipe.Del(ctx, scratch)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, store.Wrap(fmt.Errorf("merge %s: %w", scratch, err))
	}
	return zs.Val(), nil
}

// Map is a convenience view of Distribution without ordering.
func (d *Distribution) Map(ctx context.Context, start, end time.Time) (map[string]float64, error) {
	entries, err := d.Distribution(ctx, start, end, Query{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Score
	}
	return out, nil
}
