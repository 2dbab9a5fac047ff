package buckets

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestStore starts an in-process Redis and returns a namespaced handle.
func newTestStore(t *testing.T) (*store.DB, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.New(client, "test"), mr
}

// halfPastHour is a fixed instant in the middle of an hour bucket.
func halfPastHour() time.Time {
	return time.Date(2024, 3, 14, 15, 30, 0, 0, time.UTC)
}

// ---- Bucketing ----

func TestNewBucketingValidation(t *testing.T) {
	valid := []time.Duration{time.Second, 15 * time.Second, time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour, 24 * time.Hour, 48 * time.Hour}
	for _, d := range valid {
		_, err := NewBucketing(d)
		assert.NoError(t, err, "size %s", d)
	}
	invalid := []time.Duration{0, -time.Minute, 1500 * time.Millisecond, 7 * time.Second, 7 * time.Minute, 5 * time.Hour, 36 * time.Hour}
	for _, d := range invalid {
		_, err := NewBucketing(d)
		assert.ErrorIs(t, err, model.ErrConfiguration, "size %s", d)
	}
}

func TestBucketBoundaries(t *testing.T) {
	b, err := NewBucketing(15 * time.Minute)
	require.NoError(t, err)

	at := time.Date(2024, 3, 14, 15, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 14, 15, 30, 0, 0, time.UTC), b.Start(at))
	assert.Equal(t, time.Date(2024, 3, 14, 15, 45, 0, 0, time.UTC), b.End(at))

	r := b.Range(at.Add(-35*time.Minute), at)
	require.Len(t, r, 3)
	assert.Equal(t, time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC), r[0])
	assert.Equal(t, time.Date(2024, 3, 14, 15, 30, 0, 0, time.UTC), r[2])

	assert.Nil(t, b.Range(at, at.Add(-time.Second)))
}

// ---- Counter ----

func TestCounterIncrAndCount(t *testing.T) {
	db, mr := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	c, err := NewCounter(db.Sub("games"), time.Hour, 24*time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	now := clock.Now()
	require.NoError(t, c.Incr(ctx, now, 2))
	require.NoError(t, c.Incr(ctx, now.Add(-time.Hour), 3))
	require.NoError(t, c.Incr(ctx, now.Add(-3*time.Hour), 7))

	n, err := c.Count(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = c.Count(ctx, now.Add(-4*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	key := fmt.Sprintf("test:games:n:%d", time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC).Unix())
	assert.Equal(t, 24*time.Hour+30*time.Minute, mr.TTL(key))
}

func TestCounterSkipsAgedOutBuckets(t *testing.T) {
	db, mr := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c, err := NewCounter(db, time.Hour, time.Hour, WithClock(clock.Now), WithLogger(logger))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Incr(ctx, clock.Now().Add(-5*time.Hour), 1))
	require.NoError(t, c.AddMember(ctx, clock.Now().Add(-5*time.Hour), "x"))
	assert.Empty(t, mr.Keys())
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "incr", hook.AllEntries()[0].Data["op"])
	assert.Equal(t, "sadd", hook.AllEntries()[1].Data["op"])
}

func TestCounterMembers(t *testing.T) {
	db, _ := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	c, err := NewCounter(db, time.Hour, 24*time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	now := clock.Now()
	require.NoError(t, c.AddMember(ctx, now, "7", "3"))
	require.NoError(t, c.AddMember(ctx, now.Add(-time.Hour), "3", "11"))
	require.NoError(t, c.AddMember(ctx, now))

	m, err := c.Members(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"11", "3", "7"}, m)

	n, err := c.Cardinality(ctx, now, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCounterRejectsBadConfig(t *testing.T) {
	db, _ := newTestStore(t)
	_, err := NewCounter(db, 7*time.Minute, time.Hour)
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = NewCounter(db, time.Hour, 0)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

// ---- Distribution ----

func newDistribution(t *testing.T, db *store.DB, clock *fakeClock, maxItems int) *Distribution {
	t.Helper()
	d, err := NewDistribution(db.Sub("pop"), time.Hour, 24*time.Hour, maxItems, WithClock(clock.Now))
	require.NoError(t, err)
	return d
}

func TestDistributionIncrement(t *testing.T) {
	db, mr := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 10)
	ctx := context.Background()
	now := clock.Now()

	for _, k := range []string{"a", "b", "a", "c", "a", "b"} {
		require.NoError(t, d.Increment(ctx, k, now))
	}
	got, err := d.Distribution(ctx, now, now, Query{})
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"a", 3}, {"b", 2}, {"c", 1}}, got)

	key := fmt.Sprintf("test:pop:%d", time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC).Unix())
	assert.Equal(t, 24*time.Hour+30*time.Minute, mr.TTL(key))
}

func TestDistributionEvictsLowestWhenFull(t *testing.T) {
	db, _ := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 2)
	ctx := context.Background()
	now := clock.Now()

	for _, k := range []string{"a", "a", "a", "b", "c"} {
		require.NoError(t, d.Increment(ctx, k, now))
	}
	// b (score 1) is evicted and c enters at 2.
	got, err := d.Distribution(ctx, now, now, Query{})
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"a", 3}, {"c", 2}}, got)
}

func TestDistributionLimitAndPercentages(t *testing.T) {
	db, _ := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 10)
	ctx := context.Background()
	now := clock.Now()

	for _, k := range []string{"a", "a", "a", "b", "c", "c", "c", "c"} {
		require.NoError(t, d.Increment(ctx, k, now))
	}
	got, err := d.Distribution(ctx, now, now, Query{Limit: 2, AsPercentages: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Key)
	assert.InDelta(t, 50.0, got[0].Score, 1e-9)
	assert.Equal(t, "a", got[1].Key)
	assert.InDelta(t, 37.5, got[1].Score, 1e-9)
}

func TestDistributionMergesAcrossBuckets(t *testing.T) {
	db, _ := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 10)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, d.Increment(ctx, "x", now.Add(-time.Hour)))
	require.NoError(t, d.Increment(ctx, "y", now))

	got, err := d.Map(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"x": 1, "y": 1}, got)

	// The range includes the open bucket, so a fresh write must be visible.
	require.NoError(t, d.Increment(ctx, "y", now))
	got, err = d.Map(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"x": 1, "y": 2}, got)
}

func TestDistributionReusesSummaryForElapsedRange(t *testing.T) {
	db, _ := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 10)
	ctx := context.Background()
	now := clock.Now()
	start, end := now.Add(-3*time.Hour), now.Add(-time.Hour)

	require.NoError(t, d.Increment(ctx, "x", now.Add(-2*time.Hour)))
	got, err := d.Map(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"x": 1}, got)

	// A late write into an elapsed bucket is not seen until the summary expires.
	require.NoError(t, d.Increment(ctx, "x", now.Add(-2*time.Hour)))
	got, err = d.Map(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"x": 1}, got)
}

func TestDistributionOpenRangeIsNotCached(t *testing.T) {
	db, mr := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 10)
	ctx := context.Background()
	now := clock.Now()
	prev := now.Add(-time.Hour)

	require.NoError(t, d.Increment(ctx, "a", prev))
	require.NoError(t, d.Increment(ctx, "a", now))
	got, err := d.Map(ctx, prev, now)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 2}, got)
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "summary")
		assert.NotContains(t, k, "tmp")
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Increment(ctx, "a", now))
	}
	clock.Advance(time.Hour)

	// Both buckets have now elapsed; the merge must include the later writes.
	got, err = d.Map(ctx, prev, now)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 5}, got)
}

func TestDistributionLogsAgedOutIncrement(t *testing.T) {
	db, mr := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	d, err := NewDistribution(db.Sub("pop"), time.Hour, time.Hour, 10,
		WithClock(clock.Now), WithLogger(logger))
	require.NoError(t, err)

	require.NoError(t, d.Increment(context.Background(), "a", clock.Now().Add(-5*time.Hour)))
	assert.Empty(t, mr.Keys())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	assert.Equal(t, "a", hook.LastEntry().Data["key"])
}

func TestDistributionConcurrentIncrementsRespectCap(t *testing.T) {
	db, mr := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 5)
	ctx := context.Background()
	now := clock.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, d.Increment(ctx, fmt.Sprintf("k%d", i), now))
		}(i)
	}
	wg.Wait()

	key := fmt.Sprintf("test:pop:%d", time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC).Unix())
	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 5)
}

func TestDistributionEmptyRange(t *testing.T) {
	db, _ := newTestStore(t)
	clock := &fakeClock{t: halfPastHour()}
	d := newDistribution(t, db, clock, 5)

	got, err := d.Distribution(context.Background(), clock.Now(), clock.Now(), Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
