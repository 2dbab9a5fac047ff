// Package tree implements the prediction tree: a prefix tree over played-card
// sequences kept in the shared store. Nodes live in an arena addressed by
// integer id; a node knows its parent's id but owns nothing. Every node keeps
// a bounded popularity distribution of the decks observed through it.
package tree

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pable/hs-deck-predict/internal/buckets"
	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/store"
)

// NodeID addresses a node in a tree's arena. The root is always RootID.
type NodeID int64

const RootID NodeID = 0

// Node is the arena record of one tree node.
type Node struct {
	ID     NodeID
	Parent NodeID // -1 for the root
	Label  model.CardID
	Depth  int
}

var root = Node{ID: RootID, Parent: -1}

// Config holds the per-tree tunables.
type Config struct {
	Class                model.CardClass
	Format               model.FormatType
	MaxDepth             int
	Lookback             time.Duration
	IncludeCurrentBucket bool
	BucketSize           time.Duration
	BucketTTL            time.Duration
	MaxDecksPerNode      int
	// BackOff lets a lookup retry shallower nodes when the deepest one has
	// no containing deck.
	BackOff bool
}

// Tree is a stateless view over one (class, format) tree in the store.
type Tree struct {
	db      *store.DB
	cfg     Config
	buckets buckets.Bucketing
	now     func() time.Time
	log     logrus.FieldLogger
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tree) { t.now = now } }

// WithLogger sets the logger used for debug traces.
func WithLogger(l logrus.FieldLogger) Option { return func(t *Tree) { t.log = l } }

// New returns the tree for cfg.Class and cfg.Format under db.
func New(db *store.DB, cfg Config, opts ...Option) (*Tree, error) {
	if !cfg.Class.Playable() {
		return nil, fmt.Errorf("%w: tree class %v", model.ErrConfiguration, cfg.Class)
	}
	if cfg.Format != model.FormatStandard && cfg.Format != model.FormatWild {
		return nil, fmt.Errorf("%w: tree format %v", model.ErrConfiguration, cfg.Format)
	}
	if cfg.MaxDepth <= 0 || cfg.Lookback <= 0 || cfg.BucketTTL <= 0 || cfg.MaxDecksPerNode <= 0 {
		return nil, fmt.Errorf("%w: tree depth, lookback, bucket ttl and node capacity must be positive", model.ErrConfiguration)
	}
	b, err := buckets.NewBucketing(cfg.BucketSize)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		db:      db.Sub("tree", cfg.Format, cfg.Class),
		cfg:     cfg,
		buckets: b,
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, fn := range opts {
		fn(t)
	}
	t.log = t.log.WithFields(logrus.Fields{"component": "tree", "format": cfg.Format, "class": cfg.Class})
	return t, nil
}

// MaxDepth returns the number of plays the tree indexes.
func (t *Tree) MaxDepth() int { return t.cfg.MaxDepth }

func (t *Tree) seqKey() string                  { return t.db.Key("seq") }
func (t *Tree) cardsKey() string                { return t.db.Key("cards") }
func (t *Tree) nodeKey(id NodeID) string        { return t.db.Key("node", id) }
func (t *Tree) childrenKey(id NodeID) string    { return t.db.Key("node", id, "children") }
func (t *Tree) terminalKey(id NodeID) string    { return t.db.Key("node", id, "decks") }
func (t *Tree) popularity(id NodeID) *buckets.Distribution {
	// Parameters were validated in New.
	d, _ := buckets.NewDistribution(t.db.Sub("node", id, "pop"), t.cfg.BucketSize, t.cfg.BucketTTL,
		t.cfg.MaxDecksPerNode, buckets.WithClock(t.now))
	return d
}

// child returns the child of parent labelled label. With create set, a
// missing child is allocated; concurrent creators converge on whichever id
// claimed the label first.
func (t *Tree) child(ctx context.Context, parent Node, label model.CardID, create bool) (Node, bool, error) {
	client := t.db.Client()
	field := strconv.Itoa(int(label))
	n := Node{Parent: parent.ID, Label: label, Depth: parent.Depth + 1}

	id, err := client.HGet(ctx, t.childrenKey(parent.ID), field).Int64()
	switch {
	case err == nil:
		n.ID = NodeID(id)
		return n, true, nil
	case !errors.Is(err, redis.Nil):
		return Node{}, false, store.Wrap(fmt.Errorf("read children of node %d: %w", parent.ID, err))
	case !create:
		return Node{}, false, nil
	}

	next, err := client.Incr(ctx, t.seqKey()).Result()
	if err != nil {
		return Node{}, false, store.Wrap(fmt.Errorf("allocate node id: %w", err))
	}
	// The record is written before the label is claimed so a visible child
	// always has one. A losing racer leaves an unreachable record behind.
	if err := client.HSet(ctx, t.nodeKey(NodeID(next)),
		"parent", int64(parent.ID), "label", int(label), "depth", n.Depth).Err(); err != nil {
		return Node{}, false, store.Wrap(fmt.Errorf("write node %d: %w", next, err))
	}
	claimed, err := client.HSetNX(ctx, t.childrenKey(parent.ID), field, next).Result()
	if err != nil {
		return Node{}, false, store.Wrap(fmt.Errorf("claim child %d of node %d: %w", label, parent.ID, err))
	}
	if claimed {
		n.ID = NodeID(next)
		return n, true, nil
	}
	id, err = client.HGet(ctx, t.childrenKey(parent.ID), field).Int64()
	if err != nil {
		return Node{}, false, store.Wrap(fmt.Errorf("read claimed child of node %d: %w", parent.ID, err))
	}
	n.ID = NodeID(id)
	return n, true, nil
}

// walk follows seq from the root for as long as children exist.
func (t *Tree) walk(ctx context.Context, seq model.PlaySequence) ([]Node, error) {
	var visited []Node
	cur := root
	for _, label := range seq.Prefix(t.cfg.MaxDepth) {
		next, ok, err := t.child(ctx, cur, label, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		visited = append(visited, next)
		cur = next
	}
	return visited, nil
}

// Observe records that deck produced cards and was played in order seq.
// Only the first MaxDepth plays are indexed.
func (t *Tree) Observe(ctx context.Context, deck model.DeckID, cards model.CardMap, seq model.PlaySequence) error {
	if err := cards.Validate(); err != nil {
		return err
	}
	path := seq.Prefix(t.cfg.MaxDepth)
	if len(path) == 0 {
		return fmt.Errorf("%w: empty play sequence", model.ErrInvalidInput)
	}
	client := t.db.Client()
	if err := client.HSet(ctx, t.cardsKey(), deck.String(), cards.Encode()).Err(); err != nil {
		return store.Wrap(fmt.Errorf("store cards of deck %d: %w", deck, err))
	}

	now := t.now()
	cur := root
	for _, label := range path {
		next, _, err := t.child(ctx, cur, label, true)
		if err != nil {
			return err
		}
		if err := t.popularity(next.ID).Increment(ctx, deck.String(), now); err != nil {
			return err
		}
		cur = next
	}
	if err := client.ZIncrBy(ctx, t.terminalKey(cur.ID), 1, deck.String()).Err(); err != nil {
		return store.Wrap(fmt.Errorf("count deck %d at node %d: %w", deck, cur.ID, err))
	}
	t.log.WithFields(logrus.Fields{"deck": deck, "node": cur.ID, "depth": cur.Depth}).Debug("observed")
	return nil
}

// Result is the outcome of a lookup. Found is false when no deck could be
// named; Node is nil when not even the first play has been seen.
type Result struct {
	DeckID        model.DeckID
	Found         bool
	MatchAttempts int
	Tie           bool
	Node          *Node
}

// window returns the observation range a lookup considers.
func (t *Tree) window() (time.Time, time.Time) {
	now := t.now()
	end := now
	if !t.cfg.IncludeCurrentBucket {
		end = t.buckets.Start(now).Add(-time.Second)
	}
	return now.Add(-t.cfg.Lookback), end
}

// Lookup walks seq as deep as the tree allows and returns the most observed
// deck at the deepest node whose full card map contains cards. With BackOff
// set, shallower nodes are tried in turn until one names a deck.
// MatchAttempts counts distinct decks examined.
func (t *Tree) Lookup(ctx context.Context, cards model.CardMap, seq model.PlaySequence) (Result, error) {
	if err := cards.Validate(); err != nil {
		return Result{}, err
	}
	visited, err := t.walk(ctx, seq)
	if err != nil {
		return Result{}, err
	}
	if len(visited) == 0 {
		return Result{}, nil
	}

	start, end := t.window()
	known := make(map[model.DeckID]model.CardMap)
	examined := make(map[model.DeckID]struct{})
	res := Result{}
	candidates := visited
	if !t.cfg.BackOff {
		candidates = visited[len(visited)-1:]
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		node := candidates[i]
		entries, err := t.popularity(node.ID).Distribution(ctx, start, end, buckets.Query{})
		if err != nil {
			return Result{}, err
		}
		if err := t.loadCards(ctx, entries, known); err != nil {
			return Result{}, err
		}

		var best model.DeckID
		bestScore, ties := -1.0, 0
		for _, e := range entries {
			id, err := model.ParseDeckID(e.Key)
			if err != nil {
				continue
			}
			if _, seen := examined[id]; !seen {
				examined[id] = struct{}{}
				res.MatchAttempts++
			}
			stored, ok := known[id]
			if !ok || !stored.Contains(cards) {
				continue
			}
			switch {
			case e.Score > bestScore:
				best, bestScore, ties = id, e.Score, 1
			case e.Score == bestScore:
				ties++
				if id < best {
					best = id
				}
			}
		}
		if ties > 0 {
			res.DeckID, res.Found, res.Tie = best, true, ties > 1
			res.Node = &node
			return res, nil
		}
	}
	deepest := visited[len(visited)-1]
	res.Node = &deepest
	return res, nil
}

// loadCards fetches the stored card maps of entries not yet in known.
func (t *Tree) loadCards(ctx context.Context, entries []buckets.Entry, known map[model.DeckID]model.CardMap) error {
	var fields []string
	for _, e := range entries {
		id, err := model.ParseDeckID(e.Key)
		if err != nil {
			continue
		}
		if _, ok := known[id]; !ok {
			fields = append(fields, e.Key)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	vals, err := t.db.Client().HMGet(ctx, t.cardsKey(), fields...).Result()
	if err != nil {
		return store.Wrap(fmt.Errorf("load deck cards: %w", err))
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		cm, err := model.DecodeCardMap(s)
		if err != nil {
			t.log.WithField("deck", fields[i]).WithError(err).Warn("skipping undecodable card map")
			continue
		}
		id, _ := model.ParseDeckID(fields[i])
		known[id] = cm
	}
	return nil
}

// CrossValidation reports whether the tree, shown a known deck's plays minus
// the last few, would have named that deck.
type CrossValidation struct {
	Validatable bool // false when the sequence is too short to hold plays out
	Match       bool
	Result      Result
	Prefix      model.PlaySequence
}

// CrossValidate looks seq up without its last holdout indexed plays, using
// only the cards those plays revealed, and compares the answer to deck.
func (t *Tree) CrossValidate(ctx context.Context, deck model.DeckID, seq model.PlaySequence, holdout int) (CrossValidation, error) {
	if holdout < 1 {
		return CrossValidation{}, fmt.Errorf("%w: holdout %d", model.ErrInvalidInput, holdout)
	}
	indexed := seq.Prefix(t.cfg.MaxDepth)
	keep := len(indexed) - holdout
	if keep < 1 {
		return CrossValidation{}, nil
	}
	prefix := indexed[:keep]
	res, err := t.Lookup(ctx, prefix.CardMap(), prefix)
	if err != nil {
		return CrossValidation{}, err
	}
	return CrossValidation{
		Validatable: true,
		Match:       res.Found && res.DeckID == deck,
		Result:      res,
		Prefix:      prefix,
	}, nil
}

// PathNode is one step of Path with the node's current deck statistics.
type PathNode struct {
	Node
	Decks    []buckets.Entry // popularity within the lookup window
	Terminal map[model.DeckID]int64
}

// Path returns the existing nodes along seq with their deck statistics.
func (t *Tree) Path(ctx context.Context, seq model.PlaySequence, q buckets.Query) ([]PathNode, error) {
	visited, err := t.walk(ctx, seq)
	if err != nil {
		return nil, err
	}
	start, end := t.window()
	out := make([]PathNode, 0, len(visited))
	for _, n := range visited {
		entries, err := t.popularity(n.ID).Distribution(ctx, start, end, q)
		if err != nil {
			return nil, err
		}
		zs, err := t.db.Client().ZRangeWithScores(ctx, t.terminalKey(n.ID), 0, -1).Result()
		if err != nil {
			return nil, store.Wrap(fmt.Errorf("read terminal decks of node %d: %w", n.ID, err))
		}
		term := make(map[model.DeckID]int64, len(zs))
		for _, z := range zs {
			member, _ := z.Member.(string)
			if id, err := model.ParseDeckID(member); err == nil {
				term[id] = int64(z.Score)
			}
		}
		out = append(out, PathNode{Node: n, Decks: entries, Terminal: term})
	}
	return out, nil
}

// NodeRecord reads a node's arena record.
func (t *Tree) NodeRecord(ctx context.Context, id NodeID) (Node, error) {
	if id == RootID {
		return root, nil
	}
	vals, err := t.db.Client().HGetAll(ctx, t.nodeKey(id)).Result()
	if err != nil {
		return Node{}, store.Wrap(fmt.Errorf("read node %d: %w", id, err))
	}
	if len(vals) == 0 {
		return Node{}, fmt.Errorf("%w: no node %d", model.ErrInvalidInput, id)
	}
	parent, err1 := strconv.ParseInt(vals["parent"], 10, 64)
	label, err2 := strconv.Atoi(vals["label"])
	depth, err3 := strconv.Atoi(vals["depth"])
	if err := errors.Join(err1, err2, err3); err != nil {
		return Node{}, fmt.Errorf("decode node %d: %w", id, err)
	}
	return Node{ID: id, Parent: NodeID(parent), Label: model.CardID(label), Depth: depth}, nil
}
