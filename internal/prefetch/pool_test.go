package prefetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/position"
)

func ip(v int) *int { return &v }

type fakeWarmer struct {
	mu   sync.Mutex
	fens []string
	fail bool
}

func (f *fakeWarmer) Evaluate(ctx context.Context, fen string) (evaluator.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fens = append(f.fens, fen)
	if f.fail {
		return evaluator.Evaluation{}, errors.New("tablebase down")
	}
	return evaluator.Evaluation{FEN: fen}, nil
}

func (f *fakeWarmer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fens...)
}

func kqk() evaluator.Evaluation {
	return evaluator.Evaluation{
		FEN: "4k3/8/8/8/8/8/8/3QK3 w - - 0 1",
		Moves: []evaluator.Move{
			{Rank: 1, UCI: "d1d7", WDL: ip(2)},
			{Rank: 2, UCI: "d1d2", WDL: ip(2)},
			{Rank: 3, UCI: "e1e2", WDL: ip(0)},
			{Rank: 4, UCI: "d1h5"},
		},
	}
}

func testConfig() Config {
	return Config{Workers: 2, Moves: 2, QueueSize: 10, Interval: 0, Logger: zerolog.Nop()}
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Enqueue("a"))
	assert.False(t, q.Enqueue("a"), "duplicate")
	assert.True(t, q.Enqueue("b"))
	assert.True(t, q.Enqueue("c"))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	k, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, position.Key("b"), k)
	assert.True(t, q.Enqueue("b"), "dequeued keys can be queued again")

	q.Clear()
	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_WrapsAroundInOrder(t *testing.T) {
	q := NewQueue(3)
	var got []position.Key
	for round := 0; round < 4; round++ {
		for _, k := range []position.Key{"a", "b"} {
			require.True(t, q.Enqueue(k+position.Key(rune('0'+round))))
		}
		k, ok := q.Dequeue()
		require.True(t, ok)
		got = append(got, k)
	}
	// a1 and a2 were overwritten while the ring was full
	assert.Equal(t, uint64(2), q.Dropped())
	for {
		k, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, k)
	}
	assert.Equal(t, []position.Key{"a0", "b0", "b1", "b2", "a3", "b3"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestSuccessors(t *testing.T) {
	keys, err := Successors(kqk(), 3)
	require.NoError(t, err)
	assert.Equal(t, []position.Key{
		"4k3/3Q4/8/8/8/8/8/4K3 b - -",
		"4k3/8/8/8/8/8/3Q4/4K3 b - -",
		"4k3/8/8/8/8/8/4K3/3Q4 b - -",
	}, keys)

	keys, err = Successors(kqk(), 10)
	require.NoError(t, err)
	assert.Len(t, keys, 3, "moves without a verdict are skipped")
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(testConfig(), nil)
	assert.Error(t, err)

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Workers = 0 },
		func(c *Config) { c.Moves = 0 },
		func(c *Config) { c.QueueSize = 0 },
		func(c *Config) { c.Interval = -time.Second },
	} {
		cfg := testConfig()
		mutate(&cfg)
		_, err := NewPool(cfg, &fakeWarmer{})
		assert.Error(t, err)
	}
}

func TestPool_WarmsSuccessors(t *testing.T) {
	w := &fakeWarmer{}
	p, err := NewPool(testConfig(), w)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Follow(kqk()))
	assert.Equal(t, 0, p.Follow(kqk()), "already queued")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().Warmed == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ElementsMatch(t, []string{
		"4k3/3Q4/8/8/8/8/8/4K3 b - - 0 1",
		"4k3/8/8/8/8/8/3Q4/4K3 b - - 0 1",
	}, w.seen())

	s := p.Stats()
	assert.Equal(t, uint64(2), s.Queued)
	assert.Equal(t, 0, s.QueueLen)
	assert.Equal(t, 2, s.Workers)
}

func TestPool_CountsFailures(t *testing.T) {
	w := &fakeWarmer{fail: true}
	p, err := NewPool(testConfig(), w)
	require.NoError(t, err)
	p.Follow(kqk())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), p.Stats().Warmed)
}

func TestPool_Clear(t *testing.T) {
	p, err := NewPool(testConfig(), &fakeWarmer{})
	require.NoError(t, err)
	p.Follow(kqk())
	p.Clear()
	assert.Equal(t, 0, p.Stats().QueueLen)
}
