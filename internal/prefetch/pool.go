// Package prefetch warms the evaluation cache in the background with the
// positions a trainee is likely to ask about next: those reached by the best
// moves of a position just evaluated.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/position"
)

const (
	DefaultWorkers   = 0 // opt-in
	DefaultMoves     = 3
	DefaultQueueSize = 1000
	DefaultInterval  = 250 * time.Millisecond

	idlePoll = 100 * time.Millisecond
)

// Warmer resolves a position into the cache.
type Warmer interface {
	Evaluate(ctx context.Context, fen string) (evaluator.Evaluation, error)
}

// Config configures the pool.
type Config struct {
	Workers   int           // concurrent warmers
	Moves     int           // successors queued per evaluated position
	QueueSize int           // pending positions kept, oldest dropped first
	Interval  time.Duration // pause after each lookup, per worker
	Logger    zerolog.Logger
}

// Pool runs background workers that evaluate queued positions.
type Pool struct {
	cfg   Config
	log   zerolog.Logger
	ev    Warmer
	queue *Queue
	wg    sync.WaitGroup

	// Stats
	queued uint64
	warmed uint64
	failed uint64
}

// Stats are pool counters.
type Stats struct {
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	Queued   uint64 `json:"queued"`
	Warmed   uint64 `json:"warmed"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

// NewPool validates cfg and creates an idle pool; call Run to start it.
func NewPool(cfg Config, ev Warmer) (*Pool, error) {
	if ev == nil {
		return nil, fmt.Errorf("warmer required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Moves < 1 {
		return nil, fmt.Errorf("moves must be at least 1, got %d", cfg.Moves)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}
	return &Pool{
		cfg:   cfg,
		log:   cfg.Logger,
		ev:    ev,
		queue: NewQueue(cfg.QueueSize),
	}, nil
}

// Follow queues the positions reached by the best moves of ev. Moves without
// a tablebase verdict are skipped.
func (p *Pool) Follow(ev evaluator.Evaluation) int {
	keys, err := Successors(ev, p.cfg.Moves)
	if err != nil {
		p.log.Warn().Err(err).Str("fen", ev.FEN).Msg("cannot expand successors")
		return 0
	}
	n := 0
	for _, k := range keys {
		if p.queue.Enqueue(k) {
			n++
		}
	}
	atomic.AddUint64(&p.queued, uint64(n))
	return n
}

// Successors returns the keys reached by the first n ranked moves of ev.
func Successors(ev evaluator.Evaluation, n int) ([]position.Key, error) {
	pos, err := position.Parse(ev.FEN)
	if err != nil {
		return nil, err
	}
	keys := make([]position.Key, 0, n)
	for _, m := range ev.Moves {
		if len(keys) == n {
			break
		}
		if m.WDL == nil || m.Checkmate || m.Stalemate {
			continue
		}
		next, _, err := pos.Play(m.UCI)
		if err != nil {
			return nil, fmt.Errorf("play %s: %w", m.UCI, err)
		}
		keys = append(keys, next.Key())
	}
	return keys, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Int("num_workers", p.cfg.Workers).
		Int("moves", p.cfg.Moves).
		Int("queue_size", p.cfg.QueueSize).
		Dur("interval", p.cfg.Interval).
		Msg("prefetch pool started")

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	p.wg.Wait()

	p.log.Info().
		Uint64("total_warmed", atomic.LoadUint64(&p.warmed)).
		Msg("prefetch pool stopped")
	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	log := p.log.With().Int("worker_id", workerID).Logger()
	for {
		key, ok := p.queue.Dequeue()
		if !ok {
			if !sleep(ctx, idlePoll) {
				return
			}
			continue
		}

		if _, err := p.ev.Evaluate(ctx, key.FEN()); err != nil {
			if ctx.Err() != nil {
				return
			}
			atomic.AddUint64(&p.failed, 1)
			log.Debug().Err(err).Str("key", key.String()).Msg("prefetch failed")
		} else {
			atomic.AddUint64(&p.warmed, 1)
			log.Debug().Str("key", key.String()).Int("queue_remaining", p.queue.Len()).Msg("prefetched")
		}

		if !sleep(ctx, p.cfg.Interval) {
			return
		}
	}
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.cfg.Workers,
		QueueLen: p.queue.Len(),
		Queued:   atomic.LoadUint64(&p.queued),
		Warmed:   atomic.LoadUint64(&p.warmed),
		Failed:   atomic.LoadUint64(&p.failed),
		Dropped:  p.queue.Dropped(),
	}
}

// Clear drops pending positions.
func (p *Pool) Clear() {
	p.queue.Clear()
}
