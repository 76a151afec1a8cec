// Package evaluator resolves positions into ranked, display ready tablebase
// evaluations. It owns the evaluation cache and coalesces concurrent lookups
// of the same position into one network request.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/position"
	"github.com/freeeve/endgametrainer/api/internal/ranking"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
	"github.com/freeeve/endgametrainer/api/internal/wdl"
)

// ErrNoVerdict is returned by Assess when the tablebase has no WDL for one of
// the two positions involved.
var ErrNoVerdict = errors.New("tablebase has no verdict for position")

// Config configures an Evaluator.
type Config struct {
	Priority ranking.Priority
	Logger   zerolog.Logger
}

// Evaluator is the evaluation pipeline: cache, coalesced fetch, canonicalize,
// rank, store.
type Evaluator struct {
	prober tablebase.Prober
	cache  *evalcache.Cache[Evaluation]
	ranker ranking.Ranker
	group  singleflight.Group
	log    zerolog.Logger

	lookups   uint64
	coalesced uint64
	failures  uint64
}

// New creates an Evaluator around prober and cache. The cache must not be
// shared with another Evaluator.
func New(cfg Config, prober tablebase.Prober, cache *evalcache.Cache[Evaluation]) (*Evaluator, error) {
	if prober == nil {
		return nil, fmt.Errorf("tablebase prober required")
	}
	if cache == nil {
		return nil, fmt.Errorf("evaluation cache required")
	}
	if cfg.Priority != ranking.DTMFirst && cfg.Priority != ranking.DTZFirst {
		return nil, fmt.Errorf("unknown ranking priority %s", cfg.Priority)
	}
	return &Evaluator{
		prober: prober,
		cache:  cache,
		ranker: ranking.Ranker{Priority: cfg.Priority},
		log:    cfg.Logger,
	}, nil
}

// Evaluate resolves fen. Errors are *position.InvalidError for bad input or
// one of the tablebase error types; failures are never cached.
func (e *Evaluator) Evaluate(ctx context.Context, fen string) (Evaluation, error) {
	pos, err := position.Parse(fen)
	if err != nil {
		return Evaluation{}, err
	}
	ev, err := e.evaluate(ctx, pos)
	if err != nil {
		return Evaluation{}, err
	}
	return ev.Clone(), nil
}

func (e *Evaluator) evaluate(ctx context.Context, pos *position.Position) (Evaluation, error) {
	key := pos.Key()
	if ev, ok := e.cache.Get(key); ok {
		e.log.Debug().Str("key", key.String()).Msg("cache hit")
		return ev, nil
	}

	// The fetch runs under the first caller's context, so callers that join
	// it share its fate.
	leader := false
	ch := e.group.DoChan(string(key), func() (any, error) {
		leader = true
		// a flight for key may have finished between our miss and now
		if ev, ok := e.cache.Peek(key); ok {
			return ev, nil
		}
		atomic.AddUint64(&e.lookups, 1)
		e.log.Debug().Str("key", key.String()).Msg("cache miss, querying tablebase")

		raw, err := e.prober.Lookup(ctx, key)
		if err != nil {
			atomic.AddUint64(&e.failures, 1)
			e.log.Error().Err(err).Str("key", key.String()).Msg("tablebase lookup failed")
			return nil, err
		}
		ev := canonicalize(pos, raw, e.ranker)
		e.cache.Set(key, ev)
		return ev, nil
	})

	select {
	case res := <-ch:
		if res.Shared && !leader {
			atomic.AddUint64(&e.coalesced, 1)
			e.log.Debug().Str("key", key.String()).Msg("joined in-flight lookup")
		}
		if res.Err != nil {
			return Evaluation{}, res.Err
		}
		return res.Val.(Evaluation), nil
	case <-ctx.Done():
		return Evaluation{}, &tablebase.NetworkError{Err: ctx.Err()}
	}
}

// Assess grades the move uci played from fen. Both positions are resolved
// concurrently through the cache.
func (e *Evaluator) Assess(ctx context.Context, fen, uci string) (Assessment, error) {
	pos, err := position.Parse(fen)
	if err != nil {
		return Assessment{}, err
	}
	next, san, err := pos.Play(uci)
	if err != nil {
		return Assessment{}, err
	}

	var before, after Evaluation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		before, err = e.evaluate(gctx, pos)
		return err
	})
	g.Go(func() error {
		var err error
		after, err = e.evaluate(gctx, next)
		return err
	})
	if err := g.Wait(); err != nil {
		return Assessment{}, err
	}
	if before.WDL == nil || after.WDL == nil {
		return Assessment{}, ErrNoVerdict
	}

	// after was evaluated with the opponent to move
	b, a := wdl.ConvertToPlayerPerspective(*before.WDL, *after.WDL)
	as := Assessment{
		FEN:            before.FEN,
		Move:           uci,
		SAN:            san,
		ResultFEN:      after.FEN,
		Before:         b,
		After:          a,
		OutcomeBefore:  wdl.OutcomeOf(b),
		OutcomeAfter:   wdl.OutcomeOf(a),
		OutcomeChanged: wdl.DidOutcomeChange(b, a),
		Quality:        wdl.ClassifyMoveQuality(b, a),
	}
	if m, ok := before.Find(uci); ok {
		as.Rank = m.Rank
	}
	if best, ok := before.BestMove(); ok {
		best = best.clone()
		as.Best = &best
	}
	return as, nil
}

// Healthy reports whether the tablebase answers.
func (e *Evaluator) Healthy(ctx context.Context) bool {
	return e.prober.Healthy(ctx)
}

// Clear empties the cache.
func (e *Evaluator) Clear() {
	e.cache.Clear()
	e.log.Info().Msg("evaluation cache cleared")
}

// Stats returns pipeline counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Cache:     e.cache.Stats(),
		Lookups:   atomic.LoadUint64(&e.lookups),
		Coalesced: atomic.LoadUint64(&e.coalesced),
		Failures:  atomic.LoadUint64(&e.failures),
	}
}
