package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/endgametrainer/api/internal/config"
	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/position"
	"github.com/freeeve/endgametrainer/api/internal/prefetch"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
	"github.com/freeeve/endgametrainer/api/internal/wdl"
)

func ip(v int) *int { return &v }

type stubEvaluator struct {
	ev      evaluator.Evaluation
	as      evaluator.Assessment
	err     error
	healthy bool
	cleared int
	gotFEN  string
	gotMove string
}

func (s *stubEvaluator) Evaluate(ctx context.Context, fen string) (evaluator.Evaluation, error) {
	s.gotFEN = fen
	return s.ev, s.err
}

func (s *stubEvaluator) Assess(ctx context.Context, fen, uci string) (evaluator.Assessment, error) {
	s.gotFEN, s.gotMove = fen, uci
	return s.as, s.err
}

func (s *stubEvaluator) Healthy(ctx context.Context) bool { return s.healthy }

func (s *stubEvaluator) Stats() evaluator.Stats {
	return evaluator.Stats{Cache: evalcache.Stats{Hits: 3, Size: 2, Capacity: 200}, Lookups: 2}
}

func (s *stubEvaluator) Clear() { s.cleared++ }

func sampleEvaluation() evaluator.Evaluation {
	return evaluator.Evaluation{
		Key:        "4k3/8/8/8/8/8/8/3QK3 w - -",
		FEN:        "4k3/8/8/8/8/8/8/3QK3 w - - 0 1",
		SideToMove: "w",
		Category:   tablebase.CategoryWin,
		WDL:        ip(2),
		DTZ:        ip(19),
		DTM:        ip(19),
		Outcome:    wdl.Win,
		Priority:   "dtm",
		Moves: []evaluator.Move{
			{Rank: 1, UCI: "d1d7", SAN: "Qd7+", Category: tablebase.CategoryWin, WDL: ip(2), DTZ: ip(8), DTM: ip(8), Quality: wdl.Best},
			{Rank: 2, UCI: "d1d2", SAN: "Qd2", Category: tablebase.CategoryWin, WDL: ip(2), DTZ: ip(18), DTM: ip(18), Quality: wdl.Best},
			{Rank: 3, UCI: "e1e2", SAN: "Ke2", Category: tablebase.CategoryDraw, WDL: ip(0), DTZ: ip(0), Quality: wdl.Mistake},
			{Rank: 4, UCI: "d1h5", SAN: "Qh5+", Category: tablebase.CategoryUnknown},
		},
	}
}

func serve(t *testing.T, stub *stubEvaluator, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(zerolog.Nop(), stub, nil).ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestEvaluate(t *testing.T) {
	stub := &stubEvaluator{ev: sampleEvaluation()}
	fen := "4k3/8/8/8/8/8/8/3QK3 w - - 0 1"
	rec := serve(t, stub, http.MethodGet, "/v1/evaluate?fen="+url.QueryEscape(fen))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
	assert.Equal(t, fen, stub.gotFEN)

	var resp EvaluationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "win", resp.Outcome)
	assert.Equal(t, "d1d7", resp.Best)
	assert.Equal(t, MoveSummary{Winning: 2, Drawing: 1, Unknown: 1}, resp.Summary)
	require.Len(t, resp.Moves, 4)
	assert.Equal(t, "Qd7+", resp.Moves[0].SAN)
	assert.Equal(t, 8, *resp.Moves[0].DTM)
	assert.Nil(t, resp.Moves[3].WDL)
	assert.Equal(t, "mistake", resp.Moves[2].Quality)
}

func TestEvaluate_MissingFEN(t *testing.T) {
	rec := serve(t, &stubEvaluator{}, http.MethodGet, "/v1/evaluate")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bad_request", resp.Kind)
	assert.NotEmpty(t, resp.RequestID)
}

func TestEvaluate_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{&position.InvalidError{FEN: "x", Reason: "parse"}, http.StatusBadRequest, "invalid_position"},
		{&tablebase.HTTPError{StatusCode: 404}, http.StatusUnprocessableEntity, "tablebase_rejected"},
		{&tablebase.HTTPError{StatusCode: 400}, http.StatusUnprocessableEntity, "tablebase_rejected"},
		{&tablebase.HTTPError{StatusCode: 503}, http.StatusBadGateway, "tablebase_unavailable"},
		{&tablebase.HTTPError{StatusCode: 429}, http.StatusBadGateway, "tablebase_unavailable"},
		{&tablebase.TimeoutError{Attempts: 3, Exhausted: true}, http.StatusGatewayTimeout, "tablebase_timeout"},
		{&tablebase.MalformedResponseError{Reason: "missing moves"}, http.StatusBadGateway, "tablebase_malformed"},
		{&tablebase.NetworkError{Err: errors.New("refused")}, http.StatusServiceUnavailable, "tablebase_unreachable"},
		{evaluator.ErrNoVerdict, http.StatusUnprocessableEntity, "no_verdict"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			rec := serve(t, &stubEvaluator{err: tt.err}, http.MethodGet, "/v1/evaluate?fen=x")
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestAssess(t *testing.T) {
	best := sampleEvaluation().Moves[0]
	stub := &stubEvaluator{as: evaluator.Assessment{
		FEN:            "4k3/8/8/8/8/8/8/3QK3 w - - 0 1",
		Move:           "e1e2",
		SAN:            "Ke2",
		Before:         2,
		After:          0,
		OutcomeBefore:  wdl.Win,
		OutcomeAfter:   wdl.Draw,
		OutcomeChanged: true,
		Quality:        wdl.Mistake,
		Rank:           3,
		Best:           &best,
	}}
	rec := serve(t, stub, http.MethodGet, "/v1/assess?fen=4k3/8/8/8/8/8/8/3QK3_w_-_-&move=e1e2")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e1e2", stub.gotMove)

	var resp AssessmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OutcomeChanged)
	assert.Equal(t, "mistake", resp.Quality)
	assert.Equal(t, "draw", resp.OutcomeAfter)
	require.NotNil(t, resp.Best)
	assert.Equal(t, "d1d7", resp.Best.UCI)

	rec = serve(t, stub, http.MethodGet, "/v1/assess?fen=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheEndpoints(t *testing.T) {
	stub := &stubEvaluator{}
	rec := serve(t, stub, http.MethodGet, "/v1/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats evaluator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(3), stats.Cache.Hits)
	assert.Equal(t, uint64(2), stats.Lookups)

	rec = serve(t, stub, http.MethodGet, "/v1/cache/clear")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, stub.cleared)

	rec = serve(t, stub, http.MethodPost, "/v1/cache/clear")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, stub.cleared)
}

func TestHealthAndReady(t *testing.T) {
	rec := serve(t, &stubEvaluator{}, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, &stubEvaluator{healthy: false}, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, &stubEvaluator{healthy: true}, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := serve(t, &stubEvaluator{}, http.MethodOptions, "/v1/evaluate")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST"))
}

func TestRequestID(t *testing.T) {
	h := NewRouter(zerolog.Nop(), &stubEvaluator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trainer-abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trainer-abc123", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "bad id!")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestEvaluateThroughPipeline(t *testing.T) {
	var hits int
	tb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"category":"win","dtz":19,"dtm":19,"checkmate":false,"stalemate":false,
			"insufficient_material":false,"moves":[
			{"uci":"e1e2","san":"Ke2","category":"draw","dtz":0,"dtm":null,"zeroing":false,"checkmate":false,"stalemate":false},
			{"uci":"d1d7","san":"Qd7+","category":"loss","dtz":-8,"dtm":-8,"zeroing":false,"checkmate":false,"stalemate":false}]}`))
	}))
	defer tb.Close()

	cc := tablebase.DefaultClientConfig()
	cc.BaseURL = tb.URL
	client, err := tablebase.NewClient(cc)
	require.NoError(t, err)
	cache, err := evalcache.New[evaluator.Evaluation](evalcache.Config{Capacity: 10, TTL: evalcache.DefaultTTL})
	require.NoError(t, err)
	ev, err := evaluator.New(evaluator.Config{Logger: zerolog.Nop()}, client, cache)
	require.NoError(t, err)

	router := NewRouter(zerolog.Nop(), ev, nil)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate?fen=4k3/8/8/8/8/8/8/3QK3_w_-_-_0_1", nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp EvaluationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "d1d7", resp.Best)
		assert.Equal(t, "win", resp.Moves[0].Category)
	}
	assert.Equal(t, 1, hits)
}

// With default settings a request costs at most one remote lookup: nothing is
// prefetched in the background.
func TestEvaluate_DefaultConfigSingleLookup(t *testing.T) {
	var hits int32
	tb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"category":"win","dtz":19,"dtm":19,"checkmate":false,"stalemate":false,
			"insufficient_material":false,"moves":[
			{"uci":"d1d7","san":"Qd7+","category":"loss","dtz":-8,"dtm":-8,"zeroing":false,"checkmate":false,"stalemate":false},
			{"uci":"d1d2","san":"Qd2","category":"loss","dtz":-18,"dtm":-18,"zeroing":false,"checkmate":false,"stalemate":false}]}`))
	}))
	defer tb.Close()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	cfg, err := config.Load(fs, []string{"--base-url", tb.URL})
	require.NoError(t, err)

	client, err := tablebase.NewClient(cfg.Client(zerolog.Nop()))
	require.NoError(t, err)
	cache, err := evalcache.New[evaluator.Evaluation](cfg.CacheSettings())
	require.NoError(t, err)
	ev, err := evaluator.New(evaluator.Config{Priority: cfg.Priority(), Logger: zerolog.Nop()}, client, cache)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var pf Prefetcher
	pcfg, enabled := cfg.PrefetchSettings(zerolog.Nop())
	assert.False(t, enabled, "prefetch is opt-in")
	if enabled {
		pool, err := prefetch.NewPool(pcfg, ev)
		require.NoError(t, err)
		go func() { _ = pool.Run(ctx) }()
		pf = pool
	}

	router := NewRouter(zerolog.Nop(), ev, pf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate?fen=4k3/8/8/8/8/8/8/3QK3_w_-_-_0_1", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Never(t, func() bool { return atomic.LoadInt32(&hits) > 1 }, 400*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

type stubPrefetcher struct {
	followed []string
	cleared  int
}

func (s *stubPrefetcher) Follow(ev evaluator.Evaluation) int {
	s.followed = append(s.followed, ev.FEN)
	return 1
}

func (s *stubPrefetcher) Stats() prefetch.Stats { return prefetch.Stats{Workers: 1, Warmed: 4} }

func (s *stubPrefetcher) Clear() { s.cleared++ }

func TestPrefetchHooks(t *testing.T) {
	stub := &stubEvaluator{ev: sampleEvaluation()}
	pf := &stubPrefetcher{}
	router := NewRouter(zerolog.Nop(), stub, pf)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate?fen=x", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{sampleEvaluation().FEN}, pf.followed)

	stub.err = &tablebase.HTTPError{StatusCode: 503}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate?fen=x", nil))
	assert.Len(t, pf.followed, 1, "failed lookups are not followed")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.NotNil(t, stats.Prefetch)
	assert.Equal(t, uint64(4), stats.Prefetch.Warmed)
	assert.Equal(t, uint64(3), stats.Cache.Hits)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil))
	assert.Equal(t, 1, pf.cleared)
}
