package httpapi

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/prefetch"
)

// Evaluator is the pipeline the handlers drive.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string) (evaluator.Evaluation, error)
	Assess(ctx context.Context, fen, uci string) (evaluator.Assessment, error)
	Healthy(ctx context.Context) bool
	Stats() evaluator.Stats
	Clear()
}

// Prefetcher warms the cache with positions likely to be requested next.
type Prefetcher interface {
	Follow(ev evaluator.Evaluation) int
	Stats() prefetch.Stats
	Clear()
}

// StatsResponse is the body of the cache stats endpoint.
type StatsResponse struct {
	evaluator.Stats
	Prefetch *prefetch.Stats `json:"prefetch,omitempty"`
}

const readyTimeout = 10 * time.Second

type Handler struct {
	ev  Evaluator
	pf  Prefetcher
	log zerolog.Logger
}

// NewRouter returns the API with request id, access log and CORS middleware.
// pf is optional; when set, evaluated positions queue their best successors.
func NewRouter(log zerolog.Logger, ev Evaluator, pf Prefetcher) http.Handler {
	h := &Handler{ev: ev, pf: pf, log: log}

	if pf != nil {
		log.Info().Msg("prefetch enabled - successors of evaluated positions will be warmed")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", http.HandlerFunc(h.health))
	mux.Handle("GET /readyz", http.HandlerFunc(h.ready))
	mux.Handle("GET /v1/evaluate", http.HandlerFunc(h.evaluate))
	mux.Handle("GET /v1/assess", http.HandlerFunc(h.assess))
	mux.Handle("GET /v1/cache/stats", http.HandlerFunc(h.cacheStats))
	mux.Handle("POST /v1/cache/clear", http.HandlerFunc(h.cacheClear))

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(log, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ready reports whether the tablebase can be reached.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if !h.ev.Healthy(ctx) {
		http.Error(w, "tablebase unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	fen := r.URL.Query().Get("fen")
	if fen == "" {
		h.badRequest(w, r, "missing fen parameter")
		return
	}

	ev, err := h.ev.Evaluate(r.Context(), fen)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.pf != nil {
		h.pf.Follow(ev)
	}
	writeJSON(w, ToEvaluationResponse(ev))
}

func (h *Handler) assess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fen, move := q.Get("fen"), q.Get("move")
	if fen == "" || move == "" {
		h.badRequest(w, r, "fen and move parameters required")
		return
	}

	as, err := h.ev.Assess(r.Context(), fen, move)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, ToAssessmentResponse(as))
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Stats: h.ev.Stats()}
	if h.pf != nil {
		ps := h.pf.Stats()
		resp.Prefetch = &ps
	}
	writeJSON(w, resp)
}

func (h *Handler) cacheClear(w http.ResponseWriter, r *http.Request) {
	h.ev.Clear()
	if h.pf != nil {
		h.pf.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		Kind:      "bad_request",
		RequestID: GetRequestID(r.Context()),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorStatus(err)
	rid := GetRequestID(r.Context())
	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Str("rid", rid).Str("kind", kind).Int("status", status).Msg("evaluation failed")
	writeJSONStatus(w, status, ErrorResponse{Error: err.Error(), Kind: kind, RequestID: rid})
}
