// Package tablebase is a client for the remote endgame tablebase service.
package tablebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/freeeve/endgametrainer/api/internal/position"
)

const (
	DefaultBaseURL     = "https://tablebase.lichess.ovh/standard"
	DefaultTimeout     = 5 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxJitter   = time.Second
	DefaultMaxBackoff  = 10 * time.Second
	DefaultMaxMoves    = 20

	userAgent   = "endgametrainer/1.0"
	maxBodySize = 1 << 20
)

// healthKey is a KQ vs K position every tablebase knows.
const healthKey position.Key = "4k3/8/8/8/8/8/8/3QK3 w - -"

var uciPattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// ClientConfig configures the tablebase client.
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration // per attempt
	MaxAttempts int           // total, including the first
	BaseDelay   time.Duration // multiplied by the attempt number
	MaxJitter   time.Duration
	MaxBackoff  time.Duration
	MaxMoves    int

	HTTPClient *http.Client
	Logger     zerolog.Logger

	// Jitter returns a random duration in [0, max]. Defaults to math/rand.
	Jitter func(max time.Duration) time.Duration
}

// DefaultClientConfig returns the production settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:     DefaultBaseURL,
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxJitter:   DefaultMaxJitter,
		MaxBackoff:  DefaultMaxBackoff,
		MaxMoves:    DefaultMaxMoves,
		Logger:      zerolog.Nop(),
	}
}

// Client performs tablebase lookups with timeout and retry.
type Client struct {
	cfg  ClientConfig
	base *url.URL
	http *http.Client
	log  zerolog.Logger
}

// NewClient validates cfg and creates a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tablebase base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseDelay < 0 || cfg.MaxJitter < 0 || cfg.MaxBackoff < 0 {
		return nil, fmt.Errorf("backoff durations must not be negative")
	}
	if cfg.MaxMoves <= 0 {
		return nil, fmt.Errorf("max moves must be positive, got %d", cfg.MaxMoves)
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		cfg:  cfg,
		base: base,
		http: hc,
		log:  cfg.Logger,
	}, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// Lookup fetches the tablebase entry for key, retrying transient failures.
func (c *Client) Lookup(ctx context.Context, key position.Key) (*RawResult, error) {
	var (
		result   *RawResult
		lastErr  error
		attempts int
		timeouts int
	)

	err := retry.Do(
		func() error {
			attempts++
			res, err := c.once(ctx, key)
			if err != nil {
				lastErr = err
				var te *TimeoutError
				if errors.As(err, &te) {
					timeouts++
				}
				if !IsRetryable(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxAttempts)),
		retry.LastErrorOnly(true),
		// n counts failed attempts, so it is already 1 before the first retry.
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			d := c.backoff(int(n))
			c.log.Warn().Err(err).
				Str("key", key.String()).
				Uint("attempt", n).
				Dur("delay", d).
				Msg("tablebase lookup failed, retrying")
			return d
		}),
	)
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return nil, &NetworkError{Err: ctx.Err()}
	}
	if lastErr == nil {
		lastErr = err
	}
	if c.cfg.MaxAttempts > 1 && attempts == c.cfg.MaxAttempts && timeouts == attempts {
		return nil, &TimeoutError{Timeout: c.cfg.Timeout, Attempts: attempts, Exhausted: true}
	}
	return nil, lastErr
}

// backoff is the wait before the given retry: BaseDelay*attempt plus jitter,
// capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay*time.Duration(attempt) + c.cfg.Jitter(c.cfg.MaxJitter)
	if c.cfg.MaxBackoff > 0 && d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// Healthy performs a single lookup of a fixed position and reports whether it
// succeeded.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.once(ctx, healthKey)
	if err != nil {
		c.log.Debug().Err(err).Msg("tablebase health check failed")
		return false
	}
	return true
}

func (c *Client) lookupURL(key position.Key) string {
	u := *c.base
	q := u.Query()
	q.Set("fen", key.FEN())
	q.Set("moves", strconv.Itoa(c.cfg.MaxMoves))
	u.RawQuery = q.Encode()
	return u.String()
}

// once performs a single attempt under its own timeout.
func (c *Client) once(ctx context.Context, key position.Key) (*RawResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.lookupURL(key), nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, c.transportError(ctx, reqCtx, err)
	}

	res, err := decodeResult(body)
	if err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("key", key.String()).
		Str("category", string(res.Category)).
		Int("moves", len(res.Moves)).
		Dur("dur", time.Since(start)).
		Msg("tablebase lookup")
	return res, nil
}

func (c *Client) transportError(ctx, reqCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return &NetworkError{Err: ctx.Err()}
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: c.cfg.Timeout, Attempts: 1}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &TimeoutError{Timeout: c.cfg.Timeout, Attempts: 1}
	}
	return &NetworkError{Err: err}
}

type wireResult struct {
	Category             *Category   `json:"category"`
	WDL                  *int        `json:"wdl"`
	DTZ                  *int        `json:"dtz"`
	DTM                  *int        `json:"dtm"`
	Checkmate            bool        `json:"checkmate"`
	Stalemate            bool        `json:"stalemate"`
	InsufficientMaterial bool        `json:"insufficient_material"`
	Moves                *[]wireMove `json:"moves"`
}

type wireMove struct {
	UCI       *string   `json:"uci"`
	SAN       *string   `json:"san"`
	Category  *Category `json:"category"`
	WDL       *int      `json:"wdl"`
	DTZ       *int      `json:"dtz"`
	DTM       *int      `json:"dtm"`
	Zeroing   bool      `json:"zeroing"`
	Checkmate bool      `json:"checkmate"`
	Stalemate bool      `json:"stalemate"`
}

// decodeResult parses and validates a response body. Unknown fields are
// ignored, but every field that is present must have the right shape.
func decodeResult(body []byte) (*RawResult, error) {
	var w wireResult
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &MalformedResponseError{Reason: "decode", Err: err}
	}
	if w.Category == nil {
		return nil, &MalformedResponseError{Reason: "missing category"}
	}
	if !w.Category.Valid() {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("unknown category %q", *w.Category)}
	}
	wdl, err := checkWDL(*w.Category, w.WDL)
	if err != nil {
		return nil, err
	}
	if w.Moves == nil {
		return nil, &MalformedResponseError{Reason: "missing moves"}
	}

	res := &RawResult{
		Category:             *w.Category,
		WDL:                  wdl,
		DTZ:                  w.DTZ,
		DTM:                  w.DTM,
		Checkmate:            w.Checkmate,
		Stalemate:            w.Stalemate,
		InsufficientMaterial: w.InsufficientMaterial,
		Moves:                make([]RawMove, 0, len(*w.Moves)),
	}

	seen := make(map[string]bool, len(*w.Moves))
	for i, m := range *w.Moves {
		if m.UCI == nil || !uciPattern.MatchString(*m.UCI) {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("move %d: bad uci", i)}
		}
		if seen[*m.UCI] {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("move %d: duplicate uci %s", i, *m.UCI)}
		}
		seen[*m.UCI] = true
		if m.SAN == nil || *m.SAN == "" {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("move %s: missing san", *m.UCI)}
		}
		if m.Category == nil || !m.Category.Valid() {
			return nil, &MalformedResponseError{Reason: fmt.Sprintf("move %s: bad category", *m.UCI)}
		}
		mwdl, err := checkWDL(*m.Category, m.WDL)
		if err != nil {
			return nil, fmt.Errorf("move %s: %w", *m.UCI, err)
		}
		res.Moves = append(res.Moves, RawMove{
			UCI:       *m.UCI,
			SAN:       *m.SAN,
			Category:  *m.Category,
			WDL:       mwdl,
			DTZ:       m.DTZ,
			DTM:       m.DTM,
			Zeroing:   m.Zeroing,
			Checkmate: m.Checkmate,
			Stalemate: m.Stalemate,
		})
	}
	return res, nil
}

// checkWDL returns the WDL for a category, verifying an explicit wdl value
// agrees with it in sign.
func checkWDL(cat Category, explicit *int) (*int, error) {
	derived, known := cat.WDL()
	if explicit == nil {
		if !known {
			return nil, nil
		}
		return &derived, nil
	}
	if known && sign(*explicit) != sign(derived) {
		return nil, &MalformedResponseError{Reason: fmt.Sprintf("wdl %d disagrees with category %s", *explicit, cat)}
	}
	v := *explicit
	return &v, nil
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
