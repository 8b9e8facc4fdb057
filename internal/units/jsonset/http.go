package jsonset

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/sumkincpp/rtrtr/internal/gate"
	"github.com/sumkincpp/rtrtr/internal/payload"
	"github.com/sumkincpp/rtrtr/internal/pipeline"
)

// HTTPConfig configures an HTTP-fetch unit.
type HTTPConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// HTTPUnit periodically fetches a JSON document over HTTP and republishes
// its decoded set on change (spec.md §4.4 "JSON fetcher"). The fetch cadence
// is paced by a token-bucket limiter rather than a bare ticker, so a slow
// upstream or a burst of manual reloads cannot drive the fetch rate above
// the configured interval.
type HTTPUnit struct {
	*pipeline.Base
	cfg     HTTPConfig
	gate    *gate.Gate
	client  *http.Client
	limiter *rate.Limiter

	hash  [32]byte
	have  bool
	token uint64
}

// NewHTTP creates an HTTP-fetch unit under base.
func NewHTTP(base *pipeline.Base, cfg HTTPConfig) *HTTPUnit {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPUnit{
		Base:    base,
		cfg:     cfg,
		gate:    gate.New(),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}
}

// Gate returns the unit's publishing gate.
func (u *HTTPUnit) Gate() *gate.Gate { return u.gate }

func (u *HTTPUnit) Attach() error {
	if u.cfg.URL == "" {
		return u.Errorf("http unit: url is required")
	}
	return nil
}

func (u *HTTPUnit) Prepare() error { return nil }

func (u *HTTPUnit) Run() error {
	u.MarkStarting()
	defer u.MarkStopped()

	for {
		if err := u.limiter.Wait(u.Ctx); err != nil {
			return context.Cause(u.Ctx)
		}
		if err := u.fetch(); err != nil {
			u.Err(err).Str("url", u.cfg.URL).Msg("http fetch failed, keeping previous set")
		}
	}
}

func (u *HTTPUnit) Stop() error {
	u.Cancel(nil)
	return nil
}

func (u *HTTPUnit) fetch() error {
	req, err := http.NewRequestWithContext(u.Ctx, http.MethodGet, u.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jsonset: unexpected status %d", resp.StatusCode)
	}

	body := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return fmt.Errorf("jsonset: gzip decode: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(data)
	if u.have && hash == u.hash {
		return nil // duplicate suppression, spec.md §8 scenario 7
	}

	set, err := payload.DecodeSet(data)
	if err != nil {
		return fmt.Errorf("jsonset: decode: %w", err)
	}

	u.hash = hash
	u.have = true
	u.token++
	u.gate.Publish(set, u.token)
	u.Info().Int("count", set.Len()).Msg("http unit updated")
	return nil
}
