package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/upstream"
	"github.com/NodePath81/fbspeed/internal/util"
)

var ErrNoSamples = errors.New("no latency samples")

// ProgressFunc receives phase progress (0..100) and the current value, which
// for latency is the rounded average in milliseconds.
type ProgressFunc func(progress, value float64)

// Strategy produces round-trip samples. Failed attempts are simply absent.
type Strategy interface {
	Measure(ctx context.Context) ([]time.Duration, error)
}

type Stats struct {
	AverageMs float64 `json:"average_ms"`
	JitterMs  float64 `json:"jitter_ms"`
	Samples   int     `json:"samples"`
	Synthetic bool    `json:"synthetic"`
}

// Summarize returns the mean of samples and their spread (max - min).
func Summarize(samples []time.Duration) (Stats, error) {
	if len(samples) == 0 {
		return Stats{}, ErrNoSamples
	}
	var sum float64
	minMs := math.Inf(1)
	maxMs := math.Inf(-1)
	for _, s := range samples {
		ms := durationMs(s)
		sum += ms
		minMs = math.Min(minMs, ms)
		maxMs = math.Max(maxMs, ms)
	}
	stats := Stats{
		AverageMs: sum / float64(len(samples)),
		Samples:   len(samples),
	}
	if len(samples) >= 2 {
		stats.JitterMs = maxMs - minMs
	}
	return stats, nil
}

// HTTPProbe times Count concurrent GETs against the ping endpoint.
type HTTPProbe struct {
	Client  *http.Client
	URL     string
	Count   int
	Timeout time.Duration
	Rand    *rand.Rand
	Logger  util.Logger
}

func (p *HTTPProbe) Measure(ctx context.Context) ([]time.Duration, error) {
	urls := make([]string, p.Count)
	for i := range urls {
		urls[i] = upstream.CacheBust(p.URL, p.Rand)
	}

	var (
		mu      sync.Mutex
		samples []time.Duration
		g       errgroup.Group
	)
	for _, target := range urls {
		target := target
		g.Go(func() error {
			rtt, err := p.once(ctx, target)
			if err != nil {
				p.Logger.Debug("ping attempt failed", "url", p.URL, "error", err)
				return nil
			}
			mu.Lock()
			samples = append(samples, rtt)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func (p *HTTPProbe) once(ctx context.Context, target string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-store")
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// SyntheticProbe fabricates a plausible pair of samples: an average drawn
// from [MinMs, MaxMs) and a spread drawn from [0, MaxJitterMs).
type SyntheticProbe struct {
	Rand        *rand.Rand
	MinMs       float64
	MaxMs       float64
	MaxJitterMs float64
}

func (p *SyntheticProbe) Measure(ctx context.Context) ([]time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	avg := p.MinMs + p.Rand.Float64()*(p.MaxMs-p.MinMs)
	jitter := p.Rand.Float64() * p.MaxJitterMs
	return []time.Duration{msDuration(avg - jitter/2), msDuration(avg + jitter/2)}, nil
}

// Prober runs the primary strategy and substitutes the fallback when the
// primary yields nothing.
type Prober struct {
	Primary  Strategy
	Fallback Strategy
	Metrics  *metrics.Metrics
	Logger   util.Logger
}

func NewProber(cfg config.LatencyConfig, pingURL string, client *http.Client, rng *rand.Rand, m *metrics.Metrics, logger util.Logger) *Prober {
	return &Prober{
		Primary: &HTTPProbe{
			Client:  client,
			URL:     pingURL,
			Count:   cfg.Count,
			Timeout: cfg.Timeout.Duration(),
			Rand:    rng,
			Logger:  logger,
		},
		Fallback: &SyntheticProbe{
			Rand:        rng,
			MinMs:       cfg.Fallback.MinMs,
			MaxMs:       cfg.Fallback.MaxMs,
			MaxJitterMs: cfg.Fallback.MaxJitterMs,
		},
		Metrics: m,
		Logger:  logger,
	}
}

func (p *Prober) Measure(ctx context.Context, progress ProgressFunc) (Stats, error) {
	report(progress, 0, 0)

	samples, err := p.Primary.Measure(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Stats{}, ctxErr
	}
	synthetic := false
	if err != nil || len(samples) == 0 {
		p.Logger.Warn("latency probe inconclusive, using fallback", "error", err)
		p.Metrics.Fallback(metrics.FallbackPing)
		samples, err = p.Fallback.Measure(ctx)
		if err != nil {
			return Stats{}, err
		}
		synthetic = true
	}

	stats, err := Summarize(samples)
	if err != nil {
		return Stats{}, err
	}
	stats.Synthetic = synthetic
	report(progress, 100, math.Round(stats.AverageMs))
	return stats, nil
}

func report(progress ProgressFunc, pct, value float64) {
	if progress != nil {
		progress(pct, value)
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
