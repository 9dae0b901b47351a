package probe

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/util"
)

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func TestSummarize(t *testing.T) {
	stats, err := Summarize([]time.Duration{ms(20), ms(25), ms(22)})
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if math.Abs(stats.AverageMs-22.333) > 0.001 {
		t.Fatalf("AverageMs = %v, want 22.33", stats.AverageMs)
	}
	if stats.JitterMs != 5 {
		t.Fatalf("JitterMs = %v, want 5", stats.JitterMs)
	}
	if stats.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", stats.Samples)
	}
}

func TestSummarizeSingleSampleHasNoJitter(t *testing.T) {
	stats, err := Summarize([]time.Duration{ms(30)})
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}
	if stats.AverageMs != 30 || stats.JitterMs != 0 {
		t.Fatalf("stats = %+v, want avg 30 jitter 0", stats)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if _, err := Summarize(nil); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("err = %v, want ErrNoSamples", err)
	}
}

type fixedStrategy struct {
	samples []time.Duration
	err     error
}

func (s fixedStrategy) Measure(ctx context.Context) ([]time.Duration, error) {
	return s.samples, s.err
}

func TestProberFallsBackOnZeroSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := &Prober{
		Primary:  fixedStrategy{},
		Fallback: &SyntheticProbe{Rand: rng, MinMs: 35, MaxMs: 55, MaxJitterMs: 8},
		Logger:   util.NopLogger(),
	}
	var updates [][2]float64
	stats, err := p.Measure(context.Background(), func(pct, v float64) {
		updates = append(updates, [2]float64{pct, v})
	})
	if err != nil {
		t.Fatalf("Measure error: %v", err)
	}
	if !stats.Synthetic {
		t.Fatalf("Synthetic = false, want true")
	}
	if stats.AverageMs < 34.99 || stats.AverageMs >= 55 {
		t.Fatalf("AverageMs = %v, want [35,55)", stats.AverageMs)
	}
	if stats.JitterMs < 0 || stats.JitterMs >= 8.01 {
		t.Fatalf("JitterMs = %v, want [0,8)", stats.JitterMs)
	}
	if len(updates) != 2 || updates[0] != [2]float64{0, 0} || updates[1][0] != 100 {
		t.Fatalf("updates = %v, want 0 then 100", updates)
	}
	if updates[1][1] != math.Round(stats.AverageMs) {
		t.Fatalf("final value = %v, want %v", updates[1][1], math.Round(stats.AverageMs))
	}
}

func TestProberPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &Prober{
		Primary:  fixedStrategy{err: context.Canceled},
		Fallback: &SyntheticProbe{Rand: rand.New(rand.NewSource(1)), MinMs: 35, MaxMs: 55},
		Logger:   util.NopLogger(),
	}
	if _, err := p.Measure(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestHTTPProbeIssuesConcurrentCacheBustedRequests(t *testing.T) {
	var (
		hits   atomic.Int32
		mu     sync.Mutex
		tokens = map[string]bool{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Cache-Control") != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", r.Header.Get("Cache-Control"))
		}
		mu.Lock()
		tokens[r.URL.Query().Get("t")] = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default().Measurement.Latency
	p := NewProber(cfg, srv.URL+"/api/ping", srv.Client(), rand.New(rand.NewSource(3)), nil, util.NopLogger())
	stats, err := p.Measure(context.Background(), nil)
	if err != nil {
		t.Fatalf("Measure error: %v", err)
	}
	if stats.Synthetic {
		t.Fatalf("Synthetic = true, want real samples")
	}
	if stats.Samples != 3 || hits.Load() != 3 {
		t.Fatalf("samples = %d hits = %d, want 3", stats.Samples, hits.Load())
	}
	if len(tokens) != 3 {
		t.Fatalf("distinct cache-bust tokens = %d, want 3", len(tokens))
	}
}

func TestHTTPProbeCountsErrorsAsMissing(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProbe{
		Client:  srv.Client(),
		URL:     srv.URL,
		Count:   3,
		Timeout: time.Second,
		Rand:    rand.New(rand.NewSource(1)),
		Logger:  util.NopLogger(),
	}
	samples, err := p.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(samples))
	}
}

func TestHTTPProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := &HTTPProbe{
		Client:  srv.Client(),
		URL:     srv.URL,
		Count:   2,
		Timeout: 50 * time.Millisecond,
		Rand:    rand.New(rand.NewSource(1)),
		Logger:  util.NopLogger(),
	}
	start := time.Now()
	samples, err := p.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure error: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("samples = %d, want 0", len(samples))
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not honored")
	}
}
