package measure

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/upstream"
	"github.com/NodePath81/fbspeed/internal/util"
)

func TestMbps(t *testing.T) {
	if got := Mbps(1_000_000, time.Second, config.DecimalDivisor); got != 8 {
		t.Fatalf("Mbps = %v, want 8", got)
	}
	if got := Mbps(0, time.Second, config.DecimalDivisor); got != 0 {
		t.Fatalf("Mbps(0) = %v, want 0", got)
	}
	if got := Mbps(1<<20, time.Second, config.BinaryDivisor); got != 8 {
		t.Fatalf("binary Mbps = %v, want 8", got)
	}
}

func TestFinalMbpsClampsElapsed(t *testing.T) {
	tests := []struct {
		name    string
		bytes   int64
		elapsed time.Duration
		want    float64
	}{
		{"short burst uses floor", 1_000_000, 100 * time.Millisecond, 16},
		{"late join capped at budget", 3_000_000, 5 * time.Second, 8},
		{"within window", 3_000_000, 2 * time.Second, 12},
		{"rounded", 1_000_000, 3 * time.Second, 2.7},
		{"nothing", 0, time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FinalMbps(tt.bytes, tt.elapsed, 500*time.Millisecond, 3*time.Second, config.DecimalDivisor)
			if got != tt.want {
				t.Fatalf("FinalMbps = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeriverStaysInBucket(t *testing.T) {
	d := &Deriver{Rand: rand.New(rand.NewSource(42)), FloorMbps: 0.1}
	for _, download := range []float64{0, 1, 4.9, 5, 19, 20, 49, 50, 99, 100, 120, 900} {
		low, high := UploadFraction(download)
		for i := 0; i < 200; i++ {
			got := d.Estimate(download)
			if got < 0.1 {
				t.Fatalf("Estimate(%v) = %v, below floor", download, got)
			}
			if got > 0.1 && (got < download*low-0.05 || got > download*high+0.05) {
				t.Fatalf("Estimate(%v) = %v, want within [%v, %v]", download, got, download*low, download*high)
			}
		}
	}
}

func TestSyntheticRange(t *testing.T) {
	s := &Synthetic{Rand: rand.New(rand.NewSource(1)), MinMbps: 15, MaxMbps: 500}
	for i := 0; i < 500; i++ {
		got := s.Estimate(0)
		if got < 15 || got > 500 {
			t.Fatalf("Estimate = %v, want [15, 500)", got)
		}
	}
}

type progressLog struct {
	mu      sync.Mutex
	entries [][2]float64
}

func (p *progressLog) record(pct, mbps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, [2]float64{pct, mbps})
}

func (p *progressLog) snapshot() [][2]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]float64(nil), p.entries...)
}

func newTransferServer(t *testing.T, downloadStatus int) *httptest.Server {
	t.Helper()
	block := make([]byte, 64<<10)
	_, _ = rand.New(rand.NewSource(9)).Read(block)
	mux := http.NewServeMux()
	mux.HandleFunc(upstream.DownloadPath, func(w http.ResponseWriter, r *http.Request) {
		if downloadStatus != http.StatusOK {
			w.WriteHeader(downloadStatus)
			return
		}
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		w.Header().Set("Content-Length", strconv.Itoa(size))
		for size > 0 {
			n := min(size, len(block))
			if _, err := w.Write(block[:n]); err != nil {
				return
			}
			size -= n
		}
	})
	mux.HandleFunc(upstream.UploadPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func testSampler(t *testing.T, srv *httptest.Server, mutate func(*config.MeasurementConfig)) *Sampler {
	t.Helper()
	cfg := config.Default().Measurement
	cfg.Download.RequestSizeBytes = 256 << 10
	cfg.Upload.ChunkSizeBytes = 64 << 10
	cfg.Download.SampleInterval = config.Duration(20 * time.Millisecond)
	cfg.Download.MinElapsed = config.Duration(50 * time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}
	up, err := upstream.New(config.UpstreamConfig{Tag: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	client := NewHTTPClient(cfg.Download.Streams, 0)
	t.Cleanup(client.CloseIdleConnections)
	return NewSampler(cfg, up, client, rand.New(rand.NewSource(5)), nil, util.NopLogger())
}

func noAnimation(cfg *config.MeasurementConfig) {
	zero := 0
	cfg.Upload.Animation.Steps = &zero
}

func TestDownloadMeasuresStreams(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newTransferServer(t, http.StatusOK)
	defer srv.Close()
	s := testSampler(t, srv, nil)

	var log progressLog
	m, err := s.Download(context.Background(), 300*time.Millisecond, log.record)
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	s.client.CloseIdleConnections()
	if m.Synthetic {
		t.Fatalf("Synthetic = true, want measured")
	}
	if m.Bytes <= 0 || m.Mbps <= 0 {
		t.Fatalf("measurement = %+v, want bytes and rate", m)
	}
	entries := log.snapshot()
	if entries[0] != [2]float64{0, 0} {
		t.Fatalf("first update = %v, want [0 0]", entries[0])
	}
	last := entries[len(entries)-1]
	if last[0] != 100 || last[1] != m.Mbps {
		t.Fatalf("last update = %v, want [100 %v]", last, m.Mbps)
	}
	for _, e := range entries[1 : len(entries)-1] {
		if e[0] > 95 {
			t.Fatalf("live progress %v exceeds 95", e[0])
		}
	}
}

func TestDownloadFallsBackWithoutBytes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newTransferServer(t, http.StatusServiceUnavailable)
	defer srv.Close()
	s := testSampler(t, srv, nil)

	m, err := s.Download(context.Background(), 150*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	s.client.CloseIdleConnections()
	if !m.Synthetic {
		t.Fatalf("Synthetic = false, want fallback")
	}
	if m.Mbps < 15 || m.Mbps > 500 {
		t.Fatalf("Mbps = %v, want [15, 500)", m.Mbps)
	}
}

func TestDownloadCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newTransferServer(t, http.StatusOK)
	defer srv.Close()
	s := testSampler(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := s.Download(ctx, 5*time.Second, nil)
	s.client.CloseIdleConnections()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUploadReplacesImplausibleMeasurement(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newTransferServer(t, http.StatusOK)
	defer srv.Close()
	s := testSampler(t, srv, noAnimation)

	// A loopback upload runs far faster than 1.5 x 120 Mbps.
	m, err := s.Upload(context.Background(), 120, 200*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	s.client.CloseIdleConnections()
	if !m.Synthetic {
		t.Fatalf("Synthetic = false, want derived")
	}
	if m.Mbps > 120 {
		t.Fatalf("Mbps = %v, want <= 120", m.Mbps)
	}
}

func TestUploadKeepsPlausibleMeasurement(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	srv := newTransferServer(t, http.StatusOK)
	defer srv.Close()
	s := testSampler(t, srv, noAnimation)

	m, err := s.Upload(context.Background(), 1_000_000, 200*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	s.client.CloseIdleConnections()
	if m.Synthetic || m.Bytes <= 0 {
		t.Fatalf("measurement = %+v, want measured bytes", m)
	}
}

func TestUploadDeriveModeAnimates(t *testing.T) {
	srv := newTransferServer(t, http.StatusOK)
	defer srv.Close()
	s := testSampler(t, srv, func(cfg *config.MeasurementConfig) {
		steps := 3
		cfg.Upload.Mode = config.UploadModeDerive
		cfg.Upload.Animation.Steps = &steps
		cfg.Upload.Animation.Step = config.Duration(time.Millisecond)
	})

	var log progressLog
	m, err := s.Upload(context.Background(), 40, time.Second, log.record)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if !m.Synthetic || m.Bytes != 0 {
		t.Fatalf("measurement = %+v, want derived without traffic", m)
	}
	entries := log.snapshot()
	if len(entries) != 4 {
		t.Fatalf("updates = %v, want 4", entries)
	}
	if entries[0] != [2]float64{0, 0} {
		t.Fatalf("first update = %v", entries[0])
	}
	if entries[3] != [2]float64{100, m.Mbps} {
		t.Fatalf("last update = %v, want [100 %v]", entries[3], m.Mbps)
	}
	if entries[1][0] >= entries[2][0] {
		t.Fatalf("progress not increasing: %v", entries)
	}
}

func TestUploadAnimationCancelled(t *testing.T) {
	srv := newTransferServer(t, http.StatusOK)
	defer srv.Close()
	s := testSampler(t, srv, func(cfg *config.MeasurementConfig) {
		cfg.Upload.Mode = config.UploadModeDerive
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)
	_, err := s.Upload(ctx, 40, time.Second, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
