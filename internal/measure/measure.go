package measure

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/upstream"
	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	DirectionDown = "down"
	DirectionUp   = "up"

	// Live samples are withheld until the streams have warmed up.
	liveWarmup      = 200 * time.Millisecond
	maxLiveProgress = 95.0
	streamBackoff   = 50 * time.Millisecond
)

var ErrNoBytes = errors.New("no bytes transferred")

// ProgressFunc receives phase progress (0..100) and the current rate in Mbps.
type ProgressFunc func(progress, mbps float64)

type Measurement struct {
	Mbps      float64       `json:"mbps"`
	Bytes     int64         `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
	Synthetic bool          `json:"synthetic"`
}

// Mbps converts a byte count over elapsed into megabits per second.
func Mbps(bytes int64, elapsed time.Duration, divisor float64) float64 {
	if bytes <= 0 || elapsed <= 0 || divisor <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds() / divisor
}

// FinalMbps clamps elapsed to [minElapsed, budget] before converting, so a
// burst that finishes early is not over-reported and a late join of the
// streams is not under-reported. The result has one decimal.
func FinalMbps(bytes int64, elapsed, minElapsed, budget time.Duration, divisor float64) float64 {
	if bytes <= 0 {
		return 0
	}
	effective := elapsed
	if effective < minElapsed {
		effective = minElapsed
	}
	if budget > 0 && effective > budget {
		effective = budget
	}
	return util.Round(Mbps(bytes, effective, divisor), 1)
}

type Sampler struct {
	cfg      config.MeasurementConfig
	up       *upstream.Upstream
	client   *http.Client
	fallback Estimator
	deriver  Estimator
	rng      *rand.Rand
	metrics  *metrics.Metrics
	logger   util.Logger
}

func NewSampler(cfg config.MeasurementConfig, up *upstream.Upstream, client *http.Client, rng *rand.Rand, m *metrics.Metrics, logger util.Logger) *Sampler {
	return &Sampler{
		cfg:      cfg,
		up:       up,
		client:   client,
		fallback: &Synthetic{Rand: rng, MinMbps: cfg.Download.Fallback.MinMbps, MaxMbps: cfg.Download.Fallback.MaxMbps},
		deriver:  &Deriver{Rand: rng, FloorMbps: cfg.Download.FloorMbps},
		rng:      rng,
		metrics:  m,
		logger:   logger,
	}
}

type streamFunc func(ctx context.Context, id int, counter *atomic.Int64)

// transfer runs streams workers until budget elapses and returns the byte
// total. Only cancellation of ctx is reported as an error; stream failures
// are the workers' concern.
func (s *Sampler) transfer(ctx context.Context, budget time.Duration, streams int, direction string, worker streamFunc, progress ProgressFunc) (int64, time.Duration, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var counter atomic.Int64
	start := time.Now()

	var tickerWG sync.WaitGroup
	tickerDone := make(chan struct{})
	tickerWG.Add(1)
	go func() {
		defer tickerWG.Done()
		s.sampleLoop(phaseCtx, tickerDone, start, budget, &counter, progress)
	}()

	g, gctx := errgroup.WithContext(phaseCtx)
	for i := 0; i < streams; i++ {
		i := i
		g.Go(func() error {
			worker(gctx, i, &counter)
			return nil
		})
	}
	_ = g.Wait()
	close(tickerDone)
	tickerWG.Wait()

	elapsed := time.Since(start)
	total := counter.Load()
	s.metrics.AddTransferBytes(direction, total)
	if err := ctx.Err(); err != nil {
		return total, elapsed, err
	}
	return total, elapsed, nil
}

func (s *Sampler) sampleLoop(ctx context.Context, done <-chan struct{}, start time.Time, budget time.Duration, counter *atomic.Int64, progress ProgressFunc) {
	ticker := time.NewTicker(s.cfg.Download.SampleInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			bytes := counter.Load()
			if elapsed <= liveWarmup || bytes <= 0 {
				continue
			}
			pct := math.Min(elapsed.Seconds()/budget.Seconds()*100, maxLiveProgress)
			report(progress, pct, util.Round(Mbps(bytes, elapsed, s.cfg.Units.Divisor), 2))
		}
	}
}

func (s *Sampler) final(bytes int64, elapsed, budget time.Duration) float64 {
	return FinalMbps(bytes, elapsed, s.cfg.Download.MinElapsed.Duration(), budget, s.cfg.Units.Divisor)
}

func report(progress ProgressFunc, pct, mbps float64) {
	if progress != nil {
		progress(pct, mbps)
	}
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
