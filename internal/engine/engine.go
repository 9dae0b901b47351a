package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/fbspeed/internal/geo"
	"github.com/NodePath81/fbspeed/internal/measure"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/probe"
	"github.com/NodePath81/fbspeed/internal/util"
)

type LatencyProber interface {
	Measure(ctx context.Context, progress probe.ProgressFunc) (probe.Stats, error)
}

type ThroughputSampler interface {
	Download(ctx context.Context, budget time.Duration, progress measure.ProgressFunc) (measure.Measurement, error)
	Upload(ctx context.Context, downloadMbps float64, budget time.Duration, progress measure.ProgressFunc) (measure.Measurement, error)
}

type GeoResolver interface {
	Resolve(ctx context.Context) geo.Info
}

type Options struct {
	Prober         LatencyProber
	Sampler        ThroughputSampler
	Geo            GeoResolver
	Server         string
	DownloadBudget time.Duration
	UploadBudget   time.Duration
	Metrics        *metrics.Metrics
	Logger         util.Logger
	Now            func() time.Time
}

// Engine runs one speed test at a time.
type Engine struct {
	opts Options

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	runID      string
	session    Session
	lastReport *Report
}

func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = util.NopLogger()
	}
	return &Engine{opts: opts, session: idleSession()}
}

// Run executes ping, download, upload and geo lookup in order. It returns
// ErrBusy if a run is already active, an error matching ErrCancelled when
// ctx or Cancel stops it, or a *FaultError.
func (e *Engine) Run(ctx context.Context, onUpdate UpdateFunc) (Report, error) {
	runCtx, cancel, runID, err := e.begin(ctx)
	if err != nil {
		return Report{}, err
	}
	return e.finish(runCtx, cancel, runID, onUpdate)
}

// Start claims the engine and runs in the background. The run id is known
// before the first update; the outcome arrives on the returned channel.
func (e *Engine) Start(ctx context.Context, onUpdate UpdateFunc) (string, <-chan Outcome, error) {
	runCtx, cancel, runID, err := e.begin(ctx)
	if err != nil {
		return "", nil, err
	}
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		report, err := e.finish(runCtx, cancel, runID, onUpdate)
		out <- Outcome{Report: report, Err: err}
	}()
	return runID, out, nil
}

func (e *Engine) begin(ctx context.Context) (context.Context, context.CancelFunc, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.opts.Metrics.RunRejected()
		return nil, nil, "", ErrBusy
	}
	if e.cancel != nil {
		e.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	runID := uuid.NewString()
	e.running = true
	e.cancel = cancel
	e.runID = runID
	e.session = idleSession()
	return runCtx, cancel, runID, nil
}

func (e *Engine) finish(runCtx context.Context, cancel context.CancelFunc, runID string, onUpdate UpdateFunc) (Report, error) {
	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	logger := e.opts.Logger.With("run_id", runID)
	e.opts.Metrics.RunStarted()
	logger.Info("speed test started", "server", e.opts.Server)

	em := &emitter{ctx: runCtx, fn: onUpdate, runID: runID, engine: e, logger: logger}
	result, err := e.execute(runCtx, em, runID)
	var report Report
	if err == nil {
		report = NewReport(result)
		// The complete update and the cancellation check are one step, so a
		// run that returns a report always ends in the complete phase.
		if !em.emit(Update{Phase: PhaseComplete, Progress: 100, Result: &report.Result}) {
			err = ErrCancelled
		}
	}

	if err == nil {
		e.mu.Lock()
		e.lastReport = &report
		e.mu.Unlock()
		e.opts.Metrics.RunFinished(metrics.OutcomeComplete)
		e.opts.Metrics.SetLastResult(result.Download, result.Upload, result.Ping, result.Jitter)
		logger.Info("speed test complete",
			"download_mbps", result.Download,
			"upload_mbps", result.Upload,
			"ping_ms", result.Ping,
			"jitter_ms", result.Jitter,
			"isp", result.ISP,
			"calculation_time", result.CalculationTime)
		return report, nil
	}

	if errors.Is(err, ErrCancelled) {
		e.mu.Lock()
		e.session = idleSession()
		e.mu.Unlock()
		e.opts.Metrics.RunFinished(metrics.OutcomeCancelled)
		logger.Info("speed test cancelled")
		return Report{}, err
	}

	var fault *FaultError
	if !errors.As(err, &fault) {
		fault = &FaultError{Phase: PhaseIdle, Err: err}
	}
	em.emit(Update{Phase: PhaseComplete, Error: FailureMessage})
	e.opts.Metrics.RunFinished(metrics.OutcomeFault)
	logger.Error("speed test failed", "phase", fault.Phase, "error", fault.Err)
	return Report{}, fault
}

func (e *Engine) execute(ctx context.Context, em *emitter, runID string) (result Result, err error) {
	phase := PhaseIdle
	defer func() {
		if r := recover(); r != nil {
			if ctx.Err() != nil {
				err = ErrCancelled
				return
			}
			err = &FaultError{Phase: phase, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	start := e.opts.Now()

	phase = PhasePing
	phaseStart := time.Now()
	stats, err := e.opts.Prober.Measure(ctx, em.progress(PhasePing))
	if err != nil {
		return Result{}, phaseError(ctx, phase, err)
	}
	e.opts.Metrics.ObservePhase(string(phase), time.Since(phaseStart))
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	phase = PhaseDownload
	phaseStart = time.Now()
	down, err := e.opts.Sampler.Download(ctx, e.opts.DownloadBudget, em.progress(PhaseDownload))
	if err != nil {
		return Result{}, phaseError(ctx, phase, err)
	}
	e.opts.Metrics.ObservePhase(string(phase), time.Since(phaseStart))
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	phase = PhaseUpload
	phaseStart = time.Now()
	up, err := e.opts.Sampler.Upload(ctx, down.Mbps, e.opts.UploadBudget, em.progress(PhaseUpload))
	if err != nil {
		return Result{}, phaseError(ctx, phase, err)
	}
	e.opts.Metrics.ObservePhase(string(phase), time.Since(phaseStart))
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	// Geo lookup is part of completing the run, not a visible phase.
	info := e.opts.Geo.Resolve(ctx)
	if ctx.Err() != nil {
		return Result{}, ErrCancelled
	}

	now := e.opts.Now()
	return Result{
		RunID:           runID,
		Download:        nonNegative(down.Mbps),
		Upload:          nonNegative(up.Mbps),
		Ping:            nonNegative(math.Round(stats.AverageMs)),
		Jitter:          nonNegative(math.Round(stats.JitterMs)),
		IP:              info.IP,
		ISP:             info.ISP,
		City:            info.City,
		Region:          info.Region,
		Country:         info.Country,
		CountryCode:     info.CountryCode,
		Server:          e.opts.Server,
		Timestamp:       now.UTC().Format(time.RFC3339),
		CalculationTime: util.Round(now.Sub(start).Seconds(), 1),
	}, nil
}

// Cancel stops the active run, if any. It is safe to call at any time.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Session returns a snapshot of the current run state.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) Running() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID, e.running
}

// LastReport returns the most recent completed report.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReport == nil {
		return Report{}, false
	}
	return *e.lastReport, true
}

func (e *Engine) setSession(u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = Session{
		Phase:        u.Phase,
		Progress:     u.Progress,
		CurrentSpeed: u.CurrentSpeed,
		Result:       u.Result,
		Error:        u.Error,
	}
}

func phaseError(ctx context.Context, phase Phase, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return &FaultError{Phase: phase, Err: err}
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
