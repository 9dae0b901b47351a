package engine

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/geo"
	"github.com/NodePath81/fbspeed/internal/measure"
	"github.com/NodePath81/fbspeed/internal/probe"
	"github.com/NodePath81/fbspeed/internal/upstream"
	"github.com/NodePath81/fbspeed/internal/util"
)

type fakeProber struct {
	stats probe.Stats
	err   error
	panic bool
}

func (p *fakeProber) Measure(ctx context.Context, progress probe.ProgressFunc) (probe.Stats, error) {
	progress(0, 0)
	if p.panic {
		panic("prober exploded")
	}
	if p.err != nil {
		return probe.Stats{}, p.err
	}
	progress(100, p.stats.AverageMs)
	return p.stats, nil
}

type fakeSampler struct {
	down, up measure.Measurement
	// blockDownload parks Download until ctx is done, signalling entered first.
	blockDownload bool
	entered       chan struct{}
	panicUpload   bool
}

func (s *fakeSampler) Download(ctx context.Context, budget time.Duration, progress measure.ProgressFunc) (measure.Measurement, error) {
	progress(0, 0)
	if s.blockDownload {
		close(s.entered)
		<-ctx.Done()
		// A late sample after cancellation must not reach the caller.
		progress(50, 10)
		return measure.Measurement{}, ctx.Err()
	}
	progress(50, s.down.Mbps/2)
	progress(100, s.down.Mbps)
	return s.down, nil
}

func (s *fakeSampler) Upload(ctx context.Context, downloadMbps float64, budget time.Duration, progress measure.ProgressFunc) (measure.Measurement, error) {
	progress(0, 0)
	if s.panicUpload {
		panic("upload exploded")
	}
	progress(100, s.up.Mbps)
	return s.up, nil
}

type fakeGeo struct{ info geo.Info }

func (g fakeGeo) Resolve(context.Context) geo.Info { return g.info }

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func (r *recorder) phases() []Phase {
	var out []Phase
	for _, u := range r.all() {
		if len(out) == 0 || out[len(out)-1] != u.Phase {
			out = append(out, u.Phase)
		}
	}
	return out
}

var testGeo = geo.Info{IP: "203.0.113.7", ISP: "Example Net", City: "Lyon", Region: "ARA", Country: "France", CountryCode: "FR"}

func newTestEngine(p LatencyProber, s ThroughputSampler) *Engine {
	return New(Options{
		Prober:         p,
		Sampler:        s,
		Geo:            fakeGeo{info: testGeo},
		Server:         "speed.local",
		DownloadBudget: time.Second,
		UploadBudget:   time.Second,
		Logger:         util.NopLogger(),
	})
}

func TestRunCompletesInPhaseOrder(t *testing.T) {
	e := newTestEngine(
		&fakeProber{stats: probe.Stats{AverageMs: 22.4, JitterMs: 4.6, Samples: 3}},
		&fakeSampler{down: measure.Measurement{Mbps: 87.3}, up: measure.Measurement{Mbps: 12.1}},
	)
	var rec recorder
	report, err := e.Run(context.Background(), rec.record)
	require.NoError(t, err)

	want := []Phase{PhasePing, PhaseDownload, PhaseUpload, PhaseComplete}
	if diff := cmp.Diff(want, rec.phases()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}

	res := report.Result
	assert.Equal(t, 87.3, res.Download)
	assert.Equal(t, 12.1, res.Upload)
	assert.Equal(t, 22.0, res.Ping)
	assert.Equal(t, 5.0, res.Jitter)
	assert.Equal(t, "Example Net", res.ISP)
	assert.Equal(t, "FR", res.CountryCode)
	assert.Equal(t, "speed.local", res.Server)
	assert.NotEmpty(t, res.RunID)
	_, perr := time.Parse(time.RFC3339, res.Timestamp)
	assert.NoError(t, perr)
	for _, v := range []float64{res.Download, res.Upload, res.Ping, res.Jitter, res.CalculationTime} {
		assert.GreaterOrEqual(t, v, 0.0)
	}

	assert.Equal(t, "Fast", report.Ratings.Download.Label)
	assert.Equal(t, "Basic", report.Ratings.Upload.Label)
	assert.Equal(t, "Good", report.Ratings.Ping.Label)

	updates := rec.all()
	last := updates[len(updates)-1]
	require.NotNil(t, last.Result)
	assert.Equal(t, PhaseComplete, last.Phase)
	assert.Empty(t, last.Error)
	for _, u := range updates {
		assert.Equal(t, res.RunID, u.RunID)
		if u.Phase != PhaseComplete {
			assert.Nil(t, u.Result)
		}
	}

	session := e.Session()
	assert.Equal(t, PhaseComplete, session.Phase)
	require.NotNil(t, session.Result)
	assert.Equal(t, res, *session.Result)

	lr, ok := e.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, lr)
}

func TestRunCancelledMidPhase(t *testing.T) {
	sampler := &fakeSampler{blockDownload: true, entered: make(chan struct{})}
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 20}}, sampler)

	var (
		rec       recorder
		cancelled atomic.Bool
		late      atomic.Int32
	)
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), func(u Update) {
			if cancelled.Load() {
				late.Add(1)
			}
			rec.record(u)
		})
		done <- err
	}()

	<-sampler.entered
	e.Cancel()
	cancelled.Store(true)

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "run did not return after cancel")
	}
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	var fault *FaultError
	require.False(t, errors.As(err, &fault))

	assert.Zero(t, late.Load(), "update delivered after cancellation")
	for _, u := range rec.all() {
		assert.NotEqual(t, PhaseComplete, u.Phase)
		assert.Empty(t, u.Error)
	}
	assert.Equal(t, idleSession(), e.Session())

	// Cancel again is harmless.
	e.Cancel()
}

func TestRunParentContextCancelled(t *testing.T) {
	sampler := &fakeSampler{blockDownload: true, entered: make(chan struct{})}
	e := newTestEngine(&fakeProber{}, sampler)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sampler.entered
		cancel()
	}()
	_, err := e.Run(ctx, nil)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRunFaultFromPanic(t *testing.T) {
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 30}}, &fakeSampler{
		down:        measure.Measurement{Mbps: 50},
		panicUpload: true,
	})
	var rec recorder
	_, err := e.Run(context.Background(), rec.record)

	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, PhaseUpload, fault.Phase)

	updates := rec.all()
	last := updates[len(updates)-1]
	assert.Equal(t, PhaseComplete, last.Phase)
	assert.Equal(t, FailureMessage, last.Error)
	assert.Nil(t, last.Result)

	session := e.Session()
	assert.Equal(t, PhaseComplete, session.Phase)
	assert.Equal(t, FailureMessage, session.Error)
	assert.Nil(t, session.Result)
}

func TestRunFaultFromError(t *testing.T) {
	boom := errors.New("boom")
	e := newTestEngine(&fakeProber{err: boom}, &fakeSampler{})
	_, err := e.Run(context.Background(), nil)

	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, PhasePing, fault.Phase)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, FailureMessage, e.Session().Error)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	sampler := &fakeSampler{blockDownload: true, entered: make(chan struct{})}
	e := newTestEngine(&fakeProber{}, sampler)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), nil)
		done <- err
	}()
	<-sampler.entered

	_, err := e.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrBusy)
	id, running := e.Running()
	require.True(t, running)
	require.NotEmpty(t, id)

	e.Cancel()
	require.ErrorIs(t, <-done, ErrCancelled)

	_, running = e.Running()
	require.False(t, running)
}

func TestStartReturnsRunIDBeforeUpdates(t *testing.T) {
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 10}}, &fakeSampler{
		down: measure.Measurement{Mbps: 10},
		up:   measure.Measurement{Mbps: 2},
	})
	rec := &recorder{}
	id, outcome, err := e.Start(context.Background(), rec.record)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out := <-outcome
	require.NoError(t, out.Err)
	assert.Equal(t, id, out.Report.Result.RunID)
	for _, u := range rec.all() {
		assert.Equal(t, id, u.RunID)
	}
	_, ok := <-outcome
	assert.False(t, ok, "outcome channel should be closed")
}

func TestStartRejectsWhileRunning(t *testing.T) {
	sampler := &fakeSampler{blockDownload: true, entered: make(chan struct{})}
	e := newTestEngine(&fakeProber{}, sampler)

	_, outcome, err := e.Start(context.Background(), nil)
	require.NoError(t, err)
	<-sampler.entered

	_, _, err = e.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrBusy)

	e.Cancel()
	require.ErrorIs(t, (<-outcome).Err, ErrCancelled)
}

func TestRunsAreIndependent(t *testing.T) {
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 10}}, &fakeSampler{
		down: measure.Measurement{Mbps: 10},
		up:   measure.Measurement{Mbps: 2},
	})
	first, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Result.RunID, second.Result.RunID)
}

func TestCallbackPanicDoesNotFaultRun(t *testing.T) {
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 10}}, &fakeSampler{
		down: measure.Measurement{Mbps: 10},
		up:   measure.Measurement{Mbps: 2},
	})
	_, err := e.Run(context.Background(), func(Update) { panic("presenter bug") })
	require.NoError(t, err)
}

func TestStream(t *testing.T) {
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 10}}, &fakeSampler{
		down: measure.Measurement{Mbps: 10},
		up:   measure.Measurement{Mbps: 2},
	})
	updates, outcome := Stream(context.Background(), e, 4)

	var phases []Phase
	for u := range updates {
		if len(phases) == 0 || phases[len(phases)-1] != u.Phase {
			phases = append(phases, u.Phase)
		}
	}
	out := <-outcome
	require.NoError(t, out.Err)
	assert.Equal(t, []Phase{PhasePing, PhaseDownload, PhaseUpload, PhaseComplete}, phases)
	assert.Equal(t, 10.0, out.Report.Result.Download)
}

func TestStreamSettlesWhenCancelledWithoutReader(t *testing.T) {
	e := newTestEngine(&fakeProber{stats: probe.Stats{AverageMs: 10}}, &fakeSampler{
		down: measure.Measurement{Mbps: 10},
		up:   measure.Measurement{Mbps: 2},
	})
	updates, outcome := Stream(context.Background(), e, 0)
	<-updates
	// The next send has no reader; only Cancel can release it.
	time.Sleep(20 * time.Millisecond)
	e.Cancel()

	select {
	case out := <-outcome:
		require.ErrorIs(t, out.Err, ErrCancelled)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "run did not settle after Cancel")
	}
	_, running := e.Running()
	require.False(t, running)

	_, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
}

func TestStreamReportsBusy(t *testing.T) {
	sampler := &fakeSampler{blockDownload: true, entered: make(chan struct{})}
	e := newTestEngine(&fakeProber{}, sampler)
	_, first, err := e.Start(context.Background(), nil)
	require.NoError(t, err)
	<-sampler.entered

	updates, outcome := Stream(context.Background(), e, 1)
	_, open := <-updates
	assert.False(t, open)
	require.ErrorIs(t, (<-outcome).Err, ErrBusy)

	e.Cancel()
	<-first
}

func TestEmitAfterCancelIsDropped(t *testing.T) {
	e := newTestEngine(&fakeProber{}, &fakeSampler{})
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	em := &emitter{ctx: ctx, fn: func(Update) { called = true }, runID: "r", engine: e, logger: util.NopLogger()}

	require.True(t, em.emit(Update{Phase: PhasePing, Progress: 40}))
	cancel()
	called = false
	require.False(t, em.emit(Update{Phase: PhaseComplete, Progress: 100}))
	assert.False(t, called)
	assert.Equal(t, PhasePing, e.Session().Phase)
}

// TestRunCompletesWhenProbesFail wires the real prober and sampler against
// an upstream that answers nothing useful; every phase falls back and the
// run still completes.
func TestRunCompletesWhenProbesFail(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.Default()
	zero := 0
	cfg.Measurement.Upload.Animation.Steps = &zero
	cfg.Measurement.Download.SampleInterval = config.Duration(20 * time.Millisecond)

	up, err := upstream.ForBase("test", srv.URL)
	require.NoError(t, err)
	client := measure.NewHTTPClient(4, 0)
	rng := rand.New(rand.NewSource(11))
	logger := util.NopLogger()

	e := New(Options{
		Prober:         probe.NewProber(cfg.Measurement.Latency, up.PingURL, client, rng, nil, logger),
		Sampler:        measure.NewSampler(cfg.Measurement, up, client, rng, nil, logger),
		Geo:            geo.NewResolver(geo.NewCache(time.Minute, nil), nil, time.Second, nil, logger),
		Server:         up.Host(),
		DownloadBudget: 150 * time.Millisecond,
		UploadBudget:   150 * time.Millisecond,
		Logger:         logger,
	})
	report, err := e.Run(context.Background(), nil)
	client.CloseIdleConnections()
	require.NoError(t, err)

	res := report.Result
	assert.GreaterOrEqual(t, res.Ping, 35.0)
	assert.Less(t, res.Ping, 56.0)
	assert.GreaterOrEqual(t, res.Download, 15.0)
	assert.Less(t, res.Download, 500.0)
	assert.Greater(t, res.Upload, 0.0)
	assert.LessOrEqual(t, res.Upload, res.Download)
	assert.Equal(t, geo.UnknownIP, res.IP)
	assert.Equal(t, geo.UnknownISP, res.ISP)
}
