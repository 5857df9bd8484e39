package poller_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gaitmon/internal/backend"
	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeBackend serves samples with increasing millisecond timestamps.
type fakeBackend struct {
	mu         sync.Mutex
	next       int64
	starts     int
	stops      int
	fetches    int
	startErr   error
	stopErr    error
	fetchErr   error
	failures   int
	exportURL  string
	exportErr  error
	exportReqs []backend.ExportRequest

	// When set, FetchSample announces itself on fetching and blocks until
	// release is closed or receives.
	fetching chan struct{}
	release  chan struct{}

	// When set, StartCollection announces itself on starting and blocks
	// until startGate is closed.
	starting  chan struct{}
	startGate chan struct{}
}

func (f *fakeBackend) StartCollection(context.Context) (backend.Ack, error) {
	f.mu.Lock()
	starting, gate := f.starting, f.startGate
	f.mu.Unlock()

	if starting != nil {
		starting <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return backend.Ack{}, f.startErr
	}
	return backend.Ack{Status: "success", Message: "started"}, nil
}

func (f *fakeBackend) StopCollection(context.Context) (backend.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return backend.Ack{}, f.stopErr
	}
	return backend.Ack{Status: "success", Message: "stopped"}, nil
}

func (f *fakeBackend) FetchSample(context.Context) (sample.Sample, error) {
	f.mu.Lock()
	fetching, release := f.fetching, f.release
	f.fetches++
	f.next++
	ts := f.next
	err := f.fetchErr
	if err == nil && f.failures > 0 {
		f.failures--
		err = fmt.Errorf("connection reset")
	}
	f.mu.Unlock()

	if fetching != nil {
		fetching <- struct{}{}
		<-release
	}

	if err != nil {
		return sample.Sample{}, err
	}

	return sample.Sample{
		Timestamp:    time.UnixMilli(ts),
		GaitPhase:    sample.Stance,
		PostureScore: 80,
	}, nil
}

func (f *fakeBackend) Export(_ context.Context, req backend.ExportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportReqs = append(f.exportReqs, req)
	return f.exportURL, f.exportErr
}

func (f *fakeBackend) counts() (starts, stops, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.fetches
}

func (f *fakeBackend) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// manualTicker fires only when the test says so.
type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *manualTicker) tick() {
	t.ch <- time.Now()
}

type tickers struct {
	mu  sync.Mutex
	all []*manualTicker
}

func (ts *tickers) factory(time.Duration) poller.Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	ts.all = append(ts.all, t)
	return t
}

func (ts *tickers) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.all)
}

func (ts *tickers) get(i int) *manualTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[i]
}

// recorder is a sink collecting every update.
type recorder struct {
	mu      sync.Mutex
	updates []poller.Update
	ch      chan poller.Update
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan poller.Update, 256)}
}

func (r *recorder) Update(_ context.Context, u poller.Update) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	r.ch <- u
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) await(t *testing.T) poller.Update {
	t.Helper()
	select {
	case u := <-r.ch:
		return u
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for sink update")
		return poller.Update{}
	}
}

func newPoller(t *testing.T, b poller.Backend, opts ...poller.Option) (*poller.Poller, *tickers) {
	t.Helper()

	ts := &tickers{}
	opts = append([]poller.Option{poller.WithTicker(ts.factory)}, opts...)

	p, err := poller.New(b, poller.DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return p, ts
}

func stamps(samples []sample.Sample) []int64 {
	out := make([]int64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp.UnixMilli()
	}
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := poller.New(&fakeBackend{}, poller.Config{Interval: 0, Capacity: 100})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))

	_, err = poller.New(&fakeBackend{}, poller.Config{Interval: time.Second, Capacity: 0})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidCapacity))

	_, err = poller.New(nil, poller.DefaultConfig())
	require.Error(t, err)
}

func TestBufferKeepsLastHundredSamples(t *testing.T) {
	b := &fakeBackend{}
	p, _ := newPoller(t, b)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	for i := 0; i < 150; i++ {
		require.NoError(t, p.Poll(ctx))
	}

	snap := p.Snapshot()
	require.Len(t, snap, 100)

	want := make([]int64, 0, 100)
	for i := int64(51); i <= 150; i++ {
		want = append(want, i)
	}
	assert.Equal(t, want, stamps(snap))
}

func TestSinkReceivesLatestAndHistory(t *testing.T) {
	b := &fakeBackend{}
	p, _ := newPoller(t, b, poller.WithSessionIDs(func() string { return "session-1" }))
	rec := newRecorder()
	p.RegisterSink(rec)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Poll(ctx))
	require.NoError(t, p.Poll(ctx))

	require.Equal(t, 2, rec.len())
	u := rec.updates[1]
	assert.Equal(t, "session-1", u.SessionID)
	assert.Equal(t, int64(2), u.Latest.Timestamp.UnixMilli())
	assert.Equal(t, []int64{1, 2}, stamps(u.History))
}

func TestStartTwiceCreatesOneTicker(t *testing.T) {
	b := &fakeBackend{}
	p, ts := newPoller(t, b)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))

	starts, _, _ := b.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ts.count())
	assert.Equal(t, poller.Collecting, p.State())
}

func TestConcurrentStartsCreateOneTicker(t *testing.T) {
	b := &fakeBackend{}
	p, ts := newPoller(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Start(context.Background()))
		}()
	}
	wg.Wait()

	starts, _, _ := b.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ts.count())
}

func TestTickDrivesPoll(t *testing.T) {
	b := &fakeBackend{}
	p, ts := newPoller(t, b)
	rec := newRecorder()
	p.RegisterSink(rec)

	require.NoError(t, p.Start(context.Background()))
	ts.get(0).tick()
	ts.get(0).tick()

	assert.Equal(t, int64(1), rec.await(t).Latest.Timestamp.UnixMilli())
	assert.Equal(t, int64(2), rec.await(t).Latest.Timestamp.UnixMilli())
}

func TestStopDiscardsInFlightPollAcrossRestart(t *testing.T) {
	b := &fakeBackend{
		fetching: make(chan struct{}),
		release:  make(chan struct{}),
	}
	p, ts := newPoller(t, b)
	rec := newRecorder()
	p.RegisterSink(rec)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	first := ts.get(0)
	go first.tick()

	select {
	case <-b.fetching:
	case <-time.After(waitFor):
		t.Fatal("fetch was not issued")
	}

	epoch := p.Epoch()
	require.NoError(t, p.Stop(ctx))
	assert.True(t, first.isStopped())
	require.NoError(t, p.Start(ctx))
	assert.Greater(t, p.Epoch(), epoch)
	require.Equal(t, 2, ts.count())

	// Let the stale fetch complete, then a fresh one on the new ticker.
	b.release <- struct{}{}
	second := ts.get(1)
	go second.tick()
	<-b.fetching
	b.release <- struct{}{}

	u := rec.await(t)
	assert.Equal(t, int64(2), u.Latest.Timestamp.UnixMilli())
	assert.Equal(t, []int64{2}, stamps(p.Snapshot()))
	assert.Equal(t, 1, rec.len())
}

func TestStaleTickerDoesNotPoll(t *testing.T) {
	b := &fakeBackend{}
	p, ts := newPoller(t, b)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	old := ts.get(0)
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Start(ctx))

	// The old loop may still be draining; any tick it sees is stale.
	select {
	case old.ch <- time.Now():
	case <-time.After(50 * time.Millisecond):
	}

	_, _, fetches := b.counts()
	assert.Equal(t, 0, fetches)
}

func TestFailedPollLeavesStateAndBuffer(t *testing.T) {
	b := &fakeBackend{}
	p, ts := newPoller(t, b)
	rec := newRecorder()
	p.RegisterSink(rec)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Poll(ctx))
	before := p.Snapshot()

	b.failNext(2)
	err := p.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, poller.ErrPollFailed, errors.CodeOf(err))
	assert.Equal(t, poller.Collecting, p.State())
	assert.Equal(t, before, p.Snapshot())

	// A failing tick does not stop the loop; the next one succeeds.
	ts.get(0).tick()
	ts.get(0).tick()

	rec.await(t) // from the first direct Poll
	u := rec.await(t)
	assert.Equal(t, poller.Collecting, p.State())
	assert.Len(t, u.History, 2)
	_, _, fetches := b.counts()
	assert.Equal(t, 4, fetches)
}

func TestStartFailureRevertsToIdle(t *testing.T) {
	b := &fakeBackend{startErr: errors.New().Wrap(backend.ErrBadStatus, fmt.Errorf("500 Internal Server Error"))}
	p, ts := newPoller(t, b)

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, poller.ErrStartFailed, errors.CodeOf(err))
	assert.True(t, errors.HasCode(err, backend.ErrBadStatus))
	assert.Equal(t, poller.Idle, p.State())
	assert.Equal(t, 0, ts.count())
	assert.Empty(t, p.SessionID())

	// A later start is allowed once the backend recovers.
	b.mu.Lock()
	b.startErr = nil
	b.mu.Unlock()
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 1, ts.count())
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	b := &fakeBackend{}
	p, _ := newPoller(t, b)
	ctx := context.Background()

	p.RegisterSink(poller.SinkFunc(func(context.Context, poller.Update) error {
		panic("chart exploded")
	}))
	p.RegisterSink(poller.SinkFunc(func(context.Context, poller.Update) error {
		return fmt.Errorf("render failed")
	}))
	rec := newRecorder()
	p.RegisterSink(rec)

	require.NoError(t, p.Start(ctx))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Poll(ctx))
	}

	assert.Equal(t, 5, rec.len())
	assert.Equal(t, poller.Collecting, p.State())
}

func TestSinksRunInRegistrationOrder(t *testing.T) {
	b := &fakeBackend{}
	p, _ := newPoller(t, b)
	ctx := context.Background()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		p.RegisterSink(poller.SinkFunc(func(context.Context, poller.Update) error {
			order = append(order, i)
			return nil
		}))
	}

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Poll(ctx))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestStopIsUnconditional(t *testing.T) {
	b := &fakeBackend{stopErr: fmt.Errorf("backend down")}
	p, ts := newPoller(t, b)
	ctx := context.Background()

	require.NoError(t, p.Stop(ctx))
	_, stops, _ := b.counts()
	assert.Equal(t, 0, stops, "stop while idle is a no-op")

	require.NoError(t, p.Start(ctx))
	err := p.Stop(ctx)
	require.Error(t, err)
	assert.Equal(t, poller.ErrStopFailed, errors.CodeOf(err))
	assert.Equal(t, poller.Idle, p.State())
	assert.True(t, ts.get(0).isStopped())

	assert.NoError(t, p.Poll(ctx))
	_, _, fetches := b.counts()
	assert.Equal(t, 0, fetches)
}

type sessionSink struct {
	mu     sync.Mutex
	events []string
}

func (s *sessionSink) Update(context.Context, poller.Update) error { return nil }

func (s *sessionSink) SessionStarted(_ context.Context, id string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "start:"+id)
}

func (s *sessionSink) SessionStopped(_ context.Context, id string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "stop:"+id)
}

func TestSessionObserver(t *testing.T) {
	ids := []string{"a", "b"}
	next := 0
	p, _ := newPoller(t, &fakeBackend{}, poller.WithSessionIDs(func() string {
		id := ids[next]
		next++
		return id
	}))
	obs := &sessionSink{}
	p.RegisterSink(obs)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, "a", p.SessionID())
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, []string{"start:a", "stop:a", "start:b", "stop:b"}, obs.events)
}

func TestExportHistoryIsIndependentOfState(t *testing.T) {
	b := &fakeBackend{exportURL: "http://backend/download/report.pdf"}
	p, _ := newPoller(t, b)
	ctx := context.Background()

	url, err := p.ExportHistory(ctx, backend.ExportRequest{Format: backend.FormatPDF, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "http://backend/download/report.pdf", url)
	assert.Equal(t, poller.Idle, p.State())
	assert.Empty(t, p.Snapshot())

	b.exportErr = errors.New().WithData(backend.ErrRejected, "no data")
	_, err = p.ExportHistory(ctx, backend.ExportRequest{Format: backend.FormatCSV})
	require.Error(t, err)
	assert.Equal(t, poller.ErrExportFailed, errors.CodeOf(err))
	assert.Len(t, b.exportReqs, 2)
}

func TestNoPollBeforeStartAcknowledged(t *testing.T) {
	b := &fakeBackend{
		starting:  make(chan struct{}),
		startGate: make(chan struct{}),
	}
	p, ts := newPoller(t, b)
	rec := newRecorder()
	p.RegisterSink(rec)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()
	<-b.starting

	assert.Equal(t, poller.Idle, p.State(), "not collecting until acknowledged")
	require.NoError(t, p.Start(ctx), "second start while pending is a no-op")
	require.NoError(t, p.Poll(ctx))

	b.mu.Lock()
	b.startErr = errors.New().Wrap(backend.ErrBadStatus, fmt.Errorf("500 Internal Server Error"))
	b.mu.Unlock()
	close(b.startGate)

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, poller.ErrStartFailed, errors.CodeOf(err))

	assert.Equal(t, poller.Idle, p.State())
	assert.Empty(t, p.Snapshot())
	assert.Zero(t, rec.len())
	assert.Zero(t, ts.count())
	_, _, fetches := b.counts()
	assert.Zero(t, fetches)
}

func TestStopBeforeAcknowledgementFailsStart(t *testing.T) {
	b := &fakeBackend{
		starting:  make(chan struct{}),
		startGate: make(chan struct{}),
	}
	p, ts := newPoller(t, b)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()
	<-b.starting

	require.NoError(t, p.Stop(ctx))
	close(b.startGate)

	err := <-errCh
	require.Error(t, err, "a start overtaken by stop is not reported as success")
	assert.Equal(t, poller.ErrStartFailed, errors.CodeOf(err))
	assert.Equal(t, poller.Idle, p.State())
	assert.Empty(t, p.SessionID())
	assert.Zero(t, ts.count())

	_, stops, _ := b.counts()
	assert.Equal(t, 1, stops)
}
