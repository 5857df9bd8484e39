// Package poller drives a collection session on the analysis backend,
// polls its real-time endpoint and fans samples out to sinks.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/gaitmon/internal/backend"
	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/history"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/sample"
	"github.com/google/uuid"
)

// DefaultInterval is the 10 Hz dashboard refresh rate.
const DefaultInterval = 100 * time.Millisecond

type Config struct {
	Interval time.Duration
	Capacity int
}

func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Capacity: history.DefaultCapacity,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Capacity <= 0 {
		return errFactory.WithData(errors.ErrInvalidCapacity, c.Capacity)
	}

	return nil
}

// Poller owns the collection state, the history buffer and the sink list
// of one dashboard session.
//
// Collecting is entered only once the backend acknowledges the start; until
// then the poller is Idle with a start pending, and polls are refused.
//
// Every start and stop advances the epoch. A fetch remembers the epoch it
// was issued under and its result is dropped if the epoch moved on before
// it completed, so a stop invalidates all in-flight polls.
type Poller struct {
	backend   Backend
	interval  time.Duration
	newTicker TickerFactory
	newID     func() string
	now       func() time.Time
	log       logger.Logger

	mu       sync.Mutex
	state    State
	starting bool
	epoch   uint64
	session string
	ticker  Ticker
	cancel  context.CancelFunc
	buffer  *history.Buffer

	// dispatchMu serializes sink calls and session notifications. Lock
	// order is dispatchMu before mu.
	dispatchMu sync.Mutex
	sinkMu     sync.RWMutex
	sinks      []Sink

	wg sync.WaitGroup
}

// Option customizes a Poller.
type Option func(*Poller)

// WithTicker replaces the ticker factory.
func WithTicker(f TickerFactory) Option {
	return func(p *Poller) {
		p.newTicker = f
	}
}

// WithLogger replaces the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Poller) {
		p.log = l
	}
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(f func() string) Option {
	return func(p *Poller) {
		p.newID = f
	}
}

// WithClock replaces the clock used for session boundaries.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// New creates an idle Poller.
func New(b Backend, cfg Config, opts ...Option) (*Poller, error) {
	errFactory := errors.New()

	if b == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "nil backend")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	buf, err := history.New(cfg.Capacity)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	p := &Poller{
		backend:   b,
		interval:  cfg.Interval,
		newTicker: NewTimeTicker,
		newID:     uuid.NewString,
		now:       time.Now,
		log:       logger.Default().With("poller"),
		buffer:    buf,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// RegisterSink appends s to the sinks notified after each accepted poll.
func (p *Poller) RegisterSink(s Sink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Start begins a collection session. It is a no-op while collecting or
// while another start awaits acknowledgement. When the backend does not
// acknowledge, or Stop runs before it does, the poller stays Idle without
// scheduling any poll and the error carries ErrStartFailed.
func (p *Poller) Start(ctx context.Context) error {
	errFactory := errors.New()

	p.mu.Lock()
	if p.state == Collecting || p.starting {
		p.mu.Unlock()
		p.log.Debug().Msg("Start ignored, already collecting")
		return nil
	}
	p.starting = true
	p.epoch++
	epoch := p.epoch
	p.mu.Unlock()

	ack, err := p.backend.StartCollection(ctx)

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		p.log.Debug().Uint64("epoch", epoch).Msg("Start superseded before acknowledgement")
		if err != nil {
			return errFactory.Wrap(ErrStartFailed, err)
		}
		return errFactory.WithMessage(ErrStartFailed, "superseded by stop")
	}
	p.starting = false

	if err != nil {
		p.epoch++
		p.mu.Unlock()

		startErr := errFactory.Wrap(ErrStartFailed, err)
		p.log.ErrorWithCode(startErr).Msg("Backend did not acknowledge start")
		return startErr
	}

	session := p.newID()
	p.state = Collecting
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticker := p.newTicker(p.interval)

	p.session = session
	p.cancel = cancel
	p.ticker = ticker
	p.wg.Add(1)
	p.mu.Unlock()

	startedAt := p.now()
	p.log.Info().
		Str("session", session).
		Str("message", ack.Message).
		Dur("interval", p.interval).
		Msg("Collection started")

	p.dispatchMu.Lock()
	p.mu.Lock()
	live := p.current(epoch)
	p.mu.Unlock()
	if live {
		p.notifySession(ctx, session, startedAt, true)
	}
	p.dispatchMu.Unlock()

	// In-flight fetches outlive Stop; they get a context that Stop does
	// not cancel and are bounded by the HTTP client timeout.
	go p.run(loopCtx, context.WithoutCancel(ctx), ticker, epoch)

	return nil
}

// Stop ends the session. The ticker is cancelled and the epoch advanced
// before the stop command is sent, so no poll is issued after Stop
// returns and results of in-flight polls are discarded. A failing stop
// command is reported but the poller stays Idle.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Idle && !p.starting {
		p.mu.Unlock()
		return nil
	}

	p.state = Idle
	p.starting = false
	p.epoch++
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	session := p.session
	p.session = ""
	p.mu.Unlock()

	if session != "" {
		p.log.Info().Str("session", session).Msg("Collection stopped")
		p.dispatchMu.Lock()
		p.notifySession(ctx, session, p.now(), false)
		p.dispatchMu.Unlock()
	}

	if _, err := p.backend.StopCollection(ctx); err != nil {
		stopErr := errors.New().Wrap(ErrStopFailed, err)
		p.log.ErrorWithCode(stopErr).Msg("Backend stop command failed")
		return stopErr
	}

	return nil
}

// Close stops collection and waits for polling goroutines, including
// in-flight fetches, to finish.
func (p *Poller) Close(ctx context.Context) error {
	err := p.Stop(ctx)
	p.wg.Wait()

	return err
}

// Poll performs one fetch under the current epoch. It does nothing while
// Idle. A failed fetch returns an ErrPollFailed error and leaves the state
// and buffer untouched.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Collecting {
		p.mu.Unlock()
		return nil
	}
	epoch := p.epoch
	p.mu.Unlock()

	return p.poll(ctx, epoch)
}

func (p *Poller) run(ctx, fetchCtx context.Context, ticker Ticker, epoch uint64) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			// Errors are logged in poll; the next tick proceeds regardless.
			_ = p.poll(fetchCtx, epoch)
		}
	}
}

func (p *Poller) current(epoch uint64) bool {
	return p.state == Collecting && p.epoch == epoch
}

func (p *Poller) poll(ctx context.Context, epoch uint64) error {
	p.mu.Lock()
	if !p.current(epoch) {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	s, err := p.backend.FetchSample(ctx)

	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	p.mu.Lock()
	if !p.current(epoch) {
		p.mu.Unlock()
		p.log.Debug().Uint64("epoch", epoch).Bool("failed", err != nil).Msg("Discarding stale poll")
		return nil
	}

	if err != nil {
		p.mu.Unlock()
		pollErr := errors.New().Wrap(ErrPollFailed, err)
		p.log.Warn().
			Str("error_code", string(errors.CodeOf(err))).
			Err(err).
			Msg("Poll failed, waiting for next tick")
		return pollErr
	}

	p.buffer.Append(s)
	u := Update{
		SessionID: p.session,
		Latest:    s,
		History:   p.buffer.Snapshot(),
	}
	p.mu.Unlock()

	p.dispatch(ctx, u)

	return nil
}

func (p *Poller) dispatch(ctx context.Context, u Update) {
	p.sinkMu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	p.sinkMu.RUnlock()

	for i, s := range sinks {
		if err := p.invoke(ctx, s, u); err != nil {
			p.log.ErrorWithCode(errors.New().Wrap(ErrSinkFailed, err)).
				Int("sink", i).
				Msg("Sink update failed")
		}
	}
}

// invoke isolates one sink call; a panicking sink is reported as an error.
func (p *Poller) invoke(ctx context.Context, s Sink, u Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()

	return s.Update(ctx, u)
}

func (p *Poller) notifySession(ctx context.Context, id string, at time.Time, started bool) {
	p.sinkMu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	p.sinkMu.RUnlock()

	for _, s := range sinks {
		obs, ok := s.(SessionObserver)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Interface("panic", r).Str("session", id).Msg("Session observer panicked")
				}
			}()
			if started {
				obs.SessionStarted(ctx, id, at)
			} else {
				obs.SessionStopped(ctx, id, at)
			}
		}()
	}
}

// ExportHistory asks the backend to render an export and returns the
// artifact URL. It does not depend on or touch the collection state.
func (p *Poller) ExportHistory(ctx context.Context, req backend.ExportRequest) (string, error) {
	fileURL, err := p.backend.Export(ctx, req)
	if err != nil {
		exportErr := errors.New().Wrap(ErrExportFailed, err)
		p.log.ErrorWithCode(exportErr).Str("format", string(req.Format)).Msg("Export failed")
		return "", exportErr
	}

	p.log.Info().Str("format", string(req.Format)).Str("url", fileURL).Msg("Export ready")

	return fileURL, nil
}

// State returns the collection state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Epoch returns the current epoch.
func (p *Poller) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// SessionID returns the id of the running session, or "" when Idle.
func (p *Poller) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Snapshot returns the buffered samples, oldest first.
func (p *Poller) Snapshot() []sample.Sample {
	return p.buffer.Snapshot()
}

// Capacity returns the history capacity.
func (p *Poller) Capacity() int {
	return p.buffer.Cap()
}
