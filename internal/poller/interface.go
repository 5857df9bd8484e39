package poller

import (
	"context"
	"time"

	"codeberg.org/mutker/gaitmon/internal/backend"
	"codeberg.org/mutker/gaitmon/internal/sample"
)

// State is the collection state of a Poller.
type State int32

const (
	Idle State = iota
	Collecting
)

func (s State) String() string {
	if s == Collecting {
		return "collecting"
	}
	return "idle"
}

// Backend is the part of the analysis backend the poller drives.
// *backend.Client implements it.
type Backend interface {
	StartCollection(ctx context.Context) (backend.Ack, error)
	StopCollection(ctx context.Context) (backend.Ack, error)
	FetchSample(ctx context.Context) (sample.Sample, error)
	Export(ctx context.Context, req backend.ExportRequest) (string, error)
}

// Update is what sinks receive after every accepted poll.
type Update struct {
	SessionID string
	Latest    sample.Sample
	// History is a snapshot of the buffer, oldest first, ending with Latest.
	History []sample.Sample
}

// Sink consumes updates. Update is called on the polling goroutine in
// registration order and should return quickly.
type Sink interface {
	Update(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update) error

func (f SinkFunc) Update(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// SessionObserver is implemented by sinks that track session boundaries.
type SessionObserver interface {
	SessionStarted(ctx context.Context, id string, at time.Time)
	SessionStopped(ctx context.Context, id string, at time.Time)
}

// Ticker drives polling. *time.Ticker is wrapped by the default factory;
// tests substitute a manual one.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()              { t.t.Stop() }

// NewTimeTicker is the default TickerFactory.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}
