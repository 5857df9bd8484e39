package recorder

import (
	"context"
	"time"

	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/sample"
)

// Recorder persists accepted samples and session boundaries.
type Recorder interface {
	poller.Sink
	poller.SessionObserver
	Close() error
}

// Store is the sample storage behind a Recorder.
type Store interface {
	Append(rec Record) error
	Flush() error
	StartSession(ctx context.Context, id string, at time.Time) error
	StopSession(ctx context.Context, id string, at time.Time) error
	Prune(ctx context.Context, before time.Time) (int64, error)
	Samples(ctx context.Context, sessionID string) ([]sample.Sample, error)
	Sessions(ctx context.Context) ([]Session, error)
	Close() error
}

// Record is one sample tagged with its session.
type Record struct {
	SessionID string
	Sample    sample.Sample
}

// Session is one stored collection session. StoppedAt is zero while the
// session is open.
type Session struct {
	ID        string
	StartedAt time.Time
	StoppedAt time.Time
	Samples   int
}
