// Package sink holds lightweight poller sinks.
package sink

import (
	"context"

	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/sample"
)

// DefaultLogEvery is how many samples pass between info-level summaries.
const DefaultLogEvery = 50

// LogSink writes every sample at debug level and a summary of the buffered
// history at info level every N samples.
type LogSink struct {
	log   logger.Logger
	every int
	seen  int
}

func NewLogSink(log logger.Logger, every int) *LogSink {
	if every <= 0 {
		every = DefaultLogEvery
	}

	return &LogSink{log: log.With("sink.log"), every: every}
}

func (s *LogSink) Update(_ context.Context, u poller.Update) error {
	s.seen++

	s.log.Debug().
		Str("session", u.SessionID).
		Time("timestamp", u.Latest.Timestamp).
		Str("gait_phase", string(u.Latest.GaitPhase)).
		Float64("posture_score", u.Latest.PostureScore).
		Float64("acceleration", u.Latest.Acceleration.Magnitude()).
		Float64("angular_velocity", u.Latest.Gyroscope.Magnitude()).
		Floats64("pressure", u.Latest.Pressure).
		Int("buffered", len(u.History)).
		Msg("")

	if s.seen%s.every != 0 {
		return nil
	}

	sum := sample.Summarize(u.History)
	s.log.Info().
		Str("session", u.SessionID).
		Int("samples", sum.Count).
		Float64("stance_fraction", sum.StanceFraction).
		Float64("avg_posture_score", sum.MeanPostureScore).
		Strs("recommendations", u.Latest.Recommendations).
		Msg("")

	return nil
}

// Seen returns the number of updates received.
func (s *LogSink) Seen() int {
	return s.seen
}
