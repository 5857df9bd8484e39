// Package sample defines the telemetry reading produced by the gait
// analysis backend and its wire decoding.
package sample

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"github.com/relvacode/iso8601"
)

const (
	MinPostureScore = 0
	MaxPostureScore = 100
)

// GaitPhase is the foot-contact classification of a sample.
type GaitPhase string

const (
	Stance GaitPhase = "stance"
	Swing  GaitPhase = "swing"
)

// ParseGaitPhase accepts the backend's phase names in any case.
func ParseGaitPhase(s string) (GaitPhase, error) {
	switch GaitPhase(strings.ToLower(strings.TrimSpace(s))) {
	case Stance:
		return Stance, nil
	case Swing:
		return Swing, nil
	default:
		return "", errors.New().WithData(ErrInvalidSample, fmt.Sprintf("gait_phase %q", s))
	}
}

// Vector3 is an x, y, z triple.
type Vector3 [3]float64

// Magnitude returns the Euclidean norm.
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Sample is one telemetry reading. Values are copied on every hand-off;
// callers must not mutate Pressure or Recommendations of a received sample.
type Sample struct {
	Timestamp       time.Time
	Acceleration    Vector3 // m/s²
	Gyroscope       Vector3 // rad/s
	Pressure        []float64
	GaitPhase       GaitPhase
	PostureScore    float64
	Recommendations []string
}

// Clone returns a deep copy.
func (s Sample) Clone() Sample {
	c := s
	if s.Pressure != nil {
		c.Pressure = append([]float64(nil), s.Pressure...)
	}
	if s.Recommendations != nil {
		c.Recommendations = append([]string(nil), s.Recommendations...)
	}

	return c
}

type wireSample struct {
	Timestamp       json.RawMessage   `json:"timestamp"`
	Acceleration    []float64         `json:"acceleration"`
	Gyroscope       []float64         `json:"gyroscope"`
	Pressure        []float64         `json:"pressure"`
	GaitPhase       string            `json:"gait_phase"`
	PostureScore    *float64          `json:"posture_score"`
	Recommendations []json.RawMessage `json:"recommendations"`
}

type wireRecommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Decode parses one real-time-data response body. received is used as the
// timestamp when the backend omits one.
func Decode(body []byte, received time.Time) (Sample, error) {
	errFactory := errors.New()

	var w wireSample
	if err := json.Unmarshal(body, &w); err != nil {
		return Sample{}, errFactory.Wrap(ErrInvalidSample, err)
	}

	ts, err := decodeTimestamp(w.Timestamp, received)
	if err != nil {
		return Sample{}, err
	}

	acc, err := vector("acceleration", w.Acceleration)
	if err != nil {
		return Sample{}, err
	}

	gyro, err := vector("gyroscope", w.Gyroscope)
	if err != nil {
		return Sample{}, err
	}

	phase, err := ParseGaitPhase(w.GaitPhase)
	if err != nil {
		return Sample{}, err
	}

	if w.PostureScore == nil {
		return Sample{}, errFactory.WithData(ErrInvalidSample, "missing posture_score")
	}
	score := *w.PostureScore
	if math.IsNaN(score) || score < MinPostureScore || score > MaxPostureScore {
		return Sample{}, errFactory.WithData(ErrInvalidSample, fmt.Sprintf("posture_score %v out of range", score))
	}

	recs, err := decodeRecommendations(w.Recommendations)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Timestamp:       ts,
		Acceleration:    acc,
		Gyroscope:       gyro,
		Pressure:        w.Pressure,
		GaitPhase:       phase,
		PostureScore:    score,
		Recommendations: recs,
	}, nil
}

// decodeTimestamp accepts Unix milliseconds or an ISO-8601 string.
func decodeTimestamp(raw json.RawMessage, received time.Time) (time.Time, error) {
	errFactory := errors.New()

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return received, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errFactory.Wrap(ErrInvalidSample, err)
		}
		ts, err := iso8601.ParseString(s)
		if err != nil {
			return time.Time{}, errFactory.Wrap(ErrInvalidSample, err)
		}
		return ts, nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, errFactory.Wrap(ErrInvalidSample, err)
	}

	return time.UnixMilli(int64(ms)).Add(time.Duration(math.Mod(ms, 1) * float64(time.Millisecond))), nil
}

func vector(field string, v []float64) (Vector3, error) {
	if len(v) != len(Vector3{}) {
		return Vector3{}, errors.New().WithData(ErrInvalidSample, fmt.Sprintf("%s has %d components", field, len(v)))
	}

	return Vector3{v[0], v[1], v[2]}, nil
}

func decodeRecommendations(raw []json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}

		var obj wireRecommendation
		if err := json.Unmarshal(r, &obj); err != nil {
			return nil, errors.New().Wrap(ErrInvalidSample, err)
		}
		switch {
		case obj.Description == "":
			out = append(out, obj.Title)
		case obj.Title == "":
			out = append(out, obj.Description)
		default:
			out = append(out, obj.Title+": "+obj.Description)
		}
	}

	return out, nil
}

// MarshalJSON renders the sample in the backend's wire shape with a
// millisecond timestamp, which is what browser dashboards consume.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp       int64     `json:"timestamp"`
		Acceleration    Vector3   `json:"acceleration"`
		Gyroscope       Vector3   `json:"gyroscope"`
		Pressure        []float64 `json:"pressure"`
		GaitPhase       GaitPhase `json:"gait_phase"`
		PostureScore    float64   `json:"posture_score"`
		Recommendations []string  `json:"recommendations,omitempty"`
	}{
		Timestamp:       s.Timestamp.UnixMilli(),
		Acceleration:    s.Acceleration,
		Gyroscope:       s.Gyroscope,
		Pressure:        s.Pressure,
		GaitPhase:       s.GaitPhase,
		PostureScore:    s.PostureScore,
		Recommendations: s.Recommendations,
	})
}
