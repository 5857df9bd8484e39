package sample

import "time"

// Summary aggregates a history snapshot for dashboard widgets.
type Summary struct {
	Count            int       `json:"count"`
	StanceFraction   float64   `json:"stance_fraction"`
	MeanPostureScore float64   `json:"mean_posture_score"`
	MeanPressure     []float64 `json:"mean_pressure,omitempty"`
	Last             time.Time `json:"last"`
}

// Summarize computes a Summary over samples in arrival order. Pressure
// cells are averaged over the samples that carry that cell.
func Summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	var (
		stance   int
		score    float64
		pressure []float64
		counts   []int
	)

	for _, s := range samples {
		if s.GaitPhase == Stance {
			stance++
		}
		score += s.PostureScore

		for i, p := range s.Pressure {
			if i >= len(pressure) {
				pressure = append(pressure, 0)
				counts = append(counts, 0)
			}
			pressure[i] += p
			counts[i]++
		}
	}

	for i := range pressure {
		pressure[i] /= float64(counts[i])
	}

	n := float64(len(samples))

	return Summary{
		Count:            len(samples),
		StanceFraction:   float64(stance) / n,
		MeanPostureScore: score / n,
		MeanPressure:     pressure,
		Last:             samples[len(samples)-1].Timestamp,
	}
}
