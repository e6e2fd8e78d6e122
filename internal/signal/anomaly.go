package signal

import (
	"math"

	"github.com/google/uuid"

	"github.com/Chen-speculation/narrarc/internal/types"
)

// numericField maps one SignalSet value onto the anchor signal name it
// reports under. Both reply-delay views report as "reply_delay".
type numericField struct {
	signalName string
	value      func(types.SignalSet) float64
}

var numericFields = []numericField{
	{"reply_delay", func(s types.SignalSet) float64 { return s.ReplyDelayAvgS }},
	{"reply_delay", func(s types.SignalSet) float64 { return s.ReplyDelayMaxS }},
	{"term_shift", func(s types.SignalSet) float64 { return s.TermShiftScore }},
	{"topic_frequency", func(s types.SignalSet) float64 { return float64(s.TopicFrequency) }},
	{"initiator_ratio", func(s types.SignalSet) float64 { return s.InitiatorRatio }},
	{"emotional_tone", func(s types.SignalSet) float64 { return s.EmotionalTone }},
	{"conflict_intensity", func(s types.SignalSet) float64 { return s.ConflictIntensity }},
}

// DetectAnomalies flags every unit whose signal value exceeds
// mean + sigma*stdev across the talker's units. Fields with fewer than two
// samples or zero variance are skipped. A true silence_event always anchors
// regardless of distribution.
func DetectAnomalies(talkerID string, units []types.TopicUnit, signals map[string]types.SignalSet, sigma float64) []types.AnomalyAnchor {
	if sigma <= 0 {
		sigma = 2.0
	}

	byID := make(map[string]types.TopicUnit, len(units))
	scored := make([]types.TopicUnit, 0, len(units))
	for _, u := range units {
		byID[u.ID] = u
		if _, ok := signals[u.ID]; ok {
			scored = append(scored, u)
		}
	}

	var anchors []types.AnomalyAnchor

	for _, field := range numericFields {
		values := make([]float64, len(scored))
		for i, u := range scored {
			values[i] = field.value(signals[u.ID])
		}
		mean, std, ok := distribution(values)
		if !ok {
			continue
		}
		threshold := mean + sigma*std
		for i, u := range scored {
			if values[i] > threshold {
				anchors = append(anchors, types.AnomalyAnchor{
					ID:           uuid.NewString(),
					TalkerID:     talkerID,
					NodeID:       u.ID,
					SignalName:   field.signalName,
					Value:        values[i],
					BaselineMean: mean,
					BaselineStd:  std,
					EventDate:    unitDate(u),
				})
			}
		}
	}

	for _, u := range scored {
		if signals[u.ID].SilenceEvent {
			anchors = append(anchors, types.AnomalyAnchor{
				ID:           uuid.NewString(),
				TalkerID:     talkerID,
				NodeID:       u.ID,
				SignalName:   "silence_event",
				Value:        1.0,
				BaselineMean: 0,
				BaselineStd:  0,
				EventDate:    unitDate(u),
			})
		}
	}

	return anchors
}

// distribution returns the mean and population standard deviation, reporting
// ok=false when fewer than two samples exist or the variance is zero.
func distribution(values []float64) (mean, std float64, ok bool) {
	if len(values) < 2 {
		return 0, 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	if variance == 0 {
		return mean, 0, false
	}
	return mean, math.Sqrt(variance), true
}
