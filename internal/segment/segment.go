// Package segment groups raw messages into time-bounded bursts and labels
// each burst with one or more topic units via the completion service.
package segment

import (
	"sort"

	"github.com/google/uuid"

	"github.com/Chen-speculation/narrarc/internal/types"
)

// Segmenter splits a talker's messages into bursts.
type Segmenter struct {
	// gapMS starts a new burst when the gap to the previous message
	// reaches this many milliseconds.
	gapMS int64
}

// NewSegmenter builds a segmenter with the gap threshold in seconds.
func NewSegmenter(gapSeconds int) *Segmenter {
	if gapSeconds <= 0 {
		gapSeconds = 1800
	}
	return &Segmenter{gapMS: int64(gapSeconds) * 1000}
}

// Segment sorts the non-excluded messages by time and cuts a new burst at
// every gap >= the threshold. Single-message bursts are valid.
func (s *Segmenter) Segment(msgs []types.Message) []types.Burst {
	filtered := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Excluded {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Timestamp != filtered[j].Timestamp {
			return filtered[i].Timestamp < filtered[j].Timestamp
		}
		return filtered[i].LocalID < filtered[j].LocalID
	})

	var bursts []types.Burst
	current := []types.Message{filtered[0]}
	for _, m := range filtered[1:] {
		if m.Timestamp-current[len(current)-1].Timestamp >= s.gapMS {
			bursts = append(bursts, makeBurst(current))
			current = nil
		}
		current = append(current, m)
	}
	bursts = append(bursts, makeBurst(current))
	return bursts
}

func makeBurst(msgs []types.Message) types.Burst {
	return types.Burst{
		ID:        uuid.NewString(),
		TalkerID:  msgs[0].TalkerID,
		StartTime: msgs[0].Timestamp,
		EndTime:   msgs[len(msgs)-1].Timestamp,
		Messages:  msgs,
	}
}
