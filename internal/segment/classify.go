package segment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const (
	classifySystem = "You segment chat conversations by topic. A burst of messages may contain " +
		"one topic or several consecutive topics. Respond with JSON only."

	// FallbackLabel is the unit label used when classification cannot
	// produce a valid segmentation. The fallback path never fails.
	FallbackLabel = "unclassified"
)

// Classifier turns bursts into topic units through the completion service.
type Classifier struct {
	completer llm.Completer
	batchSize int
	workers   int
}

// NewClassifier builds a classifier. batchSize bursts go into one call;
// batches are dispatched across workers.
func NewClassifier(completer llm.Completer, batchSize, workers int) *Classifier {
	if batchSize <= 0 {
		batchSize = 8
	}
	if workers <= 0 {
		workers = 8
	}
	return &Classifier{completer: completer, batchSize: batchSize, workers: workers}
}

type segmentOut struct {
	TopicName    string `json:"topic_name"`
	StartLocalID int64  `json:"start_local_id"`
	EndLocalID   int64  `json:"end_local_id"`
}

type burstOut struct {
	Segments []segmentOut `json:"segments"`
}

type batchOut struct {
	Bursts []burstOut `json:"bursts"`
}

// ClassifyBursts classifies all bursts, batched and dispatched concurrently.
// The result is index-aligned with the input; every burst gets at least one
// unit, falling back to a single FallbackLabel unit on any failure.
func (c *Classifier) ClassifyBursts(ctx context.Context, bursts []types.Burst) [][]types.TopicUnit {
	timer := logging.StartTimer(logging.CategoryBuild, "ClassifyBursts")
	defer timer.Stop()

	results := make([][]types.TopicUnit, len(bursts))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.workers)
	for start := 0; start < len(bursts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(bursts) {
			end = len(bursts)
		}
		start, end := start, end
		eg.Go(func() error {
			batch := bursts[start:end]
			units := c.classifyBatch(gctx, batch)
			copy(results[start:end], units)
			return nil
		})
	}
	// Workers only report context cancellation; classification failures
	// degrade to fallback units per burst instead of aborting the run.
	if err := eg.Wait(); err != nil {
		logging.Build("classification interrupted: %v", err)
	}

	for i := range results {
		if results[i] == nil {
			results[i] = []types.TopicUnit{fallbackUnit(bursts[i])}
		}
	}
	return results
}

// ClassifyBurst classifies a single burst with one retry, then falls back to
// a single FallbackLabel unit. This path never fails.
func (c *Classifier) ClassifyBurst(ctx context.Context, burst types.Burst) []types.TopicUnit {
	prompt := buildBurstPrompt(burst, 1) + "\n" + singleInstruction
	schema := &llm.ResponseSchema{Name: "burst_segments", Definition: llm.GenerateSchema[burstOut]()}

	for attempt := 0; attempt < 2; attempt++ {
		raw, err := c.completer.Complete(ctx, llm.CompletionRequest{
			System:    classifySystem,
			Prompt:    prompt,
			MaxTokens: 1024,
			Schema:    schema,
		})
		if err != nil {
			logging.BuildDebug("classify burst %s attempt %d: %v", burst.ID, attempt+1, err)
			continue
		}
		var out burstOut
		if err := llm.UnmarshalResponse(raw, &out); err != nil {
			logging.BuildDebug("classify burst %s parse attempt %d: %v", burst.ID, attempt+1, err)
			continue
		}
		if units, ok := unitsFromSegments(burst, out.Segments); ok {
			return units
		}
	}
	return []types.TopicUnit{fallbackUnit(burst)}
}

const singleInstruction = `Partition the burst into topic segments. Respond with JSON:
{"segments": [{"topic_name": "...", "start_local_id": N, "end_local_id": N}]}
Segments must be in order, non-overlapping, and cover the burst's full id range.`

const batchInstruction = `Partition each burst into topic segments. Respond with JSON:
{"bursts": [{"segments": [{"topic_name": "...", "start_local_id": N, "end_local_id": N}]}]}
The bursts array must have exactly one entry per input burst, in input order.
Within a burst, segments must be in order, non-overlapping, and cover the burst's full id range.`

// classifyBatch sends several bursts in one call. A wrong-length bursts
// array is retried once as a batch; after that, and for any individually
// malformed entry, the affected bursts fall back independently.
func (c *Classifier) classifyBatch(ctx context.Context, bursts []types.Burst) [][]types.TopicUnit {
	if len(bursts) == 1 {
		return [][]types.TopicUnit{c.ClassifyBurst(ctx, bursts[0])}
	}

	var sb strings.Builder
	for i, b := range bursts {
		sb.WriteString(buildBurstPrompt(b, i+1))
		sb.WriteString("\n")
	}
	sb.WriteString(batchInstruction)
	schema := &llm.ResponseSchema{Name: "batch_segments", Definition: llm.GenerateSchema[batchOut]()}

	results := make([][]types.TopicUnit, len(bursts))
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := c.completer.Complete(ctx, llm.CompletionRequest{
			System:    classifySystem,
			Prompt:    sb.String(),
			MaxTokens: 4096,
			Schema:    schema,
		})
		if err != nil {
			logging.BuildDebug("classify batch attempt %d: %v", attempt+1, err)
			continue
		}
		var out batchOut
		if err := llm.UnmarshalResponse(raw, &out); err != nil {
			logging.BuildDebug("classify batch parse attempt %d: %v", attempt+1, err)
			continue
		}
		if len(out.Bursts) != len(bursts) {
			logging.BuildDebug("classify batch length mismatch: got %d, want %d (attempt %d)",
				len(out.Bursts), len(bursts), attempt+1)
			continue
		}
		for i, entry := range out.Bursts {
			if units, ok := unitsFromSegments(bursts[i], entry.Segments); ok {
				results[i] = units
			} else {
				results[i] = []types.TopicUnit{fallbackUnit(bursts[i])}
			}
		}
		return results
	}

	for i := range bursts {
		results[i] = []types.TopicUnit{fallbackUnit(bursts[i])}
	}
	return results
}

func buildBurstPrompt(b types.Burst, ordinal int) string {
	var sb strings.Builder
	first := b.Messages[0].LocalID
	last := b.Messages[len(b.Messages)-1].LocalID
	fmt.Fprintf(&sb, "Burst %d: messages %d-%d (%s to %s)\n", ordinal, first, last,
		formatTime(b.StartTime), formatTime(b.EndTime))
	for _, m := range b.Messages {
		who := "them"
		if m.IsOutgoing {
			who = "me"
		}
		fmt.Fprintf(&sb, "[%d] %s: %s\n", m.LocalID, who, m.Text)
	}
	return sb.String()
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

// unitsFromSegments validates a segmentation against the burst: segments
// sorted, non-overlapping, contiguous, spanning the burst's id range.
func unitsFromSegments(b types.Burst, segments []segmentOut) ([]types.TopicUnit, bool) {
	if len(segments) == 0 {
		return nil, false
	}
	first := b.Messages[0].LocalID
	last := b.Messages[len(b.Messages)-1].LocalID

	sorted := make([]segmentOut, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartLocalID < sorted[j].StartLocalID })

	if sorted[0].StartLocalID != first || sorted[len(sorted)-1].EndLocalID != last {
		return nil, false
	}
	for i, seg := range sorted {
		if seg.StartLocalID > seg.EndLocalID {
			return nil, false
		}
		if i > 0 && seg.StartLocalID <= sorted[i-1].EndLocalID {
			return nil, false
		}
	}

	units := make([]types.TopicUnit, 0, len(sorted))
	for _, seg := range sorted {
		label := strings.TrimSpace(seg.TopicName)
		if label == "" {
			label = FallbackLabel
		}
		startTime, endTime, ok := rangeTimes(b.Messages, seg.StartLocalID, seg.EndLocalID)
		if !ok {
			return nil, false
		}
		units = append(units, types.TopicUnit{
			ID:           uuid.NewString(),
			TalkerID:     b.TalkerID,
			BurstID:      b.ID,
			TopicLabel:   label,
			StartLocalID: seg.StartLocalID,
			EndLocalID:   seg.EndLocalID,
			StartTime:    startTime,
			EndTime:      endTime,
		})
	}
	return units, true
}

func rangeTimes(msgs []types.Message, startID, endID int64) (int64, int64, bool) {
	var startTime, endTime int64
	found := false
	for _, m := range msgs {
		if m.LocalID < startID || m.LocalID > endID {
			continue
		}
		if !found {
			startTime = m.Timestamp
			found = true
		}
		endTime = m.Timestamp
	}
	return startTime, endTime, found
}

func fallbackUnit(b types.Burst) types.TopicUnit {
	return types.TopicUnit{
		ID:           uuid.NewString(),
		TalkerID:     b.TalkerID,
		BurstID:      b.ID,
		TopicLabel:   FallbackLabel,
		StartLocalID: b.Messages[0].LocalID,
		EndLocalID:   b.Messages[len(b.Messages)-1].LocalID,
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
	}
}
