// Package signal computes per-unit behavioral signals and flags statistical
// outliers as anomaly anchors. Five signals are algorithmic, two come from
// one batched completion call per group of units.
package signal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

// Engine computes signal sets and anchors for one talker at a time.
type Engine struct {
	store     *store.Store
	completer llm.Completer
	cfg       config.BuildConfig
	workers   int
}

// NewEngine builds a signal engine.
func NewEngine(st *store.Store, completer llm.Completer, cfg config.BuildConfig, workers int) *Engine {
	if workers <= 0 {
		workers = 8
	}
	return &Engine{store: st, completer: completer, cfg: cfg, workers: workers}
}

// ComputeAll computes signals for every unit of the talker that lacks them
// (all units when force is set), persists them, and recomputes the talker's
// anomaly anchors wholesale. A fully computed talker issues no external
// calls unless forced.
func (e *Engine) ComputeAll(ctx context.Context, talkerID string, force bool) error {
	timer := logging.StartTimer(logging.CategorySignal, "ComputeAll")
	defer timer.Stop()

	units, err := e.store.UnitsForTalker(talkerID)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return nil
	}

	existing, err := e.store.SignalsForTalker(talkerID)
	if err != nil {
		return err
	}

	var pending []types.TopicUnit
	for _, u := range units {
		if force {
			pending = append(pending, u)
			continue
		}
		if _, ok := existing[u.ID]; !ok {
			pending = append(pending, u)
		}
	}
	logging.Signal("talker %s: %d units, %d pending", talkerID, len(units), len(pending))

	if len(pending) > 0 {
		computed, err := e.computeSignals(ctx, talkerID, units, pending)
		if err != nil {
			return err
		}
		// Single-threaded writes after worker results are collected.
		for _, sig := range computed {
			if err := e.store.UpsertSignals(sig); err != nil {
				return err
			}
			existing[sig.NodeID] = sig
		}
	}

	anchors := DetectAnomalies(talkerID, units, existing, e.cfg.AnomalySigma)
	return e.store.ReplaceAnchors(talkerID, anchors)
}

// computeSignals builds the full signal set for the pending units. The
// silence and frequency signals depend on the whole unit population, so all
// units are passed alongside.
func (e *Engine) computeSignals(ctx context.Context, talkerID string, all, pending []types.TopicUnit) ([]types.SignalSet, error) {
	silences := silenceEvents(all)
	frequencies := topicFrequencies(all)

	results := make([]types.SignalSet, len(pending))
	for i, u := range pending {
		msgs, err := e.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
		if err != nil {
			return nil, err
		}
		avg, max := replyDelays(msgs)
		results[i] = types.SignalSet{
			NodeID:         u.ID,
			TalkerID:       talkerID,
			ReplyDelayAvgS: avg,
			ReplyDelayMaxS: max,
			TermShiftScore: termShift(msgs, e.cfg.BaselineTerms),
			SilenceEvent:   silences[u.ID],
			TopicFrequency: frequencies[u.ID],
			InitiatorRatio: initiatorRatio(msgs),
		}
	}

	if err := e.scoreWithLLM(ctx, talkerID, pending, results); err != nil {
		return nil, err
	}
	return results, nil
}

// replyDelays returns the mean and max gap in seconds between consecutive
// messages whose sender alternates. Same-sender runs contribute nothing.
func replyDelays(msgs []types.Message) (avg, max float64) {
	var sum float64
	var n int
	for i := 1; i < len(msgs); i++ {
		if msgs[i].IsOutgoing == msgs[i-1].IsOutgoing {
			continue
		}
		gap := float64(msgs[i].Timestamp-msgs[i-1].Timestamp) / 1000
		if gap < 0 {
			gap = 0
		}
		sum += gap
		n++
		if gap > max {
			max = gap
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), max
}

// termShift is the fraction of the other party's messages containing none of
// the baseline address terms. No incoming messages scores 0.
func termShift(msgs []types.Message, terms []string) float64 {
	var incoming, missing int
	for _, m := range msgs {
		if m.IsOutgoing {
			continue
		}
		incoming++
		found := false
		for _, term := range terms {
			if term != "" && strings.Contains(m.Text, term) {
				found = true
				break
			}
		}
		if !found {
			missing++
		}
	}
	if incoming == 0 {
		return 0
	}
	return float64(missing) / float64(incoming)
}

// initiatorRatio is the fraction of alternating-sender message pairs opened
// by the outgoing party. The walk skips both members of a matched pair.
func initiatorRatio(msgs []types.Message) float64 {
	var pairs, outgoingFirst int
	i := 0
	for i < len(msgs)-1 {
		if msgs[i].IsOutgoing != msgs[i+1].IsOutgoing {
			pairs++
			if msgs[i].IsOutgoing {
				outgoingFirst++
			}
			i += 2
		} else {
			i++
		}
	}
	if pairs == 0 {
		return 0
	}
	return float64(outgoingFirst) / float64(pairs)
}

// silenceEvents flags units whose gap to the next unit exceeds 3x the median
// inter-unit gap. The chronologically last unit is never flagged.
func silenceEvents(units []types.TopicUnit) map[string]bool {
	flags := make(map[string]bool, len(units))
	if len(units) < 2 {
		return flags
	}

	sorted := make([]types.TopicUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime < sorted[j].StartTime })

	gaps := make([]int64, 0, len(sorted)-1)
	for i := 0; i < len(sorted)-1; i++ {
		gap := sorted[i+1].StartTime - sorted[i].EndTime
		if gap < 0 {
			gap = 0
		}
		gaps = append(gaps, gap)
	}

	med := median(gaps)
	if med <= 0 {
		return flags
	}
	for i := 0; i < len(sorted)-1; i++ {
		gap := sorted[i+1].StartTime - sorted[i].EndTime
		if float64(gap) > 3*med {
			flags[sorted[i].ID] = true
		}
	}
	return flags
}

func median(vals []int64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]int64, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

// topicFrequencies counts, per unit, the prior units (ended before this
// unit started) sharing the same case-insensitive label.
func topicFrequencies(units []types.TopicUnit) map[string]int {
	freq := make(map[string]int, len(units))
	for _, u := range units {
		label := strings.ToLower(u.TopicLabel)
		count := 0
		for _, other := range units {
			if other.ID == u.ID {
				continue
			}
			if other.EndTime < u.StartTime && strings.ToLower(other.TopicLabel) == label {
				count++
			}
		}
		freq[u.ID] = count
	}
	return freq
}

// unitDate formats a unit's start as the anchor event date.
func unitDate(u types.TopicUnit) string {
	return time.UnixMilli(u.StartTime).Format("2006-01-02")
}

// scoreWithLLM fills emotional_tone and conflict_intensity for the pending
// units, batched and dispatched across workers. Results are reassembled by
// input index; any batch failure defaults that batch's units to (0, 0).
func (e *Engine) scoreWithLLM(ctx context.Context, talkerID string, pending []types.TopicUnit, results []types.SignalSet) error {
	batchSize := e.cfg.SignalBatchSize
	if batchSize <= 0 {
		batchSize = 8
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		start, end := start, end
		eg.Go(func() error {
			scores := e.scoreBatch(gctx, talkerID, pending[start:end])
			for i, sc := range scores {
				results[start+i].EmotionalTone = sc.tone
				results[start+i].ConflictIntensity = sc.conflict
			}
			return nil
		})
	}
	return eg.Wait()
}

type unitScore struct {
	tone     float64
	conflict float64
}

type scoresOut struct {
	Scores []struct {
		EmotionalTone     float64 `json:"emotional_tone"`
		ConflictIntensity float64 `json:"conflict_intensity"`
	} `json:"scores"`
}

const scoreSystem = "You rate the emotional quality of chat conversation segments. Respond with JSON only."

func (e *Engine) scoreBatch(ctx context.Context, talkerID string, units []types.TopicUnit) []unitScore {
	scores := make([]unitScore, len(units))

	var sb strings.Builder
	sb.WriteString("For each unit, rate emotional_tone in [-1, 1] and conflict_intensity in [0, 1].\n")
	for i, u := range units {
		formatUnitForScoring(&sb, i+1, u, e.sampleMessages(talkerID, u))
	}
	sb.WriteString("\nRespond with JSON: {\"scores\": [{\"emotional_tone\": X, \"conflict_intensity\": Y}, ...]} with exactly one entry per unit, in order.")

	raw, err := e.completer.Complete(ctx, llm.CompletionRequest{
		System:    scoreSystem,
		Prompt:    sb.String(),
		MaxTokens: 1024,
		Schema:    &llm.ResponseSchema{Name: "unit_scores", Definition: llm.GenerateSchema[scoresOut]()},
	})
	if err != nil {
		logging.SignalDebug("score batch failed, defaulting to neutral: %v", err)
		return scores
	}

	var out scoresOut
	if err := llm.UnmarshalResponse(raw, &out); err != nil || len(out.Scores) != len(units) {
		logging.SignalDebug("score batch parse failed (got %d entries for %d units), defaulting", len(out.Scores), len(units))
		return scores
	}
	for i, sc := range out.Scores {
		scores[i] = unitScore{
			tone:     clamp(sc.EmotionalTone, -1, 1),
			conflict: clamp(sc.ConflictIntensity, 0, 1),
		}
	}
	return scores
}

func formatUnitForScoring(sb *strings.Builder, ordinal int, u types.TopicUnit, msgs []types.Message) {
	fmt.Fprintf(sb, "### Unit %d: %s (%s)\n", ordinal, u.TopicLabel, unitDate(u))
	limit := len(msgs)
	if limit > 10 {
		limit = 10
	}
	for _, m := range msgs[:limit] {
		who := "them"
		if m.IsOutgoing {
			who = "me"
		}
		fmt.Fprintf(sb, "%s: %s\n", who, m.Text)
	}
}

func (e *Engine) sampleMessages(talkerID string, u types.TopicUnit) []types.Message {
	msgs, err := e.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
	if err != nil {
		logging.SignalDebug("sample messages for %s: %v", u.ID, err)
		return nil
	}
	return msgs
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
