// Package narrative turns retrieved topic units into a phased answer. The
// composer renders unit evidence cards, asks the model for phases with cited
// message ids, and sanitizes the citations; the verifier then checks every
// citation against the store.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const composeSystem = `You are a careful analyst of a two-person chat history. You ground every conclusion in cited message ids from the evidence provided. You never invent message ids.`

// Card rendering limits.
const (
	cardMsgHead = 3
	cardMsgMid  = 2
	cardMsgTail = 3
)

// Composer generates narrative phases from retrieved units.
type Composer struct {
	store     *store.Store
	completer llm.Completer
}

func NewComposer(st *store.Store, completer llm.Completer) *Composer {
	return &Composer{store: st, completer: completer}
}

// evidenceID tolerates models returning message ids as numbers or numeric
// strings. Anything else decodes to zero and is filtered out later.
type evidenceID int64

func (e *evidenceID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := json.Number(s).Int64()
	if err != nil {
		*e = 0
		return nil
	}
	*e = evidenceID(n)
	return nil
}

// rawPhase is the model's phase shape before citation coercion.
type rawPhase struct {
	Title           string       `json:"title"`
	TimeRange       string       `json:"time_range"`
	Conclusion      string       `json:"conclusion"`
	EvidenceMsgIDs  []evidenceID `json:"evidence_msg_ids"`
	Reasoning       string       `json:"reasoning,omitempty"`
	UncertaintyNote string       `json:"uncertainty_note,omitempty"`
}

type phasesOut struct {
	Phases []rawPhase `json:"phases"`
}

type factOut struct {
	Answer         string       `json:"answer"`
	EvidenceMsgIDs []evidenceID `json:"evidence_msg_ids"`
}

// Compose produces phases for a question. Fact mode returns exactly one
// phase carrying the direct answer. The second return value is the number of
// model calls made.
func (c *Composer) Compose(ctx context.Context, talkerID, question string, intent types.QueryIntent, units []types.TopicUnit) ([]types.NarrativePhase, int, error) {
	if len(units) == 0 {
		return nil, 0, fmt.Errorf("no units to compose from")
	}

	if intent.OutputMode == types.OutputFact {
		return c.composeFact(ctx, talkerID, question, units)
	}
	return c.composeNarrative(ctx, talkerID, question, intent, units)
}

func (c *Composer) composeNarrative(ctx context.Context, talkerID, question string, intent types.QueryIntent, units []types.TopicUnit) ([]types.NarrativePhase, int, error) {
	signals, err := c.store.SignalsForTalker(talkerID)
	if err != nil {
		return nil, 0, err
	}

	minPhases, maxPhases := phaseBounds(intent.OutputMode, units)
	valid := validEvidenceIDs(units)

	prompt := c.buildNarrativePrompt(talkerID, question, units, signals, minPhases, maxPhases)
	schema := &llm.ResponseSchema{Name: "narrative_phases", Definition: llm.GenerateSchema[phasesOut]()}

	calls := 0
	for attempt := 0; attempt < 2; attempt++ {
		calls++
		resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
			System:    composeSystem,
			Prompt:    prompt,
			MaxTokens: 4096,
			Schema:    schema,
		})
		if err != nil {
			logging.AgentDebug("compose attempt %d: %v", attempt+1, err)
			continue
		}
		var out phasesOut
		if err := llm.UnmarshalResponse(resp, &out); err != nil || len(out.Phases) == 0 {
			logging.AgentDebug("compose attempt %d: unusable phases: %v", attempt+1, err)
			continue
		}
		return sanitizePhases(out.Phases, valid), calls, nil
	}
	return nil, calls, fmt.Errorf("phase generation failed after 2 attempts")
}

func (c *Composer) composeFact(ctx context.Context, talkerID, question string, units []types.TopicUnit) ([]types.NarrativePhase, int, error) {
	valid := validEvidenceIDs(units)

	var sb strings.Builder
	sb.WriteString("Evidence messages:\n")
	for _, u := range units {
		msgs, err := c.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
		if err != nil {
			return nil, 0, err
		}
		for _, m := range previewMessages(msgs) {
			writeMessageLine(&sb, m)
		}
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n", question)
	sb.WriteString("Answer directly from the evidence. Respond with JSON: {\"answer\": \"...\", \"evidence_msg_ids\": [ids of the messages that support the answer]}")

	schema := &llm.ResponseSchema{Name: "fact_answer", Definition: llm.GenerateSchema[factOut]()}
	resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
		System:    composeSystem,
		Prompt:    sb.String(),
		MaxTokens: 1024,
		Schema:    schema,
	})
	if err != nil {
		return nil, 1, err
	}
	var out factOut
	if err := llm.UnmarshalResponse(resp, &out); err != nil {
		return nil, 1, fmt.Errorf("parse fact answer: %w", err)
	}

	phase := types.NarrativePhase{
		Title:          "Answer",
		TimeRange:      rangeLabel(units),
		Conclusion:     out.Answer,
		EvidenceMsgIDs: coerceIDs(out.EvidenceMsgIDs, valid),
	}
	return []types.NarrativePhase{phase}, 1, nil
}

func (c *Composer) buildNarrativePrompt(talkerID, question string, units []types.TopicUnit, signals map[string]types.SignalSet, minPhases, maxPhases int) string {
	spanStart, spanEnd := unitSpan(units)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Chat history evidence, %s to %s, %d topic units.\n\n",
		dateOf(spanStart), dateOf(spanEnd), len(units))

	for i, u := range units {
		c.writeUnitCard(&sb, talkerID, i+1, u, signals[u.ID], spanStart, spanEnd)
	}

	fmt.Fprintf(&sb, "\nQuestion: %s\n\n", question)
	fmt.Fprintf(&sb, "Divide the history into %d to %d phases that answer the question. ", minPhases, maxPhases)
	sb.WriteString("Respond with JSON: {\"phases\": [{\"title\": \"...\", \"time_range\": \"YYYY-MM-DD ~ YYYY-MM-DD\", \"conclusion\": \"...\", \"evidence_msg_ids\": [...], \"reasoning\": \"...\", \"uncertainty_note\": \"...\"}]}. ")
	sb.WriteString("Every conclusion must cite evidence_msg_ids drawn from the [id] markers above.")
	return sb.String()
}

// writeUnitCard renders one unit: label, date, temporal quarter, behavioral
// signals, and a message preview.
func (c *Composer) writeUnitCard(sb *strings.Builder, talkerID string, ordinal int, u types.TopicUnit, sig types.SignalSet, spanStart, spanEnd int64) {
	fmt.Fprintf(sb, "## Unit %d: %s (%s, %s)\n", ordinal, u.TopicLabel, dateOf(u.StartTime), quarterOf(u.StartTime, spanStart, spanEnd))
	if sig.NodeID != "" {
		fmt.Fprintf(sb, "tone %.2f, conflict %.2f", sig.EmotionalTone, sig.ConflictIntensity)
		if sig.SilenceEvent {
			sb.WriteString(", followed by unusual silence")
		}
		sb.WriteString("\n")
	}

	msgs, err := c.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
	if err != nil {
		logging.AgentDebug("unit %s: load messages: %v", u.ID, err)
		return
	}
	for _, m := range previewMessages(msgs) {
		writeMessageLine(sb, m)
	}
	sb.WriteString("\n")
}

// previewMessages samples a long unit: head, middle, and tail for more than
// eight messages; head and tail for more than five; everything otherwise.
func previewMessages(msgs []types.Message) []types.Message {
	switch {
	case len(msgs) > 8:
		mid := len(msgs) / 2
		out := make([]types.Message, 0, cardMsgHead+cardMsgMid+cardMsgTail)
		out = append(out, msgs[:cardMsgHead]...)
		out = append(out, msgs[mid:mid+cardMsgMid]...)
		out = append(out, msgs[len(msgs)-cardMsgTail:]...)
		return out
	case len(msgs) > 5:
		out := make([]types.Message, 0, cardMsgHead+2)
		out = append(out, msgs[:cardMsgHead]...)
		out = append(out, msgs[len(msgs)-2:]...)
		return out
	default:
		return msgs
	}
}

func writeMessageLine(sb *strings.Builder, m types.Message) {
	who := "them"
	if m.IsOutgoing {
		who = "me"
	}
	fmt.Fprintf(sb, "[%d] %s: %s\n", m.LocalID, who, m.Text)
}

// phaseBounds returns the allowed phase count range for a mode, tightened by
// how much history there is: short spans and few units do not support many
// phases.
func phaseBounds(mode types.OutputMode, units []types.TopicUnit) (min, max int) {
	switch mode {
	case types.OutputSummary:
		min, max = 2, 4
	case types.OutputFact:
		return 1, 1
	default:
		min, max = 3, 6
	}

	spanStart, spanEnd := unitSpan(units)
	spanDays := int((spanEnd - spanStart) / (24 * 3600 * 1000))
	bySpan := spanDays/180 + 1
	byUnits := len(units) / 3

	ceiling := bySpan
	if byUnits < ceiling {
		ceiling = byUnits
	}
	if ceiling < min {
		ceiling = min
	}
	if ceiling < max {
		max = ceiling
	}
	return min, max
}

// sanitizePhases coerces evidence ids to integers and drops any id outside
// the retrieved units' message ranges. Phases themselves are never dropped.
func sanitizePhases(raw []rawPhase, valid func(int64) bool) []types.NarrativePhase {
	phases := make([]types.NarrativePhase, len(raw))
	for i, p := range raw {
		phases[i] = types.NarrativePhase{
			Title:           p.Title,
			TimeRange:       p.TimeRange,
			Conclusion:      p.Conclusion,
			EvidenceMsgIDs:  coerceIDs(p.EvidenceMsgIDs, valid),
			Reasoning:       p.Reasoning,
			UncertaintyNote: p.UncertaintyNote,
		}
	}
	return phases
}

// validEvidenceIDs reports whether an id falls inside any retrieved unit's
// message range.
func validEvidenceIDs(units []types.TopicUnit) func(int64) bool {
	type span struct{ lo, hi int64 }
	spans := make([]span, len(units))
	for i, u := range units {
		spans[i] = span{u.StartLocalID, u.EndLocalID}
	}
	return func(id int64) bool {
		for _, s := range spans {
			if id >= s.lo && id <= s.hi {
				return true
			}
		}
		return false
	}
}

func coerceIDs(ids []evidenceID, valid func(int64) bool) []int64 {
	var out []int64
	for _, e := range ids {
		id := int64(e)
		if id != 0 && valid(id) {
			out = append(out, id)
		}
	}
	return out
}

func unitSpan(units []types.TopicUnit) (start, end int64) {
	if len(units) == 0 {
		return 0, 0
	}
	start, end = units[0].StartTime, units[0].EndTime
	for _, u := range units {
		if u.StartTime < start {
			start = u.StartTime
		}
		if u.EndTime > end {
			end = u.EndTime
		}
	}
	return start, end
}

func dateOf(tsMS int64) string {
	return time.UnixMilli(tsMS).UTC().Format("2006-01-02")
}

func rangeLabel(units []types.TopicUnit) string {
	start, end := unitSpan(units)
	return dateOf(start) + " ~ " + dateOf(end)
}

// quarterOf places a time within the overall span: Q1 through Q4.
func quarterOf(ts, spanStart, spanEnd int64) string {
	if spanEnd <= spanStart {
		return "Q1"
	}
	q := int((ts - spanStart) * 4 / (spanEnd - spanStart))
	if q > 3 {
		q = 3
	}
	if q < 0 {
		q = 0
	}
	return fmt.Sprintf("Q%d", q+1)
}
