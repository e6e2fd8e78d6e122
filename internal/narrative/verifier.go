package narrative

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/retrieval"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const verifySystem = `You audit evidence citations for conclusions drawn from a chat history. You only select message ids that actually support the conclusion.`

const (
	reselectMinIDs    = 3
	reselectMaxIDs    = 5
	reselectCandUnits = 10
	reselectCandMsgs  = 30
)

// Verifier checks that every cited message exists and supports its phase.
type Verifier struct {
	store     *store.Store
	completer llm.Completer
}

func NewVerifier(st *store.Store, completer llm.Completer) *Verifier {
	return &Verifier{store: st, completer: completer}
}

type reselectOut struct {
	EvidenceMsgIDs []evidenceID `json:"evidence_msg_ids"`
}

type relevanceOut struct {
	Relevant bool `json:"relevant"`
}

// VerifyPhases audits each phase in place. A phase whose citations all exist
// gets a relevance check; a phase with missing or irrelevant citations gets
// one reselection pass. Phases are never dropped: a phase the verifier
// cannot repair is returned with Verified false and its bad ids removed.
// The second return value is the number of model calls made.
func (v *Verifier) VerifyPhases(ctx context.Context, talkerID, question string, phases []types.NarrativePhase, units []types.TopicUnit) ([]types.NarrativePhase, int) {
	calls := 0
	for i := range phases {
		c := v.verifyPhase(ctx, talkerID, question, &phases[i], units)
		calls += c
	}
	return phases, calls
}

func (v *Verifier) verifyPhase(ctx context.Context, talkerID, question string, phase *types.NarrativePhase, units []types.TopicUnit) int {
	calls := 0

	existing := v.existingIDs(talkerID, phase.EvidenceMsgIDs)
	allExist := len(existing) == len(phase.EvidenceMsgIDs) && len(existing) > 0

	if allExist {
		relevant, used := v.checkRelevance(ctx, talkerID, phase)
		calls += used
		if relevant {
			phase.Verified = true
			return calls
		}
	}

	// Missing or irrelevant citations: one reselection from the phase's own
	// time range.
	reselected, used := v.reselect(ctx, talkerID, question, phase, units)
	calls += used
	if len(reselected) > 0 {
		phase.EvidenceMsgIDs = reselected
		phase.Verified = true
		return calls
	}

	// Could not repair. Keep the phase but only with citations that exist.
	phase.EvidenceMsgIDs = existing
	phase.Verified = false
	return calls
}

// existingIDs filters ids down to those present in the store, preserving
// order.
func (v *Verifier) existingIDs(talkerID string, ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	found, err := v.store.MessagesByIDs(talkerID, ids)
	if err != nil {
		logging.AgentDebug("verify: load messages: %v", err)
		return nil
	}
	var out []int64
	for _, id := range ids {
		if _, ok := found[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// checkRelevance asks whether the cited messages actually support the
// phase's conclusion. A parse failure counts as relevant; the citations are
// known to exist at this point.
func (v *Verifier) checkRelevance(ctx context.Context, talkerID string, phase *types.NarrativePhase) (bool, int) {
	found, err := v.store.MessagesByIDs(talkerID, phase.EvidenceMsgIDs)
	if err != nil {
		return true, 0
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Conclusion: %s\n\nCited messages:\n", phase.Conclusion)
	for _, id := range phase.EvidenceMsgIDs {
		if m, ok := found[id]; ok {
			writeMessageLine(&sb, m)
		}
	}
	sb.WriteString("\nDo these messages support the conclusion? Respond with JSON: {\"relevant\": true or false}")

	resp, err := v.completer.Complete(ctx, llm.CompletionRequest{
		System:    verifySystem,
		Prompt:    sb.String(),
		MaxTokens: 256,
		Schema:    &llm.ResponseSchema{Name: "relevance", Definition: llm.GenerateSchema[relevanceOut]()},
	})
	if err != nil {
		return true, 1
	}
	var out relevanceOut
	if err := llm.UnmarshalResponse(resp, &out); err != nil {
		return true, 1
	}
	return out.Relevant, 1
}

// reselect gathers candidate messages from the phase's time range and asks
// the model to pick supporting citations. On model failure it falls back to
// the first candidates so a repairable phase never ends up empty.
func (v *Verifier) reselect(ctx context.Context, talkerID, question string, phase *types.NarrativePhase, units []types.TopicUnit) ([]int64, int) {
	candidates := v.candidateMessages(talkerID, phase.TimeRange, units)
	if len(candidates) == 0 {
		return nil, 0
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\nConclusion: %s\n\nCandidate messages:\n", question, phase.Conclusion)
	for _, m := range candidates {
		writeMessageLine(&sb, m)
	}
	fmt.Fprintf(&sb, "\nSelect the %d to %d message ids that best support the conclusion. Respond with JSON: {\"evidence_msg_ids\": [...]}", reselectMinIDs, reselectMaxIDs)

	resp, err := v.completer.Complete(ctx, llm.CompletionRequest{
		System:    verifySystem,
		Prompt:    sb.String(),
		MaxTokens: 256,
		Schema:    &llm.ResponseSchema{Name: "reselection", Definition: llm.GenerateSchema[reselectOut]()},
	})
	if err == nil {
		var out reselectOut
		if perr := llm.UnmarshalResponse(resp, &out); perr == nil {
			byID := make(map[int64]bool, len(candidates))
			for _, m := range candidates {
				byID[m.LocalID] = true
			}
			var picked []int64
			for _, e := range out.EvidenceMsgIDs {
				id := int64(e)
				if byID[id] {
					picked = append(picked, id)
				}
				if len(picked) == reselectMaxIDs {
					break
				}
			}
			if len(picked) > 0 {
				return picked, 1
			}
		}
	}

	// Fallback: the first candidates stand in as citations.
	n := reselectMinIDs
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].LocalID
	}
	return out, 1
}

// candidateMessages collects messages from the units matching the phase's
// time range, falling back to a uniform sample of units when the range
// matches nothing.
func (v *Verifier) candidateMessages(talkerID, timeRange string, units []types.TopicUnit) []types.Message {
	if len(units) == 0 {
		return nil
	}

	spanStart, spanEnd := unitSpan(units)
	window := retrieval.ResolveTimeHint(timeRange, spanStart, spanEnd)

	var matched []types.TopicUnit
	for _, u := range units {
		if u.StartTime >= window.Start && u.StartTime <= window.End {
			matched = append(matched, u)
		}
	}
	if len(matched) == 0 {
		matched = uniformUnits(units, reselectCandUnits)
	}
	if len(matched) > reselectCandUnits {
		matched = uniformUnits(matched, reselectCandUnits)
	}

	var msgs []types.Message
	for _, u := range matched {
		got, err := v.store.MessagesInIDRange(talkerID, u.StartLocalID, u.EndLocalID)
		if err != nil {
			logging.AgentDebug("verify: unit %s messages: %v", u.ID, err)
			continue
		}
		msgs = append(msgs, got...)
		if len(msgs) >= reselectCandMsgs {
			break
		}
	}
	if len(msgs) > reselectCandMsgs {
		msgs = msgs[:reselectCandMsgs]
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].LocalID < msgs[j].LocalID })
	return msgs
}

// uniformUnits picks up to n evenly spaced units.
func uniformUnits(units []types.TopicUnit, n int) []types.TopicUnit {
	if len(units) <= n {
		return units
	}
	out := make([]types.TopicUnit, 0, n)
	step := len(units) / n
	for i := 0; i < n; i++ {
		out = append(out, units[i*step])
	}
	return out
}
