package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/retrieval"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const graderSystem = `You judge whether a set of retrieved chat segments is enough evidence to answer a question well.`

const (
	minUnitsPerQuarter = 2
	minTimeBoundUnits  = 5
	minTopicBoundUnits = 3
)

type gradeOut struct {
	Sufficient bool     `json:"sufficient"`
	Gaps       []string `json:"gaps"`
}

// grade decides whether retrieval covered the question. Deterministic
// coverage rules run first; the model only breaks ties for evidence that
// passes them. The iteration budget and an exhausted explorer both force a
// sufficient verdict so a run always terminates.
func (a *Agent) grade(ctx context.Context, st *runState) (bool, error) {
	st.iterations++
	st.gaps = nil

	if st.iterations >= a.cfg.MaxIterations {
		if !coverageOK(st) {
			st.trace.ForcedGeneration = true
			logging.Agent("run %s: iteration budget spent, forcing generation", st.trace.ID)
		}
		return true, nil
	}
	if st.exhausted {
		st.trace.ForcedGeneration = true
		return true, nil
	}
	if len(st.units) == 0 {
		// Nothing retrieved at all; exploring blind beats generating blind.
		st.gaps = fallbackGaps(st)
		return len(st.gaps) == 0, nil
	}

	// Point lookups need matching messages, not broad coverage.
	if st.answerMode == types.AnswerFactualRAG {
		return true, nil
	}

	if gaps := coverageGaps(st); len(gaps) > 0 {
		st.gaps = gaps
		return false, nil
	}

	return a.gradeWithLLM(ctx, st), nil
}

func coverageOK(st *runState) bool {
	return len(st.units) > 0 && len(coverageGaps(st)) == 0
}

// coverageGaps applies the deterministic per-scope coverage rules.
func coverageGaps(st *runState) []gap {
	switch st.intent.Scope.Type {
	case types.ScopeTimeBounded:
		if len(st.units) < minTimeBoundUnits {
			return fallbackGaps(st)
		}
	case types.ScopeTopicBounded:
		if len(st.units) < minTopicBoundUnits {
			return semanticGaps(st)
		}
	default:
		return quarterGaps(st)
	}
	return nil
}

// quarterGaps checks a global retrieval for temporal balance: every quarter
// of the history needs at least two units, and each thin quarter becomes a
// targeted time search.
func quarterGaps(st *runState) []gap {
	spanStart, spanEnd := unitSpanOf(st.units)
	if spanEnd <= spanStart {
		return nil
	}

	counts := make([]int, 4)
	width := (spanEnd - spanStart) / 4
	for _, u := range st.units {
		q := int((u.StartTime - spanStart) / max64(width, 1))
		if q > 3 {
			q = 3
		}
		counts[q]++
	}

	query := st.question
	if len(st.queries) > 0 {
		query = st.queries[0]
	}

	var gaps []gap
	for q := 0; q < 4; q++ {
		if counts[q] >= minUnitsPerQuarter {
			continue
		}
		end := spanStart + int64(q+1)*width
		if q == 3 {
			end = spanEnd
		}
		gaps = append(gaps, gap{
			kind:   "time_search",
			query:  query,
			window: store.TimeWindow{Start: spanStart + int64(q)*width, End: end},
		})
	}
	return gaps
}

func fallbackGaps(st *runState) []gap {
	query := st.question
	if len(st.queries) > 0 {
		query = st.queries[0]
	}
	if st.intent.Scope.Type == types.ScopeTimeBounded {
		spanStart, spanEnd := unitSpanOf(st.units)
		window := retrieval.ResolveTimeHint(st.intent.Scope.TimeHint, spanStart, spanEnd)
		return []gap{{kind: "time_search", query: query, window: window}}
	}
	return semanticGaps(st)
}

func semanticGaps(st *runState) []gap {
	var gaps []gap
	for _, q := range st.queries {
		gaps = append(gaps, gap{kind: "semantic_expand", query: q})
	}
	if len(gaps) == 0 {
		gaps = append(gaps, gap{kind: "semantic_expand", query: st.question})
	}
	gaps = append(gaps, gap{kind: "thread_expand"})
	return gaps
}

// gradeWithLLM asks the model for a final coverage verdict. Any failure
// defaults to sufficient: a weaker answer beats an aborted run.
func (a *Agent) gradeWithLLM(ctx context.Context, st *runState) bool {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nRetrieved evidence:\n", st.question)
	for _, u := range st.units {
		fmt.Fprintf(&sb, "- %s\n", u.TopicLabel)
	}
	sb.WriteString("\nIs this enough to answer well? Respond with JSON: {\"sufficient\": true or false, \"gaps\": [search queries for what is missing]}")

	resp, err := a.completer.Complete(ctx, llm.CompletionRequest{
		System:    graderSystem,
		Prompt:    sb.String(),
		MaxTokens: 512,
		Schema:    &llm.ResponseSchema{Name: "coverage_grade", Definition: llm.GenerateSchema[gradeOut]()},
	})
	st.trace.TotalLLMCalls++
	if err != nil {
		logging.AgentDebug("grading: %v", err)
		return true
	}

	var out gradeOut
	if err := llm.UnmarshalResponse(resp, &out); err != nil {
		logging.AgentDebug("grading: %v", err)
		return true
	}
	if out.Sufficient {
		return true
	}

	for _, q := range out.Gaps {
		if q = strings.TrimSpace(q); q != "" {
			st.gaps = append(st.gaps, gap{kind: "semantic_expand", query: q})
		}
	}
	if len(st.gaps) == 0 {
		return true
	}
	return false
}

func unitSpanOf(units []types.TopicUnit) (start, end int64) {
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

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
