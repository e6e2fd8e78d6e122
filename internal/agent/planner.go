package agent

import (
	"context"
	"regexp"
	"strings"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/logging"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const plannerSystem = `You classify questions about a two-person chat history and plan how to retrieve evidence for them.`

// reMessageID spots questions that reference a concrete message id. Those
// are lookups, not narratives, and skip the planning calls entirely.
var reMessageID = regexp.MustCompile(`(?i)(?:message|msg|消息)\s*#?\s*\d+`)

const maxQueries = 3

type queriesOut struct {
	Queries []string `json:"queries"`
}

// plan fills the run's intent, retrieval queries, and answer mode. Every
// model failure degrades to a safe default; planning never aborts a run.
func (a *Agent) plan(ctx context.Context, st *runState) error {
	if reMessageID.MatchString(st.question) {
		st.intent = types.QueryIntent{
			QueryType:  types.QueryEventRetrieval,
			Scope:      types.Scope{Type: types.ScopeGlobal},
			OutputMode: types.OutputFact,
		}
		st.queries = []string{st.question}
		st.answerMode = types.AnswerFactualRAG
		logging.AgentDebug("message-id fast path for %q", st.question)
		return nil
	}

	st.intent = a.parseIntent(ctx, st)
	st.queries = a.planQueries(ctx, st)
	st.answerMode = answerModeFor(st.intent)
	return nil
}

func (a *Agent) parseIntent(ctx context.Context, st *runState) types.QueryIntent {
	fallback := types.QueryIntent{
		QueryType:    types.QueryArcNarrative,
		Scope:        types.Scope{Type: types.ScopeGlobal},
		OutputMode:   types.OutputNarrative,
		FocusSignals: types.SignalNames()[:3],
	}

	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(st.question)
	sb.WriteString("\n\nClassify it. Respond with JSON: {\"query_type\": \"arc_narrative\"|\"time_point\"|\"event_retrieval\", ")
	sb.WriteString("\"scope\": {\"type\": \"global\"|\"time_bounded\"|\"topic_bounded\", \"time_hint\": \"...\", \"topics\": [...]}, ")
	sb.WriteString("\"output_mode\": \"narrative\"|\"summary\"|\"fact\", \"focus_signals\": [up to 3 of ")
	sb.WriteString(strings.Join(types.SignalNames(), ", "))
	sb.WriteString("]}")

	resp, err := a.completer.Complete(ctx, llm.CompletionRequest{
		System:    plannerSystem,
		Prompt:    sb.String(),
		MaxTokens: 512,
		Schema:    &llm.ResponseSchema{Name: "query_intent", Definition: llm.GenerateSchema[types.QueryIntent]()},
	})
	st.trace.TotalLLMCalls++
	if err != nil {
		logging.AgentDebug("intent parse: %v", err)
		return fallback
	}

	var intent types.QueryIntent
	if err := llm.UnmarshalResponse(resp, &intent); err != nil {
		logging.AgentDebug("intent parse: %v", err)
		return fallback
	}
	return normalizeIntent(intent, fallback)
}

// normalizeIntent replaces out-of-vocabulary values with the fallback's.
func normalizeIntent(intent, fallback types.QueryIntent) types.QueryIntent {
	switch intent.QueryType {
	case types.QueryArcNarrative, types.QueryTimePoint, types.QueryEventRetrieval:
	default:
		intent.QueryType = fallback.QueryType
	}
	switch intent.Scope.Type {
	case types.ScopeGlobal, types.ScopeTimeBounded, types.ScopeTopicBounded:
	default:
		intent.Scope.Type = types.ScopeGlobal
	}
	switch intent.OutputMode {
	case types.OutputNarrative, types.OutputSummary, types.OutputFact:
	default:
		intent.OutputMode = fallback.OutputMode
	}

	known := make(map[string]bool)
	for _, n := range types.SignalNames() {
		known[n] = true
	}
	var focus []string
	for _, f := range intent.FocusSignals {
		if known[f] {
			focus = append(focus, f)
		}
	}
	if len(focus) == 0 {
		focus = fallback.FocusSignals
	}
	if len(focus) > 3 {
		focus = focus[:3]
	}
	intent.FocusSignals = focus
	return intent
}

func (a *Agent) planQueries(ctx context.Context, st *runState) []string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(st.question)
	sb.WriteString("\n\nWrite 1 to 3 short search queries for finding relevant chat segments. Respond with JSON: {\"queries\": [...]}")

	resp, err := a.completer.Complete(ctx, llm.CompletionRequest{
		System:    plannerSystem,
		Prompt:    sb.String(),
		MaxTokens: 256,
		Schema:    &llm.ResponseSchema{Name: "search_queries", Definition: llm.GenerateSchema[queriesOut]()},
	})
	st.trace.TotalLLMCalls++
	if err != nil {
		logging.AgentDebug("query planning: %v", err)
		return []string{st.question}
	}

	var out queriesOut
	if err := llm.UnmarshalResponse(resp, &out); err != nil {
		logging.AgentDebug("query planning: %v", err)
		return []string{st.question}
	}

	var queries []string
	for _, q := range out.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
		if len(queries) == maxQueries {
			break
		}
	}
	if len(queries) == 0 {
		return []string{st.question}
	}
	return queries
}

// answerModeFor selects direct RAG for point lookups and the full narrative
// path for everything else.
func answerModeFor(intent types.QueryIntent) types.AnswerMode {
	if intent.OutputMode == types.OutputFact ||
		intent.QueryType == types.QueryTimePoint ||
		intent.QueryType == types.QueryEventRetrieval {
		return types.AnswerFactualRAG
	}
	return types.AnswerFullNarrative
}
