package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

const phasesResponse = `{"phases": [
	{"title": "Beginning", "time_range": "2023-01-01 ~ 2023-04-01", "conclusion": "things started well", "evidence_msg_ids": [1, 2]},
	{"title": "Middle", "time_range": "2023-04-01 ~ 2023-09-01", "conclusion": "routine set in", "evidence_msg_ids": [11, 12]},
	{"title": "End", "time_range": "2023-09-01 ~ 2023-12-31", "conclusion": "they drifted", "evidence_msg_ids": [21, 22]}
]}`

func newTestAgent(t *testing.T, stub *llm.StubCompleter) (*Agent, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	svc := &llm.Services{
		Completer: stub,
		Reasoner:  stub,
		Embedder:  llm.NewStubEmbedder(),
		Reranker:  llm.NewStubReranker(),
	}
	return New(st, svc, config.Default().Workflow), st
}

// seedSpread inserts units evenly across 2023, two messages each.
func seedSpread(t *testing.T, st *store.Store, n int) []types.TopicUnit {
	t.Helper()
	return seedAt(t, st, n, func(i int) int64 {
		base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
		step := int64(364) * 24 * 3600 * 1000 / int64(n)
		return base + int64(i)*step
	})
}

func seedAt(t *testing.T, st *store.Store, n int, startOf func(int) int64) []types.TopicUnit {
	t.Helper()
	var msgs []types.Message
	units := make([]types.TopicUnit, n)
	for i := 0; i < n; i++ {
		start := startOf(i)
		firstID := int64(i*10 + 1)
		msgs = append(msgs,
			types.Message{LocalID: firstID, TalkerID: "t1", Timestamp: start, IsOutgoing: true, Text: fmt.Sprintf("hello %d", i)},
			types.Message{LocalID: firstID + 1, TalkerID: "t1", Timestamp: start + 60_000, IsOutgoing: false, Text: fmt.Sprintf("hi %d", i)},
		)
		units[i] = types.TopicUnit{
			ID: fmt.Sprintf("u%03d", i), TalkerID: "t1", BurstID: fmt.Sprintf("b%03d", i),
			TopicLabel: fmt.Sprintf("topic %d", i), StartLocalID: firstID, EndLocalID: firstID + 1,
			StartTime: start, EndTime: start + 60_000,
		}
	}
	if err := st.InsertMessages(msgs); err != nil {
		t.Fatalf("insert messages: %v", err)
	}
	if err := st.InsertUnits(units); err != nil {
		t.Fatalf("insert units: %v", err)
	}
	return units
}

func nodeSequence(trace types.AgentTrace) []string {
	out := make([]string, len(trace.Steps))
	for i, s := range trace.Steps {
		out[i] = s.NodeName
	}
	return out
}

func TestRunFullNarrative(t *testing.T) {
	stub := llm.NewStubCompleter()
	stub.SetResponse(`"phases"`, phasesResponse)
	a, st := newTestAgent(t, stub)
	seedSpread(t, st, 40)

	res, err := a.Run(context.Background(), "t1", "how did our relationship change this year")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Answer == "" {
		t.Error("empty answer")
	}
	if len(res.Phases) != 3 {
		t.Fatalf("phases = %d, want 3", len(res.Phases))
	}
	for _, p := range res.Phases {
		if !p.Verified {
			t.Errorf("phase %q not verified", p.Title)
		}
	}

	want := []string{"planner", "retriever", "grader", "generator"}
	got := nodeSequence(res.Trace)
	if len(got) != len(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("steps = %v, want %v", got, want)
		}
	}

	if res.Trace.ForcedGeneration {
		t.Error("balanced retrieval should not force generation")
	}
	if res.Trace.TotalLLMCalls == 0 {
		t.Error("trace records no model calls")
	}
	if res.Trace.AnswerMode != types.AnswerFullNarrative {
		t.Errorf("answer mode = %s", res.Trace.AnswerMode)
	}
	if res.Trace.ID == "" {
		t.Error("trace has no id")
	}
}

func TestRunExploresWhenOneQuarterDominates(t *testing.T) {
	stub := llm.NewStubCompleter()
	stub.SetResponse(`"phases"`, phasesResponse)
	a, st := newTestAgent(t, stub)

	// Thirty units in January plus one in December: retrieval will cover
	// both ends but leave the middle quarters empty.
	units := seedAt(t, st, 31, func(i int) int64 {
		if i == 30 {
			return time.Date(2023, time.December, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
		}
		base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
		return base + int64(i)*24*3600*1000
	})
	// Anchor the December unit so it is always retrieved.
	if err := st.ReplaceAnchors("t1", []types.AnomalyAnchor{{
		ID: "a1", TalkerID: "t1", NodeID: units[30].ID,
		SignalName: "silence_event", Value: 1, EventDate: "2023-12-15",
	}}); err != nil {
		t.Fatalf("ReplaceAnchors: %v", err)
	}

	res, err := a.Run(context.Background(), "t1", "how did our relationship change this year")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	seq := nodeSequence(res.Trace)
	explored := false
	for _, n := range seq {
		if n == "explorer" {
			explored = true
		}
	}
	if !explored {
		t.Errorf("expected an explorer step for unbalanced coverage, steps = %v", seq)
	}
	if !res.Trace.ForcedGeneration {
		t.Error("an exhausted explorer should force generation")
	}
	if res.Answer == "" {
		t.Error("forced generation still must answer")
	}
}

func TestRunMessageIDFastPath(t *testing.T) {
	stub := llm.NewStubCompleter()
	a, st := newTestAgent(t, stub)
	seedSpread(t, st, 8)

	res, err := a.Run(context.Background(), "t1", "what did message 5 say?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Trace.AnswerMode != types.AnswerFactualRAG {
		t.Errorf("answer mode = %s, want factual_rag", res.Trace.AnswerMode)
	}
	// The fast path skips both planning calls.
	if res.Trace.Steps[0].NodeName != "planner" || res.Trace.Steps[0].LLMCalls != 0 {
		t.Errorf("planner step = %+v, want zero model calls", res.Trace.Steps[0])
	}
	if len(res.Phases) != 1 {
		t.Fatalf("phases = %d, want 1 factual phase", len(res.Phases))
	}
	if res.Answer == "" {
		t.Error("empty answer")
	}
}

func TestRunLLMGapsThenForcedGeneration(t *testing.T) {
	stub := llm.NewStubCompleter()
	stub.SetResponse(`"phases"`, phasesResponse)
	stub.SetResponse(`"sufficient"`, `{"sufficient": false, "gaps": ["the missing part"]}`)
	a, st := newTestAgent(t, stub)
	seedSpread(t, st, 40)

	res, err := a.Run(context.Background(), "t1", "how did it go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// No vector index exists, so the semantic gap finds nothing, the run is
	// exhausted, and generation is forced.
	if !res.Trace.ForcedGeneration {
		t.Error("expected forced generation after an exhausted explore")
	}
	if res.Answer == "" {
		t.Error("empty answer")
	}
}

func TestRunStreamEmitsNodeEvents(t *testing.T) {
	stub := llm.NewStubCompleter()
	stub.SetResponse(`"phases"`, phasesResponse)
	a, st := newTestAgent(t, stub)
	seedSpread(t, st, 40)

	var events []StreamEvent
	res, err := a.RunStream(context.Background(), "t1", "how did it go", func(ev StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	if res.Answer == "" {
		t.Error("empty answer")
	}
	if len(events) < 2 {
		t.Fatalf("events = %d, want at least planner and done", len(events))
	}
	if events[0].Node != "planner" {
		t.Errorf("first event = %s, want planner", events[0].Node)
	}
	if events[len(events)-1].Node != "done" {
		t.Errorf("last event = %s, want done", events[len(events)-1].Node)
	}
}

func TestRunWithNoUnitsFails(t *testing.T) {
	a, _ := newTestAgent(t, llm.NewStubCompleter())
	if _, err := a.Run(context.Background(), "empty", "anything"); err == nil {
		t.Error("expected an error for a talker with no built memory")
	}
}

func TestTransitionTable(t *testing.T) {
	valid := [][2]nodeName{
		{nodePlanner, nodeRetriever},
		{nodeRetriever, nodeGrader},
		{nodeGrader, nodeExplorer},
		{nodeGrader, nodeGenerator},
		{nodeExplorer, nodeGrader},
		{nodeGenerator, nodeDone},
	}
	for _, v := range valid {
		if !validTransition(v[0], v[1]) {
			t.Errorf("%s -> %s should be legal", v[0], v[1])
		}
	}
	invalid := [][2]nodeName{
		{nodePlanner, nodeGenerator},
		{nodeExplorer, nodeGenerator},
		{nodeGenerator, nodePlanner},
		{nodeDone, nodePlanner},
	}
	for _, v := range invalid {
		if validTransition(v[0], v[1]) {
			t.Errorf("%s -> %s should be illegal", v[0], v[1])
		}
	}
}

func TestAnswerModeFor(t *testing.T) {
	tests := []struct {
		intent types.QueryIntent
		want   types.AnswerMode
	}{
		{types.QueryIntent{QueryType: types.QueryArcNarrative, OutputMode: types.OutputNarrative}, types.AnswerFullNarrative},
		{types.QueryIntent{QueryType: types.QueryArcNarrative, OutputMode: types.OutputFact}, types.AnswerFactualRAG},
		{types.QueryIntent{QueryType: types.QueryTimePoint, OutputMode: types.OutputNarrative}, types.AnswerFactualRAG},
		{types.QueryIntent{QueryType: types.QueryEventRetrieval, OutputMode: types.OutputSummary}, types.AnswerFactualRAG},
	}
	for _, tt := range tests {
		if got := answerModeFor(tt.intent); got != tt.want {
			t.Errorf("answerModeFor(%s/%s) = %s, want %s",
				tt.intent.QueryType, tt.intent.OutputMode, got, tt.want)
		}
	}
}

func TestRenderAnswer(t *testing.T) {
	phases := []types.NarrativePhase{
		{Title: "Start", TimeRange: "2023-01 ~ 2023-03", Conclusion: "good", EvidenceMsgIDs: []int64{1, 2}, Verified: true},
		{Title: "End", TimeRange: "2023-09 ~ 2023-12", Conclusion: "quiet", EvidenceMsgIDs: []int64{9}, Verified: false},
	}

	got := renderAnswer(phases, types.AnswerFullNarrative)
	if !strings.Contains(got, "## Start") || !strings.Contains(got, "## End") {
		t.Errorf("missing phase headers:\n%s", got)
	}
	if !strings.Contains(got, "messages 1, 2") {
		t.Errorf("missing citations:\n%s", got)
	}
	if !strings.Contains(got, "(unverified)") {
		t.Errorf("unverified phase not marked:\n%s", got)
	}

	if got := renderAnswer(phases, types.AnswerFactualRAG); got != "good" {
		t.Errorf("factual render = %q, want bare conclusion", got)
	}
	if got := renderAnswer(nil, types.AnswerFullNarrative); got != "" {
		t.Errorf("empty phases render = %q", got)
	}
}
