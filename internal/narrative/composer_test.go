package narrative

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

func msOf(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// seedNarrative creates two units of ten messages each, a week apart.
func seedNarrative(t *testing.T, st *store.Store) []types.TopicUnit {
	t.Helper()
	var msgs []types.Message
	var units []types.TopicUnit
	for u := 0; u < 2; u++ {
		start := msOf(2023, time.March, 1+u*7)
		firstID := int64(u*10 + 1)
		for i := int64(0); i < 10; i++ {
			msgs = append(msgs, types.Message{
				LocalID: firstID + i, TalkerID: "t1", Timestamp: start + i*60_000,
				IsOutgoing: i%2 == 0, Text: fmt.Sprintf("msg %d", firstID+i),
			})
		}
		units = append(units, types.TopicUnit{
			ID: fmt.Sprintf("u%d", u), TalkerID: "t1", BurstID: fmt.Sprintf("b%d", u),
			TopicLabel: "plans", StartLocalID: firstID, EndLocalID: firstID + 9,
			StartTime: start, EndTime: start + 9*60_000,
		})
	}
	if err := st.InsertMessages(msgs); err != nil {
		t.Fatalf("insert messages: %v", err)
	}
	if err := st.InsertUnits(units); err != nil {
		t.Fatalf("insert units: %v", err)
	}
	return units
}

func newTestComposer(t *testing.T, stub *llm.StubCompleter) (*Composer, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewComposer(st, stub), st
}

func TestPreviewMessages(t *testing.T) {
	mk := func(n int) []types.Message {
		out := make([]types.Message, n)
		for i := range out {
			out[i] = types.Message{LocalID: int64(i + 1)}
		}
		return out
	}

	got := previewMessages(mk(10))
	if len(got) != 8 {
		t.Fatalf("10 messages previewed as %d, want 8", len(got))
	}
	wantIDs := []int64{1, 2, 3, 6, 7, 8, 9, 10}
	for i, id := range wantIDs {
		if got[i].LocalID != id {
			t.Errorf("preview[%d] = %d, want %d", i, got[i].LocalID, id)
		}
	}

	got = previewMessages(mk(7))
	if len(got) != 5 {
		t.Fatalf("7 messages previewed as %d, want 5", len(got))
	}
	if got[3].LocalID != 6 || got[4].LocalID != 7 {
		t.Errorf("tail = %d, %d; want 6, 7", got[3].LocalID, got[4].LocalID)
	}

	if got = previewMessages(mk(4)); len(got) != 4 {
		t.Errorf("4 messages previewed as %d, want all 4", len(got))
	}
}

func TestPhaseBounds(t *testing.T) {
	mkUnits := func(n, spanDays int) []types.TopicUnit {
		out := make([]types.TopicUnit, n)
		step := int64(spanDays) * 24 * 3600 * 1000 / int64(n)
		for i := range out {
			out[i] = types.TopicUnit{StartTime: int64(i) * step, EndTime: int64(i)*step + 1000}
		}
		return out
	}

	tests := []struct {
		name     string
		mode     types.OutputMode
		units    []types.TopicUnit
		wantMin  int
		wantMax  int
	}{
		{"fact is always one", types.OutputFact, mkUnits(30, 720), 1, 1},
		{"long rich narrative", types.OutputNarrative, mkUnits(30, 720), 3, 4},
		{"short narrative clamps to min", types.OutputNarrative, mkUnits(6, 30), 3, 3},
		{"summary", types.OutputSummary, mkUnits(30, 720), 2, 4},
		{"summary with little history", types.OutputSummary, mkUnits(6, 30), 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMin, gotMax := phaseBounds(tt.mode, tt.units)
			if gotMin != tt.wantMin || gotMax != tt.wantMax {
				t.Errorf("phaseBounds = (%d, %d), want (%d, %d)", gotMin, gotMax, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestComposeNarrativeSanitizesEvidence(t *testing.T) {
	stub := llm.NewStubCompleter()
	stub.SetResponse(`"phases"`, `{"phases": [
		{"title": "Start", "time_range": "2023-03-01 ~ 2023-03-08", "conclusion": "c",
		 "evidence_msg_ids": [2, "12", 999]}
	]}`)
	c, st := newTestComposer(t, stub)
	units := seedNarrative(t, st)

	intent := types.QueryIntent{OutputMode: types.OutputNarrative}
	phases, calls, err := c.Compose(context.Background(), "t1", "how did it go", intent, units)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(phases) != 1 {
		t.Fatalf("phases = %d, want 1", len(phases))
	}
	// 2 is in range, "12" coerces and is in range, 999 is outside any unit.
	got := phases[0].EvidenceMsgIDs
	if len(got) != 2 || got[0] != 2 || got[1] != 12 {
		t.Errorf("evidence = %v, want [2 12]", got)
	}
}

func TestComposeNarrativeFailsAfterTwoAttempts(t *testing.T) {
	// The stub's default phases response is empty, which is unusable.
	c, st := newTestComposer(t, llm.NewStubCompleter())
	units := seedNarrative(t, st)

	_, calls, err := c.Compose(context.Background(), "t1", "q",
		types.QueryIntent{OutputMode: types.OutputNarrative}, units)
	if err == nil {
		t.Fatal("expected an error for empty phases")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestComposeFact(t *testing.T) {
	stub := llm.NewStubCompleter()
	stub.SetResponse("evidence_msg_ids", `{"answer": "on March 1st", "evidence_msg_ids": [1, 2]}`)
	c, st := newTestComposer(t, stub)
	units := seedNarrative(t, st)

	phases, calls, err := c.Compose(context.Background(), "t1", "when did it start",
		types.QueryIntent{OutputMode: types.OutputFact}, units)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(phases) != 1 {
		t.Fatalf("phases = %d, want exactly 1 in fact mode", len(phases))
	}
	if phases[0].Conclusion != "on March 1st" {
		t.Errorf("conclusion = %q", phases[0].Conclusion)
	}
	if len(phases[0].EvidenceMsgIDs) != 2 {
		t.Errorf("evidence = %v", phases[0].EvidenceMsgIDs)
	}
}

func TestComposeWithNoUnits(t *testing.T) {
	c, _ := newTestComposer(t, llm.NewStubCompleter())
	if _, _, err := c.Compose(context.Background(), "t1", "q", types.QueryIntent{}, nil); err == nil {
		t.Error("expected an error with no units")
	}
}

func TestQuarterOf(t *testing.T) {
	tests := []struct {
		ts   int64
		want string
	}{
		{0, "Q1"},
		{24, "Q1"},
		{25, "Q2"},
		{50, "Q3"},
		{99, "Q4"},
		{100, "Q4"},
	}
	for _, tt := range tests {
		if got := quarterOf(tt.ts, 0, 100); got != tt.want {
			t.Errorf("quarterOf(%d) = %s, want %s", tt.ts, got, tt.want)
		}
	}
}
