package signal

import (
	"context"
	"testing"

	"github.com/Chen-speculation/narrarc/internal/config"
	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/store"
	"github.com/Chen-speculation/narrarc/internal/types"
)

func m(id int64, ts int64, outgoing bool, text string) types.Message {
	return types.Message{LocalID: id, TalkerID: "t1", Timestamp: ts, IsOutgoing: outgoing, Text: text}
}

func TestReplyDelays(t *testing.T) {
	msgs := []types.Message{
		m(1, 0, true, "hi"),
		m(2, 10_000, false, "hey"),    // 10s alternating gap
		m(3, 15_000, false, "still me"), // same sender, ignored
		m(4, 75_000, true, "back"),    // 60s alternating gap
	}
	avg, max := replyDelays(msgs)
	if avg != 35 {
		t.Errorf("avg = %v, want 35", avg)
	}
	if max != 60 {
		t.Errorf("max = %v, want 60", max)
	}

	avg, max = replyDelays([]types.Message{m(1, 0, true, "solo")})
	if avg != 0 || max != 0 {
		t.Errorf("single message: avg=%v max=%v, want 0", avg, max)
	}
}

func TestTermShift(t *testing.T) {
	terms := []string{"honey", "babe"}
	msgs := []types.Message{
		m(1, 0, true, "whatever"), // outgoing, not counted
		m(2, 1, false, "hi honey"),
		m(3, 2, false, "ok"),
		m(4, 3, false, "sure babe"),
		m(5, 4, false, "fine"),
	}
	got := termShift(msgs, terms)
	if got != 0.5 {
		t.Errorf("termShift = %v, want 0.5", got)
	}

	if got := termShift([]types.Message{m(1, 0, true, "x")}, terms); got != 0 {
		t.Errorf("no incoming messages: %v, want 0", got)
	}
}

func TestInitiatorRatio(t *testing.T) {
	// Pairs: (1 out,2 in) outgoing-first; then (3 in,4 out) incoming-first.
	msgs := []types.Message{
		m(1, 0, true, "a"),
		m(2, 1, false, "b"),
		m(3, 2, false, "c"),
		m(4, 3, true, "d"),
	}
	if got := initiatorRatio(msgs); got != 0.5 {
		t.Errorf("ratio = %v, want 0.5", got)
	}

	// All same sender: no pairs.
	same := []types.Message{m(1, 0, true, "a"), m(2, 1, true, "b")}
	if got := initiatorRatio(same); got != 0 {
		t.Errorf("ratio = %v, want 0", got)
	}
}

func unit(id string, start, end int64, label string) types.TopicUnit {
	return types.TopicUnit{ID: id, TalkerID: "t1", BurstID: "b-" + id, TopicLabel: label,
		StartLocalID: 1, EndLocalID: 2, StartTime: start, EndTime: end}
}

func TestSilenceEvents(t *testing.T) {
	hour := int64(3600_000)
	units := []types.TopicUnit{
		unit("u1", 0, hour, "a"),
		unit("u2", 2*hour, 3*hour, "b"),   // gap after u1: 1h
		unit("u3", 4*hour, 5*hour, "c"),   // gap after u2: 1h
		unit("u4", 30*hour, 31*hour, "d"), // gap after u3: 25h, silence
	}
	flags := silenceEvents(units)
	if flags["u1"] || flags["u2"] {
		t.Errorf("u1/u2 flagged: %v", flags)
	}
	if !flags["u3"] {
		t.Error("u3 should be flagged (25h gap vs 1h median)")
	}
	// Last unit is never flagged.
	if flags["u4"] {
		t.Error("last unit must not be flagged")
	}
}

func TestTopicFrequencies(t *testing.T) {
	units := []types.TopicUnit{
		unit("u1", 0, 10, "Travel"),
		unit("u2", 20, 30, "work"),
		unit("u3", 40, 50, "travel"), // one prior "travel" (case-insensitive)
		unit("u4", 60, 70, "TRAVEL"), // two prior
	}
	freq := topicFrequencies(units)
	if freq["u1"] != 0 || freq["u2"] != 0 {
		t.Errorf("early units: %v", freq)
	}
	if freq["u3"] != 1 {
		t.Errorf("u3 freq = %d, want 1", freq["u3"])
	}
	if freq["u4"] != 2 {
		t.Errorf("u4 freq = %d, want 2", freq["u4"])
	}
}

func newTestEngine(t *testing.T, completer llm.Completer) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.Default().Build
	return NewEngine(st, completer, cfg, 2), st
}

func seedUnits(t *testing.T, st *store.Store, n int) []types.TopicUnit {
	t.Helper()
	base := int64(1_700_000_000_000)
	day := int64(24 * 3600 * 1000)
	var msgs []types.Message
	var units []types.TopicUnit
	for i := 0; i < n; i++ {
		start := base + int64(i)*day
		firstID := int64(i*10 + 1)
		msgs = append(msgs,
			types.Message{LocalID: firstID, TalkerID: "t1", Timestamp: start, IsOutgoing: true, Text: "hi"},
			types.Message{LocalID: firstID + 1, TalkerID: "t1", Timestamp: start + 60_000, IsOutgoing: false, Text: "hello"},
		)
		units = append(units, types.TopicUnit{
			ID: "u" + string(rune('a'+i)), TalkerID: "t1", BurstID: "b" + string(rune('a'+i)),
			TopicLabel: "chat", StartLocalID: firstID, EndLocalID: firstID + 1,
			StartTime: start, EndTime: start + 60_000,
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

func TestComputeAllPersistsSignals(t *testing.T) {
	eng, st := newTestEngine(t, llm.NewStubCompleter())
	seedUnits(t, st, 3)

	if err := eng.ComputeAll(context.Background(), "t1", false); err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}

	signals, err := st.SignalsForTalker("t1")
	if err != nil {
		t.Fatalf("SignalsForTalker: %v", err)
	}
	if len(signals) != 3 {
		t.Fatalf("signals = %d, want 3", len(signals))
	}
	for id, sig := range signals {
		if sig.ReplyDelayAvgS != 60 {
			t.Errorf("%s reply delay = %v, want 60", id, sig.ReplyDelayAvgS)
		}
	}
}

func TestComputeAllSkipsExisting(t *testing.T) {
	stub := llm.NewStubCompleter()
	eng, st := newTestEngine(t, stub)
	seedUnits(t, st, 3)

	if err := eng.ComputeAll(context.Background(), "t1", false); err != nil {
		t.Fatalf("first ComputeAll: %v", err)
	}
	before := stub.Calls()

	// Second run on a fully computed talker issues zero external calls.
	if err := eng.ComputeAll(context.Background(), "t1", false); err != nil {
		t.Fatalf("second ComputeAll: %v", err)
	}
	if stub.Calls() != before {
		t.Errorf("recompute issued %d extra calls, want 0", stub.Calls()-before)
	}

	// Force recomputes.
	if err := eng.ComputeAll(context.Background(), "t1", true); err != nil {
		t.Fatalf("forced ComputeAll: %v", err)
	}
	if stub.Calls() == before {
		t.Error("force should issue calls")
	}
}

func TestComputeAllUniformSignalsYieldNoAnchors(t *testing.T) {
	eng, st := newTestEngine(t, llm.NewStubCompleter())
	seedUnits(t, st, 4)

	if err := eng.ComputeAll(context.Background(), "t1", false); err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}
	anchors, err := st.AnchorsForTalker("t1")
	if err != nil {
		t.Fatalf("AnchorsForTalker: %v", err)
	}
	if len(anchors) != 0 {
		t.Errorf("anchors = %d, want 0 for uniform signals", len(anchors))
	}
}
