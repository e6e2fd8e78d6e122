package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Chen-speculation/narrarc/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMessages(t *testing.T, s *Store, talker string, n int, baseTime int64) []types.Message {
	t.Helper()
	msgs := make([]types.Message, n)
	for i := range msgs {
		msgs[i] = types.Message{
			LocalID:    int64(i + 1),
			TalkerID:   talker,
			Timestamp:  baseTime + int64(i)*60_000,
			IsOutgoing: i%2 == 0,
			Sender:     map[bool]string{true: "me", false: "them"}[i%2 == 0],
			Text:       "message",
		}
	}
	if err := s.InsertMessages(msgs); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	return msgs
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	for _, table := range []string{"raw_messages", "bursts", "topic_nodes", "node_metadata", "anomaly_anchors", "thread_links", "build_progress", "vector_units"} {
		var n int
		err := s.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "t1", 5, 1_700_000_000_000)

	got, err := s.MessagesForTalker("t1")
	if err != nil {
		t.Fatalf("MessagesForTalker: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].LocalID != 1 || !got[0].IsOutgoing || got[0].Sender != "me" {
		t.Errorf("first message = %+v", got[0])
	}

	// Duplicate insert is a no-op.
	if err := s.InsertMessages(got[:2]); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	again, _ := s.MessagesForTalker("t1")
	if len(again) != 5 {
		t.Errorf("after reinsert len = %d, want 5", len(again))
	}
}

func TestMessagesByIDs(t *testing.T) {
	s := newTestStore(t)
	seedMessages(t, s, "t1", 5, 1_700_000_000_000)

	got, err := s.MessagesByIDs("t1", []int64{2, 4, 99})
	if err != nil {
		t.Fatalf("MessagesByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (missing id dropped)", len(got))
	}
	if _, ok := got[99]; ok {
		t.Error("id 99 should be absent")
	}
}

func TestUnitsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	units := []types.TopicUnit{
		{ID: "u1", TalkerID: "t1", BurstID: "b1", TopicLabel: "travel plans", StartLocalID: 1, EndLocalID: 3, StartTime: 100, EndTime: 200},
		{ID: "u2", TalkerID: "t1", BurstID: "b2", TopicLabel: "work stress", StartLocalID: 4, EndLocalID: 6, StartTime: 300, EndTime: 400},
	}
	if err := s.InsertUnits(units); err != nil {
		t.Fatalf("InsertUnits: %v", err)
	}

	got, err := s.UnitsForTalker("t1")
	if err != nil {
		t.Fatalf("UnitsForTalker: %v", err)
	}
	if diff := cmp.Diff(units, got); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}

	one, err := s.UnitByID("u2")
	if err != nil {
		t.Fatalf("UnitByID: %v", err)
	}
	if one.TopicLabel != "work stress" {
		t.Errorf("label = %q", one.TopicLabel)
	}

	if _, err := s.UnitByID("nope"); err != ErrNotFound {
		t.Errorf("missing unit err = %v, want ErrNotFound", err)
	}

	has, err := s.HasUnitsForBurst("b1")
	if err != nil || !has {
		t.Errorf("HasUnitsForBurst(b1) = %v, %v", has, err)
	}
	has, _ = s.HasUnitsForBurst("b9")
	if has {
		t.Error("HasUnitsForBurst(b9) should be false")
	}

	window, err := s.UnitsInWindow("t1", 250, 500, 0)
	if err != nil {
		t.Fatalf("UnitsInWindow: %v", err)
	}
	if len(window) != 1 || window[0].ID != "u2" {
		t.Errorf("window = %+v", window)
	}
}

func TestSignalsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sig := types.SignalSet{
		NodeID: "u1", TalkerID: "t1",
		ReplyDelayAvgS: 12.5, ReplyDelayMaxS: 60,
		TermShiftScore: 0.4, SilenceEvent: true,
		TopicFrequency: 2, InitiatorRatio: 0.75,
		EmotionalTone: -0.3, ConflictIntensity: 0.8,
	}
	if err := s.UpsertSignals(sig); err != nil {
		t.Fatalf("UpsertSignals: %v", err)
	}

	got, err := s.SignalsForTalker("t1")
	if err != nil {
		t.Fatalf("SignalsForTalker: %v", err)
	}
	if diff := cmp.Diff(sig, got["u1"]); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceAnchors(t *testing.T) {
	s := newTestStore(t)
	first := []types.AnomalyAnchor{
		{ID: "a1", TalkerID: "t1", NodeID: "u1", SignalName: "reply_delay", Value: 100, BaselineMean: 10, BaselineStd: 5, EventDate: "2024-01-02"},
	}
	if err := s.ReplaceAnchors("t1", first); err != nil {
		t.Fatalf("ReplaceAnchors: %v", err)
	}

	second := []types.AnomalyAnchor{
		{ID: "a2", TalkerID: "t1", NodeID: "u2", SignalName: "silence", Value: 1, BaselineMean: 0, BaselineStd: 0, EventDate: "2024-02-03"},
	}
	if err := s.ReplaceAnchors("t1", second); err != nil {
		t.Fatalf("ReplaceAnchors second: %v", err)
	}

	got, err := s.AnchorsForTalker("t1")
	if err != nil {
		t.Fatalf("AnchorsForTalker: %v", err)
	}
	// Replaced wholesale, not merged.
	if len(got) != 1 || got[0].ID != "a2" {
		t.Errorf("anchors = %+v, want only a2", got)
	}
}

func TestLinks(t *testing.T) {
	s := newTestStore(t)
	link := types.ThreadLink{FromNodeID: "u1", ToNodeID: "u2", Reason: "same plan", Score: 0.9}
	if err := s.InsertLink("t1", link); err != nil {
		t.Fatalf("InsertLink: %v", err)
	}
	// Duplicate ordered pair is ignored.
	if err := s.InsertLink("t1", types.ThreadLink{FromNodeID: "u1", ToNodeID: "u2", Reason: "dup", Score: 0.1}); err != nil {
		t.Fatalf("InsertLink dup: %v", err)
	}

	exists, err := s.LinkExists("u1", "u2")
	if err != nil || !exists {
		t.Errorf("LinkExists = %v, %v", exists, err)
	}
	exists, _ = s.LinkExists("u2", "u1")
	if exists {
		t.Error("reverse pair should not exist")
	}

	links, err := s.LinksForTalker("t1")
	if err != nil {
		t.Fatalf("LinksForTalker: %v", err)
	}
	if len(links) != 1 || links[0].Reason != "same plan" {
		t.Errorf("links = %+v", links)
	}
}

func TestBurstsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)
	seedMessages(t, s, "t1", 4, base)

	bursts := []types.Burst{
		{ID: "b1", TalkerID: "t1", StartTime: base, EndTime: base + 3*60_000},
	}
	if err := s.InsertBursts(bursts); err != nil {
		t.Fatalf("InsertBursts: %v", err)
	}

	got, err := s.BurstsForTalker("t1")
	if err != nil {
		t.Fatalf("BurstsForTalker: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("bursts = %d, want 1", len(got))
	}
	if len(got[0].Messages) != 4 {
		t.Errorf("reattached messages = %d, want 4", len(got[0].Messages))
	}
}
