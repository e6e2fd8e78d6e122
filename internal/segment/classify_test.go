package segment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/Chen-speculation/narrarc/internal/llm"
	"github.com/Chen-speculation/narrarc/internal/types"
)

func testBurst(id string, firstID int64, n int) types.Burst {
	base := int64(1_700_000_000_000)
	msgs := make([]types.Message, n)
	for i := range msgs {
		msgs[i] = types.Message{LocalID: firstID + int64(i), TalkerID: "t1", Timestamp: base + int64(i)*1000, Text: "hi"}
	}
	return types.Burst{ID: id, TalkerID: "t1", StartTime: msgs[0].Timestamp, EndTime: msgs[n-1].Timestamp, Messages: msgs}
}

func TestClassifyBurstWithStub(t *testing.T) {
	c := NewClassifier(llm.NewStubCompleter(), 8, 2)
	burst := testBurst("b1", 10, 4)

	units := c.ClassifyBurst(context.Background(), burst)
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	u := units[0]
	if u.StartLocalID != 10 || u.EndLocalID != 13 {
		t.Errorf("range = %d..%d, want 10..13", u.StartLocalID, u.EndLocalID)
	}
	if u.BurstID != "b1" || u.TalkerID != "t1" {
		t.Errorf("unit = %+v", u)
	}
	if u.StartTime != burst.StartTime || u.EndTime != burst.EndTime {
		t.Errorf("times = %d..%d", u.StartTime, u.EndTime)
	}
}

func TestClassifyBurstFallbackOnGarbage(t *testing.T) {
	calls := 0
	garbage := llm.FuncCompleter(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		calls++
		return "not json", nil
	})
	c := NewClassifier(garbage, 8, 2)
	burst := testBurst("b1", 1, 3)

	units := c.ClassifyBurst(context.Background(), burst)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls)
	}
	if len(units) != 1 || units[0].TopicLabel != FallbackLabel {
		t.Fatalf("units = %+v, want single fallback", units)
	}
	if units[0].StartLocalID != 1 || units[0].EndLocalID != 3 {
		t.Errorf("fallback range = %d..%d, want full burst", units[0].StartLocalID, units[0].EndLocalID)
	}
}

func TestClassifyBurstFallbackOnError(t *testing.T) {
	failing := llm.FuncCompleter(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		return "", errors.New("service down")
	})
	c := NewClassifier(failing, 8, 2)
	units := c.ClassifyBurst(context.Background(), testBurst("b1", 1, 2))
	if len(units) != 1 || units[0].TopicLabel != FallbackLabel {
		t.Fatalf("units = %+v, want single fallback", units)
	}
}

func TestClassifyBurstRejectsNonCovering(t *testing.T) {
	// Segments that do not cover the burst's id range must be rejected
	// in favor of the fallback.
	partial := llm.FuncCompleter(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		return `{"segments":[{"topic_name":"x","start_local_id":1,"end_local_id":2}]}`, nil
	})
	c := NewClassifier(partial, 8, 2)
	units := c.ClassifyBurst(context.Background(), testBurst("b1", 1, 5))
	if len(units) != 1 || units[0].TopicLabel != FallbackLabel {
		t.Fatalf("units = %+v, want fallback for non-covering segments", units)
	}
}

func TestClassifyBurstMultipleSegments(t *testing.T) {
	multi := llm.FuncCompleter(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		return `{"segments":[
			{"topic_name":"dinner plans","start_local_id":1,"end_local_id":3},
			{"topic_name":"argument","start_local_id":4,"end_local_id":5}]}`, nil
	})
	c := NewClassifier(multi, 8, 2)
	units := c.ClassifyBurst(context.Background(), testBurst("b1", 1, 5))
	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}
	if units[0].TopicLabel != "dinner plans" || units[1].TopicLabel != "argument" {
		t.Errorf("labels = %q, %q", units[0].TopicLabel, units[1].TopicLabel)
	}
	if units[0].EndLocalID >= units[1].StartLocalID {
		t.Error("segments overlap")
	}
}

func TestClassifyBatchWrongLengthRetriesThenFallsBack(t *testing.T) {
	var calls atomic.Int32
	short := llm.FuncCompleter(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		calls.Add(1)
		// Always one entry short.
		return `{"bursts":[{"segments":[{"topic_name":"a","start_local_id":1,"end_local_id":2}]}]}`, nil
	})
	c := NewClassifier(short, 8, 1)
	bursts := []types.Burst{testBurst("b1", 1, 2), testBurst("b2", 10, 2)}

	results := c.ClassifyBursts(context.Background(), bursts)
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (batch retried once)", got)
	}
	for i, units := range results {
		if len(units) != 1 || units[0].TopicLabel != FallbackLabel {
			t.Errorf("burst %d = %+v, want fallback", i, units)
		}
	}
}

func TestClassifyBatchPerBurstFallback(t *testing.T) {
	// Second entry malformed: only that burst falls back.
	mixed := llm.FuncCompleter(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		return `{"bursts":[
			{"segments":[{"topic_name":"plans","start_local_id":1,"end_local_id":2}]},
			{"segments":[{"topic_name":"bad","start_local_id":99,"end_local_id":5}]}]}`, nil
	})
	c := NewClassifier(mixed, 8, 1)
	bursts := []types.Burst{testBurst("b1", 1, 2), testBurst("b2", 10, 2)}

	results := c.ClassifyBursts(context.Background(), bursts)
	if results[0][0].TopicLabel != "plans" {
		t.Errorf("burst 1 label = %q, want plans", results[0][0].TopicLabel)
	}
	if results[1][0].TopicLabel != FallbackLabel {
		t.Errorf("burst 2 label = %q, want fallback", results[1][0].TopicLabel)
	}
}

func TestClassifyBurstsIndexAligned(t *testing.T) {
	// The opencensus worker goroutine is started at package init by a
	// transitive dependency, not by the classifier under test.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	c := NewClassifier(llm.NewStubCompleter(), 2, 4)
	bursts := []types.Burst{
		testBurst("b1", 1, 2),
		testBurst("b2", 10, 2),
		testBurst("b3", 20, 2),
		testBurst("b4", 30, 2),
		testBurst("b5", 40, 2),
	}

	results := c.ClassifyBursts(context.Background(), bursts)
	if len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
	for i, units := range results {
		if len(units) == 0 {
			t.Fatalf("burst %d got no units", i)
		}
		if units[0].BurstID != bursts[i].ID {
			t.Errorf("result %d references burst %s, want %s", i, units[0].BurstID, bursts[i].ID)
		}
	}
}
