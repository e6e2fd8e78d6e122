package llm

import (
	"context"
	"testing"
)

func TestStubCompleterClassification(t *testing.T) {
	s := NewStubCompleter()
	prompt := `Classify into segments with start_local_id and end_local_id.
Burst 1: messages 10-14
Burst 2: messages 20-21
Return {"bursts": [...]}`

	raw, err := s.Complete(context.Background(), CompletionRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var out struct {
		Bursts []struct {
			Segments []struct {
				TopicName    string `json:"topic_name"`
				StartLocalID int64  `json:"start_local_id"`
				EndLocalID   int64  `json:"end_local_id"`
			} `json:"segments"`
		} `json:"bursts"`
	}
	if err := UnmarshalResponse(raw, &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out.Bursts) != 2 {
		t.Fatalf("bursts = %d, want 2", len(out.Bursts))
	}
	if out.Bursts[0].Segments[0].StartLocalID != 10 || out.Bursts[0].Segments[0].EndLocalID != 14 {
		t.Errorf("first range = %+v", out.Bursts[0].Segments[0])
	}
}

func TestStubCompleterOverride(t *testing.T) {
	s := NewStubCompleter()
	s.SetResponse("same evolving", `{"linked": true, "reason": "follows up"}`)

	raw, err := s.Complete(context.Background(), CompletionRequest{Prompt: `Do these continue the same evolving story? Answer with "linked".`})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var out struct {
		Linked bool `json:"linked"`
	}
	if err := UnmarshalResponse(raw, &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.Linked {
		t.Error("override not applied")
	}
}

func TestStubEmbedderDeterministic(t *testing.T) {
	e := NewStubEmbedder()
	a1, _ := e.Embed(context.Background(), "hello")
	a2, _ := e.Embed(context.Background(), "hello")
	b, _ := e.Embed(context.Background(), "different")

	if CosineSimilarity(a1, a2) < 0.9999 {
		t.Error("same text should embed identically")
	}
	if CosineSimilarity(a1, b) > 0.9999 {
		t.Error("different texts should not embed identically")
	}
	if len(a1) != e.Dimensions() {
		t.Errorf("dims = %d, want %d", len(a1), e.Dimensions())
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
