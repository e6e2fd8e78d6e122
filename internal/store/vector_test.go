package store

import (
	"testing"
)

func TestCollectionUpsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	c := s.Collection("t1")

	vectors := map[string][]float32{
		"u1": {1, 0, 0},
		"u2": {0.9, 0.1, 0},
		"u3": {0, 0, 1},
	}
	times := map[string]int64{"u1": 100, "u2": 200, "u3": 300}
	for id, vec := range vectors {
		if err := c.Upsert(id, vec, times[id], "doc "+id); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	count, err := c.Count()
	if err != nil || count != 3 {
		t.Fatalf("Count = %d, %v", count, err)
	}

	hits, err := c.Query([]float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].NodeID != "u1" {
		t.Errorf("nearest = %s, want u1", hits[0].NodeID)
	}
	if hits[1].NodeID != "u2" {
		t.Errorf("second = %s, want u2", hits[1].NodeID)
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("hits not ordered by distance")
	}
}

func TestCollectionQueryWindow(t *testing.T) {
	s := newTestStore(t)
	c := s.Collection("t1")
	c.Upsert("u1", []float32{1, 0}, 100, "")
	c.Upsert("u2", []float32{1, 0}, 500, "")

	hits, err := c.Query([]float32{1, 0}, 10, &TimeWindow{Start: 400, End: 600})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].NodeID != "u2" {
		t.Errorf("windowed hits = %+v, want only u2", hits)
	}
}

func TestCollectionIndexedIDs(t *testing.T) {
	s := newTestStore(t)
	c := s.Collection("t1")
	c.Upsert("u1", []float32{1}, 1, "")

	ids, err := c.IndexedIDs()
	if err != nil {
		t.Fatalf("IndexedIDs: %v", err)
	}
	if !ids["u1"] || ids["u2"] {
		t.Errorf("ids = %v", ids)
	}

	// Re-upsert is idempotent.
	c.Upsert("u1", []float32{1}, 1, "")
	count, _ := c.Count()
	if count != 1 {
		t.Errorf("count after re-upsert = %d, want 1", count)
	}
}

func TestCollectionIsolationBetweenTalkers(t *testing.T) {
	s := newTestStore(t)
	s.Collection("t1").Upsert("u1", []float32{1, 0}, 1, "")
	s.Collection("t2").Upsert("u9", []float32{1, 0}, 1, "")

	hits, err := s.Collection("t1").Query([]float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, h := range hits {
		if h.NodeID == "u9" {
			t.Error("query leaked across talker collections")
		}
	}
}
