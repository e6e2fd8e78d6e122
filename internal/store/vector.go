// Vector collection support: one named collection per talker, served by a
// vec0 virtual table when the sqlite-vec extension is present and by
// brute-force cosine scan over JSON-encoded embeddings otherwise.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/Chen-speculation/narrarc/internal/logging"
)

// VectorHit is one nearest-neighbor result. Distance is cosine distance
// (1 - similarity); lower is closer.
type VectorHit struct {
	NodeID    string
	Distance  float64
	StartTime int64
}

// TimeWindow filters hits by unit start time.
type TimeWindow struct {
	Start int64
	End   int64
}

// Collection is the per-talker vector index.
type Collection struct {
	s        *Store
	talkerID string
	vecTable string
}

// Collection returns the vector collection for a talker. The name is
// deterministic from the talker id.
func (s *Store) Collection(talkerID string) *Collection {
	h := fnv.New32a()
	h.Write([]byte(talkerID))
	return &Collection{
		s:        s,
		talkerID: talkerID,
		vecTable: fmt.Sprintf("vec_idx_%08x", h.Sum32()),
	}
}

// Upsert stores a unit embedding with its document text and start time.
func (c *Collection) Upsert(nodeID string, vec []float32, startTime int64, document string) error {
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if _, err := c.s.db.Exec(`INSERT OR REPLACE INTO vector_units (talker_id, node_id, embedding, document, start_time)
		VALUES (?, ?, ?, ?, ?)`, c.talkerID, nodeID, string(embJSON), document, startTime); err != nil {
		return fmt.Errorf("upsert vector %s: %w", nodeID, err)
	}

	if !c.s.vecAvailable {
		return nil
	}

	if err := c.ensureVecTable(len(vec)); err != nil {
		// vec0 is an accelerator; the JSON row above remains authoritative.
		logging.StoreDebug("vec0 table unavailable for %s: %v", c.talkerID, err)
		return nil
	}
	var rowid int64
	if err := c.s.db.QueryRow(`SELECT rowid FROM vector_units WHERE talker_id = ? AND node_id = ?`,
		c.talkerID, nodeID).Scan(&rowid); err != nil {
		return fmt.Errorf("resolve vector rowid: %w", err)
	}
	if _, err := c.s.db.Exec(fmt.Sprintf(`INSERT OR REPLACE INTO %s (rowid, embedding) VALUES (?, ?)`, c.vecTable),
		rowid, string(embJSON)); err != nil {
		return fmt.Errorf("upsert vec0 row: %w", err)
	}
	return nil
}

func (c *Collection) ensureVecTable(dims int) error {
	_, err := c.s.db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d] distance_metric=cosine)`,
		c.vecTable, dims))
	return err
}

// IndexedIDs returns the set of node ids already present in the collection.
func (c *Collection) IndexedIDs() (map[string]bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	rows, err := c.s.db.Query(`SELECT node_id FROM vector_units WHERE talker_id = ?`, c.talkerID)
	if err != nil {
		return nil, fmt.Errorf("query indexed ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan indexed id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Vector returns the stored embedding for one node, or ErrNotFound.
func (c *Collection) Vector(nodeID string) ([]float32, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	var blob string
	err := c.s.db.QueryRow(
		`SELECT embedding FROM vector_units WHERE talker_id = ? AND node_id = ?`,
		c.talkerID, nodeID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query vector: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal([]byte(blob), &vec); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vec, nil
}

// Count returns the number of indexed units.
func (c *Collection) Count() (int, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	var n int
	if err := c.s.db.QueryRow(`SELECT COUNT(*) FROM vector_units WHERE talker_id = ?`, c.talkerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

// Query returns the k nearest units to vec, optionally restricted to a
// start-time window. Results are ordered by ascending distance.
func (c *Collection) Query(vec []float32, k int, window *TimeWindow) ([]VectorHit, error) {
	if k <= 0 {
		k = 10
	}

	// The vec0 fast path has no metadata filtering; windowed queries go
	// through the scan path, which filters before ranking.
	if c.s.vecAvailable && window == nil {
		hits, err := c.queryVec0(vec, k)
		if err == nil {
			return hits, nil
		}
		logging.StoreDebug("vec0 query failed, falling back to scan: %v", err)
	}
	return c.queryScan(vec, k, window)
}

func (c *Collection) queryVec0(vec []float32, k int) ([]VectorHit, error) {
	embJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	rows, err := c.s.db.Query(fmt.Sprintf(`SELECT u.node_id, t.distance, u.start_time
		FROM (SELECT rowid, distance FROM %s WHERE embedding MATCH ? ORDER BY distance LIMIT ?) t
		JOIN vector_units u ON u.rowid = t.rowid`, c.vecTable), string(embJSON), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.NodeID, &h.Distance, &h.StartTime); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (c *Collection) queryScan(vec []float32, k int, window *TimeWindow) ([]VectorHit, error) {
	c.s.mu.RLock()

	q := `SELECT node_id, embedding, start_time FROM vector_units WHERE talker_id = ?`
	args := []interface{}{c.talkerID}
	if window != nil {
		q += ` AND start_time BETWEEN ? AND ?`
		args = append(args, window.Start, window.End)
	}

	rows, err := c.s.db.Query(q, args...)
	if err != nil {
		c.s.mu.RUnlock()
		return nil, fmt.Errorf("scan vectors: %w", err)
	}

	var hits []VectorHit
	for rows.Next() {
		var nodeID, embJSON string
		var startTime int64
		if err := rows.Scan(&nodeID, &embJSON, &startTime); err != nil {
			rows.Close()
			c.s.mu.RUnlock()
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			continue
		}
		sim := cosine(vec, stored)
		hits = append(hits, VectorHit{NodeID: nodeID, Distance: 1 - sim, StartTime: startTime})
	}
	err = rows.Err()
	rows.Close()
	c.s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, ma, mb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		ma += float64(a[i]) * float64(a[i])
		mb += float64(b[i]) * float64(b[i])
	}
	if ma == 0 || mb == 0 {
		return 0
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}
