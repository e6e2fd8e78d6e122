package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Chen-speculation/narrarc/internal/types"
)

// ListTalkers returns per-talker aggregates for every talker with messages.
// The display name is the sender of the first incoming message.
func (s *Store) ListTalkers() ([]types.TalkerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT talker_id, COUNT(*), MAX(timestamp_ms)
		FROM raw_messages GROUP BY talker_id ORDER BY MAX(timestamp_ms) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query talkers: %w", err)
	}
	defer rows.Close()

	var stats []types.TalkerStats
	for rows.Next() {
		var st types.TalkerStats
		if err := rows.Scan(&st.TalkerID, &st.MessageCount, &st.LastTime); err != nil {
			return nil, fmt.Errorf("scan talker stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stats {
		var name string
		err := s.db.QueryRow(`SELECT sender FROM raw_messages
			WHERE talker_id = ? AND is_outgoing = 0 AND sender <> ''
			ORDER BY timestamp_ms LIMIT 1`, stats[i].TalkerID).Scan(&name)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("query display name: %w", err)
		}
		if name == "" {
			name = stats[i].TalkerID
		}
		stats[i].DisplayName = name
	}
	return stats, nil
}

// Status derives the three-state build status for a talker: a live progress
// marker or nodes missing metadata mean in_progress; no nodes and no marker
// mean pending; otherwise complete.
func (s *Store) Status(talkerID string) (types.BuildStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var progressRows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM build_progress WHERE talker_id = ?`, talkerID).Scan(&progressRows); err != nil {
		return "", fmt.Errorf("check progress: %w", err)
	}
	if progressRows > 0 {
		return types.BuildInProgress, nil
	}

	var nodeCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM topic_nodes WHERE talker_id = ?`, talkerID).Scan(&nodeCount); err != nil {
		return "", fmt.Errorf("count nodes: %w", err)
	}
	if nodeCount == 0 {
		return types.BuildPending, nil
	}

	var missingMetadata int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM topic_nodes n
		LEFT JOIN node_metadata m ON n.id = m.node_id
		WHERE n.talker_id = ? AND m.node_id IS NULL`, talkerID).Scan(&missingMetadata)
	if err != nil {
		return "", fmt.Errorf("count missing metadata: %w", err)
	}
	if missingMetadata > 0 {
		return types.BuildInProgress, nil
	}
	return types.BuildComplete, nil
}

// SetProgress writes the build-progress marker for UI polling.
func (s *Store) SetProgress(p types.BuildProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO build_progress (talker_id, run_id, stage, detail, updated_at)
		VALUES (?, ?, ?, ?, ?)`, p.TalkerID, p.RunID, p.Stage, p.Detail, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// GetProgress returns the progress marker, or ErrNotFound.
func (s *Store) GetProgress(talkerID string) (types.BuildProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p types.BuildProgress
	var updated int64
	err := s.db.QueryRow(`SELECT talker_id, run_id, stage, detail, updated_at
		FROM build_progress WHERE talker_id = ?`, talkerID).
		Scan(&p.TalkerID, &p.RunID, &p.Stage, &p.Detail, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get progress: %w", err)
	}
	p.UpdatedAt = time.UnixMilli(updated)
	return p, nil
}

// ClearProgress removes the progress marker after a build finishes.
func (s *Store) ClearProgress(talkerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM build_progress WHERE talker_id = ?`, talkerID); err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	return nil
}

// DeleteSession removes every row for a talker across all tables.
func (s *Store) DeleteSession(talkerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"raw_messages", "bursts", "topic_nodes", "node_metadata",
		"anomaly_anchors", "thread_links", "build_progress", "vector_units",
	}
	for _, table := range tables {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE talker_id = ?", table), talkerID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}
