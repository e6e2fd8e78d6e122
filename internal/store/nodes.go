package store

import (
	"database/sql"
	"fmt"

	"github.com/Chen-speculation/narrarc/internal/types"
)

// InsertBursts stores bursts in one transaction. Messages on the burst are
// not persisted here; they are reattachable from raw_messages by time window.
func (s *Store) InsertBursts(bursts []types.Burst) error {
	if len(bursts) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert bursts: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO bursts (id, talker_id, start_time, end_time) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert bursts: %w", err)
	}
	defer stmt.Close()

	for _, b := range bursts {
		if _, err := stmt.Exec(b.ID, b.TalkerID, b.StartTime, b.EndTime); err != nil {
			return fmt.Errorf("insert burst %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

// BurstsForTalker returns bursts chronologically with their messages
// reattached from raw_messages.
func (s *Store) BurstsForTalker(talkerID string) ([]types.Burst, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT id, talker_id, start_time, end_time FROM bursts
		WHERE talker_id = ? ORDER BY start_time`, talkerID)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("query bursts: %w", err)
	}
	var bursts []types.Burst
	for rows.Next() {
		var b types.Burst
		if err := rows.Scan(&b.ID, &b.TalkerID, &b.StartTime, &b.EndTime); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("scan burst: %w", err)
		}
		bursts = append(bursts, b)
	}
	rows.Close()
	s.mu.RUnlock()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range bursts {
		msgs, err := s.MessagesInTimeWindow(talkerID, bursts[i].StartTime, bursts[i].EndTime)
		if err != nil {
			return nil, err
		}
		bursts[i].Messages = msgs
	}
	return bursts, nil
}

// HasUnitsForBurst reports whether any TopicUnit references the burst.
// Classification uses this to skip already-processed bursts.
func (s *Store) HasUnitsForBurst(burstID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM topic_nodes WHERE burst_id = ?`, burstID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count units for burst: %w", err)
	}
	return n > 0, nil
}

// InsertUnits stores topic units in one transaction.
func (s *Store) InsertUnits(units []types.TopicUnit) error {
	if len(units) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert units: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO topic_nodes
		(id, talker_id, burst_id, topic_label, start_local_id, end_local_id, start_time, end_time, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert units: %w", err)
	}
	defer stmt.Close()

	for _, u := range units {
		if _, err := stmt.Exec(u.ID, u.TalkerID, u.BurstID, u.TopicLabel,
			u.StartLocalID, u.EndLocalID, u.StartTime, u.EndTime, u.ParentID); err != nil {
			return fmt.Errorf("insert unit %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// UnitsForTalker returns all topic units for a talker, chronological order.
func (s *Store) UnitsForTalker(talkerID string) ([]types.TopicUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, talker_id, burst_id, topic_label, start_local_id, end_local_id, start_time, end_time, parent_id
		FROM topic_nodes WHERE talker_id = ? ORDER BY start_time, start_local_id`, talkerID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// UnitByID fetches one topic unit.
func (s *Store) UnitByID(id string) (types.TopicUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT id, talker_id, burst_id, topic_label, start_local_id, end_local_id, start_time, end_time, parent_id
		FROM topic_nodes WHERE id = ?`, id)
	var u types.TopicUnit
	err := row.Scan(&u.ID, &u.TalkerID, &u.BurstID, &u.TopicLabel, &u.StartLocalID, &u.EndLocalID, &u.StartTime, &u.EndTime, &u.ParentID)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("query unit %s: %w", id, err)
	}
	return u, nil
}

// UnitsInWindow returns units whose start_time falls inside [start, end],
// chronological order, capped at limit when limit > 0.
func (s *Store) UnitsInWindow(talkerID string, start, end int64, limit int) ([]types.TopicUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, talker_id, burst_id, topic_label, start_local_id, end_local_id, start_time, end_time, parent_id
		FROM topic_nodes WHERE talker_id = ? AND start_time BETWEEN ? AND ? ORDER BY start_time`
	args := []interface{}{talkerID, start, end}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query units in window: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

func scanUnits(rows *sql.Rows) ([]types.TopicUnit, error) {
	var units []types.TopicUnit
	for rows.Next() {
		var u types.TopicUnit
		if err := rows.Scan(&u.ID, &u.TalkerID, &u.BurstID, &u.TopicLabel,
			&u.StartLocalID, &u.EndLocalID, &u.StartTime, &u.EndTime, &u.ParentID); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// UpsertSignals writes one unit's signal set.
func (s *Store) UpsertSignals(sig types.SignalSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO node_metadata
		(node_id, talker_id, reply_delay_avg_s, reply_delay_max_s, term_shift_score,
		 silence_event, topic_frequency, initiator_ratio, emotional_tone, conflict_intensity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.NodeID, sig.TalkerID, sig.ReplyDelayAvgS, sig.ReplyDelayMaxS, sig.TermShiftScore,
		boolInt(sig.SilenceEvent), sig.TopicFrequency, sig.InitiatorRatio, sig.EmotionalTone, sig.ConflictIntensity)
	if err != nil {
		return fmt.Errorf("upsert signals %s: %w", sig.NodeID, err)
	}
	return nil
}

// SignalsForTalker returns all signal sets keyed by node id.
func (s *Store) SignalsForTalker(talkerID string) (map[string]types.SignalSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT node_id, talker_id, reply_delay_avg_s, reply_delay_max_s, term_shift_score,
		silence_event, topic_frequency, initiator_ratio, emotional_tone, conflict_intensity
		FROM node_metadata WHERE talker_id = ?`, talkerID)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	result := make(map[string]types.SignalSet)
	for rows.Next() {
		var sig types.SignalSet
		var silence int
		if err := rows.Scan(&sig.NodeID, &sig.TalkerID, &sig.ReplyDelayAvgS, &sig.ReplyDelayMaxS, &sig.TermShiftScore,
			&silence, &sig.TopicFrequency, &sig.InitiatorRatio, &sig.EmotionalTone, &sig.ConflictIntensity); err != nil {
			return nil, fmt.Errorf("scan signals: %w", err)
		}
		sig.SilenceEvent = silence != 0
		result[sig.NodeID] = sig
	}
	return result, rows.Err()
}

// ReplaceAnchors swaps a talker's anchors in one transaction. Anchors are
// derived data; stale rows from a previous run are removed, not merged.
func (s *Store) ReplaceAnchors(talkerID string, anchors []types.AnomalyAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace anchors: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM anomaly_anchors WHERE talker_id = ?`, talkerID); err != nil {
		return fmt.Errorf("clear anchors: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO anomaly_anchors
		(id, talker_id, node_id, signal_name, value, baseline_mean, baseline_std, event_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert anchors: %w", err)
	}
	defer stmt.Close()

	for _, a := range anchors {
		if _, err := stmt.Exec(a.ID, a.TalkerID, a.NodeID, a.SignalName,
			a.Value, a.BaselineMean, a.BaselineStd, a.EventDate); err != nil {
			return fmt.Errorf("insert anchor %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// AnchorsForTalker returns all anomaly anchors for a talker.
func (s *Store) AnchorsForTalker(talkerID string) ([]types.AnomalyAnchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, talker_id, node_id, signal_name, value, baseline_mean, baseline_std, event_date
		FROM anomaly_anchors WHERE talker_id = ? ORDER BY event_date`, talkerID)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var anchors []types.AnomalyAnchor
	for rows.Next() {
		var a types.AnomalyAnchor
		if err := rows.Scan(&a.ID, &a.TalkerID, &a.NodeID, &a.SignalName,
			&a.Value, &a.BaselineMean, &a.BaselineStd, &a.EventDate); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		anchors = append(anchors, a)
	}
	return anchors, rows.Err()
}

// InsertLink writes one thread link. At most one link per ordered pair.
func (s *Store) InsertLink(talkerID string, link types.ThreadLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR IGNORE INTO thread_links (talker_id, from_node_id, to_node_id, reason, score)
		VALUES (?, ?, ?, ?, ?)`, talkerID, link.FromNodeID, link.ToNodeID, link.Reason, link.Score)
	if err != nil {
		return fmt.Errorf("insert link %s->%s: %w", link.FromNodeID, link.ToNodeID, err)
	}
	return nil
}

// LinkExists reports whether the ordered pair is already linked.
func (s *Store) LinkExists(fromID, toID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM thread_links WHERE from_node_id = ? AND to_node_id = ?`, fromID, toID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check link: %w", err)
	}
	return n > 0, nil
}

// LinksForTalker returns every thread link for a talker.
func (s *Store) LinksForTalker(talkerID string) ([]types.ThreadLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT from_node_id, to_node_id, reason, score FROM thread_links WHERE talker_id = ?`, talkerID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []types.ThreadLink
	for rows.Next() {
		var l types.ThreadLink
		if err := rows.Scan(&l.FromNodeID, &l.ToNodeID, &l.Reason, &l.Score); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
