package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/Chen-speculation/narrarc/internal/types"
)

// InsertMessages stores a batch of raw messages in one transaction.
// Existing (talker_id, local_id) rows are left untouched.
func (s *Store) InsertMessages(msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO raw_messages
		(talker_id, local_id, timestamp_ms, is_outgoing, sender, text, type, excluded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert messages: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.Exec(m.TalkerID, m.LocalID, m.Timestamp, boolInt(m.IsOutgoing),
			m.Sender, m.Text, m.Type, boolInt(m.Excluded)); err != nil {
			return fmt.Errorf("insert message %d: %w", m.LocalID, err)
		}
	}
	return tx.Commit()
}

// MessagesForTalker returns every message for a talker in chronological
// order, excluded rows included; callers filter as needed.
func (s *Store) MessagesForTalker(talkerID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT talker_id, local_id, timestamp_ms, is_outgoing, sender, text, type, excluded
		FROM raw_messages WHERE talker_id = ? ORDER BY timestamp_ms, local_id`, talkerID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesByIDs resolves local ids to messages. Missing ids are simply
// absent from the result map.
func (s *Store) MessagesByIDs(talkerID string, ids []int64) (map[int64]types.Message, error) {
	result := make(map[int64]types.Message, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, talkerID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.Query(fmt.Sprintf(`SELECT talker_id, local_id, timestamp_ms, is_outgoing, sender, text, type, excluded
		FROM raw_messages WHERE talker_id = ? AND local_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages by ids: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		result[m.LocalID] = m
	}
	return result, nil
}

// MessagesInIDRange returns the non-excluded messages whose local id falls
// in [startLocalID, endLocalID], chronological order.
func (s *Store) MessagesInIDRange(talkerID string, startLocalID, endLocalID int64) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT talker_id, local_id, timestamp_ms, is_outgoing, sender, text, type, excluded
		FROM raw_messages
		WHERE talker_id = ? AND local_id BETWEEN ? AND ? AND excluded = 0
		ORDER BY timestamp_ms, local_id`, talkerID, startLocalID, endLocalID)
	if err != nil {
		return nil, fmt.Errorf("query message range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesInTimeWindow returns non-excluded messages with timestamps in
// [start, end], chronological order.
func (s *Store) MessagesInTimeWindow(talkerID string, start, end int64) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT talker_id, local_id, timestamp_ms, is_outgoing, sender, text, type, excluded
		FROM raw_messages
		WHERE talker_id = ? AND timestamp_ms BETWEEN ? AND ? AND excluded = 0
		ORDER BY timestamp_ms, local_id`, talkerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query message window: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var outgoing, excluded int
		if err := rows.Scan(&m.TalkerID, &m.LocalID, &m.Timestamp, &outgoing, &m.Sender, &m.Text, &m.Type, &excluded); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsOutgoing = outgoing != 0
		m.Excluded = excluded != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
