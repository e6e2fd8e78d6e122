// Package store persists the narrative-memory layers in SQLite: raw
// messages, bursts, topic units, per-unit signals, anomaly anchors, thread
// links, build-progress markers, and the per-talker vector collections.
//
// One writer at a time; WAL journaling keeps readers unblocked during
// writes. A generous busy timeout replaces outright failure on contention.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Chen-speculation/narrarc/internal/logging"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database holding all talkers' data.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	// vecAvailable is true when the sqlite-vec extension loaded and vec0
	// virtual tables can serve nearest-neighbor queries.
	vecAvailable bool
}

// Open initializes the database at path, creating the schema if needed.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single connection keeps the write path serialized; WAL keeps reads
	// from blocking behind it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	timer := logging.StartTimer(logging.CategoryStore, "initialize")
	defer timer.Stop()

	pragmas := []string{
		"PRAGMA busy_timeout = 60000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("set pragma: %w", err)
		}
	}

	statements := []string{
		schemaMessages,
		schemaBursts,
		schemaTopicNodes,
		schemaNodeMetadata,
		schemaAnomalyAnchors,
		schemaThreadLinks,
		schemaBuildProgress,
		schemaVectorUnits,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	s.vecAvailable = s.detectVecExtension()
	logging.StoreDebug("store initialized at %s (vec0=%v)", s.dbPath, s.vecAvailable)
	return nil
}

// detectVecExtension probes for the sqlite-vec vec0 module.
func (s *Store) detectVecExtension() bool {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS _vec_probe USING vec0(embedding float[4])"); err != nil {
		return false
	}
	s.db.Exec("DROP TABLE IF EXISTS _vec_probe")
	return true
}

// VecAvailable reports whether vec0 nearest-neighbor tables are usable.
func (s *Store) VecAvailable() bool { return s.vecAvailable }

// DB exposes the underlying handle for integration tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const schemaMessages = `
CREATE TABLE IF NOT EXISTS raw_messages (
	talker_id    TEXT NOT NULL,
	local_id     INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	is_outgoing  INTEGER NOT NULL DEFAULT 0,
	sender       TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	type         INTEGER NOT NULL DEFAULT 0,
	excluded     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (talker_id, local_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_talker_time ON raw_messages(talker_id, timestamp_ms);
`

const schemaBursts = `
CREATE TABLE IF NOT EXISTS bursts (
	id         TEXT PRIMARY KEY,
	talker_id  TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bursts_talker ON bursts(talker_id, start_time);
`

const schemaTopicNodes = `
CREATE TABLE IF NOT EXISTS topic_nodes (
	id             TEXT PRIMARY KEY,
	talker_id      TEXT NOT NULL,
	burst_id       TEXT NOT NULL,
	topic_label    TEXT NOT NULL,
	start_local_id INTEGER NOT NULL,
	end_local_id   INTEGER NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER NOT NULL,
	parent_id      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_nodes_talker_start ON topic_nodes(talker_id, start_time);
CREATE INDEX IF NOT EXISTS idx_nodes_burst ON topic_nodes(burst_id);
`

const schemaNodeMetadata = `
CREATE TABLE IF NOT EXISTS node_metadata (
	node_id            TEXT PRIMARY KEY,
	talker_id          TEXT NOT NULL,
	reply_delay_avg_s  REAL NOT NULL DEFAULT 0,
	reply_delay_max_s  REAL NOT NULL DEFAULT 0,
	term_shift_score   REAL NOT NULL DEFAULT 0,
	silence_event      INTEGER NOT NULL DEFAULT 0,
	topic_frequency    INTEGER NOT NULL DEFAULT 0,
	initiator_ratio    REAL NOT NULL DEFAULT 0,
	emotional_tone     REAL NOT NULL DEFAULT 0,
	conflict_intensity REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metadata_talker ON node_metadata(talker_id);
`

const schemaAnomalyAnchors = `
CREATE TABLE IF NOT EXISTS anomaly_anchors (
	id            TEXT PRIMARY KEY,
	talker_id     TEXT NOT NULL,
	node_id       TEXT NOT NULL,
	signal_name   TEXT NOT NULL,
	value         REAL NOT NULL,
	baseline_mean REAL NOT NULL,
	baseline_std  REAL NOT NULL,
	event_date    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anchors_talker ON anomaly_anchors(talker_id);
`

const schemaThreadLinks = `
CREATE TABLE IF NOT EXISTS thread_links (
	talker_id    TEXT NOT NULL,
	from_node_id TEXT NOT NULL,
	to_node_id   TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	score        REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (from_node_id, to_node_id)
);
CREATE INDEX IF NOT EXISTS idx_links_talker ON thread_links(talker_id);
CREATE INDEX IF NOT EXISTS idx_links_to ON thread_links(to_node_id);
`

const schemaBuildProgress = `
CREATE TABLE IF NOT EXISTS build_progress (
	talker_id  TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

const schemaVectorUnits = `
CREATE TABLE IF NOT EXISTS vector_units (
	talker_id  TEXT NOT NULL,
	node_id    TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	document   TEXT NOT NULL DEFAULT '',
	start_time INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (talker_id, node_id)
);
`
