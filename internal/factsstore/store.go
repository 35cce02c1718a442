package factsstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"nerdwf/internal/errs"
	"nerdwf/internal/logging"
)

// Store is the Facts Store: a single-writer SQLite database with a
// best-effort FTS index.
type Store struct {
	db           *sql.DB
	dbPath       string
	mu           sync.Mutex
	ftsAvailable bool
}

// Open creates or opens the facts database at dbPath, enabling WAL mode and
// creating the schema if absent. FTS is attempted but its absence is not a
// fatal error.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, &errs.IOError{Op: "mkdir", Path: filepath.Dir(dbPath), Cause: err}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, &errs.IOError{Op: "open", Path: dbPath, Cause: err}
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.dbPath }

// FtsAvailable reports whether the memories_fts virtual table was created.
func (s *Store) FtsAvailable() bool { return s.ftsAvailable }

const coreSchema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL,
	importance REAL NOT NULL,
	confidence REAL NOT NULL,
	created_at DATETIME NOT NULL,
	last_accessed_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME,
	tags_json TEXT,
	supersedes TEXT,
	superseded_by TEXT,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);

CREATE TABLE IF NOT EXISTS memory_blocks (
	label TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
	date TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	key_decisions_json TEXT,
	mentioned_entities_json TEXT,
	generated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS weekly_summaries (
	week TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	generated_at DATETIME NOT NULL
);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(coreSchema); err != nil {
		return fmt.Errorf("init core schema: %w", err)
	}

	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			id UNINDEXED, content, content='memories', content_rowid='rowid'
		);
		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, id, content) VALUES (new.rowid, new.id, new.content);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, id, content) VALUES ('delete', old.rowid, old.id, old.content);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, id, content) VALUES ('delete', old.rowid, old.id, old.content);
			INSERT INTO memories_fts(rowid, id, content) VALUES (new.rowid, new.id, new.content);
		END;
	`)
	if err != nil {
		logging.Store("memories_fts unavailable, falling back to empty search results: %v", err)
		s.ftsAvailable = false
		return nil
	}
	s.ftsAvailable = true
	return nil
}

// Add inserts a new memory. CreatedAt/LastAccessedAt/UpdatedAt default to
// now when zero.
func (s *Store) Add(m Memory) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessedAt.IsZero() {
		m.LastAccessedAt = m.CreatedAt
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	tagsJSON, _ := json.Marshal(m.Tags)
	_, err := s.db.Exec(`
		INSERT INTO memories (id, type, content, source, importance, confidence,
			created_at, last_accessed_at, updated_at, access_count, expires_at,
			tags_json, supersedes, superseded_by, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Type, m.Content, m.Source, m.Importance, m.Confidence,
		m.CreatedAt, m.LastAccessedAt, m.UpdatedAt, m.AccessCount, nullableTime(m.ExpiresAt),
		string(tagsJSON), nullableString(m.Supersedes), nullableString(m.SupersededBy), m.Embedding)
	if err != nil {
		return Memory{}, &errs.IOError{Op: "insert", Path: s.dbPath, Cause: err}
	}
	return m, nil
}

// Get returns a memory by id, incrementing accessCount and updating
// lastAccessedAt.
func (s *Store) Get(id string) (Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.scanOne(`SELECT id, type, content, source, importance, confidence,
		created_at, last_accessed_at, updated_at, access_count, expires_at,
		tags_json, supersedes, superseded_by, embedding FROM memories WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}

	now := time.Now()
	if _, err := s.db.Exec(`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, now, id); err != nil {
		return Memory{}, false, &errs.IOError{Op: "update", Path: s.dbPath, Cause: err}
	}
	m.AccessCount++
	m.LastAccessedAt = now
	return m, true, nil
}

func (s *Store) scanOne(query string, args ...interface{}) (Memory, error) {
	var m Memory
	var expiresAt sql.NullTime
	var tagsJSON, supersedes, supersededBy sql.NullString
	err := s.db.QueryRow(query, args...).Scan(&m.ID, &m.Type, &m.Content, &m.Source,
		&m.Importance, &m.Confidence, &m.CreatedAt, &m.LastAccessedAt, &m.UpdatedAt,
		&m.AccessCount, &expiresAt, &tagsJSON, &supersedes, &supersededBy, &m.Embedding)
	if err != nil {
		return Memory{}, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}
	if supersedes.Valid {
		v := supersedes.String
		m.Supersedes = &v
	}
	if supersededBy.Valid {
		v := supersededBy.String
		m.SupersededBy = &v
	}
	return m, nil
}

// Update applies a partial patch to an existing memory. updatedAt advances;
// createdAt is untouched.
func (s *Store) Update(id string, patch Patch) (Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.scanOne(`SELECT id, type, content, source, importance, confidence,
		created_at, last_accessed_at, updated_at, access_count, expires_at,
		tags_json, supersedes, superseded_by, embedding FROM memories WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}

	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	if patch.Confidence != nil {
		m.Confidence = *patch.Confidence
	}
	if patch.Tags != nil {
		m.Tags = patch.Tags
	}
	if patch.ExpiresAt != nil {
		m.ExpiresAt = patch.ExpiresAt
	}
	m.UpdatedAt = time.Now()

	tagsJSON, _ := json.Marshal(m.Tags)
	_, err = s.db.Exec(`UPDATE memories SET content = ?, importance = ?, confidence = ?,
		tags_json = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		m.Content, m.Importance, m.Confidence, string(tagsJSON), nullableTime(m.ExpiresAt), m.UpdatedAt, id)
	if err != nil {
		return Memory{}, false, &errs.IOError{Op: "update", Path: s.dbPath, Cause: err}
	}
	return m, true, nil
}

// Delete removes a memory by id, reporting whether a row was removed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, &errs.IOError{Op: "delete", Path: s.dbPath, Cause: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns memories optionally filtered by type, ordered by importance
// descending then recency descending.
func (s *Store) List(opts ListOptions) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, type, content, source, importance, confidence,
		created_at, last_accessed_at, updated_at, access_count, expires_at,
		tags_json, supersedes, superseded_by, embedding FROM memories`
	var args []interface{}
	if opts.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, opts.Type)
	}
	query += ` ORDER BY importance DESC, created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &errs.IOError{Op: "query", Path: s.dbPath, Cause: err}
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		var expiresAt sql.NullTime
		var tagsJSON, supersedes, supersededBy sql.NullString
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.Source, &m.Importance, &m.Confidence,
			&m.CreatedAt, &m.LastAccessedAt, &m.UpdatedAt, &m.AccessCount, &expiresAt,
			&tagsJSON, &supersedes, &supersededBy, &m.Embedding); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			m.ExpiresAt = &t
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
		}
		if supersedes.Valid {
			v := supersedes.String
			m.Supersedes = &v
		}
		if supersededBy.Valid {
			v := supersededBy.String
			m.SupersededBy = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FtsMatch is one hit from SearchFts.
type FtsMatch struct {
	Memory Memory
	Score  float64
}

// SearchFts full-text searches memories.content. Returns an empty slice
// (never an error) when FTS is unavailable.
func (s *Store) SearchFts(query string, limit int) ([]FtsMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ftsAvailable || query == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT m.id, m.type, m.content, m.source, m.importance, m.confidence,
			m.created_at, m.last_accessed_at, m.updated_at, m.access_count, m.expires_at,
			m.tags_json, m.supersedes, m.superseded_by, m.embedding, bm25(memories_fts) as rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		logging.Store("fts query failed, returning empty results: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var out []FtsMatch
	for rows.Next() {
		var m Memory
		var expiresAt sql.NullTime
		var tagsJSON, supersedes, supersededBy sql.NullString
		var rank float64
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.Source, &m.Importance, &m.Confidence,
			&m.CreatedAt, &m.LastAccessedAt, &m.UpdatedAt, &m.AccessCount, &expiresAt,
			&tagsJSON, &supersedes, &supersededBy, &m.Embedding, &rank); err != nil {
			continue
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			m.ExpiresAt = &t
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
		}
		if supersedes.Valid {
			v := supersedes.String
			m.Supersedes = &v
		}
		if supersededBy.Valid {
			v := supersededBy.String
			m.SupersededBy = &v
		}
		out = append(out, FtsMatch{Memory: m, Score: -rank})
	}
	return out, nil
}

// UpsertBlock inserts or replaces the at-most-one row for label.
func (s *Store) UpsertBlock(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO memory_blocks (label, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, b.Label, b.Value, b.UpdatedAt)
	if err != nil {
		return &errs.IOError{Op: "upsert", Path: s.dbPath, Cause: err}
	}
	return nil
}

// GetBlock returns the row for label, if any.
func (s *Store) GetBlock(label BlockLabel) (Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b Block
	err := s.db.QueryRow(`SELECT label, value, updated_at FROM memory_blocks WHERE label = ?`, label).
		Scan(&b.Label, &b.Value, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}
	return b, true, nil
}

// ListBlocks returns every memory_blocks row, used by export.
func (s *Store) ListBlocks() ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT label, value, updated_at FROM memory_blocks ORDER BY label`)
	if err != nil {
		return nil, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Label, &b.Value, &b.UpdatedAt); err != nil {
			return nil, &errs.IOError{Op: "scan", Path: s.dbPath, Cause: err}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveDailySummary inserts or overwrites the summary for date.
func (s *Store) SaveDailySummary(ds DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ds.GeneratedAt.IsZero() {
		ds.GeneratedAt = time.Now()
	}
	decisionsJSON, _ := json.Marshal(ds.KeyDecisions)
	entitiesJSON, _ := json.Marshal(ds.MentionedEntities)
	_, err := s.db.Exec(`
		INSERT INTO daily_summaries (date, content, key_decisions_json, mentioned_entities_json, generated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET content = excluded.content,
			key_decisions_json = excluded.key_decisions_json,
			mentioned_entities_json = excluded.mentioned_entities_json,
			generated_at = excluded.generated_at
	`, ds.Date, ds.Content, string(decisionsJSON), string(entitiesJSON), ds.GeneratedAt)
	if err != nil {
		return &errs.IOError{Op: "upsert", Path: s.dbPath, Cause: err}
	}
	return nil
}

// GetDailySummary returns the summary for date, if any.
func (s *Store) GetDailySummary(date string) (DailySummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ds DailySummary
	var decisionsJSON, entitiesJSON sql.NullString
	err := s.db.QueryRow(`SELECT date, content, key_decisions_json, mentioned_entities_json, generated_at
		FROM daily_summaries WHERE date = ?`, date).
		Scan(&ds.Date, &ds.Content, &decisionsJSON, &entitiesJSON, &ds.GeneratedAt)
	if err == sql.ErrNoRows {
		return DailySummary{}, false, nil
	}
	if err != nil {
		return DailySummary{}, false, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}
	if decisionsJSON.Valid {
		_ = json.Unmarshal([]byte(decisionsJSON.String), &ds.KeyDecisions)
	}
	if entitiesJSON.Valid {
		_ = json.Unmarshal([]byte(entitiesJSON.String), &ds.MentionedEntities)
	}
	return ds, true, nil
}

// LatestDailySummary returns the most recently generated daily summary.
func (s *Store) LatestDailySummary() (DailySummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ds DailySummary
	var decisionsJSON, entitiesJSON sql.NullString
	err := s.db.QueryRow(`SELECT date, content, key_decisions_json, mentioned_entities_json, generated_at
		FROM daily_summaries ORDER BY date DESC LIMIT 1`).
		Scan(&ds.Date, &ds.Content, &decisionsJSON, &entitiesJSON, &ds.GeneratedAt)
	if err == sql.ErrNoRows {
		return DailySummary{}, false, nil
	}
	if err != nil {
		return DailySummary{}, false, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}
	if decisionsJSON.Valid {
		_ = json.Unmarshal([]byte(decisionsJSON.String), &ds.KeyDecisions)
	}
	if entitiesJSON.Valid {
		_ = json.Unmarshal([]byte(entitiesJSON.String), &ds.MentionedEntities)
	}
	return ds, true, nil
}

// ListDailySummaries returns every daily_summaries row, used by export.
func (s *Store) ListDailySummaries() ([]DailySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT date, content, key_decisions_json, mentioned_entities_json, generated_at
		FROM daily_summaries ORDER BY date`)
	if err != nil {
		return nil, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var ds DailySummary
		var decisionsJSON, entitiesJSON sql.NullString
		if err := rows.Scan(&ds.Date, &ds.Content, &decisionsJSON, &entitiesJSON, &ds.GeneratedAt); err != nil {
			return nil, &errs.IOError{Op: "scan", Path: s.dbPath, Cause: err}
		}
		if decisionsJSON.Valid {
			_ = json.Unmarshal([]byte(decisionsJSON.String), &ds.KeyDecisions)
		}
		if entitiesJSON.Valid {
			_ = json.Unmarshal([]byte(entitiesJSON.String), &ds.MentionedEntities)
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// ListWeeklySummaries returns every weekly_summaries row, used by export.
func (s *Store) ListWeeklySummaries() ([]WeeklySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT week, content, generated_at FROM weekly_summaries ORDER BY week`)
	if err != nil {
		return nil, &errs.IOError{Op: "select", Path: s.dbPath, Cause: err}
	}
	defer rows.Close()

	var out []WeeklySummary
	for rows.Next() {
		var ws WeeklySummary
		if err := rows.Scan(&ws.Week, &ws.Content, &ws.GeneratedAt); err != nil {
			return nil, &errs.IOError{Op: "scan", Path: s.dbPath, Cause: err}
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// SaveWeeklySummary inserts or overwrites the summary for week.
func (s *Store) SaveWeeklySummary(ws WeeklySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws.GeneratedAt.IsZero() {
		ws.GeneratedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO weekly_summaries (week, content, generated_at) VALUES (?, ?, ?)
		ON CONFLICT(week) DO UPDATE SET content = excluded.content, generated_at = excluded.generated_at
	`, ws.Week, ws.Content, ws.GeneratedAt)
	if err != nil {
		return &errs.IOError{Op: "upsert", Path: s.dbPath, Cause: err}
	}
	return nil
}

// DeleteMemoriesByIDs removes a batch of memories in a single transaction
// (used by consolidation's pruneMemories).
func (s *Store) DeleteMemoriesByIDs(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, &errs.IOError{Op: "begin", Path: s.dbPath, Cause: err}
	}
	var total int64
	stmt, err := tx.Prepare(`DELETE FROM memories WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return 0, &errs.IOError{Op: "prepare", Path: s.dbPath, Cause: err}
	}
	defer stmt.Close()
	for _, id := range ids {
		res, err := stmt.Exec(id)
		if err != nil {
			tx.Rollback()
			return 0, &errs.IOError{Op: "delete", Path: s.dbPath, Cause: err}
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, &errs.IOError{Op: "commit", Path: s.dbPath, Cause: err}
	}
	return total, nil
}

// ReplaceAllMemories deletes every memory row and inserts the given set in a
// single transaction.
func (s *Store) ReplaceAllMemories(memories []Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &errs.IOError{Op: "begin", Path: s.dbPath, Cause: err}
	}
	if _, err := tx.Exec(`DELETE FROM memories`); err != nil {
		tx.Rollback()
		return &errs.IOError{Op: "delete", Path: s.dbPath, Cause: err}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO memories (id, type, content, source, importance, confidence,
			created_at, last_accessed_at, updated_at, access_count, expires_at,
			tags_json, supersedes, superseded_by, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return &errs.IOError{Op: "prepare", Path: s.dbPath, Cause: err}
	}
	defer stmt.Close()

	for _, m := range memories {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if m.LastAccessedAt.IsZero() {
			m.LastAccessedAt = m.CreatedAt
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = m.CreatedAt
		}
		tagsJSON, _ := json.Marshal(m.Tags)
		if _, err := stmt.Exec(m.ID, m.Type, m.Content, m.Source, m.Importance, m.Confidence,
			m.CreatedAt, m.LastAccessedAt, m.UpdatedAt, m.AccessCount, nullableTime(m.ExpiresAt),
			string(tagsJSON), nullableString(m.Supersedes), nullableString(m.SupersededBy), m.Embedding); err != nil {
			tx.Rollback()
			return &errs.IOError{Op: "insert", Path: s.dbPath, Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errs.IOError{Op: "commit", Path: s.dbPath, Cause: err}
	}
	return nil
}

// IntegrityCheck runs SQLite's PRAGMA integrity_check.
func (s *Store) IntegrityCheck() (bool, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`PRAGMA integrity_check`)
	if err != nil {
		return false, nil, &errs.IOError{Op: "integrity_check", Path: s.dbPath, Cause: err}
	}
	defer rows.Close()

	var messages []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return false, nil, err
		}
		messages = append(messages, msg)
	}
	ok := len(messages) == 1 && messages[0] == "ok"
	return ok, messages, nil
}

// Vacuum reclaims free pages. Always safe to call.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return &errs.IOError{Op: "vacuum", Path: s.dbPath, Cause: err}
	}
	return nil
}

// RebuildFts rebuilds the memories_fts index, reporting rows reindexed.
// Returns an error when FTS is unavailable.
func (s *Store) RebuildFts() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ftsAvailable {
		return 0, fmt.Errorf("fts unavailable: memories_fts virtual table was not created")
	}
	if _, err := s.db.Exec(`INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`); err != nil {
		return 0, &errs.IOError{Op: "rebuild_fts", Path: s.dbPath, Cause: err}
	}
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, &errs.IOError{Op: "count", Path: s.dbPath, Cause: err}
	}
	return n, nil
}

// DB exposes the underlying *sql.DB for components (export/import) that need
// raw row access beyond this store's curated operations.
func (s *Store) DB() *sql.DB { return s.db }

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
