// Package store persists rule and correlation documents in a local
// SQLite database. It satisfies the detection engine's RuleSource, so
// an engine can load its rules from the store instead of a directory.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"argus/core"
)

// Document kinds held in the documents table.
const (
	KindRule        = "rule"
	KindCorrelation = "correlation"
)

// ErrNotFound is returned when no document has the requested ID.
var ErrNotFound = errors.New("document not found")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL CHECK (kind IN ('rule', 'correlation')),
	title      TEXT NOT NULL,
	level      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_kind ON documents(kind);
`

// Meta is one document's listing entry.
type Meta struct {
	ID        string
	Kind      string
	Title     string
	Level     string
	UpdatedAt time.Time
}

// Store is a SQLite-backed document store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// Open opens (creating if needed) the store at path. The special path
// ":memory:" opens a throwaway in-memory store.
func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rule store %s: %w", path, err)
	}

	// WAL and busy_timeout via PRAGMA; connection string parameters are
	// not reliable across drivers.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRule validates and stores one rule document keyed by its ID.
func (s *Store) UpsertRule(doc *core.RuleDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return s.upsert(doc.ID, KindRule, doc.Title, doc.Level, doc)
}

// UpsertCorrelation validates and stores one correlation document.
func (s *Store) UpsertCorrelation(doc *core.CorrelationDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return s.upsert(doc.ID, KindCorrelation, doc.Title, doc.Level, doc)
}

func (s *Store) upsert(id, kind, title, level string, doc any) error {
	body, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO documents (id, kind, title, level, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind       = excluded.kind,
			title      = excluded.title,
			level      = excluded.level,
			body       = excluded.body,
			updated_at = excluded.updated_at
	`, id, kind, title, level, string(body), now, now)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", id, err)
	}
	return nil
}

// GetRule retrieves one rule document by ID.
func (s *Store) GetRule(id string) (*core.RuleDocument, error) {
	body, err := s.getBody(id, KindRule)
	if err != nil {
		return nil, err
	}
	var doc core.RuleDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode rule %s: %w", id, err)
	}
	return &doc, nil
}

// GetCorrelation retrieves one correlation document by ID.
func (s *Store) GetCorrelation(id string) (*core.CorrelationDocument, error) {
	body, err := s.getBody(id, KindCorrelation)
	if err != nil {
		return nil, err
	}
	var doc core.CorrelationDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode correlation %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) getBody(id, kind string) ([]byte, error) {
	var body string
	err := s.db.QueryRow(
		"SELECT body FROM documents WHERE id = ? AND kind = ?", id, kind,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query document %s: %w", id, err)
	}
	return []byte(body), nil
}

// List returns metadata for every stored document, rules first, each
// kind ordered by ID.
func (s *Store) List() ([]Meta, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, title, level, updated_at
		FROM documents
		ORDER BY kind DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var m Meta
		var updatedAt string
		if err := rows.Scan(&m.ID, &m.Kind, &m.Title, &m.Level, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at for %s: %w", m.ID, err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Count returns the number of stored documents.
func (s *Store) Count() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// Delete removes one document by ID.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// LoadDocuments returns every stored document, decoded. A document
// that no longer decodes is logged and skipped, it does not take the
// load down. Satisfies the detection engine's RuleSource.
func (s *Store) LoadDocuments() ([]core.RuleDocument, []core.CorrelationDocument, error) {
	rows, err := s.db.Query("SELECT id, kind, body FROM documents ORDER BY id")
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	var rules []core.RuleDocument
	var correlations []core.CorrelationDocument
	for rows.Next() {
		var id, kind, body string
		if err := rows.Scan(&id, &kind, &body); err != nil {
			return nil, nil, fmt.Errorf("scan document row: %w", err)
		}

		switch kind {
		case KindRule:
			var doc core.RuleDocument
			if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
				s.logger.Warnw("skipping undecodable rule", "id", id, "error", err)
				continue
			}
			rules = append(rules, doc)
		case KindCorrelation:
			var doc core.CorrelationDocument
			if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
				s.logger.Warnw("skipping undecodable correlation", "id", id, "error", err)
				continue
			}
			correlations = append(correlations, doc)
		}
	}
	return rules, correlations, rows.Err()
}
