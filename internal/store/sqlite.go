package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
)

const (
	objectKindIRI     = 0
	objectKindLiteral = 1

	storeFileName = "triples.db"
)

// SQLiteTripleStore implements TripleStore on SQLite with WAL journaling.
// The store is the source of truth: corruption here is fatal, never
// auto-cleared (unlike the index, which is a rebuildable cache).
type SQLiteTripleStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ TripleStore = (*SQLiteTripleStore)(nil)

// validateStoreIntegrity runs a quick integrity check against an existing
// database file. A corrupted authoritative store must surface as a fatal
// startup error.
func validateStoreIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteTripleStore opens or creates the triple store under dir.
// If dir is empty, an in-memory store is created for testing.
func NewSQLiteTripleStore(dir string) (*SQLiteTripleStore, error) {
	var dsn, path string
	if dir == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kerrors.StoreError(fmt.Sprintf("failed to create store directory %s", dir), err)
		}
		path = filepath.Join(dir, storeFileName)

		if err := validateStoreIntegrity(path); err != nil {
			return nil, kerrors.New(kerrors.ErrCodeStoreCorrupt,
				fmt.Sprintf("triple store at %s is corrupted", path), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kerrors.StoreError("failed to open triple store", err)
	}

	// Single writer; SQLite serializes writes anyway and one connection
	// avoids lock contention (DSN params may be ignored by modernc.org/sqlite,
	// so pragmas are also applied explicitly).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kerrors.StoreError(fmt.Sprintf("failed to apply %s", pragma), err)
		}
	}

	s := &SQLiteTripleStore{db: db, path: path}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Debug("triple_store_opened", slog.String("path", path))
	return s, nil
}

func (s *SQLiteTripleStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS triples (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		subject     TEXT NOT NULL,
		predicate   TEXT NOT NULL,
		object      TEXT NOT NULL,
		object_kind INTEGER NOT NULL,
		lang        TEXT NOT NULL DEFAULT '',
		UNIQUE(subject, predicate, object, object_kind, lang)
	);
	CREATE INDEX IF NOT EXISTS idx_triples_subject ON triples(subject);
	CREATE INDEX IF NOT EXISTS idx_triples_predicate ON triples(predicate);
	CREATE TABLE IF NOT EXISTS store_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO store_state(key, value) VALUES ('revision', '0');
	`
	if _, err := s.db.Exec(schema); err != nil {
		return kerrors.StoreError("failed to create schema", err)
	}
	return nil
}

// Mutate applies removes then adds in one transaction. The revision counter
// is bumped only when at least one row actually changed.
func (s *SQLiteTripleStore) Mutate(ctx context.Context, adds, removes []rdf.Triple) (*MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, kerrors.StoreError("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kerrors.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res := &MutationResult{}
	changedSubjects := make(map[string]struct{})

	if len(removes) > 0 {
		del, err := tx.PrepareContext(ctx,
			`DELETE FROM triples WHERE subject=? AND predicate=? AND object=? AND object_kind=? AND lang=?`)
		if err != nil {
			return nil, kerrors.StoreError("failed to prepare delete", err)
		}
		defer del.Close()
		for _, t := range removes {
			kind, lang := objectColumns(t.Object)
			r, err := del.ExecContext(ctx, t.Subject, t.Predicate, t.Object.Value, kind, lang)
			if err != nil {
				return nil, kerrors.StoreError("failed to remove triple", err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Removed += int(n)
				changedSubjects[t.Subject] = struct{}{}
			}
		}
	}

	if len(adds) > 0 {
		ins, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO triples(subject, predicate, object, object_kind, lang) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return nil, kerrors.StoreError("failed to prepare insert", err)
		}
		defer ins.Close()
		for _, t := range adds {
			kind, lang := objectColumns(t.Object)
			r, err := ins.ExecContext(ctx, t.Subject, t.Predicate, t.Object.Value, kind, lang)
			if err != nil {
				return nil, kerrors.StoreError("failed to add triple", err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Added += int(n)
				changedSubjects[t.Subject] = struct{}{}
			}
		}
	}

	rev, err := readRevisionTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(changedSubjects) > 0 {
		rev++
		if _, err := tx.ExecContext(ctx,
			`UPDATE store_state SET value=? WHERE key='revision'`, fmt.Sprintf("%d", rev)); err != nil {
			return nil, kerrors.StoreError("failed to bump revision", err)
		}
	}
	res.Revision = rev

	if err := tx.Commit(); err != nil {
		return nil, kerrors.StoreError("failed to commit mutation", err)
	}

	for subj := range changedSubjects {
		res.Subjects = append(res.Subjects, subj)
	}
	return res, nil
}

// SubjectTriples returns the full triple set of one subject, fresh.
func (s *SQLiteTripleStore) SubjectTriples(ctx context.Context, subject string) ([]rdf.Triple, error) {
	return s.queryTriples(ctx,
		`SELECT subject, predicate, object, object_kind, lang FROM triples WHERE subject=? ORDER BY id`,
		subject)
}

// Pattern returns triples matching the pattern in insertion order.
func (s *SQLiteTripleStore) Pattern(ctx context.Context, q PatternQuery, limit int) ([]rdf.Triple, error) {
	query := `SELECT subject, predicate, object, object_kind, lang FROM triples WHERE 1=1`
	var args []any

	if q.Subject != "" {
		query += ` AND subject=?`
		args = append(args, q.Subject)
	}
	if q.Predicate != "" {
		query += ` AND predicate=?`
		args = append(args, q.Predicate)
	}
	if q.Object != nil {
		kind, lang := objectColumns(*q.Object)
		query += ` AND object=? AND object_kind=? AND lang=?`
		args = append(args, q.Object.Value, kind, lang)
	} else if q.Lang != "" {
		query += ` AND object_kind=? AND lang=?`
		args = append(args, objectKindLiteral, q.Lang)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryTriples(ctx, query, args...)
}

func (s *SQLiteTripleStore) queryTriples(ctx context.Context, query string, args ...any) ([]rdf.Triple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, kerrors.StoreError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.StoreError("triple query failed", err)
	}
	defer rows.Close()

	var triples []rdf.Triple
	for rows.Next() {
		var subj, pred, obj, lang string
		var kind int
		if err := rows.Scan(&subj, &pred, &obj, &kind, &lang); err != nil {
			return nil, kerrors.StoreError("failed to scan triple", err)
		}
		var term rdf.Term
		if kind == objectKindIRI {
			term = rdf.NewIRITerm(obj)
		} else {
			term = rdf.NewLiteral(obj, lang)
		}
		triples = append(triples, rdf.Triple{Subject: subj, Predicate: pred, Object: term})
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.StoreError("triple row iteration failed", err)
	}
	return triples, nil
}

// Subjects returns all distinct subject IRIs, sorted.
func (s *SQLiteTripleStore) Subjects(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, kerrors.StoreError("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT subject FROM triples ORDER BY subject`)
	if err != nil {
		return nil, kerrors.StoreError("subject query failed", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subj string
		if err := rows.Scan(&subj); err != nil {
			return nil, kerrors.StoreError("failed to scan subject", err)
		}
		subjects = append(subjects, subj)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.StoreError("subject row iteration failed", err)
	}
	return subjects, nil
}

// Revision returns the store's current revision counter.
func (s *SQLiteTripleStore) Revision(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, kerrors.StoreError("store is closed", nil)
	}

	var value string
	if err := s.db.QueryRowContext(ctx,
		`SELECT value FROM store_state WHERE key='revision'`).Scan(&value); err != nil {
		return 0, kerrors.StoreError("failed to read revision", err)
	}
	var rev uint64
	if _, err := fmt.Sscanf(value, "%d", &rev); err != nil {
		return 0, kerrors.StoreError("malformed revision value", err)
	}
	return rev, nil
}

// Count returns the total number of triples.
func (s *SQLiteTripleStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, kerrors.StoreError("store is closed", nil)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM triples`).Scan(&n); err != nil {
		return 0, kerrors.StoreError("failed to count triples", err)
	}
	return n, nil
}

// IsEmpty reports whether the store holds no triples.
func (s *SQLiteTripleStore) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Reset removes all triples and resets the revision counter to zero.
func (s *SQLiteTripleStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kerrors.StoreError("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.StoreError("failed to begin reset", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM triples`); err != nil {
		return kerrors.StoreError("failed to clear triples", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE store_state SET value='0' WHERE key='revision'`); err != nil {
		return kerrors.StoreError("failed to reset revision", err)
	}
	if err := tx.Commit(); err != nil {
		return kerrors.StoreError("failed to commit reset", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteTripleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func readRevisionTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var value string
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM store_state WHERE key='revision'`).Scan(&value); err != nil {
		return 0, kerrors.StoreError("failed to read revision", err)
	}
	var rev uint64
	if _, err := fmt.Sscanf(value, "%d", &rev); err != nil {
		return 0, kerrors.StoreError("malformed revision value", err)
	}
	return rev, nil
}

func objectColumns(t rdf.Term) (kind int, lang string) {
	if t.IsIRI() {
		return objectKindIRI, ""
	}
	return objectKindLiteral, t.Lang
}
