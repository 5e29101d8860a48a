// Package store implements the durable record store (C1): an id-addressed
// mapping from memory record to its content, tags, and metadata, with
// full-text keyword search and a content-addressed checkpoint namespace.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brainwav/memcore/domain"
)

// RecordStore is the C1 contract every other component depends on.
type RecordStore interface {
	Put(ctx context.Context, rec domain.Record) error
	Get(ctx context.Context, id string) (domain.Record, error)
	Delete(ctx context.Context, id string) error
	ListByTag(ctx context.Context, tag string, limit, offset int) ([]domain.Record, error)
	SearchKeyword(ctx context.Context, query string, limit int) ([]domain.Record, error)
	// SetVectorIndexed persists the eventually-consistent outcome of C5's
	// async vector-index step back onto the record.
	SetVectorIndexed(ctx context.Context, id string, indexed bool) error

	PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error
	DeleteCheckpoints(ctx context.Context, ids []string) error
	ListCheckpoints(ctx context.Context, branch string, limit, offset int) ([]domain.Checkpoint, error)
	// ListCheckpointsAll lists checkpoints across every branch, newest
	// first, for C7's engine-level list(limit, cursor?) operation. cursor,
	// when non-nil, excludes checkpoints at or after that created_at.
	ListCheckpointsAll(ctx context.Context, limit int, cursor *time.Time) ([]domain.Checkpoint, error)
}

// SQLiteStore implements RecordStore on top of database/sql + mattn/go-sqlite3,
// mirroring the pack's WAL-mode single-file storage shape.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite-backed record store at dsn, creating
// parent directories and initializing schema as needed.
func Open(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		tenant_id TEXT,
		domain TEXT,
		content TEXT NOT NULL,
		tags TEXT,
		labels TEXT,
		importance INTEGER NOT NULL DEFAULT 1,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		vector_indexed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id);
	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
	CREATE INDEX IF NOT EXISTS idx_records_domain ON records(domain);

	CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
		id UNINDEXED, content, tags, content='records', content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
		INSERT INTO records_fts(rowid, id, content, tags) VALUES (new.rowid, new.id, new.content, new.tags);
	END;
	CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
		INSERT INTO records_fts(records_fts, rowid, id, content, tags) VALUES ('delete', old.rowid, old.id, old.content, old.tags);
	END;
	CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records BEGIN
		INSERT INTO records_fts(records_fts, rowid, id, content, tags) VALUES ('delete', old.rowid, old.id, old.content, old.tags);
		INSERT INTO records_fts(rowid, id, content, tags) VALUES (new.rowid, new.id, new.content, new.tags);
	END;

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		branch TEXT NOT NULL,
		labels TEXT,
		score REAL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		digest TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_branch ON checkpoints(branch, created_at);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalRecord(rec domain.Record) (tagsJSON, labelsJSON, metaJSON string, err error) {
	tb, err := json.Marshal(rec.Tags)
	if err != nil {
		return "", "", "", err
	}
	lb, err := json.Marshal(rec.Labels)
	if err != nil {
		return "", "", "", err
	}
	mb, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", "", "", err
	}
	return string(tb), string(lb), string(mb), nil
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, rec domain.Record) error {
	tagsJSON, labelsJSON, metaJSON, err := marshalRecord(rec)
	if err != nil {
		return domain.NewError(domain.KindInternal, "marshal record", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, session_id, tenant_id, domain, content, tags, labels, importance, metadata, created_at, updated_at, vector_indexed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			session_id=excluded.session_id, tenant_id=excluded.tenant_id, domain=excluded.domain, content=excluded.content,
			tags=excluded.tags, labels=excluded.labels, importance=excluded.importance,
			metadata=excluded.metadata, updated_at=excluded.updated_at, vector_indexed=excluded.vector_indexed`,
		rec.ID, rec.SessionID, rec.TenantID, rec.Domain, rec.Content, tagsJSON, labelsJSON, rec.Importance, metaJSON,
		rec.CreatedAt, rec.UpdatedAt, rec.VectorIndexed,
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "put record", err)
	}
	return nil
}

func scanRecord(row interface {
	Scan(dest ...any) error
}) (domain.Record, error) {
	var rec domain.Record
	var tagsJSON, labelsJSON, metaJSON, domainCol sql.NullString
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.TenantID, &domainCol, &rec.Content,
		&tagsJSON, &labelsJSON, &rec.Importance, &metaJSON, &rec.CreatedAt, &rec.UpdatedAt, &rec.VectorIndexed)
	if err != nil {
		return domain.Record{}, err
	}
	rec.Domain = domainCol.String
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
	}
	if labelsJSON.Valid && labelsJSON.String != "" {
		_ = json.Unmarshal([]byte(labelsJSON.String), &rec.Labels)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	return rec, nil
}

const recordColumns = `id, session_id, tenant_id, domain, content, tags, labels, importance, metadata, created_at, updated_at, vector_indexed`

// Get returns a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return domain.Record{}, domain.NewError(domain.KindNotFound, id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return domain.Record{}, domain.NewError(domain.KindStorage, "get record", err)
	}
	return rec, nil
}

// Delete removes a record by id. Deleting an absent id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return domain.NewError(domain.KindStorage, "delete record", err)
	}
	return nil
}

// SetVectorIndexed flips a record's eventually-consistent vector_indexed
// flag once the async index step (C5 stage) succeeds.
func (s *SQLiteStore) SetVectorIndexed(ctx context.Context, id string, indexed bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET vector_indexed = ? WHERE id = ?`, indexed, id)
	if err != nil {
		return domain.NewError(domain.KindStorage, "set vector indexed", err)
	}
	return nil
}

// ListByTag returns records carrying the given normalized tag.
func (s *SQLiteStore) ListByTag(ctx context.Context, tag string, limit, offset int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE tags LIKE ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		"%\""+tag+"\"%", limit, offset,
	)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "list by tag", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// SearchKeyword runs a full-text search over content and tags.
func (s *SQLiteStore) SearchKeyword(ctx context.Context, query string, limit int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.`+recordColumns+` FROM records_fts f
		 JOIN records r ON r.id = f.id
		 WHERE records_fts MATCH ?
		 ORDER BY rank LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "search keyword", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]domain.Record, error) {
	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.NewError(domain.KindStorage, "scan record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutCheckpoint inserts or replaces a checkpoint.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return domain.NewError(domain.KindInternal, "marshal checkpoint state", err)
	}
	labelsJSON, err := json.Marshal(cp.Labels)
	if err != nil {
		return domain.NewError(domain.KindInternal, "marshal checkpoint labels", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, parent_id, branch, labels, score, size_bytes, digest, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET parent_id=excluded.parent_id, branch=excluded.branch,
			labels=excluded.labels, score=excluded.score, size_bytes=excluded.size_bytes,
			digest=excluded.digest, state=excluded.state`,
		cp.ID, nullable(cp.ParentID), cp.Branch, string(labelsJSON), nullableScore(cp.Score), cp.SizeBytes, cp.Digest, string(stateJSON), cp.CreatedAt,
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "put checkpoint", err)
	}
	return nil
}

func nullableScore(score *float64) any {
	if score == nil {
		return nil
	}
	return *score
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetCheckpoint returns a checkpoint by id.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var parentID, labelsJSON sql.NullString
	var score sql.NullFloat64
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, branch, labels, score, size_bytes, digest, state, created_at FROM checkpoints WHERE id = ?`, id,
	).Scan(&cp.ID, &parentID, &cp.Branch, &labelsJSON, &score, &cp.SizeBytes, &cp.Digest, &stateJSON, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Checkpoint{}, domain.NewError(domain.KindNotFound, id, domain.ErrCheckpointNotFound)
	}
	if err != nil {
		return domain.Checkpoint{}, domain.NewError(domain.KindStorage, "get checkpoint", err)
	}
	cp.ParentID = parentID.String
	if score.Valid {
		cp.Score = &score.Float64
	}
	if labelsJSON.Valid && labelsJSON.String != "" {
		_ = json.Unmarshal([]byte(labelsJSON.String), &cp.Labels)
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return domain.Checkpoint{}, domain.NewError(domain.KindInternal, "unmarshal checkpoint state", err)
	}
	return cp, nil
}

// DeleteCheckpoint removes a checkpoint by id.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return domain.NewError(domain.KindStorage, "delete checkpoint", err)
	}
	return nil
}

// DeleteCheckpoints removes a batch of checkpoints inside a single
// transaction, mirroring the teacher's SaveBatch shape for multi-statement
// writes (engine/graph.GraphStore.SaveBatch).
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewError(domain.KindStorage, "begin prune tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM checkpoints WHERE id = ?`)
	if err != nil {
		return domain.NewError(domain.KindStorage, "prepare prune", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return domain.NewError(domain.KindStorage, "prune checkpoint", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.NewError(domain.KindStorage, "commit prune", err)
	}
	return nil
}

// ListCheckpoints returns checkpoints on a branch, newest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, branch string, limit, offset int) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, branch, labels, score, size_bytes, digest, state, created_at FROM checkpoints
		 WHERE branch = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		branch, limit, offset,
	)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "list checkpoints", err)
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

// ListCheckpointsAll lists checkpoints across every branch, newest first,
// for C7's engine-level list(limit, cursor?): cursor, when given, excludes
// checkpoints at or after that created_at (it is the oldest created_at
// returned by the previous page).
func (s *SQLiteStore) ListCheckpointsAll(ctx context.Context, limit int, cursor *time.Time) ([]domain.Checkpoint, error) {
	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, parent_id, branch, labels, score, size_bytes, digest, state, created_at FROM checkpoints
			 WHERE created_at < ? ORDER BY created_at DESC LIMIT ?`,
			*cursor, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, parent_id, branch, labels, score, size_bytes, digest, state, created_at FROM checkpoints
			 ORDER BY created_at DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "list all checkpoints", err)
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func scanCheckpoints(rows *sql.Rows) ([]domain.Checkpoint, error) {
	var out []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var parentID, labelsJSON sql.NullString
		var score sql.NullFloat64
		var stateJSON string
		if err := rows.Scan(&cp.ID, &parentID, &cp.Branch, &labelsJSON, &score, &cp.SizeBytes, &cp.Digest, &stateJSON, &cp.CreatedAt); err != nil {
			return nil, domain.NewError(domain.KindStorage, "scan checkpoint", err)
		}
		cp.ParentID = parentID.String
		if score.Valid {
			s := score.Float64
			cp.Score = &s
		}
		if labelsJSON.Valid && labelsJSON.String != "" {
			_ = json.Unmarshal([]byte(labelsJSON.String), &cp.Labels)
		}
		_ = json.Unmarshal([]byte(stateJSON), &cp.State)
		out = append(out, cp)
	}
	return out, rows.Err()
}
