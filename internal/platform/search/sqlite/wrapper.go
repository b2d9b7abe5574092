// Package sqlite is an embedded search.Wrapper on SQLite.
//
// Every document lives in two tables: documents holds the latest write and
// serves real-time Get, searchable holds the snapshot taken at the last
// refresh and serves Search. A refresh replaces the snapshot of one index.
// The time of the oldest unpublished write is kept in refresh_state, so the
// refresh interval holds across processes sharing one database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"rubric/internal/platform/clock"
	"rubric/internal/platform/search"
)

type Wrapper struct {
	db       *sql.DB
	clock    clock.Clock
	interval time.Duration
	closed   atomic.Bool
}

type Option func(*Wrapper)

func WithClock(c clock.Clock) Option {
	return func(w *Wrapper) { w.clock = c }
}

// WithRefreshInterval sets how stale the searchable snapshot may get before a
// Search refreshes it. Zero or negative disables automatic refresh.
func WithRefreshInterval(d time.Duration) Option {
	return func(w *Wrapper) { w.interval = d }
}

// Open opens (creating if needed) the index database at dbPath. ":memory:"
// gives a private in-memory index.
func Open(dbPath string, opts ...Option) (*Wrapper, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	w := &Wrapper{
		db:    db,
		clock: clock.SystemClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Wrapper) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS indices (
  name TEXT PRIMARY KEY,
  mapping TEXT,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
  idx TEXT NOT NULL,
  id TEXT NOT NULL,
  version INTEGER NOT NULL,
  source TEXT NOT NULL,
  PRIMARY KEY (idx, id)
);
CREATE TABLE IF NOT EXISTS searchable (
  idx TEXT NOT NULL,
  id TEXT NOT NULL,
  version INTEGER NOT NULL,
  source TEXT NOT NULL,
  PRIMARY KEY (idx, id)
);
CREATE TABLE IF NOT EXISTS refresh_state (
  idx TEXT PRIMARY KEY,
  dirty_since INTEGER,
  refreshed_at INTEGER
);
`
	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create index tables: %w", err)
	}
	return nil
}

func (w *Wrapper) EnsureIndex(ctx context.Context, index string, mapping json.RawMessage) error {
	if err := w.usable(); err != nil {
		return err
	}
	const stmt = `INSERT INTO indices (name, mapping, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`
	if _, err := w.db.ExecContext(ctx, stmt, index, string(mapping), w.clock.Now().Format(time.RFC3339Nano)); err != nil {
		return classify("ensure index "+index, err)
	}
	return nil
}

func (w *Wrapper) Upsert(ctx context.Context, index string, doc search.Document, opts ...search.WriteOption) (search.Document, error) {
	if err := w.usable(); err != nil {
		return search.Document{}, err
	}
	if strings.TrimSpace(doc.ID) == "" {
		return search.Document{}, fmt.Errorf("document id is required")
	}
	if !json.Valid(doc.Source) {
		return search.Document{}, fmt.Errorf("document %s: source is not valid json", doc.ID)
	}
	options := search.ApplyWriteOptions(opts...)

	var (
		stmt string
		args []any
	)
	switch {
	case options.IfRevision != nil:
		stmt = `
UPDATE documents SET version = version + 1, source = ?
WHERE idx = ? AND id = ? AND version = ?
RETURNING version;
`
		args = []any{string(doc.Source), index, doc.ID, options.IfRevision.Version}
	case options.CreateOnly:
		stmt = `
INSERT INTO documents (idx, id, version, source) VALUES (?, ?, 1, ?)
ON CONFLICT(idx, id) DO NOTHING
RETURNING version;
`
		args = []any{index, doc.ID, string(doc.Source)}
	default:
		stmt = `
INSERT INTO documents (idx, id, version, source) VALUES (?, ?, 1, ?)
ON CONFLICT(idx, id) DO UPDATE SET
  version=documents.version + 1,
  source=excluded.source
RETURNING version;
`
		args = []any{index, doc.ID, string(doc.Source)}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return search.Document{}, classify("begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, stmt, args...).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows) && options.IfRevision != nil:
		return search.Document{}, fmt.Errorf("document %s/%s at version %d: %w", index, doc.ID, options.IfRevision.Version, search.ErrVersionConflict)
	case errors.Is(err, sql.ErrNoRows):
		return search.Document{}, fmt.Errorf("document %s/%s: %w", index, doc.ID, search.ErrConflict)
	case err != nil:
		return search.Document{}, classify("upsert document", err)
	}
	if err := w.markDirty(ctx, tx, index); err != nil {
		return search.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return search.Document{}, classify("commit upsert", err)
	}

	if options.Refresh != search.RefreshNone && options.Refresh != "" {
		if err := w.Refresh(ctx, index); err != nil {
			return search.Document{}, err
		}
	}
	return search.Document{ID: doc.ID, Version: version, Source: doc.Source}, nil
}

func (w *Wrapper) Get(ctx context.Context, index, id string) (search.Document, error) {
	if err := w.usable(); err != nil {
		return search.Document{}, err
	}
	var (
		version int64
		source  string
	)
	err := w.db.QueryRowContext(ctx, `SELECT version, source FROM documents WHERE idx = ? AND id = ?`, index, id).Scan(&version, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return search.Document{}, fmt.Errorf("document %s/%s: %w", index, id, search.ErrNotFound)
	}
	if err != nil {
		return search.Document{}, classify("get document", err)
	}
	return search.Document{ID: id, Version: version, Source: json.RawMessage(source)}, nil
}

func (w *Wrapper) Search(ctx context.Context, index string, query search.Query) ([]search.Document, error) {
	if err := w.usable(); err != nil {
		return nil, err
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	due, err := w.refreshDue(ctx, index)
	if err != nil {
		return nil, err
	}
	if due {
		if err := w.Refresh(ctx, index); err != nil {
			return nil, err
		}
	}

	var (
		sb   strings.Builder
		args = []any{index}
	)
	sb.WriteString(`SELECT id, version, source FROM searchable WHERE idx = ?`)
	for _, f := range query.Filters {
		if len(f.Values) == 0 {
			sb.WriteString(` AND 0`)
			continue
		}
		sb.WriteString(` AND json_extract(source, ?) IN (`)
		args = append(args, "$."+f.Field)
		for i, v := range f.Values {
			if i > 0 {
				sb.WriteString(`, `)
			}
			sb.WriteString(`?`)
			args = append(args, v)
		}
		sb.WriteString(`)`)
	}
	sb.WriteString(` ORDER BY `)
	for _, s := range query.Sort {
		sb.WriteString(`json_extract(source, ?)`)
		args = append(args, "$."+s.Field)
		if s.Desc {
			sb.WriteString(` DESC`)
		}
		sb.WriteString(`, `)
	}
	sb.WriteString(`id LIMIT ?`)
	args = append(args, query.Limit())

	rows, err := w.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("search "+index, err)
	}
	defer func() { _ = rows.Close() }()

	var out []search.Document
	for rows.Next() {
		var (
			doc    search.Document
			source string
		)
		if err := rows.Scan(&doc.ID, &doc.Version, &source); err != nil {
			return nil, classify("scan search hit", err)
		}
		doc.Source = json.RawMessage(source)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search "+index, err)
	}
	return out, nil
}

func (w *Wrapper) Delete(ctx context.Context, index, id string, opts ...search.WriteOption) error {
	if err := w.usable(); err != nil {
		return err
	}
	options := search.ApplyWriteOptions(opts...)
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE idx = ? AND id = ?`, index, id)
	if err != nil {
		return classify("delete document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete document", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s/%s: %w", index, id, search.ErrNotFound)
	}
	if err := w.markDirty(ctx, tx, index); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit delete", err)
	}
	if options.Refresh != search.RefreshNone && options.Refresh != "" {
		return w.Refresh(ctx, index)
	}
	return nil
}

// Refresh publishes every write made so far to Search. It returns once the
// new snapshot is committed.
func (w *Wrapper) Refresh(ctx context.Context, index string) error {
	if err := w.usable(); err != nil {
		return err
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin refresh", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM searchable WHERE idx = ?`, index); err != nil {
		return classify("refresh "+index, err)
	}
	const copyStmt = `
INSERT INTO searchable (idx, id, version, source)
SELECT idx, id, version, source FROM documents WHERE idx = ?;
`
	if _, err := tx.ExecContext(ctx, copyStmt, index); err != nil {
		return classify("refresh "+index, err)
	}
	const stateStmt = `
INSERT INTO refresh_state (idx, dirty_since, refreshed_at) VALUES (?, NULL, ?)
ON CONFLICT(idx) DO UPDATE SET dirty_since = NULL, refreshed_at = excluded.refreshed_at;
`
	if _, err := tx.ExecContext(ctx, stateStmt, index, w.clock.Now().UnixNano()); err != nil {
		return classify("refresh "+index, err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit refresh", err)
	}
	return nil
}

func (w *Wrapper) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	return w.db.Close()
}

func (w *Wrapper) usable() error {
	if w.closed.Load() {
		return fmt.Errorf("sqlite index closed: %w", search.ErrUnavailable)
	}
	return nil
}

// markDirty records the first unpublished write of index since the last
// refresh. Later writes keep the earlier timestamp.
func (w *Wrapper) markDirty(ctx context.Context, tx *sql.Tx, index string) error {
	const stmt = `
INSERT INTO refresh_state (idx, dirty_since) VALUES (?, ?)
ON CONFLICT(idx) DO UPDATE SET dirty_since = COALESCE(refresh_state.dirty_since, excluded.dirty_since);
`
	if _, err := tx.ExecContext(ctx, stmt, index, w.clock.Now().UnixNano()); err != nil {
		return classify("mark "+index+" dirty", err)
	}
	return nil
}

// refreshDue reports whether index has an unpublished write at least one
// refresh interval old, whichever process made it.
func (w *Wrapper) refreshDue(ctx context.Context, index string) (bool, error) {
	if w.interval <= 0 {
		return false, nil
	}
	var dirtySince sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT dirty_since FROM refresh_state WHERE idx = ?`, index).Scan(&dirtySince)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("read refresh state", err)
	}
	if !dirtySince.Valid {
		return false, nil
	}
	return w.clock.Now().Sub(time.Unix(0, dirtySince.Int64)) >= w.interval, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, search.ErrUnavailable, err)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
			return fmt.Errorf("%s: %w: %w", op, search.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
