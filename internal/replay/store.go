package replay

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists replay sessions so a long recording survives
// process restarts. One database holds many sessions; each row of
// sessions owns its snapshot blobs.
type SQLiteStore struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	source_file TEXT NOT NULL,
	total_stmts INTEGER NOT NULL,
	interval    INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	stmt_idx   INTEGER NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (session_id, stmt_idx)
);`

// OpenStore opens (creating if needed) the session database at path.
func OpenStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("replay: init store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveSession persists the recorder's current snapshot stream under its
// session ID, replacing any earlier save of the same session.
func (s *SQLiteStore) SaveSession(ctx context.Context, r *Recorder, sourceFile string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := r.SessionID.String()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, source_file, total_stmts, interval, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, sourceFile, r.totalStmts, r.interval,
		r.Duration().Nanoseconds(), time.Now().UnixNano()); err != nil {
		return err
	}

	for _, snap := range r.snapshots {
		var buf bytes.Buffer
		sw := &sessionWriter{w: &buf}
		sw.snapshot(snap)
		if sw.err != nil {
			return fmt.Errorf("replay: encode snapshot %d: %w", snap.StmtIdx, sw.err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (session_id, stmt_idx, data) VALUES (?, ?, ?)`,
			id, snap.StmtIdx, buf.Bytes()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadSession reads a persisted session back into an offline Session.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var durationNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT source_file, total_stmts, interval, duration_ns FROM sessions WHERE id = ?`, id).
		Scan(&sess.SourceFile, &sess.TotalStatements, &sess.Interval, &durationNS)
	if err != nil {
		return nil, fmt.Errorf("replay: load session %s: %w", id, err)
	}
	sess.Duration = time.Duration(durationNS)

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM snapshots WHERE session_id = ? ORDER BY stmt_idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sr := &sessionReader{r: bytes.NewReader(data)}
		snap := sr.snapshot()
		if sr.err != nil {
			return nil, fmt.Errorf("replay: decode snapshot: %w", sr.err)
		}
		sess.Snapshots = append(sess.Snapshots, snap)
	}
	return sess, rows.Err()
}

// ListSessions returns the stored session IDs, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
