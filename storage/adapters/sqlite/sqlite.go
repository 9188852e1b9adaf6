// Package sqlite provides a durable, transactional Checkpointer on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/storage"
	"github.com/chronos-ai/reactor/storage/serialization"
)

// Store implements storage.Checkpointer using SQLite.
type Store struct {
	db         *sql.DB
	serializer *serialization.Serializer
}

var _ storage.Checkpointer = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerializer overrides the payload encoding (default: JSON, uncompressed).
func WithSerializer(s *serialization.Serializer) Option {
	return func(st *Store) { st.serializer = s }
}

// New opens a SQLite database at path. ":memory:" is pinned to one
// connection so every query sees the same database.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, serializer: serialization.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Migrate creates all required tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			last_sequence INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
			checkpoint_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			version INTEGER NOT NULL,
			codec TEXT NOT NULL,
			state BLOB NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			UNIQUE (thread_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save commits the thread upsert, the checkpoint upsert and the thread
// timestamp bump in one transaction.
func (s *Store) Save(ctx context.Context, threadID string, st *state.State, opts ...storage.SaveOption) (string, error) {
	o := storage.ApplySaveOptions(opts)
	id := o.CheckpointID
	if id == "" {
		id = uuid.NewString()
	}
	if st == nil {
		return "", storage.Serialization("save", threadID, id, errors.New("nil state"))
	}
	payload, err := s.serializer.EncodeState(st)
	if err != nil {
		return "", storage.Serialization("save", threadID, id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storage.IO("save", threadID, id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO threads (thread_id, last_sequence, created_at, updated_at) VALUES (?, 0, ?, ?)
		 ON CONFLICT(thread_id) DO NOTHING`,
		threadID, now, now,
	); err != nil {
		return "", storage.IO("save", threadID, id, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE checkpoints SET version=?, codec=?, state=?, tag=? WHERE thread_id=? AND checkpoint_id=?`,
		st.Version(), s.serializer.CodecName(), payload, o.Tag, threadID, id,
	)
	if err != nil {
		return "", storage.IO("save", threadID, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE threads SET last_sequence = last_sequence + 1 WHERE thread_id=? RETURNING last_sequence`,
			threadID,
		).Scan(&seq); err != nil {
			return "", storage.IO("save", threadID, id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (thread_id, checkpoint_id, sequence, version, codec, state, tag, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			threadID, id, seq, st.Version(), s.serializer.CodecName(), payload, o.Tag, now,
		); err != nil {
			return "", storage.IO("save", threadID, id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at=? WHERE thread_id=?`, now, threadID); err != nil {
		return "", storage.IO("save", threadID, id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", storage.IO("save", threadID, id, err)
	}
	return id, nil
}

func (s *Store) decode(op, threadID, checkpointID string, payload []byte) (*state.State, error) {
	st, err := s.serializer.DecodeState(payload)
	if err != nil {
		return nil, storage.Serialization(op, threadID, checkpointID, err)
	}
	return st, nil
}

func (s *Store) Load(ctx context.Context, threadID, checkpointID string) (*state.State, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id=? AND checkpoint_id=?`, threadID, checkpointID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("load", threadID, checkpointID)
	}
	if err != nil {
		return nil, storage.IO("load", threadID, checkpointID, err)
	}
	return s.decode("load", threadID, checkpointID, payload)
}

func (s *Store) LoadLatest(ctx context.Context, threadID string) (*state.State, error) {
	var (
		id      string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, state FROM checkpoints WHERE thread_id=? ORDER BY sequence DESC LIMIT 1`, threadID,
	).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("load_latest", threadID, "")
	}
	if err != nil {
		return nil, storage.IO("load_latest", threadID, "", err)
	}
	return s.decode("load_latest", threadID, id, payload)
}

const infoColumns = `thread_id, checkpoint_id, sequence, version, tag, created_at`

func scanInfo(row interface{ Scan(...any) error }) (storage.CheckpointInfo, error) {
	var (
		info    storage.CheckpointInfo
		created int64
	)
	err := row.Scan(&info.ThreadID, &info.CheckpointID, &info.Sequence, &info.Version, &info.Tag, &created)
	info.CreatedAt = time.Unix(0, created).UTC()
	return info, err
}

func (s *Store) Get(ctx context.Context, threadID, checkpointID string) (*storage.CheckpointInfo, error) {
	info, err := scanInfo(s.db.QueryRowContext(ctx,
		`SELECT `+infoColumns+` FROM checkpoints WHERE thread_id=? AND checkpoint_id=?`, threadID, checkpointID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("get", threadID, checkpointID)
	}
	if err != nil {
		return nil, storage.IO("get", threadID, checkpointID, err)
	}
	return &info, nil
}

func (s *Store) List(ctx context.Context, threadID string) ([]storage.CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+infoColumns+` FROM checkpoints WHERE thread_id=? ORDER BY sequence DESC`, threadID,
	)
	if err != nil {
		return nil, storage.IO("list", threadID, "", err)
	}
	defer rows.Close()
	var out []storage.CheckpointInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, storage.IO("list", threadID, "", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.IO("list", threadID, "", err)
	}
	return out, nil
}

// Delete removes one checkpoint. Removing the last one removes the thread.
func (s *Store) Delete(ctx context.Context, threadID, checkpointID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.IO("delete", threadID, checkpointID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id=? AND checkpoint_id=?`, threadID, checkpointID)
	if err != nil {
		return false, storage.IO("delete", threadID, checkpointID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.IO("delete", threadID, checkpointID, err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM threads WHERE thread_id=? AND NOT EXISTS (SELECT 1 FROM checkpoints WHERE thread_id=?)`,
		threadID, threadID,
	); err != nil {
		return false, storage.IO("delete", threadID, checkpointID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, storage.IO("delete", threadID, checkpointID, err)
	}
	return true, nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.IO("delete_thread", threadID, "", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id=?`, threadID); err != nil {
		return false, storage.IO("delete_thread", threadID, "", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id=?`, threadID)
	if err != nil {
		return false, storage.IO("delete_thread", threadID, "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.IO("delete_thread", threadID, "", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storage.IO("delete_thread", threadID, "", err)
	}
	return n > 0, nil
}

func (s *Store) Exists(ctx context.Context, threadID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE thread_id=?`, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.IO("exists", threadID, "", err)
	}
	return true, nil
}

// ListThreads returns thread ids, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM threads ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, storage.IO("list_threads", "", "", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.IO("list_threads", "", "", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.IO("list_threads", "", "", err)
	}
	return out, nil
}
