// Package postgres provides a durable, transactional Checkpointer on
// PostgreSQL using a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronos-ai/reactor/engine/state"
	"github.com/chronos-ai/reactor/storage"
	"github.com/chronos-ai/reactor/storage/serialization"
)

// Store implements storage.Checkpointer using PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	serializer *serialization.Serializer
	ownsPool   bool
}

var _ storage.Checkpointer = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerializer overrides the payload encoding (default: JSON, uncompressed).
func WithSerializer(s *serialization.Serializer) Option {
	return func(st *Store) { st.serializer = s }
}

// New connects to PostgreSQL with the given DSN and pings it.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres parse dsn: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := NewWithPool(pool, opts...)
	s.ownsPool = true
	return s, nil
}

// NewWithPool wraps an existing pool. Close leaves the pool open.
func NewWithPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, serializer: serialization.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates all required tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reactor_threads (
			thread_id TEXT PRIMARY KEY,
			last_sequence BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reactor_checkpoints (
			thread_id TEXT NOT NULL REFERENCES reactor_threads(thread_id) ON DELETE CASCADE,
			checkpoint_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			version BIGINT NOT NULL,
			codec TEXT NOT NULL,
			state BYTEA NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			UNIQUE (thread_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reactor_threads_updated ON reactor_threads (updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Save commits the thread upsert, the checkpoint upsert and the thread
// timestamp bump in one transaction. The thread row lock serialises
// sequence allocation per thread.
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

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`INSERT INTO reactor_threads (thread_id, last_sequence, created_at, updated_at)
			 VALUES ($1, 0, $2, $2)
			 ON CONFLICT (thread_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
			threadID, now,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE reactor_checkpoints SET version=$3, codec=$4, state=$5, tag=$6
			 WHERE thread_id=$1 AND checkpoint_id=$2`,
			threadID, id, st.Version(), s.serializer.CodecName(), payload, o.Tag,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var seq int64
		if err := tx.QueryRow(ctx,
			`UPDATE reactor_threads SET last_sequence = last_sequence + 1 WHERE thread_id=$1 RETURNING last_sequence`,
			threadID,
		).Scan(&seq); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO reactor_checkpoints (thread_id, checkpoint_id, sequence, version, codec, state, tag, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			threadID, id, seq, st.Version(), s.serializer.CodecName(), payload, o.Tag, now,
		)
		return err
	})
	if err != nil {
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
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM reactor_checkpoints WHERE thread_id=$1 AND checkpoint_id=$2`, threadID, checkpointID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.pool.QueryRow(ctx,
		`SELECT checkpoint_id, state FROM reactor_checkpoints WHERE thread_id=$1 ORDER BY sequence DESC LIMIT 1`, threadID,
	).Scan(&id, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFound("load_latest", threadID, "")
	}
	if err != nil {
		return nil, storage.IO("load_latest", threadID, "", err)
	}
	return s.decode("load_latest", threadID, id, payload)
}

const infoColumns = `thread_id, checkpoint_id, sequence, version, tag, created_at`

func scanInfo(row pgx.Row) (storage.CheckpointInfo, error) {
	var info storage.CheckpointInfo
	err := row.Scan(&info.ThreadID, &info.CheckpointID, &info.Sequence, &info.Version, &info.Tag, &info.CreatedAt)
	info.CreatedAt = info.CreatedAt.UTC()
	return info, err
}

func (s *Store) Get(ctx context.Context, threadID, checkpointID string) (*storage.CheckpointInfo, error) {
	info, err := scanInfo(s.pool.QueryRow(ctx,
		`SELECT `+infoColumns+` FROM reactor_checkpoints WHERE thread_id=$1 AND checkpoint_id=$2`, threadID, checkpointID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NotFound("get", threadID, checkpointID)
	}
	if err != nil {
		return nil, storage.IO("get", threadID, checkpointID, err)
	}
	return &info, nil
}

func (s *Store) List(ctx context.Context, threadID string) ([]storage.CheckpointInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+infoColumns+` FROM reactor_checkpoints WHERE thread_id=$1 ORDER BY sequence DESC`, threadID,
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
	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM reactor_checkpoints WHERE thread_id=$1 AND checkpoint_id=$2`, threadID, checkpointID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		deleted = true
		_, err = tx.Exec(ctx,
			`DELETE FROM reactor_threads t WHERE t.thread_id=$1
			 AND NOT EXISTS (SELECT 1 FROM reactor_checkpoints c WHERE c.thread_id=t.thread_id)`, threadID)
		return err
	})
	if err != nil {
		return false, storage.IO("delete", threadID, checkpointID, err)
	}
	return deleted, nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	// checkpoints cascade with the thread row
	tag, err := s.pool.Exec(ctx, `DELETE FROM reactor_threads WHERE thread_id=$1`, threadID)
	if err != nil {
		return false, storage.IO("delete_thread", threadID, "", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Exists(ctx context.Context, threadID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reactor_threads WHERE thread_id=$1)`, threadID).Scan(&ok)
	if err != nil {
		return false, storage.IO("exists", threadID, "", err)
	}
	return ok, nil
}

// ListThreads returns thread ids, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT thread_id FROM reactor_threads ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, storage.IO("list_threads", "", "", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storage.IO("list_threads", "", "", err)
	}
	return ids, nil
}

func (s *Store) truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE reactor_checkpoints, reactor_threads`)
	return err
}
