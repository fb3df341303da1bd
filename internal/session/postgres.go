package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists intake sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS intake_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			preset TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			requirement_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS intake_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES intake_sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_intake_messages_session ON intake_messages (session_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_intake_sessions_status ON intake_sessions (status, last_activity_at);`,
		`CREATE INDEX IF NOT EXISTS idx_intake_sessions_user ON intake_sessions (user_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sessionColumns = `id, user_id, status, preset, voice, requirement_id, started_at, last_activity_at, ended_at`

func (s *PostgresStore) Create(ctx context.Context, preset, voice, userID string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusActive,
		Preset:         preset,
		Voice:          voice,
		StartedAt:      now,
		LastActivityAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intake_sessions (id, user_id, status, preset, voice, started_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.Status, sess.Preset, sess.Voice, sess.StartedAt, sess.LastActivityAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM intake_sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM intake_sessions
		 WHERE ($1 = '' OR user_id = $1)
		 ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE intake_sessions SET last_activity_at=now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO intake_messages (id, session_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.PIIRedacted, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := s.Touch(ctx, msg.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, pii_redacted, created_at
		 FROM intake_messages WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.PIIRedacted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LinkRequirement(ctx context.Context, id, requirementID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE intake_sessions SET requirement_id=$2, last_activity_at=now() WHERE id=$1`,
		id, requirementID)
	if err != nil {
		return fmt.Errorf("link requirement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) End(ctx context.Context, id, requirementID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE intake_sessions
		 SET status=$2,
		     requirement_id=CASE WHEN $3='' THEN requirement_id ELSE $3 END,
		     last_activity_at=now(), ended_at=now()
		 WHERE id=$1
		 RETURNING `+sessionColumns, id, StatusCompleted, requirementID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("end session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ExpireInactive(ctx context.Context, olderThan time.Duration) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE intake_sessions
		 SET status=$1, last_activity_at=now(), ended_at=now()
		 WHERE status=$2 AND last_activity_at < now() - $3::interval
		 RETURNING `+sessionColumns,
		StatusAbandoned, StatusActive, fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	defer rows.Close()

	var expired []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		expired = append(expired, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) ActiveCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM intake_sessions WHERE status=$1`, StatusActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.Preset, &sess.Voice,
		&sess.RequirementID, &sess.StartedAt, &sess.LastActivityAt, &sess.EndedAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
