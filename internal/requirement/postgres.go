package requirement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists requirements in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS requirements (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			task_title TEXT NOT NULL,
			task_description TEXT NOT NULL,
			skills_required TEXT[] NOT NULL DEFAULT '{}',
			experience TEXT NOT NULL DEFAULT '',
			budget_min DOUBLE PRECISION,
			budget_max DOUBLE PRECISION,
			budget_currency TEXT,
			duration_value DOUBLE PRECISION,
			duration_unit TEXT,
			preferred_characteristics TEXT[] NOT NULL DEFAULT '{}',
			must_have_skills TEXT[] NOT NULL DEFAULT '{}',
			nice_to_have_skills TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requirements_session ON requirements (session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_requirements_created ON requirements (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const requirementColumns = `id, session_id, task_title, task_description, skills_required,
	experience, budget_min, budget_max, budget_currency, duration_value, duration_unit,
	preferred_characteristics, must_have_skills, nice_to_have_skills, created_at, updated_at`

func (s *PostgresStore) Save(ctx context.Context, r Requirement) (Requirement, error) {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	var budgetMin, budgetMax, durationValue *float64
	var budgetCurrency, durationUnit *string
	if r.Budget != nil {
		budgetMin, budgetMax = &r.Budget.Min, &r.Budget.Max
		budgetCurrency = &r.Budget.Currency
	}
	if r.Duration != nil {
		durationValue = &r.Duration.Value
		unit := string(r.Duration.Unit)
		durationUnit = &unit
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO requirements (`+requirementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
			task_title = EXCLUDED.task_title,
			task_description = EXCLUDED.task_description,
			skills_required = EXCLUDED.skills_required,
			experience = EXCLUDED.experience,
			budget_min = EXCLUDED.budget_min,
			budget_max = EXCLUDED.budget_max,
			budget_currency = EXCLUDED.budget_currency,
			duration_value = EXCLUDED.duration_value,
			duration_unit = EXCLUDED.duration_unit,
			preferred_characteristics = EXCLUDED.preferred_characteristics,
			must_have_skills = EXCLUDED.must_have_skills,
			nice_to_have_skills = EXCLUDED.nice_to_have_skills,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.SessionID, r.TaskTitle, r.TaskDescription, r.SkillsRequired,
		r.Experience, budgetMin, budgetMax, budgetCurrency, durationValue, durationUnit,
		r.PreferredCharacteristics, r.MustHaveSkills, r.NiceToHaveSkills, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return Requirement{}, fmt.Errorf("save requirement: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Requirement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE id=$1`, id)
	r, err := scanRequirement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Requirement{}, ErrNotFound
	}
	if err != nil {
		return Requirement{}, fmt.Errorf("get requirement: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Requirement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+requirementColumns+` FROM requirements ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	return collectRequirements(rows)
}

func (s *PostgresStore) BySession(ctx context.Context, sessionID string) ([]Requirement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session requirements: %w", err)
	}
	defer rows.Close()
	return collectRequirements(rows)
}

func collectRequirements(rows pgx.Rows) ([]Requirement, error) {
	items := make([]Requirement, 0)
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan requirement row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirement rows: %w", err)
	}
	return items, nil
}

func scanRequirement(row pgx.Row) (Requirement, error) {
	var r Requirement
	var budgetMin, budgetMax, durationValue *float64
	var budgetCurrency, durationUnit *string
	err := row.Scan(
		&r.ID, &r.SessionID, &r.TaskTitle, &r.TaskDescription, &r.SkillsRequired,
		&r.Experience, &budgetMin, &budgetMax, &budgetCurrency, &durationValue, &durationUnit,
		&r.PreferredCharacteristics, &r.MustHaveSkills, &r.NiceToHaveSkills, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Requirement{}, err
	}
	if budgetMin != nil || budgetMax != nil {
		b := Budget{Currency: DefaultCurrency}
		if budgetMin != nil {
			b.Min = *budgetMin
		}
		if budgetMax != nil {
			b.Max = *budgetMax
		}
		if budgetCurrency != nil && *budgetCurrency != "" {
			b.Currency = *budgetCurrency
		}
		r.Budget = &b
	}
	if durationValue != nil && durationUnit != nil {
		r.Duration = &Duration{Value: *durationValue, Unit: DurationUnit(*durationUnit)}
	}
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
