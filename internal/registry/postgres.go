package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PostgresStore manages the registry in PostgreSQL with embeddings held in
// pgvector columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema is initialized.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS persons (
			person_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			relationship TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ,
			recognition_count INT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE TABLE IF NOT EXISTS face_embeddings (
			id BIGSERIAL PRIMARY KEY,
			person_id TEXT NOT NULL REFERENCES persons(person_id),
			seq INT NOT NULL,
			embedding VECTOR NOT NULL
		);
		CREATE TABLE IF NOT EXISTS recognition_history (
			id BIGSERIAL PRIMARY KEY,
			person_id TEXT NOT NULL REFERENCES persons(person_id),
			seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confidence DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS face_embeddings_person_idx ON face_embeddings (person_id, seq);
		CREATE INDEX IF NOT EXISTS recognition_history_seen_idx ON recognition_history (seen_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Register(ctx context.Context, p Person) error {
	if err := validate(&p); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// FOR UPDATE locks the row so two enrollments of one id cannot interleave
	var active bool
	err = tx.QueryRow(ctx, "SELECT is_active FROM persons WHERE person_id = $1 FOR UPDATE", p.ID).Scan(&active)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO persons (person_id, name, relationship, notes)
			VALUES ($1, $2, $3, $4)
		`, p.ID, p.Name, p.Relationship, p.Notes)
	case err != nil:
		return err
	case active:
		return fmt.Errorf("%w: %s is already registered", ErrEnrollment, p.ID)
	default:
		if _, err = tx.Exec(ctx, "DELETE FROM face_embeddings WHERE person_id = $1", p.ID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE persons SET name = $2, relationship = $3, notes = $4, created_at = NOW(),
				last_seen = NULL, recognition_count = 0, is_active = TRUE
			WHERE person_id = $1
		`, p.ID, p.Name, p.Relationship, p.Notes)
	}
	if err != nil {
		return fmt.Errorf("failed to store person: %w", err)
	}

	for i, e := range p.Embeddings {
		if _, err := tx.Exec(ctx,
			"INSERT INTO face_embeddings (person_id, seq, embedding) VALUES ($1, $2, $3)",
			p.ID, i, pgvector.NewVector(toFloat32(e))); err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE persons SET is_active = FALSE WHERE person_id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanPgPerson(row pgx.Row) (Person, error) {
	var p Person
	err := row.Scan(&p.ID, &p.Name, &p.Relationship, &p.Notes, &p.CreatedAt, &p.LastSeen, &p.RecognitionCount, &p.Active)
	return p, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Person, error) {
	p, err := scanPgPerson(s.pool.QueryRow(ctx, "SELECT "+personColumns+" FROM persons WHERE person_id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	byPerson, err := s.embeddings(ctx, "WHERE person_id = $1", id)
	if err != nil {
		return nil, err
	}
	p.Embeddings = byPerson[id]
	return &p, nil
}

// embeddings loads vectors grouped by person, in enrollment order.
func (s *PostgresStore) embeddings(ctx context.Context, where string, args ...any) (map[string][][]float64, error) {
	rows, err := s.pool.Query(ctx, "SELECT person_id, embedding FROM face_embeddings "+where+" ORDER BY person_id, seq", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][][]float64)
	for rows.Next() {
		var (
			id  string
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		out[id] = append(out[id], toFloat64(vec.Slice()))
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveRecords(ctx context.Context) ([]Person, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+personColumns+
		" FROM persons WHERE is_active ORDER BY recognition_count DESC, person_id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []Person
	for rows.Next() {
		p, err := scanPgPerson(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byPerson, err := s.embeddings(ctx,
		"WHERE person_id IN (SELECT person_id FROM persons WHERE is_active)")
	if err != nil {
		return nil, err
	}
	for i := range persons {
		persons[i].Embeddings = byPerson[persons[i].ID]
	}
	return persons, nil
}

// Nearest returns the active person owning the embedding closest to vec and
// its distance. metric is "euclidean" (<->) or "cosine" (<=>).
// Returns ok=false when no active embedding has vec's dimension.
func (s *PostgresStore) Nearest(ctx context.Context, vec []float64, metric string) (string, float64, bool, error) {
	op := "<->"
	if metric == "cosine" {
		op = "<=>"
	}
	query := fmt.Sprintf(`
		SELECT e.person_id, e.embedding %[1]s $1 AS distance
		FROM face_embeddings e JOIN persons p ON p.person_id = e.person_id
		WHERE p.is_active AND vector_dims(e.embedding) = $2
		ORDER BY distance ASC, p.recognition_count DESC, e.person_id ASC
		LIMIT 1`, op)

	var (
		id   string
		dist float64
	)
	err := s.pool.QueryRow(ctx, query, pgvector.NewVector(toFloat32(vec)), len(vec)).Scan(&id, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return id, dist, true, nil
}

func (s *PostgresStore) RecordSighting(ctx context.Context, id string, confidence float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE persons SET recognition_count = recognition_count + 1, last_seen = NOW() WHERE person_id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO recognition_history (person_id, confidence) VALUES ($1, $2)", id, confidence); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE is_active), COALESCE(SUM(recognition_count), 0) FROM persons
	`).Scan(&st.ActivePersons, &st.TotalRecognitions)
	if err != nil {
		return Stats{}, err
	}
	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM recognition_history WHERE seen_at >= $1", startOfDay(time.Now())).Scan(&st.RecognitionsToday)
	return st, err
}

// Reset drops all registry tables. The schema is recreated on the next open.
func (s *PostgresStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS recognition_history CASCADE;
		DROP TABLE IF EXISTS face_embeddings CASCADE;
		DROP TABLE IF EXISTS persons CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.pool)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
