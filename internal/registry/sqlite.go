package registry

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is the latest SQLite schema version.
const schemaVersion = 1

// SQLiteStore persists the registry in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// migrateSQLite applies schema migrations based on user_version.
func migrateSQLite(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS persons (
		  person_id         TEXT PRIMARY KEY,
		  name              TEXT NOT NULL,
		  relationship      TEXT NOT NULL,
		  notes             TEXT NOT NULL DEFAULT '',
		  created_at        INTEGER NOT NULL,
		  last_seen         INTEGER,
		  recognition_count INTEGER NOT NULL DEFAULT 0,
		  is_active         INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS face_embeddings (
		  id        INTEGER PRIMARY KEY AUTOINCREMENT,
		  person_id TEXT NOT NULL REFERENCES persons(person_id),
		  seq       INTEGER NOT NULL,
		  embedding BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS recognition_history (
		  id          INTEGER PRIMARY KEY AUTOINCREMENT,
		  person_id   TEXT NOT NULL REFERENCES persons(person_id),
		  seen_at     INTEGER NOT NULL,
		  confidence  REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_face_embeddings_person ON face_embeddings(person_id, seq);
		CREATE INDEX IF NOT EXISTS idx_recognition_history_seen ON recognition_history(seen_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Register(ctx context.Context, p Person) error {
	if err := validate(&p); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, "SELECT is_active FROM persons WHERE person_id = ?", p.ID).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO persons (person_id, name, relationship, notes, created_at, last_seen, recognition_count, is_active)
			VALUES (?, ?, ?, ?, ?, NULL, 0, 1)
		`, p.ID, p.Name, p.Relationship, p.Notes, s.now().UnixNano())
	case err != nil:
		return err
	case active:
		return fmt.Errorf("%w: %s is already registered", ErrEnrollment, p.ID)
	default:
		// Re-enrolling a deactivated person replaces the old record.
		if _, err = tx.ExecContext(ctx, "DELETE FROM face_embeddings WHERE person_id = ?", p.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE persons SET name = ?, relationship = ?, notes = ?, created_at = ?,
			  last_seen = NULL, recognition_count = 0, is_active = 1
			WHERE person_id = ?
		`, p.Name, p.Relationship, p.Notes, s.now().UnixNano(), p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to store person: %w", err)
	}

	for i, e := range p.Embeddings {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO face_embeddings (person_id, seq, embedding) VALUES (?, ?, ?)",
			p.ID, i, encodeEmbedding(e)); err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE persons SET is_active = 0 WHERE person_id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const personColumns = "person_id, name, relationship, notes, created_at, last_seen, recognition_count, is_active"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (Person, error) {
	var (
		p         Person
		createdAt int64
		lastSeen  sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Relationship, &p.Notes, &createdAt, &lastSeen, &p.RecognitionCount, &p.Active); err != nil {
		return Person{}, err
	}
	p.CreatedAt = time.Unix(0, createdAt)
	if lastSeen.Valid {
		t := time.Unix(0, lastSeen.Int64)
		p.LastSeen = &t
	}
	return p, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Person, error) {
	p, err := scanPerson(s.db.QueryRowContext(ctx, "SELECT "+personColumns+" FROM persons WHERE person_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if p.Embeddings, err = s.embeddings(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) embeddings(ctx context.Context, id string) ([][]float64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT embedding FROM face_embeddings WHERE person_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]float64
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		out = append(out, decodeEmbedding(blob))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveRecords(ctx context.Context) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+personColumns+
		" FROM persons WHERE is_active = 1 ORDER BY recognition_count DESC, person_id ASC")
	if err != nil {
		return nil, err
	}
	var persons []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		persons = append(persons, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Embeddings are loaded after the person cursor is closed.
	for i := range persons {
		if persons[i].Embeddings, err = s.embeddings(ctx, persons[i].ID); err != nil {
			return nil, err
		}
	}
	return persons, nil
}

func (s *SQLiteStore) RecordSighting(ctx context.Context, id string, confidence float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx,
		"UPDATE persons SET recognition_count = recognition_count + 1, last_seen = ? WHERE person_id = ?", now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO recognition_history (person_id, seen_at, confidence) VALUES (?, ?, ?)", id, now, confidence); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(is_active), 0), COALESCE(SUM(recognition_count), 0) FROM persons
	`).Scan(&st.ActivePersons, &st.TotalRecognitions)
	if err != nil {
		return Stats{}, err
	}
	midnight := startOfDay(s.now()).UnixNano()
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recognition_history WHERE seen_at >= ?", midnight).Scan(&st.RecognitionsToday)
	return st, err
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM recognition_history;
		DELETE FROM face_embeddings;
		DELETE FROM persons;
	`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeEmbedding packs a vector as little-endian float64s.
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float64 {
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
