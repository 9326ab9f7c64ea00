package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path. An empty path uses an
// in-memory database.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS servers(
		name TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		last_status TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO servers(name, pid, last_status, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET pid=excluded.pid,
			last_status=excluded.last_status, updated_at=excluded.updated_at;`,
		rec.Name, rec.PID, rec.LastStatus, rec.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetByName(ctx context.Context, name string) (Record, error) {
	var rec Record
	row := s.db.QueryRowContext(ctx,
		`SELECT name, pid, last_status, updated_at FROM servers WHERE name = ?;`, name)
	if err := row.Scan(&rec.Name, &rec.PID, &rec.LastStatus, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, pid, last_status, updated_at FROM servers ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.PID, &rec.LastStatus, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE name = ?;`, name)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
