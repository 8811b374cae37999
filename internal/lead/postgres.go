package lead

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists leads in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS hvac_leads (
			session_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			service_type TEXT NOT NULL DEFAULT '',
			heating_source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hvac_leads_updated ON hvac_leads (updated_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Upsert merges fields into the lead for sessionID. The merge runs inside
// the statement so concurrent updates never erase captured fields.
func (s *PostgresStore) Upsert(ctx context.Context, sessionID string, fields Fields) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO hvac_leads (session_id, name, phone, address, service_type, heating_source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (session_id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE hvac_leads.name END,
			phone = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE hvac_leads.phone END,
			address = CASE WHEN EXCLUDED.address <> '' THEN EXCLUDED.address ELSE hvac_leads.address END,
			service_type = CASE WHEN EXCLUDED.service_type <> '' THEN EXCLUDED.service_type ELSE hvac_leads.service_type END,
			heating_source = CASE WHEN EXCLUDED.heating_source <> '' THEN EXCLUDED.heating_source ELSE hvac_leads.heating_source END,
			updated_at = now()
		 RETURNING session_id, name, phone, address, service_type, heating_source, created_at, updated_at`,
		sessionID,
		fields.Name,
		fields.Phone,
		fields.Address,
		fields.Type,
		fields.HeatingSource,
	)

	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("upsert lead: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, name, phone, address, service_type, heating_source, created_at, updated_at
		 FROM hvac_leads ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead row: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&rec.SessionID,
		&rec.Fields.Name,
		&rec.Fields.Phone,
		&rec.Fields.Address,
		&rec.Fields.Type,
		&rec.Fields.HeatingSource,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return rec, nil
}
