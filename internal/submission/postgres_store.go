package submission

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed attempt store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the submission_attempts table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS submission_attempts (
			id           VARCHAR(40) PRIMARY KEY,
			record_id    VARCHAR(40) NOT NULL,
			vendor       VARCHAR(20) NOT NULL,
			number       INTEGER NOT NULL,
			outcome      VARCHAR(16) NOT NULL,
			error_code   VARCHAR(40),
			error_detail TEXT,
			duration_ms  BIGINT DEFAULT 0,
			attempted_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_submission_attempts_record ON submission_attempts(record_id);
	`)
	return err
}

func (p *PostgresStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO submission_attempts (
			id, record_id, vendor, number, outcome,
			error_code, error_detail, duration_ms, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.RecordID, a.Vendor, a.Number, string(a.Outcome),
		nullStr(a.ErrorCode), nullStr(a.ErrorDetail), a.DurationMs, a.AttemptedAt,
	)
	return err
}

func (p *PostgresStore) ListAttempts(ctx context.Context, recordID string) ([]*Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, record_id, vendor, number, outcome,
		       error_code, error_detail, duration_ms, attempted_at
		FROM submission_attempts
		WHERE record_id = $1
		ORDER BY number ASC
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var outcome string
		var code, detail sql.NullString
		if err := rows.Scan(
			&a.ID, &a.RecordID, &a.Vendor, &a.Number, &outcome,
			&code, &detail, &a.DurationMs, &a.AttemptedAt,
		); err != nil {
			return nil, err
		}
		a.Outcome = Outcome(outcome)
		a.ErrorCode = code.String
		a.ErrorDetail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
