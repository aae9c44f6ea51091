package receipts

import (
	"context"
	"database/sql"
)

// PostgresStore persists receipt data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the submission_receipts table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS submission_receipts (
			id              VARCHAR(64) PRIMARY KEY,
			record_id       VARCHAR(64) NOT NULL,
			visit_id        VARCHAR(64) NOT NULL,
			organization_id VARCHAR(64) NOT NULL,
			state_code      CHAR(2) NOT NULL,
			vendor          VARCHAR(20) NOT NULL,
			outcome         VARCHAR(20) NOT NULL CHECK (outcome IN ('accepted','duplicate')),
			integrity_hash  VARCHAR(64) NOT NULL,
			submission_id   VARCHAR(255),
			attempt_number  INT NOT NULL,
			payload_hash    VARCHAR(64) NOT NULL,
			signature       VARCHAR(128) NOT NULL,
			issued_at       TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_submission_receipts_record ON submission_receipts (record_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_submission_receipts_org ON submission_receipts (organization_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO submission_receipts (
			id, record_id, visit_id, organization_id, state_code,
			vendor, outcome, integrity_hash, submission_id, attempt_number,
			payload_hash, signature, issued_at, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		r.ID, r.RecordID, r.VisitID, r.OrganizationID, r.StateCode,
		r.Vendor, string(r.Outcome), r.IntegrityHash, nullString(r.SubmissionID), r.AttemptNumber,
		r.PayloadHash, r.Signature, r.IssuedAt, r.ExpiresAt, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, record_id, visit_id, organization_id, state_code,
		       vendor, outcome, integrity_hash, submission_id, attempt_number,
		       payload_hash, signature, issued_at, expires_at, created_at
		FROM submission_receipts WHERE id = $1`, id)

	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByRecord(ctx context.Context, recordID string) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, record_id, visit_id, organization_id, state_code,
		       vendor, outcome, integrity_hash, submission_id, attempt_number,
		       payload_hash, signature, issued_at, expires_at, created_at
		FROM submission_receipts
		WHERE record_id = $1
		ORDER BY created_at DESC`, recordID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) ListByOrganization(ctx context.Context, orgID string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, record_id, visit_id, organization_id, state_code,
		       vendor, outcome, integrity_hash, submission_id, attempt_number,
		       payload_hash, signature, issued_at, expires_at, created_at
		FROM submission_receipts
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		submissionID sql.NullString
		outcome      string
	)

	err := sc.Scan(
		&r.ID, &r.RecordID, &r.VisitID, &r.OrganizationID, &r.StateCode,
		&r.Vendor, &outcome, &r.IntegrityHash, &submissionID, &r.AttemptNumber,
		&r.PayloadHash, &r.Signature, &r.IssuedAt, &r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Outcome = Outcome(outcome)
	r.SubmissionID = submissionID.String
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
