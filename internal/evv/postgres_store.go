package evv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/neighborhood-lab/care-commons-sub016/internal/compliance"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed EVV store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the EVV tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evv_records (
			id                  VARCHAR(40) PRIMARY KEY,
			visit_id            VARCHAR(64) NOT NULL UNIQUE,
			organization_id     VARCHAR(64) NOT NULL,
			branch_id           VARCHAR(64),
			client_id           VARCHAR(64) NOT NULL,
			caregiver_id        VARCHAR(64) NOT NULL,
			state_code          CHAR(2) NOT NULL,
			service_type_code   VARCHAR(32) NOT NULL,
			medicaid_id         VARCHAR(32) NOT NULL,
			provider_npi        VARCHAR(16),
			clock_in            JSONB,
			clock_out           JSONB,
			total_duration_min  INTEGER DEFAULT 0,
			billable_hours      DECIMAL(6,2) DEFAULT 0,
			flags               JSONB NOT NULL DEFAULT '[]',
			level               VARCHAR(16) NOT NULL,
			requires_review     BOOLEAN DEFAULT FALSE,
			integrity_hash      VARCHAR(64),
			status              VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			submission_id       VARCHAR(128),
			submission_attempts INTEGER DEFAULT 0,
			next_attempt_at     TIMESTAMPTZ,
			last_error_code     VARCHAR(40),
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_evv_records_org ON evv_records(organization_id);
		CREATE INDEX IF NOT EXISTS idx_evv_records_status ON evv_records(status);
		CREATE INDEX IF NOT EXISTS idx_evv_records_due ON evv_records(next_attempt_at)
			WHERE status IN ('COMPLETE', 'RETRY_SCHEDULED');

		CREATE TABLE IF NOT EXISTS time_entries (
			id                   VARCHAR(40) PRIMARY KEY,
			visit_id             VARCHAR(64) NOT NULL UNIQUE,
			record_id            VARCHAR(40) REFERENCES evv_records(id) ON DELETE CASCADE,
			caregiver_id         VARCHAR(64) NOT NULL,
			clock_in_at          TIMESTAMPTZ NOT NULL,
			clock_out_at         TIMESTAMPTZ,
			status               VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
			override_reason      VARCHAR(64),
			override_approver_id VARCHAR(64),
			created_at           TIMESTAMPTZ DEFAULT NOW(),
			updated_at           TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) CreateRecord(ctx context.Context, rec *EVVRecord) error {
	clockIn, clockOut, flags, err := marshalRecordParts(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO evv_records (
			id, visit_id, organization_id, branch_id, client_id, caregiver_id,
			state_code, service_type_code, medicaid_id, provider_npi,
			clock_in, clock_out, total_duration_min, billable_hours,
			flags, level, requires_review, integrity_hash,
			status, submission_id, submission_attempts, next_attempt_at,
			last_error_code, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25)
	`,
		rec.ID, rec.VisitID, rec.OrganizationID, nullStr(rec.BranchID), rec.ClientID, rec.CaregiverID,
		rec.StateCode, rec.ServiceTypeCode, rec.MedicaidID, nullStr(rec.ProviderNPI),
		clockIn, clockOut, rec.TotalDurationMin, rec.BillableHours,
		flags, string(rec.Level), rec.RequiresReview, nullStr(rec.IntegrityHash),
		string(rec.Status), nullStr(rec.SubmissionID), rec.SubmissionAttempts, nullTime(rec.NextAttemptAt),
		nullStr(rec.LastErrorCode), rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetRecord(ctx context.Context, id string) (*EVVRecord, error) {
	return p.getRecordWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetRecordByVisit(ctx context.Context, visitID string) (*EVVRecord, error) {
	return p.getRecordWhere(ctx, "visit_id = $1", visitID)
}

func (p *PostgresStore) getRecordWhere(ctx context.Context, where string, arg interface{}) (*EVVRecord, error) {
	row := p.db.QueryRowContext(ctx, recordSelect+" WHERE "+where, arg)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) UpdateRecord(ctx context.Context, rec *EVVRecord) error {
	clockIn, clockOut, flags, err := marshalRecordParts(rec)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE evv_records SET
			clock_in = $2, clock_out = $3, total_duration_min = $4,
			billable_hours = $5, flags = $6, level = $7, requires_review = $8,
			integrity_hash = $9, status = $10, submission_id = $11,
			submission_attempts = $12, next_attempt_at = $13,
			last_error_code = $14, updated_at = $15
		WHERE id = $1
	`,
		rec.ID, clockIn, clockOut, rec.TotalDurationMin,
		rec.BillableHours, flags, string(rec.Level), rec.RequiresReview,
		nullStr(rec.IntegrityHash), string(rec.Status), nullStr(rec.SubmissionID),
		rec.SubmissionAttempts, nullTime(rec.NextAttemptAt),
		nullStr(rec.LastErrorCode), rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresStore) ListRecords(ctx context.Context, q RecordQuery) ([]*EVVRecord, error) {
	query := recordSelect + " WHERE 1=1"
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if q.OrganizationID != "" {
		query += " AND organization_id = " + arg(q.OrganizationID)
	}
	if q.StateCode != "" {
		query += " AND state_code = " + arg(q.StateCode)
	}
	if q.Status != "" {
		query += " AND status = " + arg(string(q.Status))
	}
	if q.CaregiverID != "" {
		query += " AND caregiver_id = " + arg(q.CaregiverID)
	}
	if !q.Start.IsZero() {
		query += " AND created_at >= " + arg(q.Start)
	}
	if !q.End.IsZero() {
		query += " AND created_at <= " + arg(q.End)
	}
	if q.Cursor != "" {
		query += " AND (created_at, id) < (SELECT created_at, id FROM evv_records WHERE id = " + arg(q.Cursor) + ")"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) ListDueForSubmission(ctx context.Context, now time.Time, limit int) ([]*EVVRecord, error) {
	rows, err := p.db.QueryContext(ctx, recordSelect+`
		WHERE status IN ('COMPLETE', 'RETRY_SCHEDULED')
		  AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) CreateTimeEntry(ctx context.Context, entry *TimeEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO time_entries (
			id, visit_id, record_id, caregiver_id, clock_in_at, clock_out_at,
			status, override_reason, override_approver_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID, entry.VisitID, entry.RecordID, entry.CaregiverID,
		entry.ClockInAt, nullTime(entry.ClockOutAt), string(entry.Status),
		nullStr(entry.OverrideReason), nullStr(entry.OverrideApproverID),
		entry.CreatedAt, entry.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTimeEntry(ctx context.Context, id string) (*TimeEntry, error) {
	return p.getEntryWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetTimeEntryByVisit(ctx context.Context, visitID string) (*TimeEntry, error) {
	return p.getEntryWhere(ctx, "visit_id = $1", visitID)
}

func (p *PostgresStore) getEntryWhere(ctx context.Context, where string, arg interface{}) (*TimeEntry, error) {
	entry := &TimeEntry{}
	var clockOut sql.NullTime
	var reason, approver sql.NullString
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, visit_id, record_id, caregiver_id, clock_in_at, clock_out_at,
		       status, override_reason, override_approver_id, created_at, updated_at
		FROM time_entries WHERE `+where, arg).Scan(
		&entry.ID, &entry.VisitID, &entry.RecordID, &entry.CaregiverID,
		&entry.ClockInAt, &clockOut, &status, &reason, &approver,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTimeEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Status = TimeEntryStatus(status)
	if clockOut.Valid {
		entry.ClockOutAt = &clockOut.Time
	}
	entry.OverrideReason = reason.String
	entry.OverrideApproverID = approver.String
	return entry, nil
}

func (p *PostgresStore) UpdateTimeEntry(ctx context.Context, entry *TimeEntry) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE time_entries SET
			clock_out_at = $2, status = $3, override_reason = $4,
			override_approver_id = $5, updated_at = $6
		WHERE id = $1
	`,
		entry.ID, nullTime(entry.ClockOutAt), string(entry.Status),
		nullStr(entry.OverrideReason), nullStr(entry.OverrideApproverID),
		entry.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTimeEntryNotFound
	}
	return nil
}

const recordSelect = `
	SELECT id, visit_id, organization_id, branch_id, client_id, caregiver_id,
	       state_code, service_type_code, medicaid_id, provider_npi,
	       clock_in, clock_out, total_duration_min, billable_hours,
	       flags, level, requires_review, integrity_hash,
	       status, submission_id, submission_attempts, next_attempt_at,
	       last_error_code, created_at, updated_at
	FROM evv_records`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*EVVRecord, error) {
	rec := &EVVRecord{}
	var branch, npi, hash, subID, errCode sql.NullString
	var clockIn, clockOut []byte
	var flags []byte
	var level, status string
	var nextAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.VisitID, &rec.OrganizationID, &branch, &rec.ClientID, &rec.CaregiverID,
		&rec.StateCode, &rec.ServiceTypeCode, &rec.MedicaidID, &npi,
		&clockIn, &clockOut, &rec.TotalDurationMin, &rec.BillableHours,
		&flags, &level, &rec.RequiresReview, &hash,
		&status, &subID, &rec.SubmissionAttempts, &nextAt,
		&errCode, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.BranchID = branch.String
	rec.ProviderNPI = npi.String
	rec.IntegrityHash = hash.String
	rec.SubmissionID = subID.String
	rec.LastErrorCode = errCode.String
	rec.Level = compliance.Level(level)
	rec.Status = RecordStatus(status)
	if nextAt.Valid {
		rec.NextAttemptAt = &nextAt.Time
	}
	if len(clockIn) > 0 {
		rec.ClockIn = &Leg{}
		if err := json.Unmarshal(clockIn, rec.ClockIn); err != nil {
			return nil, fmt.Errorf("decode clock_in: %w", err)
		}
	}
	if len(clockOut) > 0 {
		rec.ClockOut = &Leg{}
		if err := json.Unmarshal(clockOut, rec.ClockOut); err != nil {
			return nil, fmt.Errorf("decode clock_out: %w", err)
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &rec.Flags); err != nil {
			return nil, fmt.Errorf("decode flags: %w", err)
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*EVVRecord, error) {
	var out []*EVVRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalRecordParts(rec *EVVRecord) (clockIn, clockOut, flags []byte, err error) {
	if rec.ClockIn != nil {
		if clockIn, err = json.Marshal(rec.ClockIn); err != nil {
			return nil, nil, nil, err
		}
	}
	if rec.ClockOut != nil {
		if clockOut, err = json.Marshal(rec.ClockOut); err != nil {
			return nil, nil, nil, err
		}
	}
	if rec.Flags == nil {
		flags = []byte("[]")
	} else if flags, err = json.Marshal(rec.Flags); err != nil {
		return nil, nil, nil, err
	}
	return clockIn, clockOut, flags, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
