package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"postpilot/internal/errors"
	"postpilot/internal/store"
)

// PublishRecords persists upload progress checkpoints in Postgres.
type PublishRecords struct {
	pool pool
}

// NewPublishRecords builds a publish-record store backed by the provided
// pool.
func NewPublishRecords(pool pool) (*PublishRecords, error) {
	if pool == nil {
		return nil, stderrors.New("postgres publish store requires pool")
	}
	return &PublishRecords{pool: pool}, nil
}

// EnsureSchema creates the publish-record tables if needed.
func (s *PublishRecords) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS publish_records (
    id BIGSERIAL PRIMARY KEY,
    platform TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    video_path TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS publish_record_accounts (
    record_id BIGINT NOT NULL,
    account_name TEXT NOT NULL,
    upload_status TEXT NOT NULL DEFAULT '',
    push_status TEXT NOT NULL DEFAULT '',
    review_status TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (record_id, account_name)
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure publish schema: %w", err)
		}
	}
	return nil
}

// CreateRecord inserts the publish request row and returns its id.
func (s *PublishRecords) CreateRecord(ctx context.Context, rec store.PublishRecord) (int64, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO publish_records (platform, title, video_path) VALUES ($1, $2, $3) RETURNING id;
`, string(rec.Platform), rec.Title, rec.VideoPath)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("create publish record: %w", err)
	}
	return id, nil
}

// UpdateProgress upserts the per-account row, touching only the columns the
// caller set.
func (s *PublishRecords) UpdateProgress(ctx context.Context, recordID int64, accountName string, p store.PublishProgress) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO publish_record_accounts (record_id, account_name, upload_status, push_status, review_status, error_message, status, updated_at)
VALUES ($1, $2, COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''), COALESCE($6, ''), COALESCE($7, 'pending'), now())
ON CONFLICT (record_id, account_name) DO UPDATE SET
    upload_status = COALESCE($3, publish_record_accounts.upload_status),
    push_status = COALESCE($4, publish_record_accounts.push_status),
    review_status = COALESCE($5, publish_record_accounts.review_status),
    error_message = COALESCE($6, publish_record_accounts.error_message),
    status = COALESCE($7, publish_record_accounts.status),
    updated_at = now();
`, recordID, accountName, p.UploadStatus, p.PushStatus, p.ReviewStatus, p.ErrorMessage, p.Status)
	if err != nil {
		return fmt.Errorf("update publish progress %d/%s: %w", recordID, accountName, err)
	}
	return nil
}

const publishStateColumns = `record_id, account_name, upload_status, push_status, review_status, error_message, status, updated_at`

// AccountState returns one account's progress row under a record.
func (s *PublishRecords) AccountState(ctx context.Context, recordID int64, accountName string) (store.PublishAccountState, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+publishStateColumns+` FROM publish_record_accounts WHERE record_id = $1 AND account_name = $2;
`, recordID, accountName)
	var state store.PublishAccountState
	err := row.Scan(&state.RecordID, &state.AccountName, &state.UploadStatus, &state.PushStatus,
		&state.ReviewStatus, &state.ErrorMessage, &state.Status, &state.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return store.PublishAccountState{}, &errors.NotFoundError{
			Resource: "publish record account",
			Key:      fmt.Sprintf("%d/%s", recordID, accountName),
		}
	}
	if err != nil {
		return store.PublishAccountState{}, fmt.Errorf("get publish state %d/%s: %w", recordID, accountName, err)
	}
	return state, nil
}

// AccountStates returns every account's progress row under a record.
func (s *PublishRecords) AccountStates(ctx context.Context, recordID int64) ([]store.PublishAccountState, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+publishStateColumns+` FROM publish_record_accounts WHERE record_id = $1 ORDER BY account_name;
`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list publish states %d: %w", recordID, err)
	}
	defer rows.Close()

	var out []store.PublishAccountState
	for rows.Next() {
		var state store.PublishAccountState
		if err := rows.Scan(&state.RecordID, &state.AccountName, &state.UploadStatus, &state.PushStatus,
			&state.ReviewStatus, &state.ErrorMessage, &state.Status, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan publish state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publish states: %w", err)
	}
	return out, nil
}

var _ store.PublishRecordStore = (*PublishRecords)(nil)
