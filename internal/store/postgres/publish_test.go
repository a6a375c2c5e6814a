package postgres

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/store"
)

func TestPublishCreateRecordReturnsID(t *testing.T) {
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to build pgx mock: %v", err)
	}
	defer pool.Close()

	s, err := NewPublishRecords(pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	pool.ExpectQuery("INSERT INTO publish_records").
		WithArgs("douyin", "新品开箱", "/videos/v1.mp4").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(12)))

	id, err := s.CreateRecord(context.Background(), store.PublishRecord{
		Platform:  platform.Douyin,
		Title:     "新品开箱",
		VideoPath: "/videos/v1.mp4",
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if id != 12 {
		t.Fatalf("expected id 12, got %d", id)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPublishUpdateProgressTouchesOnlySetColumns(t *testing.T) {
	pool, _ := pgxmock.NewPool()
	defer pool.Close()
	s, _ := NewPublishRecords(pool)

	uploading := "上传中"
	pool.ExpectExec("INSERT INTO publish_record_accounts").WithArgs(
		int64(12), "alice", &uploading, (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
	).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpdateProgress(context.Background(), 12, "alice", store.PublishProgress{
		UploadStatus: &uploading,
	})
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPublishAccountStateMissingIsNotFound(t *testing.T) {
	pool, _ := pgxmock.NewPool()
	defer pool.Close()
	s, _ := NewPublishRecords(pool)

	pool.ExpectQuery("SELECT .+ FROM publish_record_accounts WHERE record_id").
		WithArgs(int64(12), "bob").WillReturnError(pgx.ErrNoRows)

	_, err := s.AccountState(context.Background(), 12, "bob")
	var notFound *errors.NotFoundError
	if !stderrors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPublishAccountStatesReturnsAllRows(t *testing.T) {
	pool, _ := pgxmock.NewPool()
	defer pool.Close()
	s, _ := NewPublishRecords(pool)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"record_id", "account_name", "upload_status", "push_status", "review_status", "error_message", "status", "updated_at",
	}).
		AddRow(int64(12), "alice", "上传完成", "发布完成", "审核中", "", store.PublishStatusSuccess, now).
		AddRow(int64(12), "bob", "上传失败", "", "", "file input not found", store.PublishStatusFailed, now)
	pool.ExpectQuery("SELECT .+ FROM publish_record_accounts WHERE record_id").
		WithArgs(int64(12)).WillReturnRows(rows)

	got, err := s.AccountStates(context.Background(), 12)
	if err != nil {
		t.Fatalf("account states: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].AccountName != "alice" || got[0].Status != store.PublishStatusSuccess {
		t.Fatalf("unexpected first row: %+v", got[0])
	}
	if got[1].ErrorMessage != "file input not found" || got[1].Status != store.PublishStatusFailed {
		t.Fatalf("unexpected second row: %+v", got[1])
	}
}
