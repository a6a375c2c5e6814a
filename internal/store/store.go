// Package store defines the persistence contracts for accounts, publish
// records and direct messages, plus in-memory implementations used by
// default and in tests. The postgres subpackage provides the pgx-backed
// implementations.
package store

import (
	"context"
	"time"

	"postpilot/internal/platform"
)

// AccountStatus mirrors the legacy integer status column: 0 means the
// session cookie failed validation, 1 means it passed.
type AccountStatus int

const (
	AccountStatusInvalid AccountStatus = 0
	AccountStatusValid   AccountStatus = 1
)

// AccountRecord is one platform session: the cookie bundle plus the identity
// it belongs to.
type AccountRecord struct {
	ID            int64
	Platform      platform.Platform
	Name          string
	CookieFile    string
	Status        AccountStatus
	LastCheckedAt time.Time
	GroupID       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GroupRecord is an operator-defined account grouping.
type GroupRecord struct {
	ID   int64
	Name string
}

// AccountFilter narrows List results. Zero values match everything.
type AccountFilter struct {
	Platform platform.Platform
	Status   *AccountStatus
	GroupID  int64
}

// AccountStore persists account sessions. Upsert keys on (platform, name).
type AccountStore interface {
	Upsert(ctx context.Context, rec AccountRecord) (AccountRecord, error)
	Get(ctx context.Context, id int64) (AccountRecord, error)
	GetByName(ctx context.Context, p platform.Platform, name string) (AccountRecord, error)
	List(ctx context.Context, f AccountFilter) ([]AccountRecord, error)
	SetStatus(ctx context.Context, id int64, status AccountStatus, checkedAt time.Time) error
	SetCookieFile(ctx context.Context, id int64, cookieFile string) error
	Delete(ctx context.Context, id int64) error
	Groups(ctx context.Context) ([]GroupRecord, error)
	SaveGroup(ctx context.Context, g GroupRecord) (GroupRecord, error)
}

// Publish record status column values. The stage columns hold the Chinese
// progress strings written by the upload pipeline.
const (
	PublishStatusPending = "pending"
	PublishStatusSuccess = "success"
	PublishStatusFailed  = "failed"
)

// PublishRecord is one upload request: a video headed to one or more
// accounts on a platform.
type PublishRecord struct {
	ID        int64
	Platform  platform.Platform
	Title     string
	VideoPath string
	CreatedAt time.Time
}

// PublishAccountState is the per-account progress row under a publish
// record. An operator reconstructs any upload from these columns alone.
type PublishAccountState struct {
	RecordID     int64
	AccountName  string
	UploadStatus string
	PushStatus   string
	ReviewStatus string
	ErrorMessage string
	Status       string
	UpdatedAt    time.Time
}

// PublishProgress is a partial update of one account row. Nil fields keep
// their stored value.
type PublishProgress struct {
	UploadStatus *string
	PushStatus   *string
	ReviewStatus *string
	ErrorMessage *string
	Status       *string
}

// PublishRecordStore persists upload progress checkpoints. UpdateProgress
// creates the account row on first write.
type PublishRecordStore interface {
	CreateRecord(ctx context.Context, rec PublishRecord) (int64, error)
	UpdateProgress(ctx context.Context, recordID int64, accountName string, p PublishProgress) error
	AccountState(ctx context.Context, recordID int64, accountName string) (PublishAccountState, error)
	AccountStates(ctx context.Context, recordID int64) ([]PublishAccountState, error)
}

// ThreadRecord is one DM conversation between an owned account and a peer.
// Threads are keyed by (platform, account, thread id).
type ThreadRecord struct {
	ID            string
	Platform      platform.Platform
	AccountID     string
	PeerID        string
	PeerName      string
	PeerAvatar    string
	Unread        int
	LastMessageAt time.Time
	UpdatedAt     time.Time
}

// MessageRecord is one direct message inside a thread.
type MessageRecord struct {
	ID        string
	ThreadID  string
	Platform  platform.Platform
	AccountID string
	SenderID  string
	Content   string
	Type      string
	IsSelf    bool
	Read      bool
	SentAt    time.Time
}

// SyncCursor remembers where the last sync for an account stopped.
type SyncCursor struct {
	Platform      platform.Platform
	AccountID     string
	LastSyncAt    time.Time
	LastMessageID string
}

// MessageFilter narrows thread/message queries. Zero values match
// everything; Keyword applies to Search only.
type MessageFilter struct {
	Platform  platform.Platform
	AccountID string
	Keyword   string
	Limit     int
	Offset    int
}

// PlatformMessageStats aggregates one platform's share of the statistics.
type PlatformMessageStats struct {
	Threads  int64
	Messages int64
	Unread   int64
}

// MessageStatistics is the analytics rollup behind GET /statistics.
type MessageStatistics struct {
	TotalThreads   int64
	TotalMessages  int64
	UnreadMessages int64
	ByPlatform     map[string]PlatformMessageStats
}

// MessageStore persists threads, messages and per-account sync cursors.
// InsertMessages deduplicates on message id and reports how many rows were
// actually new.
type MessageStore interface {
	UpsertThreads(ctx context.Context, threads []ThreadRecord) error
	InsertMessages(ctx context.Context, msgs []MessageRecord) (int, error)
	Threads(ctx context.Context, f MessageFilter) ([]ThreadRecord, error)
	ThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]MessageRecord, error)
	MarkRead(ctx context.Context, threadID string, messageIDs []string) error
	Search(ctx context.Context, f MessageFilter) ([]MessageRecord, error)
	Statistics(ctx context.Context, f MessageFilter) (MessageStatistics, error)
	UnreadCount(ctx context.Context, f MessageFilter) (int64, error)
	Cursor(ctx context.Context, p platform.Platform, accountID string) (SyncCursor, error)
	SaveCursor(ctx context.Context, cur SyncCursor) error
}
