package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"postpilot/internal/platform"
	"postpilot/internal/store"
)

// Messages persists DM threads, messages and sync cursors in Postgres.
type Messages struct {
	pool pool
}

// NewMessages builds a message store backed by the provided pool.
func NewMessages(pool pool) (*Messages, error) {
	if pool == nil {
		return nil, stderrors.New("postgres message store requires pool")
	}
	return &Messages{pool: pool}, nil
}

// EnsureSchema creates the message tables if needed.
func (s *Messages) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS message_threads (
    platform TEXT NOT NULL,
    account_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    peer_id TEXT NOT NULL DEFAULT '',
    peer_name TEXT NOT NULL DEFAULT '',
    peer_avatar TEXT NOT NULL DEFAULT '',
    unread INTEGER NOT NULL DEFAULT 0,
    last_message_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (platform, account_id, thread_id)
);`,
		`CREATE TABLE IF NOT EXISTS messages (
    platform TEXT NOT NULL,
    account_id TEXT NOT NULL,
    message_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    sender_id TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    msg_type TEXT NOT NULL DEFAULT 'text',
    is_self BOOLEAN NOT NULL DEFAULT FALSE,
    is_read BOOLEAN NOT NULL DEFAULT FALSE,
    sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (platform, account_id, message_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, sent_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (platform, account_id) WHERE NOT is_read AND NOT is_self;`,
		`CREATE TABLE IF NOT EXISTS message_sync_cursors (
    platform TEXT NOT NULL,
    account_id TEXT NOT NULL,
    last_sync_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    last_message_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (platform, account_id)
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure messages schema: %w", err)
		}
	}
	return nil
}

// UpsertThreads writes the thread snapshots in one transaction.
func (s *Messages) UpsertThreads(ctx context.Context, threads []store.ThreadRecord) error {
	if len(threads) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin thread upsert: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	for _, t := range threads {
		_, err := tx.Exec(ctx, `
INSERT INTO message_threads (platform, account_id, thread_id, peer_id, peer_name, peer_avatar, unread, last_message_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (platform, account_id, thread_id) DO UPDATE SET
    peer_id = EXCLUDED.peer_id,
    peer_name = EXCLUDED.peer_name,
    peer_avatar = EXCLUDED.peer_avatar,
    unread = EXCLUDED.unread,
    last_message_at = EXCLUDED.last_message_at,
    updated_at = now();
`, string(t.Platform), t.AccountID, t.ID, t.PeerID, t.PeerName, t.PeerAvatar, t.Unread, t.LastMessageAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert thread %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit thread upsert: %w", err)
	}
	return nil
}

// InsertMessages stores the batch, skipping ids already present, and reports
// how many rows were new.
func (s *Messages) InsertMessages(ctx context.Context, msgs []store.MessageRecord) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin message insert: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, m := range msgs {
		tag, err := tx.Exec(ctx, `
INSERT INTO messages (platform, account_id, message_id, thread_id, sender_id, content, msg_type, is_self, is_read, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (platform, account_id, message_id) DO NOTHING;
`, string(m.Platform), m.AccountID, m.ID, m.ThreadID, m.SenderID, m.Content, m.Type, m.IsSelf, m.Read, m.SentAt.UTC())
		if err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit message insert: %w", err)
	}
	return inserted, nil
}

// Threads lists thread snapshots matching the filter, newest activity first.
func (s *Messages) Threads(ctx context.Context, f store.MessageFilter) ([]store.ThreadRecord, error) {
	query := `SELECT platform, account_id, thread_id, peer_id, peer_name, peer_avatar, unread, last_message_at, updated_at
FROM message_threads WHERE TRUE`
	clause, args := scopeFilter(f.Platform, f.AccountID, 1)
	query += clause + " ORDER BY last_message_at DESC" + limitOffset(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []store.ThreadRecord
	for rows.Next() {
		var (
			t            store.ThreadRecord
			platformName string
		)
		if err := rows.Scan(&platformName, &t.AccountID, &t.ID, &t.PeerID, &t.PeerName,
			&t.PeerAvatar, &t.Unread, &t.LastMessageAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Platform = platform.Platform(platformName)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return out, nil
}

const messageColumns = `platform, account_id, message_id, thread_id, sender_id, content, msg_type, is_self, is_read, sent_at`

// ThreadMessages lists one thread's messages oldest first.
func (s *Messages) ThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]store.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = $1 ORDER BY sent_at` + limitOffset(limit, offset)
	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread %s messages: %w", threadID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MarkRead flags the listed messages read, or the whole thread when no ids
// are given, then refreshes the thread's unread counter.
func (s *Messages) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin mark-read: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(messageIDs) > 0 {
		_, err = tx.Exec(ctx, `
UPDATE messages SET is_read = TRUE WHERE thread_id = $1 AND message_id = ANY($2);
`, threadID, messageIDs)
	} else {
		_, err = tx.Exec(ctx, `
UPDATE messages SET is_read = TRUE WHERE thread_id = $1;
`, threadID)
	}
	if err != nil {
		return fmt.Errorf("mark thread %s read: %w", threadID, err)
	}

	_, err = tx.Exec(ctx, `
UPDATE message_threads SET unread = (
    SELECT COUNT(*) FROM messages m
    WHERE m.thread_id = message_threads.thread_id
      AND m.platform = message_threads.platform
      AND m.account_id = message_threads.account_id
      AND NOT m.is_read AND NOT m.is_self
), updated_at = now()
WHERE thread_id = $1;
`, threadID)
	if err != nil {
		return fmt.Errorf("refresh thread %s unread: %w", threadID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark-read: %w", err)
	}
	return nil
}

// Search finds messages whose content contains the keyword, newest first.
func (s *Messages) Search(ctx context.Context, f store.MessageFilter) ([]store.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE TRUE`
	clause, args := scopeFilter(f.Platform, f.AccountID, 1)
	query += clause
	if f.Keyword != "" {
		query += fmt.Sprintf(" AND content ILIKE '%%' || $%d || '%%'", len(args)+1)
		args = append(args, f.Keyword)
	}
	query += " ORDER BY sent_at DESC" + limitOffset(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// Statistics aggregates thread/message/unread counts, total and per platform.
func (s *Messages) Statistics(ctx context.Context, f store.MessageFilter) (store.MessageStatistics, error) {
	stats := store.MessageStatistics{ByPlatform: map[string]store.PlatformMessageStats{}}

	threadQuery := `SELECT platform, COUNT(*) FROM message_threads WHERE TRUE`
	clause, args := scopeFilter(f.Platform, f.AccountID, 1)
	threadQuery += clause + " GROUP BY platform;"
	rows, err := s.pool.Query(ctx, threadQuery, args...)
	if err != nil {
		return store.MessageStatistics{}, fmt.Errorf("thread statistics: %w", err)
	}
	for rows.Next() {
		var (
			platformName string
			count        int64
		)
		if err := rows.Scan(&platformName, &count); err != nil {
			rows.Close()
			return store.MessageStatistics{}, fmt.Errorf("scan thread statistics: %w", err)
		}
		byPlatform := stats.ByPlatform[platformName]
		byPlatform.Threads = count
		stats.ByPlatform[platformName] = byPlatform
		stats.TotalThreads += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.MessageStatistics{}, fmt.Errorf("iterate thread statistics: %w", err)
	}

	messageQuery := `SELECT platform, COUNT(*), COUNT(*) FILTER (WHERE NOT is_read AND NOT is_self) FROM messages WHERE TRUE`
	clause, args = scopeFilter(f.Platform, f.AccountID, 1)
	messageQuery += clause + " GROUP BY platform;"
	rows, err = s.pool.Query(ctx, messageQuery, args...)
	if err != nil {
		return store.MessageStatistics{}, fmt.Errorf("message statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			platformName  string
			count, unread int64
		)
		if err := rows.Scan(&platformName, &count, &unread); err != nil {
			return store.MessageStatistics{}, fmt.Errorf("scan message statistics: %w", err)
		}
		byPlatform := stats.ByPlatform[platformName]
		byPlatform.Messages = count
		byPlatform.Unread = unread
		stats.ByPlatform[platformName] = byPlatform
		stats.TotalMessages += count
		stats.UnreadMessages += unread
	}
	if err := rows.Err(); err != nil {
		return store.MessageStatistics{}, fmt.Errorf("iterate message statistics: %w", err)
	}
	return stats, nil
}

// UnreadCount counts unread peer messages matching the filter.
func (s *Messages) UnreadCount(ctx context.Context, f store.MessageFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM messages WHERE NOT is_read AND NOT is_self`
	clause, args := scopeFilter(f.Platform, f.AccountID, 1)
	query += clause + ";"

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// Cursor returns the sync cursor for the account, zero-valued when the
// account has never synced.
func (s *Messages) Cursor(ctx context.Context, p platform.Platform, accountID string) (store.SyncCursor, error) {
	cur := store.SyncCursor{Platform: p, AccountID: accountID}
	row := s.pool.QueryRow(ctx, `
SELECT last_sync_at, last_message_id FROM message_sync_cursors WHERE platform = $1 AND account_id = $2;
`, string(p), accountID)
	err := row.Scan(&cur.LastSyncAt, &cur.LastMessageID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return store.SyncCursor{Platform: p, AccountID: accountID}, nil
	}
	if err != nil {
		return store.SyncCursor{}, fmt.Errorf("get cursor %s/%s: %w", p, accountID, err)
	}
	return cur, nil
}

// SaveCursor upserts the account's sync cursor.
func (s *Messages) SaveCursor(ctx context.Context, cur store.SyncCursor) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO message_sync_cursors (platform, account_id, last_sync_at, last_message_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (platform, account_id) DO UPDATE SET
    last_sync_at = EXCLUDED.last_sync_at,
    last_message_id = EXCLUDED.last_message_id;
`, string(cur.Platform), cur.AccountID, cur.LastSyncAt.UTC(), cur.LastMessageID)
	if err != nil {
		return fmt.Errorf("save cursor %s/%s: %w", cur.Platform, cur.AccountID, err)
	}
	return nil
}

func scopeFilter(p platform.Platform, accountID string, firstParam int) (string, []any) {
	clause := ""
	args := []any{}
	param := firstParam
	if p != "" {
		clause += fmt.Sprintf(" AND platform = $%d", param)
		args = append(args, string(p))
		param++
	}
	if accountID != "" {
		clause += fmt.Sprintf(" AND account_id = $%d", param)
		args = append(args, accountID)
	}
	return clause, args
}

func limitOffset(limit, offset int) string {
	clause := ""
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause + ";"
}

func collectMessages(rows pgx.Rows) ([]store.MessageRecord, error) {
	var out []store.MessageRecord
	for rows.Next() {
		var (
			m            store.MessageRecord
			platformName string
		)
		if err := rows.Scan(&platformName, &m.AccountID, &m.ID, &m.ThreadID, &m.SenderID,
			&m.Content, &m.Type, &m.IsSelf, &m.Read, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Platform = platform.Platform(platformName)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

var _ store.MessageStore = (*Messages)(nil)
