package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postpilot/internal/errors"
	"postpilot/internal/platform"
)

// NewMemoryAccounts returns an AccountStore backed by in-memory maps.
func NewMemoryAccounts() AccountStore {
	return &memoryAccounts{
		accounts: map[int64]AccountRecord{},
		nameIdx:  map[string]int64{},
		groups:   map[int64]GroupRecord{},
	}
}

type memoryAccounts struct {
	mu          sync.RWMutex
	accounts    map[int64]AccountRecord
	nameIdx     map[string]int64
	groups      map[int64]GroupRecord
	nextID      int64
	nextGroupID int64
}

func accountIdx(p platform.Platform, name string) string {
	return string(p) + "|" + name
}

func (s *memoryAccounts) Upsert(_ context.Context, rec AccountRecord) (AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	idx := accountIdx(rec.Platform, rec.Name)
	if id, ok := s.nameIdx[idx]; ok {
		existing := s.accounts[id]
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = now
		s.accounts[id] = rec
		return rec, nil
	}

	s.nextID++
	rec.ID = s.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.accounts[rec.ID] = rec
	s.nameIdx[idx] = rec.ID
	return rec, nil
}

func (s *memoryAccounts) Get(_ context.Context, id int64) (AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.accounts[id]; ok {
		return rec, nil
	}
	return AccountRecord{}, &errors.NotFoundError{Resource: "account", Key: fmt.Sprint(id)}
}

func (s *memoryAccounts) GetByName(_ context.Context, p platform.Platform, name string) (AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.nameIdx[accountIdx(p, name)]; ok {
		return s.accounts[id], nil
	}
	return AccountRecord{}, &errors.NotFoundError{Resource: "account", Key: string(p) + "/" + name}
}

func (s *memoryAccounts) List(_ context.Context, f AccountFilter) ([]AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AccountRecord, 0, len(s.accounts))
	for _, rec := range s.accounts {
		if f.Platform != "" && rec.Platform != f.Platform {
			continue
		}
		if f.Status != nil && rec.Status != *f.Status {
			continue
		}
		if f.GroupID != 0 && rec.GroupID != f.GroupID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryAccounts) SetStatus(_ context.Context, id int64, status AccountStatus, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return &errors.NotFoundError{Resource: "account", Key: fmt.Sprint(id)}
	}
	rec.Status = status
	rec.LastCheckedAt = checkedAt
	rec.UpdatedAt = time.Now()
	s.accounts[id] = rec
	return nil
}

func (s *memoryAccounts) SetCookieFile(_ context.Context, id int64, cookieFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return &errors.NotFoundError{Resource: "account", Key: fmt.Sprint(id)}
	}
	rec.CookieFile = cookieFile
	rec.UpdatedAt = time.Now()
	s.accounts[id] = rec
	return nil
}

func (s *memoryAccounts) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.accounts[id]; ok {
		delete(s.nameIdx, accountIdx(rec.Platform, rec.Name))
	}
	delete(s.accounts, id)
	return nil
}

func (s *memoryAccounts) Groups(_ context.Context) ([]GroupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GroupRecord, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryAccounts) SaveGroup(_ context.Context, g GroupRecord) (GroupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		s.nextGroupID++
		g.ID = s.nextGroupID
	}
	s.groups[g.ID] = g
	return g, nil
}

// NewMemoryPublishRecords returns a PublishRecordStore backed by in-memory
// maps.
func NewMemoryPublishRecords() PublishRecordStore {
	return &memoryPublishRecords{
		records: map[int64]PublishRecord{},
		states:  map[int64]map[string]PublishAccountState{},
	}
}

type memoryPublishRecords struct {
	mu      sync.RWMutex
	records map[int64]PublishRecord
	states  map[int64]map[string]PublishAccountState
	nextID  int64
}

func (s *memoryPublishRecords) CreateRecord(_ context.Context, rec PublishRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records[rec.ID] = rec
	s.states[rec.ID] = map[string]PublishAccountState{}
	return rec.ID, nil
}

func (s *memoryPublishRecords) UpdateProgress(_ context.Context, recordID int64, accountName string, p PublishProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.states[recordID]
	if !ok {
		rows = map[string]PublishAccountState{}
		s.states[recordID] = rows
	}
	state, ok := rows[accountName]
	if !ok {
		state = PublishAccountState{
			RecordID:    recordID,
			AccountName: accountName,
			Status:      PublishStatusPending,
		}
	}
	if p.UploadStatus != nil {
		state.UploadStatus = *p.UploadStatus
	}
	if p.PushStatus != nil {
		state.PushStatus = *p.PushStatus
	}
	if p.ReviewStatus != nil {
		state.ReviewStatus = *p.ReviewStatus
	}
	if p.ErrorMessage != nil {
		state.ErrorMessage = *p.ErrorMessage
	}
	if p.Status != nil {
		state.Status = *p.Status
	}
	state.UpdatedAt = time.Now()
	rows[accountName] = state
	return nil
}

func (s *memoryPublishRecords) AccountState(_ context.Context, recordID int64, accountName string) (PublishAccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rows, ok := s.states[recordID]; ok {
		if state, ok := rows[accountName]; ok {
			return state, nil
		}
	}
	return PublishAccountState{}, &errors.NotFoundError{
		Resource: "publish record account",
		Key:      fmt.Sprintf("%d/%s", recordID, accountName),
	}
}

func (s *memoryPublishRecords) AccountStates(_ context.Context, recordID int64) ([]PublishAccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.states[recordID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "publish record", Key: fmt.Sprint(recordID)}
	}
	out := make([]PublishAccountState, 0, len(rows))
	for _, state := range rows {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out, nil
}

// NewMemoryMessages returns a MessageStore backed by in-memory maps.
func NewMemoryMessages() MessageStore {
	return &memoryMessages{
		threads:  map[string]ThreadRecord{},
		messages: map[string]MessageRecord{},
		cursors:  map[string]SyncCursor{},
	}
}

type memoryMessages struct {
	mu       sync.RWMutex
	threads  map[string]ThreadRecord
	messages map[string]MessageRecord
	cursors  map[string]SyncCursor
}

func threadIdx(p platform.Platform, accountID, threadID string) string {
	return string(p) + "|" + accountID + "|" + threadID
}

func messageIdx(p platform.Platform, accountID, messageID string) string {
	return string(p) + "|" + accountID + "|" + messageID
}

func (s *memoryMessages) UpsertThreads(_ context.Context, threads []ThreadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, t := range threads {
		t.UpdatedAt = now
		s.threads[threadIdx(t.Platform, t.AccountID, t.ID)] = t
	}
	return nil
}

func (s *memoryMessages) InsertMessages(_ context.Context, msgs []MessageRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, m := range msgs {
		idx := messageIdx(m.Platform, m.AccountID, m.ID)
		if _, ok := s.messages[idx]; ok {
			continue
		}
		s.messages[idx] = m
		inserted++
	}
	return inserted, nil
}

func (s *memoryMessages) Threads(_ context.Context, f MessageFilter) ([]ThreadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ThreadRecord, 0, len(s.threads))
	for _, t := range s.threads {
		if f.Platform != "" && t.Platform != f.Platform {
			continue
		}
		if f.AccountID != "" && t.AccountID != f.AccountID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return paginateThreads(out, f.Limit, f.Offset), nil
}

func (s *memoryMessages) ThreadMessages(_ context.Context, threadID string, limit, offset int) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageRecord, 0, 16)
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return paginateMessages(out, limit, offset), nil
}

// MarkRead flags the listed messages read, or the whole thread when no ids
// are given, and refreshes the thread's unread counter.
func (s *memoryMessages) MarkRead(_ context.Context, threadID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := map[string]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	for idx, m := range s.messages {
		if m.ThreadID != threadID {
			continue
		}
		if len(wanted) > 0 && !wanted[m.ID] {
			continue
		}
		m.Read = true
		s.messages[idx] = m
	}

	for idx, t := range s.threads {
		if t.ID != threadID {
			continue
		}
		t.Unread = s.unreadInThreadLocked(threadID, t.Platform, t.AccountID)
		t.UpdatedAt = time.Now()
		s.threads[idx] = t
	}
	return nil
}

func (s *memoryMessages) unreadInThreadLocked(threadID string, p platform.Platform, accountID string) int {
	count := 0
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.Platform == p && m.AccountID == accountID && !m.Read && !m.IsSelf {
			count++
		}
	}
	return count
}

func (s *memoryMessages) Search(_ context.Context, f MessageFilter) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyword := strings.ToLower(f.Keyword)
	out := make([]MessageRecord, 0, 16)
	for _, m := range s.messages {
		if f.Platform != "" && m.Platform != f.Platform {
			continue
		}
		if f.AccountID != "" && m.AccountID != f.AccountID {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(m.Content), keyword) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return paginateMessages(out, f.Limit, f.Offset), nil
}

func (s *memoryMessages) Statistics(_ context.Context, f MessageFilter) (MessageStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := MessageStatistics{ByPlatform: map[string]PlatformMessageStats{}}
	for _, t := range s.threads {
		if f.Platform != "" && t.Platform != f.Platform {
			continue
		}
		if f.AccountID != "" && t.AccountID != f.AccountID {
			continue
		}
		stats.TotalThreads++
		byPlatform := stats.ByPlatform[string(t.Platform)]
		byPlatform.Threads++
		stats.ByPlatform[string(t.Platform)] = byPlatform
	}
	for _, m := range s.messages {
		if f.Platform != "" && m.Platform != f.Platform {
			continue
		}
		if f.AccountID != "" && m.AccountID != f.AccountID {
			continue
		}
		stats.TotalMessages++
		byPlatform := stats.ByPlatform[string(m.Platform)]
		byPlatform.Messages++
		if !m.Read && !m.IsSelf {
			stats.UnreadMessages++
			byPlatform.Unread++
		}
		stats.ByPlatform[string(m.Platform)] = byPlatform
	}
	return stats, nil
}

func (s *memoryMessages) UnreadCount(_ context.Context, f MessageFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, m := range s.messages {
		if f.Platform != "" && m.Platform != f.Platform {
			continue
		}
		if f.AccountID != "" && m.AccountID != f.AccountID {
			continue
		}
		if !m.Read && !m.IsSelf {
			count++
		}
	}
	return count, nil
}

func (s *memoryMessages) Cursor(_ context.Context, p platform.Platform, accountID string) (SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cur, ok := s.cursors[platform.AccountKey(p, accountID)]; ok {
		return cur, nil
	}
	return SyncCursor{Platform: p, AccountID: accountID}, nil
}

func (s *memoryMessages) SaveCursor(_ context.Context, cur SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[platform.AccountKey(cur.Platform, cur.AccountID)] = cur
	return nil
}

func paginateThreads(rows []ThreadRecord, limit, offset int) []ThreadRecord {
	if offset >= len(rows) {
		return []ThreadRecord{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func paginateMessages(rows []MessageRecord, limit, offset int) []MessageRecord {
	if offset >= len(rows) {
		return []MessageRecord{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
