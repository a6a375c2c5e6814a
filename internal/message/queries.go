package message

import (
	"context"
	"sort"

	"postpilot/internal/errors"
	"postpilot/internal/monitor"
	"postpilot/internal/store"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// Threads lists conversations newest-first.
func (s *Service) Threads(ctx context.Context, f store.MessageFilter) ([]store.ThreadRecord, error) {
	f.Limit = clampLimit(f.Limit)
	return s.messages.Threads(ctx, f)
}

// ThreadMessages pages through one conversation.
func (s *Service) ThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]store.MessageRecord, error) {
	if threadID == "" {
		return nil, &errors.ValidationError{Field: "threadId", Reason: "must not be empty"}
	}
	return s.messages.ThreadMessages(ctx, threadID, clampLimit(limit), offset)
}

// MarkRead clears unread state for the thread, or for specific messages when
// ids are given.
func (s *Service) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	if threadID == "" {
		return &errors.ValidationError{Field: "threadId", Reason: "must not be empty"}
	}
	return s.messages.MarkRead(ctx, threadID, messageIDs)
}

// Search finds messages matching the filter keyword.
func (s *Service) Search(ctx context.Context, f store.MessageFilter) ([]store.MessageRecord, error) {
	if f.Keyword == "" {
		return nil, &errors.ValidationError{Field: "keyword", Reason: "must not be empty"}
	}
	f.Limit = clampLimit(f.Limit)
	return s.messages.Search(ctx, f)
}

// Statistics aggregates thread/message/unread totals.
func (s *Service) Statistics(ctx context.Context, f store.MessageFilter) (store.MessageStatistics, error) {
	return s.messages.Statistics(ctx, f)
}

// UnreadCount totals unread messages under the filter.
func (s *Service) UnreadCount(ctx context.Context, f store.MessageFilter) (int64, error) {
	return s.messages.UnreadCount(ctx, f)
}

// MonitorableAccounts lists the accounts batch monitoring may auto-discover:
// valid sessions on platforms that have a message plugin.
func (s *Service) MonitorableAccounts(ctx context.Context) ([]monitor.AccountRef, error) {
	if s.accounts == nil {
		return nil, nil
	}
	valid := store.AccountStatusValid
	records, err := s.accounts.List(ctx, store.AccountFilter{Status: &valid})
	if err != nil {
		return nil, err
	}

	refs := make([]monitor.AccountRef, 0, len(records))
	for _, rec := range records {
		if _, err := s.plugins.Message(rec.Platform); err != nil {
			continue // platform cannot be monitored
		}
		refs = append(refs, monitor.AccountRef{
			Platform:   rec.Platform,
			AccountID:  rec.Name,
			CookieFile: rec.CookieFile,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key() < refs[j].Key() })
	return refs, nil
}
