package upload

import (
	"context"
	"fmt"

	"postpilot/internal/async"
	"postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/store"
)

// BatchAccount names one destination session for a batch.
type BatchAccount struct {
	Name       string
	CookieFile string
}

// BatchRequest is one publish request expanded over files × accounts. Every
// file gets its own publish record shared by all its account rows.
type BatchRequest struct {
	Platform platform.Platform
	Files    []string
	Accounts []BatchAccount
	Title    string
	Tags     []string
	Category string
	Schedule ScheduleOptions
}

// UploadBatch runs the files × accounts product serially with a small gap
// between jobs so the target sites never see a burst. Failed jobs are
// reported in the results and never abort the batch; the error return covers
// request validation and batch-level cancellation only.
func (p *Pipeline) UploadBatch(ctx context.Context, req BatchRequest) ([]Result, error) {
	if !req.Platform.IsValid() {
		return nil, &errors.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", req.Platform)}
	}
	if len(req.Files) == 0 {
		return nil, &errors.ValidationError{Field: "fileList", Reason: "must not be empty"}
	}
	if len(req.Accounts) == 0 {
		return nil, &errors.ValidationError{Field: "accountList", Reason: "must not be empty"}
	}

	slots, err := PublishSlots(req.Schedule, len(req.Files), p.clock.Now())
	if err != nil {
		return nil, err
	}
	tags := req.Tags
	if req.Category != "" {
		tags = append([]string{req.Category}, req.Tags...)
	}

	p.logger.Info("batch upload on %s: %d files × %d accounts", req.Platform, len(req.Files), len(req.Accounts))

	results := make([]Result, 0, len(req.Files)*len(req.Accounts))
	first := true
	for i, file := range req.Files {
		recordID, err := p.records.CreateRecord(ctx, store.PublishRecord{
			Platform:  req.Platform,
			Title:     req.Title,
			VideoPath: file,
			CreatedAt: p.clock.Now(),
		})
		if err != nil {
			p.logger.Error("create publish record for %s: %v", file, err)
			for _, acct := range req.Accounts {
				results = append(results, Result{
					Platform:    req.Platform,
					AccountName: acct.Name,
					VideoPath:   file,
					Error:       fmt.Sprintf("create publish record: %v", err),
				})
			}
			continue
		}

		for _, acct := range req.Accounts {
			if !first {
				if !async.Sleep(ctx, p.cfg.BatchGap) {
					return results, ctx.Err()
				}
			}
			first = false

			results = append(results, p.UploadVideo(ctx, Job{
				Platform:    req.Platform,
				RecordID:    recordID,
				AccountName: acct.Name,
				CookieFile:  acct.CookieFile,
				VideoPath:   file,
				Title:       req.Title,
				Tags:        tags,
				PublishAt:   slots[i],
			}))
		}
	}
	return results, nil
}
