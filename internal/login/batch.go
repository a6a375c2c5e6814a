package login

import (
	"context"
	"time"

	"postpilot/internal/async"
	"postpilot/internal/platform"
)

// BatchRequest names one account to log in.
type BatchRequest struct {
	Platform platform.Platform
	UserID   string
}

// BatchItem pairs a request with its start outcome. A failed start carries
// the error text; a started one carries the QR code to surface.
type BatchItem struct {
	UserID    string
	Platform  platform.Platform
	QRCodeURL string
	Started   bool
	Error     string
}

// BatchStatus partitions a batch by final login state.
type BatchStatus struct {
	Completed []string
	Pending   []string
	Failed    []string
}

// BatchLogin starts the requested logins serially with a gap between starts
// so the platforms are not hammered with simultaneous QR requests. A failed
// start does not abort the rest.
func (c *Coordinator) BatchLogin(ctx context.Context, reqs []BatchRequest) []BatchItem {
	items := make([]BatchItem, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 && !async.Sleep(ctx, c.cfg.BatchGap) {
			break
		}
		item := BatchItem{UserID: req.UserID, Platform: req.Platform}
		rec, err := c.StartLogin(ctx, req.Platform, req.UserID)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Started = true
			item.QRCodeURL = rec.QRCodeURL
		}
		items = append(items, item)
	}
	return items
}

// WaitForBatchComplete polls the given users until every login is terminal
// or the timeout passes, then partitions them. Cancelled logins count as
// failed; unknown users too.
func (c *Coordinator) WaitForBatchComplete(ctx context.Context, userIDs []string, timeout time.Duration) BatchStatus {
	if timeout <= 0 {
		timeout = c.cfg.BatchWait
	}
	deadline := c.clock.Now().Add(timeout)

	for {
		status := c.partition(userIDs)
		if len(status.Pending) == 0 {
			return status
		}
		if !c.clock.Now().Before(deadline) {
			return status
		}
		select {
		case <-ctx.Done():
			return status
		case <-c.clock.After(c.cfg.BatchPoll):
		}
	}
}

func (c *Coordinator) partition(userIDs []string) BatchStatus {
	var status BatchStatus
	for _, userID := range userIDs {
		rec, ok := c.Status(userID)
		switch {
		case !ok:
			status.Failed = append(status.Failed, userID)
		case rec.Status == StatusCompleted:
			status.Completed = append(status.Completed, userID)
		case rec.Status == StatusPending:
			status.Pending = append(status.Pending, userID)
		default:
			status.Failed = append(status.Failed, userID)
		}
	}
	return status
}
