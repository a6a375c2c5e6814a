package upload

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/errors"
)

// ScheduleOptions mirrors the upload API's timer controls. With the timer
// disabled every job publishes immediately.
type ScheduleOptions struct {
	EnableTimer  bool
	VideosPerDay int
	DailyTimes   []string // "15:04" wall-clock slots, defaults when empty
	StartDays    int      // extra full days before the first slot
}

var defaultDailyTimes = []string{"06:00", "11:00", "14:00", "16:00", "22:00"}

// PublishSlots expands the timer controls into one publish time per file.
// File i lands on day startDays+1+i/videosPerDay at dailyTimes[i%videosPerDay]
// in now's location. A disabled timer yields zero times.
func PublishSlots(opts ScheduleOptions, fileCount int, now time.Time) ([]time.Time, error) {
	slots := make([]time.Time, fileCount)
	if !opts.EnableTimer || fileCount == 0 {
		return slots, nil
	}

	perDay := opts.VideosPerDay
	if perDay <= 0 {
		perDay = 1
	}
	times := opts.DailyTimes
	if len(times) == 0 {
		times = defaultDailyTimes
	}
	if perDay > len(times) {
		return nil, &errors.ValidationError{
			Field:  "videosPerDay",
			Reason: fmt.Sprintf("needs %d daily times, only %d configured", perDay, len(times)),
		}
	}

	for i := range slots {
		at, err := time.Parse("15:04", times[i%perDay])
		if err != nil {
			return nil, &errors.ValidationError{
				Field:  "dailyTimes",
				Reason: fmt.Sprintf("bad wall-clock time %q", times[i%perDay]),
			}
		}
		day := now.AddDate(0, 0, opts.StartDays+1+i/perDay)
		slots[i] = time.Date(day.Year(), day.Month(), day.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	}
	return slots, nil
}

// UniqueVideoPath returns a collision-free destination under dir for an
// uploaded file, keeping its extension. The suffix is a timestamp plus a
// short uuid nonce so concurrent uploads of the same name never clash.
func UniqueVideoPath(dir, name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(filepath.Base(name), ext)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return filepath.Join(dir, fmt.Sprintf("%s_%d_%s%s", stem, time.Now().Unix(), nonce, ext))
}
