package login

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"postpilot/internal/logging"
)

// Janitor sweeps stale terminal login records on a cron schedule.
type Janitor struct {
	coord  *Coordinator
	cron   *cron.Cron
	logger logging.Logger
}

// NewJanitor wires a sweep of coord onto schedule (cron spec or descriptor
// like "@hourly", the default).
func NewJanitor(coord *Coordinator, schedule string, logger logging.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = "@hourly"
	}
	j := &Janitor{
		coord:  coord,
		cron:   cron.New(),
		logger: logging.OrNop(logger),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) sweep() {
	j.coord.Sweep()
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("login janitor started")
}

// Stop halts the schedule and waits for a sweep in progress.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
