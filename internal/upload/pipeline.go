// Package upload runs video publishes end to end: validate the stored
// session, drive the platform's publish page in a short-lived tab, await the
// post-submit redirect, and checkpoint every stage to the publish-record
// store so an operator can reconstruct any job after the fact.
package upload

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"postpilot/internal/browser"
	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/metrics"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/store"
)

// Stage strings persisted to the publish-record columns. Operators read them
// verbatim, so they stay in the product's original Chinese.
const (
	UploadValidating   = "验证账号中"
	UploadValidateFail = "账号验证失败"
	UploadInProgress   = "上传中"
	UploadDone         = "上传成功"

	PushInProgress = "推送中"
	PushDone       = "推送成功"
	PushTimeout    = "推送超时"
	PushException  = "推送异常"
	PushFailed     = "推送失败"

	ReviewPublished = "发布成功"
	ReviewFailed    = "发布失败"
	ReviewUnknown   = "状态未知"
)

// Job is one video headed to one account. AccountName may be left empty and
// is then derived from the cookie file name.
type Job struct {
	Platform    platform.Platform
	RecordID    int64
	AccountName string
	CookieFile  string
	VideoPath   string
	Title       string
	Tags        []string
	PublishAt   time.Time // zero publishes immediately
	Location    string
	Thumbnail   string
}

// Result mirrors the terminal state persisted for one job. A failed job is a
// normal outcome, not an error.
type Result struct {
	RecordID    int64
	Platform    platform.Platform
	AccountName string
	VideoPath   string
	Success     bool
	VideoID     string
	Account     *plugin.AccountInfo // best-effort post-publish profile
	Error       string
	Duration    time.Duration
}

// Config tunes the pipeline's waits.
type Config struct {
	PublishTimeout time.Duration // post-submit URL-change budget
	BatchGap       time.Duration // pause between batch jobs
}

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 300 * time.Second
	}
	if c.BatchGap <= 0 {
		c.BatchGap = time.Second
	}
	return c
}

// Plugins resolves upload and validation plugins; *plugin.Registry satisfies
// it.
type Plugins interface {
	Upload(p platform.Platform) (plugin.UploadPlugin, error)
	Validate(p platform.Platform) (plugin.ValidatePlugin, error)
}

// Pipeline drives publish jobs. It holds no per-job state; jobs from
// different callers may run concurrently.
type Pipeline struct {
	broker  browser.Broker
	plugins Plugins
	records store.PublishRecordStore
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

// New builds a pipeline. A nil clock uses the real one.
func New(broker browser.Broker, plugins Plugins, records store.PublishRecordStore, cfg Config, logger logging.Logger, m *metrics.Metrics, clock clockwork.Clock) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		broker:  broker,
		plugins: plugins,
		records: records,
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger),
		metrics: m,
		clock:   clock,
	}
}

// UploadVideo runs one job to its terminal state: exactly one success or
// failed row is written, and any tab the job acquired is closed before it
// returns, panics included.
func (p *Pipeline) UploadVideo(ctx context.Context, job Job) (res Result) {
	if job.AccountName == "" {
		job.AccountName = AccountNameFromCookie(job.CookieFile)
	}
	start := p.clock.Now()
	st := &jobState{pipeline: p, job: job}

	defer func() {
		if r := recover(); r != nil {
			st.fail("", PushException, ReviewFailed, fmt.Errorf("upload job panicked: %v", r))
			p.logger.Error("upload record %d account %s on %s panicked: %v", job.RecordID, job.AccountName, job.Platform, r)
		}
		st.closeTab()

		res = Result{
			RecordID:    job.RecordID,
			Platform:    job.Platform,
			AccountName: job.AccountName,
			VideoPath:   job.VideoPath,
			Success:     st.status == store.PublishStatusSuccess,
			VideoID:     st.videoID,
			Account:     st.account,
			Error:       st.errMsg,
			Duration:    p.clock.Since(start),
		}
		p.metrics.IncUpload(string(job.Platform), st.status)
		if res.Success {
			p.logger.Info("upload record %d account %s on %s published in %s", job.RecordID, job.AccountName, job.Platform, res.Duration)
		} else {
			p.logger.Warn("upload record %d account %s on %s failed: %s", job.RecordID, job.AccountName, job.Platform, res.Error)
		}
	}()

	p.run(ctx, st)
	return
}

// run walks the job through validating, uploading and awaiting_publish.
func (p *Pipeline) run(ctx context.Context, st *jobState) {
	job := st.job

	st.checkpoint(ctx, store.PublishProgress{UploadStatus: strptr(UploadValidating)})
	if err := p.validateSession(ctx, job); err != nil {
		st.fail(UploadValidateFail, PushFailed, ReviewFailed, err)
		return
	}

	st.checkpoint(ctx, store.PublishProgress{UploadStatus: strptr(UploadInProgress)})
	plug, err := p.plugins.Upload(job.Platform)
	if err != nil {
		st.fail("", PushFailed, ReviewFailed, err)
		return
	}

	tabID, err := p.broker.CreateTab(ctx, browser.CreateOptions{Owner: browser.OwnerUpload})
	if err != nil {
		st.fail("", PushFailed, ReviewFailed, fmt.Errorf("create upload tab: %w", err))
		return
	}
	st.tabID = tabID

	if err := p.broker.ImportCookies(ctx, tabID, job.CookieFile); err != nil {
		st.fail("", PushFailed, ReviewFailed, fmt.Errorf("import cookies: %w", err))
		return
	}
	if err := p.broker.Navigate(ctx, tabID, platform.DefaultEndpoints(job.Platform).Upload); err != nil {
		st.fail("", PushFailed, ReviewFailed, fmt.Errorf("open publish page: %w", err))
		return
	}

	uploaded, err := plug.UploadVideo(ctx, plugin.UploadParams{
		TabID:      tabID,
		CookieFile: job.CookieFile,
		VideoPath:  job.VideoPath,
		Title:      job.Title,
		Tags:       job.Tags,
		PublishAt:  job.PublishAt,
		Location:   job.Location,
		Thumbnail:  job.Thumbnail,
	})
	if err != nil {
		st.fail("", PushFailed, ReviewFailed, err)
		return
	}
	if uploaded == nil || !uploaded.Submitted {
		st.fail("", PushFailed, ReviewFailed, fmt.Errorf("publish form was not submitted (%s)", rawStatus(uploaded)))
		return
	}
	st.videoID = uploaded.VideoID

	st.checkpoint(ctx, store.PublishProgress{
		UploadStatus: strptr(UploadDone),
		PushStatus:   strptr(PushInProgress),
	})

	// The platform redirects away from the form once the video is accepted.
	waitStart := p.clock.Now()
	if _, err := p.broker.WaitForURLChange(ctx, tabID, p.cfg.PublishTimeout); err != nil {
		if ctx.Err() == nil && p.clock.Since(waitStart) >= p.cfg.PublishTimeout {
			st.fail("", PushTimeout, ReviewUnknown, &errors.TimeoutError{Phase: "publish_wait", Limit: p.cfg.PublishTimeout, Err: err})
		} else {
			st.fail("", PushException, ReviewFailed, err)
		}
		return
	}

	st.succeed()

	// Best-effort profile read for the caller; the tab just landed on the
	// platform's post-publish view.
	if info, err := plug.AccountInfo(ctx, tabID); err == nil {
		st.account = info
	} else {
		p.logger.Debug("account info after publish for %s: %v", job.AccountName, err)
	}
}

// validateSession probes the stored cookie in a throwaway tab. The upload tab
// is not created until the session is known good.
func (p *Pipeline) validateSession(ctx context.Context, job Job) error {
	plug, err := p.plugins.Validate(job.Platform)
	if err != nil {
		return err
	}

	tabID, err := p.broker.CreateTab(ctx, browser.CreateOptions{Owner: browser.OwnerValidate})
	if err != nil {
		return fmt.Errorf("create validation tab: %w", err)
	}
	defer p.closeTabQuietly(tabID, "validation")

	if err := p.broker.ImportCookies(ctx, tabID, job.CookieFile); err != nil {
		return fmt.Errorf("import cookies: %w", err)
	}
	if err := p.broker.Navigate(ctx, tabID, platform.DefaultEndpoints(job.Platform).Creator); err != nil {
		return fmt.Errorf("open creator home: %w", err)
	}

	result, err := plug.Validate(ctx, plugin.ValidateParams{TabID: tabID, CookieFile: job.CookieFile})
	if err != nil {
		return err
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "cookie rejected by platform"
		}
		return &errors.SessionInvalidError{
			Platform:  string(job.Platform),
			AccountID: job.AccountName,
			Err:       stderrors.New(reason),
		}
	}
	return nil
}

func (p *Pipeline) closeTabQuietly(tabID, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.broker.CloseTab(ctx, tabID); err != nil {
		p.logger.Warn("close %s tab %s: %v", what, tabID, err)
	}
}

// jobState tracks one running job: the held tab and the exactly-once
// terminal write.
type jobState struct {
	pipeline *Pipeline
	job      Job
	tabID    string

	terminal bool
	status   string
	errMsg   string
	videoID  string
	account  *plugin.AccountInfo
}

// checkpoint persists a non-terminal progress write. Store hiccups are
// logged, not fatal: a publish in flight must not die over a progress row.
func (s *jobState) checkpoint(ctx context.Context, prog store.PublishProgress) {
	if err := s.pipeline.records.UpdateProgress(ctx, s.job.RecordID, s.job.AccountName, prog); err != nil {
		s.pipeline.logger.Warn("checkpoint record %d account %s: %v", s.job.RecordID, s.job.AccountName, err)
	}
}

// fail writes the terminal failed row. The first terminal write wins; later
// calls (the panic guard after a normal failure) are no-ops. An empty
// uploadStatus keeps the stored value.
func (s *jobState) fail(uploadStatus, pushStatus, reviewStatus string, cause error) {
	if s.terminal {
		return
	}
	s.terminal = true
	s.status = store.PublishStatusFailed
	s.errMsg = cause.Error()

	prog := store.PublishProgress{
		PushStatus:   strptr(pushStatus),
		ReviewStatus: strptr(reviewStatus),
		ErrorMessage: strptr(s.errMsg),
		Status:       strptr(store.PublishStatusFailed),
	}
	if uploadStatus != "" {
		prog.UploadStatus = strptr(uploadStatus)
	}
	s.persistTerminal(prog)
}

// succeed writes the terminal success row.
func (s *jobState) succeed() {
	if s.terminal {
		return
	}
	s.terminal = true
	s.status = store.PublishStatusSuccess
	s.persistTerminal(store.PublishProgress{
		PushStatus:   strptr(PushDone),
		ReviewStatus: strptr(ReviewPublished),
		Status:       strptr(store.PublishStatusSuccess),
	})
}

// persistTerminal uses its own context: the terminal row must land even when
// the job's context is already cancelled.
func (s *jobState) persistTerminal(prog store.PublishProgress) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.pipeline.records.UpdateProgress(ctx, s.job.RecordID, s.job.AccountName, prog); err != nil {
		s.pipeline.logger.Error("terminal write for record %d account %s: %v", s.job.RecordID, s.job.AccountName, err)
	}
}

func (s *jobState) closeTab() {
	if s.tabID == "" {
		return
	}
	s.pipeline.closeTabQuietly(s.tabID, "upload")
	s.tabID = ""
}

// AccountNameFromCookie derives the account name from a cookie path shaped
// like douyin_alice_1718000000.json: the segment after the first underscore.
// Paths without underscores fall back to the bare basename.
func AccountNameFromCookie(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.Split(base, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return base
}

func rawStatus(r *plugin.UploadResult) string {
	if r == nil || r.RawStatus == "" {
		return "no status"
	}
	return r.RawStatus
}

func strptr(s string) *string { return &s }
