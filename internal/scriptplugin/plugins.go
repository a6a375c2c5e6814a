package scriptplugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonboulle/clockwork"

	"postpilot/internal/browser"
	apperrors "postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

// Login states reported by login_state scripts.
const (
	loginStateWaiting   = "waiting"
	loginStateScanned   = "scanned"
	loginStateConfirmed = "confirmed"
	loginStateExpired   = "expired"
	loginStateFailed    = "failed"
)

// qrExtractTimeout bounds how long StartLogin waits for the QR to render.
const qrExtractTimeout = 15 * time.Second

// Deps wires a manifest's plugins into the running core.
type Deps struct {
	Broker browser.Broker
	Sink   plugin.EventSink // live monitoring events; nil disables publishing
	Logger logging.Logger
	Clock  clockwork.Clock // nil means the real clock
}

// core is the state every capability of one manifest shares.
type core struct {
	manifest *Manifest
	runner   *runner
	broker   browser.Broker
	logger   logging.Logger
	clock    clockwork.Clock
}

func (c *core) Platform() platform.Platform { return c.manifest.PlatformTag() }
func (c *core) Name() string                { return c.manifest.DisplayName() }

// sleep waits on the injected clock so tests can drive polling loops.
func (c *core) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}

// Set holds every capability one manifest provides. Capabilities without a
// backing script stay nil and are skipped at registration.
type Set struct {
	manifest *Manifest

	upload   *uploadPlugin
	login    *loginPlugin
	validate *validatePlugin
	message  *messagePlugin
}

// NewSet builds the capability set a manifest declares.
func NewSet(m *Manifest, deps Deps) *Set {
	logger := logging.OrNop(deps.Logger)
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &core{
		manifest: m,
		runner:   newRunner(deps.Broker, logger),
		broker:   deps.Broker,
		logger:   logger,
		clock:    clock,
	}

	s := &Set{manifest: m}
	if m.Scripts.Upload != "" {
		s.upload = &uploadPlugin{core: c}
	}
	if m.Scripts.LoginState != "" {
		s.login = &loginPlugin{core: c}
	}
	// Validation always works: without a script it falls back to the
	// redirected-to-login URL heuristic.
	s.validate = &validatePlugin{core: c}
	if m.Scripts.Sync != "" {
		s.message = newMessagePlugin(c, deps.Sink)
	}
	return s
}

// Bundle shapes the set for registry registration.
func (s *Set) Bundle() plugin.Bundle {
	b := plugin.Bundle{Platform: s.manifest.PlatformTag()}
	if s.upload != nil {
		b.Upload = s.upload
	}
	if s.login != nil {
		b.Login = s.login
	}
	if s.validate != nil {
		b.Validate = s.validate
	}
	if s.message != nil {
		b.Message = s.message
	}
	return b
}

// Bundles loads every capability set and shapes them for
// Registry.RegisterBundles.
func Bundles(manifests []*Manifest, deps Deps) []plugin.Bundle {
	bundles := make([]plugin.Bundle, 0, len(manifests))
	for _, m := range manifests {
		bundles = append(bundles, NewSet(m, deps).Bundle())
	}
	return bundles
}

// uploadPlugin drives the platform publish page through manifest scripts.
type uploadPlugin struct {
	*core
}

func (p *uploadPlugin) Kind() plugin.Kind { return plugin.KindUpload }

type uploadOutcome struct {
	Submitted bool   `json:"submitted"`
	VideoID   string `json:"videoId"`
	RawStatus string `json:"rawStatus"`
}

func (p *uploadPlugin) UploadVideo(ctx context.Context, params plugin.UploadParams) (*plugin.UploadResult, error) {
	if sel := p.manifest.Upload.FileInput; sel != "" && params.VideoPath != "" {
		if err := p.broker.SetUploadFiles(ctx, params.TabID, sel, []string{params.VideoPath}); err != nil {
			return nil, fmt.Errorf("attach video: %w", err)
		}
	}

	scriptParams := map[string]any{
		"title":     params.Title,
		"tags":      params.Tags,
		"location":  params.Location,
		"thumbnail": params.Thumbnail,
		"videoPath": params.VideoPath,
	}
	if !params.PublishAt.IsZero() {
		scriptParams["publishAt"] = params.PublishAt.Format(time.RFC3339)
		scriptParams["publishAtMs"] = params.PublishAt.UnixMilli()
	}

	var out uploadOutcome
	if err := p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.Upload), scriptParams, &out); err != nil {
		return nil, err
	}
	return &plugin.UploadResult{
		Submitted: out.Submitted,
		VideoID:   out.VideoID,
		RawStatus: out.RawStatus,
	}, nil
}

type accountInfoOutcome struct {
	AccountID  string `json:"accountId"`
	Nickname   string `json:"nickname"`
	Avatar     string `json:"avatar"`
	FansCount  int64  `json:"fansCount"`
	WorksCount int64  `json:"worksCount"`
}

func (p *uploadPlugin) AccountInfo(ctx context.Context, tabID string) (*plugin.AccountInfo, error) {
	if p.manifest.Scripts.AccountInfo == "" {
		return nil, &apperrors.PluginUnavailableError{Platform: p.manifest.Platform, Capability: "account info"}
	}
	var out accountInfoOutcome
	if err := p.runner.run(ctx, tabID, p.manifest.scriptPath(p.manifest.Scripts.AccountInfo), nil, &out); err != nil {
		return nil, err
	}
	return &plugin.AccountInfo{
		AccountID:  out.AccountID,
		Nickname:   out.Nickname,
		Avatar:     out.Avatar,
		FansCount:  out.FansCount,
		WorksCount: out.WorksCount,
	}, nil
}

// loginPlugin drives the QR login flow through manifest scripts.
type loginPlugin struct {
	*core
}

func (p *loginPlugin) Kind() plugin.Kind { return plugin.KindLogin }

func (p *loginPlugin) LoginURL() string { return p.manifest.Endpoints().Login }

type qrOutcome struct {
	QRCodeURL string `json:"qrCodeUrl"`
}

// StartLogin extracts the QR code once the login page has rendered it,
// polling because platforms draw the code asynchronously after load.
func (p *loginPlugin) StartLogin(ctx context.Context, params plugin.StartLoginParams) (*plugin.StartLoginResult, error) {
	deadline := p.clock.Now().Add(qrExtractTimeout)
	var lastErr error
	for {
		url, err := p.extractQR(ctx, params)
		if err == nil && url != "" {
			return &plugin.StartLoginResult{QRCodeURL: url}, nil
		}
		if err != nil {
			lastErr = err
		}
		if !p.clock.Now().Before(deadline) {
			break
		}
		if !p.sleep(ctx, 500*time.Millisecond) {
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("extract login QR: %w", lastErr)
	}
	return nil, fmt.Errorf("login QR did not appear within %s", qrExtractTimeout)
}

func (p *loginPlugin) extractQR(ctx context.Context, params plugin.StartLoginParams) (string, error) {
	if p.manifest.Scripts.StartLogin != "" {
		var out qrOutcome
		err := p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.StartLogin),
			map[string]any{"userId": params.UserID}, &out)
		if err != nil {
			return "", err
		}
		return out.QRCodeURL, nil
	}

	html, err := p.broker.HTML(ctx, params.TabID)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	src, _ := doc.Find(p.manifest.Login.QRSelector).First().Attr("src")
	return src, nil
}

type loginStateOutcome struct {
	State     string `json:"state"`
	AccountID string `json:"accountId"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	Message   string `json:"message"`
}

// ProcessLogin polls the login_state script until the scan resolves, then
// captures the session cookies into params.CookieFile.
func (p *loginPlugin) ProcessLogin(ctx context.Context, params plugin.ProcessLoginParams) (*plugin.ProcessLoginResult, error) {
	interval := p.manifest.loginPollInterval()
	consecutiveErrs := 0
	for {
		var out loginStateOutcome
		err := p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.LoginState),
			map[string]any{"userId": params.UserID}, &out)
		switch {
		case err != nil:
			consecutiveErrs++
			if consecutiveErrs >= 3 {
				return nil, fmt.Errorf("login state probe failed %d times: %w", consecutiveErrs, err)
			}
			p.logger.Warn("login state probe for %s: %v", params.UserID, err)

		case out.State == loginStateConfirmed:
			if err := p.broker.ExportCookies(ctx, params.TabID, params.CookieFile); err != nil {
				return nil, fmt.Errorf("capture session: %w", err)
			}
			return &plugin.ProcessLoginResult{
				AccountID: out.AccountID,
				Nickname:  out.Nickname,
				Avatar:    out.Avatar,
			}, nil

		case out.State == loginStateExpired:
			return nil, fmt.Errorf("login QR code expired")

		case out.State == loginStateFailed:
			if out.Message == "" {
				out.Message = "platform rejected the login"
			}
			return nil, fmt.Errorf("login failed: %s", out.Message)

		default:
			// waiting or scanned, keep polling
			consecutiveErrs = 0
		}

		if !p.sleep(ctx, interval) {
			return nil, ctx.Err()
		}
	}
}

func (p *loginPlugin) CancelLogin(ctx context.Context, tabID string) error {
	if p.manifest.Scripts.CancelLogin == "" {
		return nil
	}
	return p.runner.run(ctx, tabID, p.manifest.scriptPath(p.manifest.Scripts.CancelLogin), nil, nil)
}

// validatePlugin probes stored sessions. With a validate script the page
// decides; without one a redirect to the login page marks the session dead.
type validatePlugin struct {
	*core
}

func (p *validatePlugin) Kind() plugin.Kind { return plugin.KindValidate }

type validateOutcome struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func (p *validatePlugin) Validate(ctx context.Context, params plugin.ValidateParams) (*plugin.ValidateResult, error) {
	if p.manifest.Scripts.Validate != "" {
		var out validateOutcome
		if err := p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.Validate), nil, &out); err != nil {
			return nil, err
		}
		return &plugin.ValidateResult{Valid: out.Valid, Reason: out.Reason}, nil
	}

	url, err := p.broker.CurrentURL(ctx, params.TabID)
	if err != nil {
		return nil, fmt.Errorf("read tab url: %w", err)
	}
	lower := strings.ToLower(url)
	if strings.Contains(lower, "login") || strings.Contains(lower, "passport") {
		return &plugin.ValidateResult{Valid: false, Reason: "redirected to login page"}, nil
	}
	return &plugin.ValidateResult{Valid: true}, nil
}
