// Package plugintest provides hand-rolled plugin fakes for component tests.
package plugintest

import (
	"context"
	"sync"

	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

// Fake implements every plugin capability with overridable hooks. Zero-value
// hooks answer with benign defaults so tests only script what they assert.
type Fake struct {
	KindValue     plugin.Kind
	PlatformValue platform.Platform
	NameValue     string

	UploadVideoFunc     func(ctx context.Context, params plugin.UploadParams) (*plugin.UploadResult, error)
	AccountInfoFunc     func(ctx context.Context, tabID string) (*plugin.AccountInfo, error)
	StartLoginFunc      func(ctx context.Context, params plugin.StartLoginParams) (*plugin.StartLoginResult, error)
	ProcessLoginFunc    func(ctx context.Context, params plugin.ProcessLoginParams) (*plugin.ProcessLoginResult, error)
	CancelLoginFunc     func(ctx context.Context, tabID string) error
	ValidateFunc        func(ctx context.Context, params plugin.ValidateParams) (*plugin.ValidateResult, error)
	SyncMessagesFunc    func(ctx context.Context, params plugin.SyncParams) (*plugin.SyncResult, error)
	SendMessageFunc     func(ctx context.Context, params plugin.SendParams) (*plugin.SendResult, error)
	StartMonitoringFunc func(ctx context.Context, params plugin.MonitorParams) (*plugin.MonitorResult, error)
	StopMonitoringFunc  func(ctx context.Context, accountKey string) error
	CheckReadyFunc      func(ctx context.Context, tabID string) (bool, error)
	MessageURLValue     string
	LoginURLValue       string

	mu               sync.Mutex
	syncCalls        []plugin.SyncParams
	sendCalls        []plugin.SendParams
	uploadCalls      []plugin.UploadParams
	validateCalls    []plugin.ValidateParams
	monitorCalls     []plugin.MonitorParams
	stopMonitorCalls []string
}

func (f *Fake) Kind() plugin.Kind           { return f.KindValue }
func (f *Fake) Platform() platform.Platform { return f.PlatformValue }

func (f *Fake) Name() string {
	if f.NameValue != "" {
		return f.NameValue
	}
	return string(f.PlatformValue) + "-" + string(f.KindValue) + "-fake"
}

func (f *Fake) UploadVideo(ctx context.Context, params plugin.UploadParams) (*plugin.UploadResult, error) {
	f.mu.Lock()
	f.uploadCalls = append(f.uploadCalls, params)
	f.mu.Unlock()
	if f.UploadVideoFunc != nil {
		return f.UploadVideoFunc(ctx, params)
	}
	return &plugin.UploadResult{Submitted: true, VideoID: "video-1"}, nil
}

func (f *Fake) AccountInfo(ctx context.Context, tabID string) (*plugin.AccountInfo, error) {
	if f.AccountInfoFunc != nil {
		return f.AccountInfoFunc(ctx, tabID)
	}
	return &plugin.AccountInfo{AccountID: "acct-1", Nickname: "昵称"}, nil
}

func (f *Fake) StartLogin(ctx context.Context, params plugin.StartLoginParams) (*plugin.StartLoginResult, error) {
	if f.StartLoginFunc != nil {
		return f.StartLoginFunc(ctx, params)
	}
	return &plugin.StartLoginResult{QRCodeURL: "data:image/png;base64,qr"}, nil
}

func (f *Fake) ProcessLogin(ctx context.Context, params plugin.ProcessLoginParams) (*plugin.ProcessLoginResult, error) {
	if f.ProcessLoginFunc != nil {
		return f.ProcessLoginFunc(ctx, params)
	}
	return &plugin.ProcessLoginResult{AccountID: "acct-1", Nickname: "昵称"}, nil
}

func (f *Fake) CancelLogin(ctx context.Context, tabID string) error {
	if f.CancelLoginFunc != nil {
		return f.CancelLoginFunc(ctx, tabID)
	}
	return nil
}

func (f *Fake) Validate(ctx context.Context, params plugin.ValidateParams) (*plugin.ValidateResult, error) {
	f.mu.Lock()
	f.validateCalls = append(f.validateCalls, params)
	f.mu.Unlock()
	if f.ValidateFunc != nil {
		return f.ValidateFunc(ctx, params)
	}
	return &plugin.ValidateResult{Valid: true}, nil
}

func (f *Fake) SyncMessages(ctx context.Context, params plugin.SyncParams) (*plugin.SyncResult, error) {
	f.mu.Lock()
	f.syncCalls = append(f.syncCalls, params)
	f.mu.Unlock()
	if f.SyncMessagesFunc != nil {
		return f.SyncMessagesFunc(ctx, params)
	}
	return &plugin.SyncResult{}, nil
}

func (f *Fake) SendMessage(ctx context.Context, params plugin.SendParams) (*plugin.SendResult, error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, params)
	f.mu.Unlock()
	if f.SendMessageFunc != nil {
		return f.SendMessageFunc(ctx, params)
	}
	return &plugin.SendResult{Delivered: true, MessageID: "m-1"}, nil
}

func (f *Fake) StartMonitoring(ctx context.Context, params plugin.MonitorParams) (*plugin.MonitorResult, error) {
	f.mu.Lock()
	f.monitorCalls = append(f.monitorCalls, params)
	f.mu.Unlock()
	if f.StartMonitoringFunc != nil {
		return f.StartMonitoringFunc(ctx, params)
	}
	return &plugin.MonitorResult{Started: true}, nil
}

func (f *Fake) StopMonitoring(ctx context.Context, accountKey string) error {
	f.mu.Lock()
	f.stopMonitorCalls = append(f.stopMonitorCalls, accountKey)
	f.mu.Unlock()
	if f.StopMonitoringFunc != nil {
		return f.StopMonitoringFunc(ctx, accountKey)
	}
	return nil
}

func (f *Fake) CheckReady(ctx context.Context, tabID string) (bool, error) {
	if f.CheckReadyFunc != nil {
		return f.CheckReadyFunc(ctx, tabID)
	}
	return true, nil
}

func (f *Fake) MessageURL() string {
	if f.MessageURLValue != "" {
		return f.MessageURLValue
	}
	return platform.DefaultEndpoints(f.PlatformValue).Message
}

func (f *Fake) LoginURL() string {
	if f.LoginURLValue != "" {
		return f.LoginURLValue
	}
	return platform.DefaultEndpoints(f.PlatformValue).Login
}

// SyncCalls returns the recorded SyncMessages invocations.
func (f *Fake) SyncCalls() []plugin.SyncParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.SyncParams(nil), f.syncCalls...)
}

// SendCalls returns the recorded SendMessage invocations.
func (f *Fake) SendCalls() []plugin.SendParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.SendParams(nil), f.sendCalls...)
}

// UploadCalls returns the recorded UploadVideo invocations.
func (f *Fake) UploadCalls() []plugin.UploadParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.UploadParams(nil), f.uploadCalls...)
}

// ValidateCalls returns the recorded Validate invocations.
func (f *Fake) ValidateCalls() []plugin.ValidateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.ValidateParams(nil), f.validateCalls...)
}

// MonitorCalls returns the recorded StartMonitoring invocations.
func (f *Fake) MonitorCalls() []plugin.MonitorParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.MonitorParams(nil), f.monitorCalls...)
}

// StopMonitorCalls returns the account keys StopMonitoring saw.
func (f *Fake) StopMonitorCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopMonitorCalls...)
}

// NewFake returns a fake for one capability.
func NewFake(kind plugin.Kind, p platform.Platform) *Fake {
	return &Fake{KindValue: kind, PlatformValue: p}
}

// BundleSet holds the four capability fakes behind one plugin.Bundle.
type BundleSet struct {
	Upload   *Fake
	Login    *Fake
	Validate *Fake
	Message  *Fake
}

// NewBundle builds a full capability bundle for p and returns both the
// bundle and its fakes for scripting.
func NewBundle(p platform.Platform) (plugin.Bundle, *BundleSet) {
	set := &BundleSet{
		Upload:   NewFake(plugin.KindUpload, p),
		Login:    NewFake(plugin.KindLogin, p),
		Validate: NewFake(plugin.KindValidate, p),
		Message:  NewFake(plugin.KindMessage, p),
	}
	bundle := plugin.Bundle{
		Platform: p,
		Upload:   set.Upload,
		Login:    set.Login,
		Validate: set.Validate,
		Message:  set.Message,
	}
	return bundle, set
}
