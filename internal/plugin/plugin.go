// Package plugin defines the capability contracts platform automations
// implement and the registry the orchestration core resolves them from.
//
// The core never touches platform DOM specifics; everything
// platform-flavored arrives through these interfaces.
package plugin

import (
	"context"
	"time"

	"postpilot/internal/platform"
)

// Kind names a plugin capability. Registration happens in KindOrder so
// startup logs stay deterministic.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindLogin    Kind = "login"
	KindValidate Kind = "validate"
	KindMessage  Kind = "message"
)

// KindOrder returns the fixed registration order.
func KindOrder() []Kind {
	return []Kind{KindUpload, KindLogin, KindValidate, KindMessage}
}

// Plugin is the base contract every capability implements.
type Plugin interface {
	Kind() Kind
	Platform() platform.Platform
	Name() string
}

// UploadParams carries one video publish into a prepared tab.
type UploadParams struct {
	TabID      string
	CookieFile string
	VideoPath  string
	Title      string
	Tags       []string
	PublishAt  time.Time // zero publishes immediately
	Location   string
	Thumbnail  string
}

// UploadResult reports what the platform page acknowledged.
type UploadResult struct {
	Submitted bool
	VideoID   string
	RawStatus string
}

// AccountInfo is the profile snapshot read from a logged-in creator page.
type AccountInfo struct {
	AccountID  string
	Nickname   string
	Avatar     string
	FansCount  int64
	WorksCount int64
}

// UploadPlugin drives a platform's video publish page.
type UploadPlugin interface {
	Plugin
	// UploadVideo fills the publish form and submits it. The caller owns the
	// tab and awaits the post-submit URL change itself.
	UploadVideo(ctx context.Context, params UploadParams) (*UploadResult, error)
	// AccountInfo reads the profile of the session active in the tab.
	AccountInfo(ctx context.Context, tabID string) (*AccountInfo, error)
}

// StartLoginParams opens a login page and requests a QR code.
type StartLoginParams struct {
	TabID  string
	UserID string
}

// StartLoginResult carries the scannable QR code.
type StartLoginResult struct {
	QRCodeURL string
}

// ProcessLoginParams lets the plugin block until the QR scan resolves.
type ProcessLoginParams struct {
	TabID      string
	UserID     string
	CookieFile string // destination for the captured session
}

// ProcessLoginResult reports a finished login.
type ProcessLoginResult struct {
	AccountID string
	Nickname  string
	Avatar    string
}

// LoginPlugin drives a platform's QR login flow.
type LoginPlugin interface {
	Plugin
	// StartLogin navigates to the login page and extracts the QR code.
	StartLogin(ctx context.Context, params StartLoginParams) (*StartLoginResult, error)
	// ProcessLogin blocks until the QR is scanned and the session is
	// captured, or ctx expires.
	ProcessLogin(ctx context.Context, params ProcessLoginParams) (*ProcessLoginResult, error)
	// CancelLogin aborts a pending login in the tab.
	CancelLogin(ctx context.Context, tabID string) error
	// LoginURL is the page the coordinator opens login tabs at.
	LoginURL() string
}

// ValidateParams probes whether a stored session is still accepted.
type ValidateParams struct {
	TabID      string
	CookieFile string
}

// ValidateResult reports session validity.
type ValidateResult struct {
	Valid  bool
	Reason string
}

// ValidatePlugin checks stored sessions against the live platform.
type ValidatePlugin interface {
	Plugin
	Validate(ctx context.Context, params ValidateParams) (*ValidateResult, error)
}

// MessageData is one direct message as read from the platform page.
type MessageData struct {
	MessageID string
	SenderID  string
	Content   string
	Type      string // text, image, video, ...
	SentAt    time.Time
	IsSelf    bool
}

// ThreadUpdate is one conversation snapshot produced by a sync.
type ThreadUpdate struct {
	ThreadID   string
	PeerID     string
	PeerName   string
	PeerAvatar string
	Unread     int
	Messages   []MessageData
}

// SyncParams names the account whose message workspace the tab shows.
// FullSync asks for the whole history instead of the delta since the cursor.
type SyncParams struct {
	TabID     string
	AccountID string
	FullSync  bool
}

// SyncResult carries everything a sync pass extracted.
type SyncResult struct {
	Threads     []ThreadUpdate
	NewMessages int
}

// SendParams delivers one outbound message.
type SendParams struct {
	TabID     string
	AccountID string
	ThreadID  string
	PeerID    string
	Content   string
	Type      string
}

// SendResult reports the send acknowledgement.
type SendResult struct {
	Delivered bool
	MessageID string
}

// MonitorParams starts live message monitoring inside a message tab.
type MonitorParams struct {
	TabID      string
	AccountKey string
}

// MonitorResult reports whether the monitoring script took hold.
type MonitorResult struct {
	Started bool
	Reason  string // validation_failed, already_monitoring, script_injection_failed
}

// MessagePlugin drives a platform's private-message workspace.
type MessagePlugin interface {
	Plugin
	SyncMessages(ctx context.Context, params SyncParams) (*SyncResult, error)
	SendMessage(ctx context.Context, params SendParams) (*SendResult, error)
	StartMonitoring(ctx context.Context, params MonitorParams) (*MonitorResult, error)
	StopMonitoring(ctx context.Context, accountKey string) error
	// MessageURL is the workspace entry URL the custodian opens tabs at.
	MessageURL() string
}

// ReadinessProber is optionally implemented by message plugins whose
// workspace needs more than a page load before sync scripts can run.
type ReadinessProber interface {
	CheckReady(ctx context.Context, tabID string) (bool, error)
}
