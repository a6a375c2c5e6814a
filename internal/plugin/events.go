package plugin

import (
	"time"

	"postpilot/internal/platform"
)

// Monitor start reasons reported by MessagePlugin.StartMonitoring. The
// orchestrator maps them to stable operator-facing messages.
const (
	MonitorReasonValidationFailed      = "validation_failed"
	MonitorReasonAlreadyMonitoring     = "already_monitoring"
	MonitorReasonScriptInjectionFailed = "script_injection_failed"
)

// MessageEvent is one live direct message captured by a monitoring script.
type MessageEvent struct {
	AccountKey string
	Platform   platform.Platform
	AccountID  string
	ThreadID   string
	PeerName   string
	Message    MessageData
	ReceivedAt time.Time
}

// EventSink receives live monitoring events. Message plugins publish into
// it; the monitor package's Bus is the production sink.
type EventSink interface {
	Publish(ev MessageEvent)
}
