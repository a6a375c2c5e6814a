package scriptplugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	apperrors "postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
)

// messagePlugin drives the private-message workspace: cursor syncs, sends,
// and the live monitoring drain loop.
type messagePlugin struct {
	*core
	sink plugin.EventSink

	mu       sync.Mutex
	monitors map[string]*drainWorker // account key -> worker
}

func newMessagePlugin(c *core, sink plugin.EventSink) *messagePlugin {
	return &messagePlugin{
		core:     c,
		sink:     sink,
		monitors: make(map[string]*drainWorker),
	}
}

func (p *messagePlugin) Kind() plugin.Kind { return plugin.KindMessage }

func (p *messagePlugin) MessageURL() string { return p.manifest.Endpoints().Message }

type messageOutcome struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	SentAt    int64  `json:"sentAt"` // epoch milliseconds
	IsSelf    bool   `json:"isSelf"`
}

func (m messageOutcome) data(fallback time.Time) plugin.MessageData {
	sentAt := fallback
	if m.SentAt > 0 {
		sentAt = time.UnixMilli(m.SentAt)
	}
	msgType := m.Type
	if msgType == "" {
		msgType = "text"
	}
	return plugin.MessageData{
		MessageID: m.MessageID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      msgType,
		SentAt:    sentAt,
		IsSelf:    m.IsSelf,
	}
}

type threadOutcome struct {
	ThreadID   string           `json:"threadId"`
	PeerID     string           `json:"peerId"`
	PeerName   string           `json:"peerName"`
	PeerAvatar string           `json:"peerAvatar"`
	Unread     int              `json:"unread"`
	Messages   []messageOutcome `json:"messages"`
}

type syncOutcome struct {
	Threads     []threadOutcome `json:"threads"`
	NewMessages int             `json:"newMessages"`
}

func (p *messagePlugin) SyncMessages(ctx context.Context, params plugin.SyncParams) (*plugin.SyncResult, error) {
	var out syncOutcome
	err := p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.Sync),
		map[string]any{"accountId": params.AccountID, "fullSync": params.FullSync}, &out)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	result := &plugin.SyncResult{NewMessages: out.NewMessages}
	for _, th := range out.Threads {
		update := plugin.ThreadUpdate{
			ThreadID:   th.ThreadID,
			PeerID:     th.PeerID,
			PeerName:   th.PeerName,
			PeerAvatar: th.PeerAvatar,
			Unread:     th.Unread,
		}
		for _, msg := range th.Messages {
			update.Messages = append(update.Messages, msg.data(now))
		}
		result.Threads = append(result.Threads, update)
	}
	return result, nil
}

type sendOutcome struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"messageId"`
}

func (p *messagePlugin) SendMessage(ctx context.Context, params plugin.SendParams) (*plugin.SendResult, error) {
	if p.manifest.Scripts.Send == "" {
		return nil, &apperrors.PluginUnavailableError{Platform: p.manifest.Platform, Capability: "message send"}
	}
	var out sendOutcome
	err := p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.Send), map[string]any{
		"accountId": params.AccountID,
		"threadId":  params.ThreadID,
		"peerId":    params.PeerID,
		"content":   params.Content,
		"type":      params.Type,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &plugin.SendResult{Delivered: out.Delivered, MessageID: out.MessageID}, nil
}

type monitorInstallOutcome struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason"`
}

// StartMonitoring injects the platform's observer script into the tab and,
// once it takes hold, spawns a drain worker that pumps captured messages
// into the event sink.
func (p *messagePlugin) StartMonitoring(ctx context.Context, params plugin.MonitorParams) (*plugin.MonitorResult, error) {
	if p.manifest.Scripts.MonitorInstall == "" {
		return nil, &apperrors.PluginUnavailableError{Platform: p.manifest.Platform, Capability: "live monitoring"}
	}
	if p.watching(params.AccountKey) {
		return &plugin.MonitorResult{Started: false, Reason: plugin.MonitorReasonAlreadyMonitoring}, nil
	}

	_, accountID, err := platform.SplitAccountKey(params.AccountKey)
	if err != nil {
		return nil, err
	}

	var out monitorInstallOutcome
	err = p.runner.run(ctx, params.TabID, p.manifest.scriptPath(p.manifest.Scripts.MonitorInstall),
		map[string]any{"accountKey": params.AccountKey, "accountId": accountID}, &out)
	if err != nil {
		p.logger.Error("install monitor script for %s: %v", params.AccountKey, err)
		return &plugin.MonitorResult{Started: false, Reason: plugin.MonitorReasonScriptInjectionFailed}, nil
	}
	if !out.Started {
		reason := out.Reason
		if reason == "" {
			reason = plugin.MonitorReasonScriptInjectionFailed
		}
		return &plugin.MonitorResult{Started: false, Reason: reason}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.monitors[params.AccountKey]; ok {
		return &plugin.MonitorResult{Started: false, Reason: plugin.MonitorReasonAlreadyMonitoring}, nil
	}
	p.monitors[params.AccountKey] = p.startDrain(params.AccountKey, accountID, params.TabID)
	p.logger.Info("monitoring %s in tab %s", params.AccountKey, params.TabID)
	return &plugin.MonitorResult{Started: true}, nil
}

// StopMonitoring halts the drain worker and best-effort uninstalls the
// observer. Stopping an account that is not monitored is a no-op.
func (p *messagePlugin) StopMonitoring(ctx context.Context, accountKey string) error {
	p.mu.Lock()
	w, ok := p.monitors[accountKey]
	if ok {
		delete(p.monitors, accountKey)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	w.cancel()
	<-w.done

	if p.manifest.Scripts.MonitorStop != "" && p.broker.HasTab(w.tabID) {
		err := p.runner.run(ctx, w.tabID, p.manifest.scriptPath(p.manifest.Scripts.MonitorStop),
			map[string]any{"accountKey": accountKey}, nil)
		if err != nil {
			p.logger.Warn("monitor stop script for %s: %v", accountKey, err)
		}
	}
	p.logger.Info("stopped monitoring %s", accountKey)
	return nil
}

// CheckReady inspects the workspace DOM against the manifest's readiness
// selectors. Manifests without selectors are ready on page load.
func (p *messagePlugin) CheckReady(ctx context.Context, tabID string) (bool, error) {
	r := p.manifest.Readiness
	if r.empty() {
		return true, nil
	}
	html, err := p.broker.HTML(ctx, tabID)
	if err != nil {
		return false, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, fmt.Errorf("parse workspace: %w", err)
	}
	if r.Present != "" && doc.Find(r.Present).Length() == 0 {
		return false, nil
	}
	if r.Absent != "" && doc.Find(r.Absent).Length() > 0 {
		return false, nil
	}
	return true, nil
}

// Close stops every drain worker. The registry closes plugins on shutdown.
func (p *messagePlugin) Close() error {
	p.mu.Lock()
	workers := p.monitors
	p.monitors = make(map[string]*drainWorker)
	p.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
	}
	return nil
}

func (p *messagePlugin) watching(accountKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.monitors[accountKey]
	return ok
}

func (p *messagePlugin) forget(accountKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.monitors, accountKey)
}
