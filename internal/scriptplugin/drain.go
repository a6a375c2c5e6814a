package scriptplugin

import (
	"context"

	"postpilot/internal/async"
	"postpilot/internal/plugin"
)

// drainFailureLimit stops a worker whose tab keeps rejecting the drain
// script; the tab is almost certainly dead and the custodian will rebuild it.
const drainFailureLimit = 5

type drainWorker struct {
	tabID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// eventOutcome is one live message as buffered by the observer script.
type eventOutcome struct {
	messageOutcome
	ThreadID string `json:"threadId"`
	PeerName string `json:"peerName"`
}

type drainOutcome struct {
	Events []eventOutcome `json:"events"`
}

func (p *messagePlugin) startDrain(accountKey, accountID, tabID string) *drainWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &drainWorker{tabID: tabID, cancel: cancel, done: make(chan struct{})}
	async.Go(p.logger, "message-drain-"+accountKey, func() {
		defer close(w.done)
		p.drainLoop(ctx, accountKey, accountID, tabID)
	})
	return w
}

// drainLoop pulls buffered messages out of the observer script on an
// interval and publishes them as live events.
func (p *messagePlugin) drainLoop(ctx context.Context, accountKey, accountID, tabID string) {
	interval := p.manifest.drainInterval()
	consecutiveErrs := 0
	for {
		if !p.sleep(ctx, interval) {
			return
		}
		if !p.broker.HasTab(tabID) {
			p.logger.Warn("monitor tab %s for %s is gone, stopping drain", tabID, accountKey)
			p.forget(accountKey)
			return
		}

		var out drainOutcome
		err := p.runner.run(ctx, tabID, p.manifest.scriptPath(p.manifest.Scripts.MonitorDrain),
			map[string]any{"accountKey": accountKey, "accountId": accountID}, &out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrs++
			p.logger.Warn("drain %s: %v", accountKey, err)
			if consecutiveErrs >= drainFailureLimit {
				p.logger.Error("drain for %s failed %d times in a row, stopping", accountKey, consecutiveErrs)
				p.forget(accountKey)
				return
			}
			continue
		}
		consecutiveErrs = 0
		p.publishEvents(accountKey, accountID, out.Events)
	}
}

func (p *messagePlugin) publishEvents(accountKey, accountID string, events []eventOutcome) {
	if p.sink == nil || len(events) == 0 {
		return
	}
	now := p.clock.Now()
	for _, ev := range events {
		p.sink.Publish(plugin.MessageEvent{
			AccountKey: accountKey,
			Platform:   p.Platform(),
			AccountID:  accountID,
			ThreadID:   ev.ThreadID,
			PeerName:   ev.PeerName,
			Message:    ev.data(now),
			ReceivedAt: now,
		})
	}
}
