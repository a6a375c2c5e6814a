// Package monitor owns live message monitoring: the event bus that fans
// script-captured messages out to watchers, and the orchestrator that starts
// and stops per-account listeners.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"

	"postpilot/internal/plugin"
)

const eventBuffer = 16

// Bus fans live message events out to watchers. A watcher follows one
// account key, or every account with the empty key. Slow watchers lose
// events rather than stall the monitoring scripts.
type Bus struct {
	mu       sync.RWMutex
	watchers map[string]map[uint64]*watchRegistration
	nextID   uint64
}

type watchRegistration struct {
	ch chan plugin.MessageEvent
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{watchers: make(map[string]map[uint64]*watchRegistration)}
}

// Watch streams events for accountKey (empty for all accounts) until ctx
// ends, at which point the channel closes.
func (b *Bus) Watch(ctx context.Context, accountKey string) <-chan plugin.MessageEvent {
	ch := make(chan plugin.MessageEvent, eventBuffer)
	id := atomic.AddUint64(&b.nextID, 1)

	b.mu.Lock()
	if _, ok := b.watchers[accountKey]; !ok {
		b.watchers[accountKey] = make(map[uint64]*watchRegistration)
	}
	b.watchers[accountKey][id] = &watchRegistration{ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeWatcher(accountKey, id)
	}()

	return ch
}

// Publish delivers ev to the account's watchers and to the wildcard
// watchers. It never blocks.
func (b *Bus) Publish(ev plugin.MessageEvent) {
	b.dispatch(ev.AccountKey, ev)
	if ev.AccountKey != "" {
		b.dispatch("", ev)
	}
}

func (b *Bus) dispatch(accountKey string, ev plugin.MessageEvent) {
	b.mu.RLock()
	watchers := b.watchers[accountKey]
	copies := make([]*watchRegistration, 0, len(watchers))
	for _, reg := range watchers {
		copies = append(copies, reg)
	}
	b.mu.RUnlock()

	for _, reg := range copies {
		b.safeSend(reg, ev)
	}
}

func (b *Bus) safeSend(reg *watchRegistration, ev plugin.MessageEvent) {
	defer func() {
		if recover() != nil {
			// The watcher channel was closed after we copied the
			// registration. Drop the event and keep publishing to the rest.
		}
	}()

	select {
	case reg.ch <- ev:
	default:
	}
}

func (b *Bus) removeWatcher(accountKey string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	watchers := b.watchers[accountKey]
	if watchers == nil {
		return
	}
	if reg, ok := watchers[id]; ok {
		delete(watchers, id)
		close(reg.ch)
	}
	if len(watchers) == 0 {
		delete(b.watchers, accountKey)
	}
}

var _ plugin.EventSink = (*Bus)(nil)
