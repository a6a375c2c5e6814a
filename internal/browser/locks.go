package browser

import (
	"fmt"
	"sync"
	"time"
)

type lockState struct {
	owner      Owner
	acquiredAt time.Time
}

// LockTable is the single-owner bookkeeping behind tab locks. The Chrome
// broker and the test fake share it so the exclusivity rules cannot drift
// between them.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]lockState
	now   func() time.Time
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{
		locks: make(map[string]lockState),
		now:   time.Now,
	}
}

// Lock claims tabID for owner. A second owner is rejected; the same owner
// re-locking is a no-op that keeps the original acquisition time.
func (t *LockTable) Lock(tabID string, owner Owner) error {
	if owner == OwnerNone {
		return fmt.Errorf("cannot lock tab %s for no owner", tabID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[tabID]; ok {
		if held.owner == owner {
			return nil
		}
		return fmt.Errorf("tab %s already locked by %s", tabID, held.owner)
	}
	t.locks[tabID] = lockState{owner: owner, acquiredAt: t.now()}
	return nil
}

// Unlock releases owner's lock on tabID. Unlocking an unlocked tab is a
// no-op so cleanup paths stay idempotent; releasing someone else's lock is
// an error.
func (t *LockTable) Unlock(tabID string, owner Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.locks[tabID]
	if !ok {
		return nil
	}
	if held.owner != owner {
		return fmt.Errorf("tab %s locked by %s, not %s", tabID, held.owner, owner)
	}
	delete(t.locks, tabID)
	return nil
}

// Owner reports the lock holder for tabID, or OwnerNone when unlocked.
func (t *LockTable) Owner(tabID string) (Owner, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[tabID]; ok {
		return held.owner, held.acquiredAt
	}
	return OwnerNone, time.Time{}
}

// Drop removes any lock on tabID regardless of owner. Only tab destruction
// uses it.
func (t *LockTable) Drop(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, tabID)
}

// Len reports how many tabs are currently locked.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
