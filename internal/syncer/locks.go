package syncer

import "sync"

// lockTable serializes operations per document id. Acquire never blocks:
// a held lock is reported to the caller instead of queued behind, so a
// stuck external call cannot pile up waiters.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

// acquire returns a release func, or false if the document is busy.
func (t *lockTable) acquire(documentID string) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[documentID] {
		return nil, false
	}
	t.held[documentID] = true
	return func() {
		t.mu.Lock()
		delete(t.held, documentID)
		t.mu.Unlock()
	}, true
}
