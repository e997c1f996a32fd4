package syncer

import (
	"errors"
	"fmt"
)

// ErrConflict reports that another create/edit/delete is already in flight
// for the same document. Callers retry later; the orchestrator never queues
// behind a held lock.
var ErrConflict = errors.New("syncer: operation in flight for document")

// ErrNotSynced reports an attach on a document that has no live external
// counterpart to attach.
var ErrNotSynced = errors.New("syncer: document is not synced to the knowledge index")

// QuotaExceededError is terminal: the projected aggregate of the owner's
// synced content would exceed the account ceiling. Detected before any
// external call.
type QuotaExceededError struct {
	OwnerID   string
	Limit     int64
	Projected int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("syncer: owner %s quota exceeded: %d of %d bytes", e.OwnerID, e.Projected, e.Limit)
}
