// Package syncer implements the create/edit/delete protocols that keep the
// local document store and the external knowledge index consistent. The two
// stores never share a transaction; every multi-step sequence is an explicit
// saga whose intermediate states are recorded on the document row so a crash
// leaves a diagnosable state rather than an ambiguous one.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"carenotes/kb/internal/kbindex"
	"carenotes/kb/internal/registry"
	"carenotes/kb/internal/store"
	"carenotes/kb/internal/util"
)

// DocumentStore is the slice of the local store the orchestrator needs.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, ownerID, documentID string) (store.Document, error)
	UpdateSyncState(ctx context.Context, documentID string, status store.SyncStatus, externalID, lastError string) error
	CommitContent(ctx context.Context, documentID, content, contentHash, externalID string) error
	UpdateContent(ctx context.Context, documentID, content, contentHash string) error
	DeleteDocument(ctx context.Context, documentID string) error
	CompletedContentSize(ctx context.Context, ownerID string) (int64, error)
}

// Orchestrator sequences mutations across the local store, the agent link
// registry and the external index. Operations on one document are
// serialized; different documents proceed in parallel.
type Orchestrator struct {
	store      DocumentStore
	links      registry.Registry
	index      kbindex.Client
	quotaBytes int64
	locks      *lockTable
}

func New(documents DocumentStore, links registry.Registry, index kbindex.Client, quotaBytes int64) *Orchestrator {
	return &Orchestrator{
		store:      documents,
		links:      links,
		index:      index,
		quotaBytes: quotaBytes,
		locks:      newLockTable(),
	}
}

// HashContent returns the hex sha256 of content, used for idempotent
// re-upload detection.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Create persists a new PENDING document, uploads it, and records the
// outcome. A remote failure is not an error to the caller: the document is
// returned in FAILED state with the message on LastError, and the local
// record is retained so the caller can retry.
func (o *Orchestrator) Create(ctx context.Context, ownerID, name, content string) (store.Document, error) {
	if err := o.checkQuota(ctx, ownerID, int64(len(content))); err != nil {
		return store.Document{}, err
	}

	doc := store.Document{
		ID:          util.NewID("doc"),
		OwnerID:     ownerID,
		Name:        name,
		Content:     content,
		ContentHash: HashContent(content),
		SyncStatus:  store.StatusPending,
	}
	if err := o.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	externalID, err := o.index.Create(ctx, name, content)
	if err != nil {
		log.Printf("syncer: create %s: remote upload failed: %v", doc.ID, err)
		doc.SyncStatus = store.StatusFailed
		doc.LastError = err.Error()
		if updErr := o.store.UpdateSyncState(ctx, doc.ID, store.StatusFailed, "", err.Error()); updErr != nil {
			return store.Document{}, updErr
		}
		return o.store.GetDocument(ctx, ownerID, doc.ID)
	}

	if err := o.store.UpdateSyncState(ctx, doc.ID, store.StatusCompleted, externalID, ""); err != nil {
		return store.Document{}, err
	}
	return o.store.GetDocument(ctx, ownerID, doc.ID)
}

// Edit replaces a document's content. The external index has no update
// primitive, so a synced document goes through detach -> delete -> create ->
// reattach, preserving the agent set it entered with. A document with no
// live external counterpart skips straight to upload.
func (o *Orchestrator) Edit(ctx context.Context, ownerID, documentID, newContent string) (store.Document, error) {
	release, ok := o.locks.acquire(documentID)
	if !ok {
		return store.Document{}, ErrConflict
	}
	defer release()

	doc, err := o.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return store.Document{}, err
	}

	delta := int64(len(newContent))
	if doc.SyncStatus == store.StatusCompleted {
		delta -= int64(len(doc.Content))
	}
	if err := o.checkQuota(ctx, ownerID, delta); err != nil {
		return store.Document{}, err
	}

	if doc.ExternalID == "" {
		return o.uploadFresh(ctx, doc, newContent)
	}

	agents, err := o.links.LinksFor(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	// Detach from every agent before the delete; the index refuses to
	// delete an attached document. A failed detach aborts the edit and
	// rolls the already-detached agents back.
	for i, agentID := range agents {
		if err := o.index.Detach(ctx, doc.ExternalID, agentID); err != nil {
			log.Printf("syncer: edit %s: detach from %s failed, aborting: %v", documentID, agentID, err)
			for _, detached := range agents[:i] {
				if reErr := o.index.Attach(ctx, doc.ExternalID, detached); reErr != nil {
					log.Printf("syncer: edit %s: rollback reattach to %s failed: %v", documentID, detached, reErr)
				}
			}
			return store.Document{}, fmt.Errorf("detach from agent %s: %w", agentID, err)
		}
	}
	if len(agents) > 0 {
		if err := o.store.UpdateSyncState(ctx, documentID, store.StatusDetached, doc.ExternalID, ""); err != nil {
			return store.Document{}, err
		}
	}

	if err := o.index.Delete(ctx, doc.ExternalID); err != nil {
		return o.failEdit(ctx, ownerID, documentID, fmt.Errorf("delete old document: %w", err))
	}

	newExternalID, err := o.index.Create(ctx, doc.Name, newContent)
	if err != nil {
		return o.failEdit(ctx, ownerID, documentID, fmt.Errorf("upload new content: %w", err))
	}

	for _, agentID := range agents {
		if err := o.index.Attach(ctx, newExternalID, agentID); err != nil {
			// The edit still completes; attachment drift is left for
			// manual repair, see the audit tooling's scope.
			log.Printf("syncer: edit %s: partial reattach, agent %s: %v", documentID, agentID, err)
		}
	}

	if err := o.store.CommitContent(ctx, documentID, newContent, HashContent(newContent), newExternalID); err != nil {
		return store.Document{}, err
	}
	return o.store.GetDocument(ctx, ownerID, documentID)
}

// failEdit records the degraded-but-safe state after the old external
// document may already be gone: FAILED, no external id, previous content
// kept. The audit tooling surfaces it as unsynced.
func (o *Orchestrator) failEdit(ctx context.Context, ownerID, documentID string, cause error) (store.Document, error) {
	if err := o.store.UpdateSyncState(ctx, documentID, store.StatusFailed, "", cause.Error()); err != nil {
		log.Printf("syncer: edit %s: recording failure state: %v", documentID, err)
	}
	doc, err := o.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return store.Document{}, cause
	}
	return doc, cause
}

// uploadFresh handles editing a document that has no remote counterpart
// (first upload failed, or a previous edit died mid-saga): store the new
// content and try the upload again.
func (o *Orchestrator) uploadFresh(ctx context.Context, doc store.Document, newContent string) (store.Document, error) {
	externalID, err := o.index.Create(ctx, doc.Name, newContent)
	if err != nil {
		log.Printf("syncer: edit %s: upload failed: %v", doc.ID, err)
		if updErr := o.store.UpdateContent(ctx, doc.ID, newContent, HashContent(newContent)); updErr != nil {
			return store.Document{}, updErr
		}
		if updErr := o.store.UpdateSyncState(ctx, doc.ID, store.StatusFailed, "", err.Error()); updErr != nil {
			return store.Document{}, updErr
		}
		return o.store.GetDocument(ctx, doc.OwnerID, doc.ID)
	}
	if err := o.store.CommitContent(ctx, doc.ID, newContent, HashContent(newContent), externalID); err != nil {
		return store.Document{}, err
	}
	return o.store.GetDocument(ctx, doc.OwnerID, doc.ID)
}

// Delete removes a document locally no matter what the external index says.
// Remote detach and delete are attempted first, best-effort; a remote
// orphan is cheaper than a local record nobody can remove, and the fixer
// cleans orphans up later. Deleting an absent document is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, ownerID, documentID string) error {
	release, ok := o.locks.acquire(documentID)
	if !ok {
		return ErrConflict
	}
	defer release()

	doc, err := o.store.GetDocument(ctx, ownerID, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if doc.ExternalID != "" {
		agents, err := o.links.LinksFor(ctx, documentID)
		if err != nil {
			log.Printf("syncer: delete %s: listing links: %v", documentID, err)
		}
		for _, agentID := range agents {
			if err := o.index.Detach(ctx, doc.ExternalID, agentID); err != nil {
				log.Printf("syncer: delete %s: detach from %s: %v", documentID, agentID, err)
			}
		}
		if err := o.index.Delete(ctx, doc.ExternalID); err != nil {
			log.Printf("syncer: delete %s: remote delete %s: %v", documentID, doc.ExternalID, err)
		}
	}

	if err := o.links.RemoveDocument(ctx, documentID); err != nil {
		return err
	}
	return o.store.DeleteDocument(ctx, documentID)
}

// Attach links a synced document to an agent: external first, then the
// local mirror, so the registry never claims an attachment the index
// refused.
func (o *Orchestrator) Attach(ctx context.Context, ownerID, documentID, agentID string) error {
	release, ok := o.locks.acquire(documentID)
	if !ok {
		return ErrConflict
	}
	defer release()

	doc, err := o.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return err
	}
	if doc.SyncStatus != store.StatusCompleted || doc.ExternalID == "" {
		return ErrNotSynced
	}

	if err := o.index.Attach(ctx, doc.ExternalID, agentID); err != nil {
		return fmt.Errorf("attach to agent %s: %w", agentID, err)
	}
	return o.links.Attach(ctx, documentID, agentID)
}

// Detach unlinks a document from an agent. A document the index no longer
// holds detaches cleanly.
func (o *Orchestrator) Detach(ctx context.Context, ownerID, documentID, agentID string) error {
	release, ok := o.locks.acquire(documentID)
	if !ok {
		return ErrConflict
	}
	defer release()

	doc, err := o.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return err
	}

	if doc.ExternalID != "" {
		if err := o.index.Detach(ctx, doc.ExternalID, agentID); err != nil {
			return fmt.Errorf("detach from agent %s: %w", agentID, err)
		}
	}
	return o.links.Detach(ctx, documentID, agentID)
}

// checkQuota rejects before any external call when the owner's projected
// aggregate of synced content would exceed the account ceiling.
func (o *Orchestrator) checkQuota(ctx context.Context, ownerID string, delta int64) error {
	if o.quotaBytes <= 0 || delta <= 0 {
		return nil
	}
	used, err := o.store.CompletedContentSize(ctx, ownerID)
	if err != nil {
		return err
	}
	if used+delta > o.quotaBytes {
		return &QuotaExceededError{OwnerID: ownerID, Limit: o.quotaBytes, Projected: used + delta}
	}
	return nil
}
