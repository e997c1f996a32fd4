// Package reconcile audits and repairs drift between the local document
// store and the external knowledge index. The auditor is read-only; the
// fixer applies the corrective actions the audit identified. Both are built
// to run as a batch job alongside live traffic: anything they "fix" that
// was actually mid-flight simply shows up again on the next audit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"carenotes/kb/internal/kbindex"
	"carenotes/kb/internal/store"
)

// Store is the slice of the local store reconciliation needs.
type Store interface {
	CompletedExternalIDs(ctx context.Context) (map[string]store.Document, error)
	ListByStatus(ctx context.Context, status store.SyncStatus) ([]store.Document, error)
	UpdateSyncState(ctx context.Context, documentID string, status store.SyncStatus, externalID, lastError string) error
	CompletedContentSize(ctx context.Context, ownerID string) (int64, error)
}

// Report is the outcome of one audit pass. Orphans exist remotely with no
// local record claiming them; Unsynced records believe they are synced but
// their external id is gone. The two reads are not a consistent snapshot;
// a document mutated between them may transiently land in neither set.
type Report struct {
	RemoteTotal int              `json:"remoteTotal"`
	LocalTotal  int              `json:"localTotal"`
	Orphans     []string         `json:"orphans"`
	Unsynced    []store.Document `json:"-"`
	UnsyncedIDs []string         `json:"unsynced"`
}

// Auditor computes the set differences. Read-only.
type Auditor struct {
	store Store
	index kbindex.Client
}

func NewAuditor(s Store, index kbindex.Client) *Auditor {
	return &Auditor{store: s, index: index}
}

func (a *Auditor) Audit(ctx context.Context) (Report, error) {
	remoteIDs, err := a.index.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list remote documents: %w", err)
	}
	local, err := a.store.CompletedExternalIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list local expectations: %w", err)
	}

	remote := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		remote[id] = true
	}

	report := Report{
		RemoteTotal: len(remoteIDs),
		LocalTotal:  len(local),
		Orphans:     make([]string, 0),
		Unsynced:    make([]store.Document, 0),
		UnsyncedIDs: make([]string, 0),
	}
	for _, id := range remoteIDs {
		if _, claimed := local[id]; !claimed {
			report.Orphans = append(report.Orphans, id)
		}
	}
	for externalID, doc := range local {
		if !remote[externalID] {
			report.Unsynced = append(report.Unsynced, doc)
			report.UnsyncedIDs = append(report.UnsyncedIDs, externalID)
		}
	}
	sort.Strings(report.Orphans)
	sort.Strings(report.UnsyncedIDs)
	sort.Slice(report.Unsynced, func(i, j int) bool {
		return report.Unsynced[i].ExternalID < report.Unsynced[j].ExternalID
	})
	return report, nil
}

// Fixer applies corrective actions. Each mode is idempotent: a fresh audit
// right after a fix reports the corresponding set empty, modulo new drift.
type Fixer struct {
	store      Store
	index      kbindex.Client
	quotaBytes int64
}

func NewFixer(s Store, index kbindex.Client, quotaBytes int64) *Fixer {
	return &Fixer{store: s, index: index, quotaBytes: quotaBytes}
}

// FixOrphans deletes remote documents no local record owns. The local store
// is never touched; these ids are not ours to record. Returns how many were
// deleted and the joined failures, if any.
func (f *Fixer) FixOrphans(ctx context.Context, orphans []string) (int, error) {
	deleted := 0
	var errs []error
	for _, externalID := range orphans {
		if err := f.index.Delete(ctx, externalID); err != nil {
			log.Printf("reconcile: delete orphan %s: %v", externalID, err)
			errs = append(errs, fmt.Errorf("orphan %s: %w", externalID, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// FixUnsynced re-uploads local documents whose external counterpart is
// gone, assigning each a fresh external id. A document that fails again is
// marked FAILED and left for manual inspection.
func (f *Fixer) FixUnsynced(ctx context.Context, unsynced []store.Document) (int, error) {
	repaired := 0
	var errs []error
	for _, doc := range unsynced {
		externalID, err := f.index.Create(ctx, doc.Name, doc.Content)
		if err != nil {
			log.Printf("reconcile: re-upload %s: %v", doc.ID, err)
			if updErr := f.store.UpdateSyncState(ctx, doc.ID, store.StatusFailed, "", err.Error()); updErr != nil {
				errs = append(errs, updErr)
			}
			errs = append(errs, fmt.Errorf("re-upload %s: %w", doc.ID, err))
			continue
		}
		if err := f.store.UpdateSyncState(ctx, doc.ID, store.StatusCompleted, externalID, ""); err != nil {
			errs = append(errs, err)
			continue
		}
		repaired++
	}
	return repaired, errors.Join(errs...)
}

// RetryFailed sweeps FAILED documents and retries their upload. Quota is
// re-checked per owner before each attempt; an owner over the ceiling keeps
// the document FAILED with the quota message.
func (f *Fixer) RetryFailed(ctx context.Context) (int, error) {
	failed, err := f.store.ListByStatus(ctx, store.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("list failed documents: %w", err)
	}

	retried := 0
	var errs []error
	for _, doc := range failed {
		if f.quotaBytes > 0 {
			used, err := f.store.CompletedContentSize(ctx, doc.OwnerID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if used+int64(len(doc.Content)) > f.quotaBytes {
				log.Printf("reconcile: retry %s: owner %s over quota, skipping", doc.ID, doc.OwnerID)
				continue
			}
		}
		externalID, err := f.index.Create(ctx, doc.Name, doc.Content)
		if err != nil {
			log.Printf("reconcile: retry %s: %v", doc.ID, err)
			if updErr := f.store.UpdateSyncState(ctx, doc.ID, store.StatusFailed, "", err.Error()); updErr != nil {
				errs = append(errs, updErr)
			}
			continue
		}
		if err := f.store.UpdateSyncState(ctx, doc.ID, store.StatusCompleted, externalID, ""); err != nil {
			errs = append(errs, err)
			continue
		}
		retried++
	}
	return retried, errors.Join(errs...)
}
