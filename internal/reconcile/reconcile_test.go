package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"carenotes/kb/internal/kbindex"
	"carenotes/kb/internal/store"
)

type fakeStore struct {
	docs map[string]store.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]store.Document)}
}

func (f *fakeStore) CompletedExternalIDs(context.Context) (map[string]store.Document, error) {
	byExternal := make(map[string]store.Document)
	for _, doc := range f.docs {
		if doc.SyncStatus == store.StatusCompleted && doc.ExternalID != "" {
			byExternal[doc.ExternalID] = doc
		}
	}
	return byExternal, nil
}

func (f *fakeStore) ListByStatus(_ context.Context, status store.SyncStatus) ([]store.Document, error) {
	items := make([]store.Document, 0)
	for _, doc := range f.docs {
		if doc.SyncStatus == status {
			items = append(items, doc)
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateSyncState(_ context.Context, documentID string, status store.SyncStatus, externalID, lastError string) error {
	doc := f.docs[documentID]
	doc.SyncStatus = status
	doc.ExternalID = externalID
	doc.LastError = lastError
	f.docs[documentID] = doc
	return nil
}

func (f *fakeStore) CompletedContentSize(_ context.Context, ownerID string) (int64, error) {
	var total int64
	for _, doc := range f.docs {
		if doc.OwnerID == ownerID && doc.SyncStatus == store.StatusCompleted {
			total += int64(len(doc.Content))
		}
	}
	return total, nil
}

type fakeIndex struct {
	seq       int
	remote    map[string]bool
	createErr error
	deleteErr error
	listErr   error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{remote: make(map[string]bool)}
}

func (f *fakeIndex) Create(context.Context, string, string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	id := fmt.Sprintf("ext-new-%d", f.seq)
	f.remote[id] = true
	return id, nil
}

func (f *fakeIndex) Delete(_ context.Context, externalID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.remote, externalID)
	return nil
}

func (f *fakeIndex) Attach(context.Context, string, string) error { return nil }
func (f *fakeIndex) Detach(context.Context, string, string) error { return nil }

func (f *fakeIndex) List(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]string, 0, len(f.remote))
	for id := range f.remote {
		ids = append(ids, id)
	}
	return ids, nil
}

func completed(id, ownerID, externalID, content string) store.Document {
	return store.Document{
		ID:         id,
		OwnerID:    ownerID,
		Name:       "doc " + id,
		Content:    content,
		ExternalID: externalID,
		SyncStatus: store.StatusCompleted,
	}
}

func TestAuditCleanState(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	fs.docs["doc-1"] = completed("doc-1", "owner-a", "ext-1", "c")
	fi.remote["ext-1"] = true

	report, err := NewAuditor(fs, fi).Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(report.Orphans) != 0 || len(report.Unsynced) != 0 {
		t.Errorf("clean state should report empty sets, got %v / %v", report.Orphans, report.UnsyncedIDs)
	}
	if report.RemoteTotal != 1 || report.LocalTotal != 1 {
		t.Errorf("totals wrong: remote=%d local=%d", report.RemoteTotal, report.LocalTotal)
	}
}

func TestAuditComputesBothSets(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	// ext-1 is consistent; ext-gone is claimed locally but missing
	// remotely; ext-stray exists remotely with no local claim.
	fs.docs["doc-1"] = completed("doc-1", "owner-a", "ext-1", "c")
	fs.docs["doc-2"] = completed("doc-2", "owner-a", "ext-gone", "c")
	fs.docs["doc-3"] = store.Document{ID: "doc-3", OwnerID: "owner-a", SyncStatus: store.StatusFailed}
	fi.remote["ext-1"] = true
	fi.remote["ext-stray"] = true

	report, err := NewAuditor(fs, fi).Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if !slices.Equal(report.Orphans, []string{"ext-stray"}) {
		t.Errorf("orphans = %v", report.Orphans)
	}
	if !slices.Equal(report.UnsyncedIDs, []string{"ext-gone"}) {
		t.Errorf("unsynced = %v", report.UnsyncedIDs)
	}
	if len(report.Unsynced) != 1 || report.Unsynced[0].ID != "doc-2" {
		t.Errorf("unsynced documents = %+v", report.Unsynced)
	}
}

func TestAuditFailsWhenIndexUnreachable(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	fi.listErr = &kbindex.TransientError{Err: errors.New("unreachable")}

	if _, err := NewAuditor(fs, fi).Audit(context.Background()); err == nil {
		t.Fatal("expected audit to fail when the index cannot be listed")
	}
}

func TestFixOrphansDeletesRemoteOnly(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	fs.docs["doc-1"] = completed("doc-1", "owner-a", "ext-1", "c")
	fi.remote["ext-1"] = true
	fi.remote["ext-stray"] = true

	auditor := NewAuditor(fs, fi)
	fixer := NewFixer(fs, fi, 0)

	report, _ := auditor.Audit(context.Background())
	deleted, err := fixer.FixOrphans(context.Background(), report.Orphans)
	if err != nil {
		t.Fatalf("FixOrphans failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d", deleted)
	}
	if len(fs.docs) != 1 {
		t.Error("fix-orphans must not touch the local store")
	}

	after, _ := auditor.Audit(context.Background())
	if len(after.Orphans) != 0 {
		t.Errorf("audit after fix-orphans should be clean, got %v", after.Orphans)
	}
}

func TestFixUnsyncedReuploads(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	fs.docs["doc-1"] = completed("doc-1", "owner-a", "ext-gone", "patient content")

	auditor := NewAuditor(fs, fi)
	fixer := NewFixer(fs, fi, 0)

	report, _ := auditor.Audit(context.Background())
	repaired, err := fixer.FixUnsynced(context.Background(), report.Unsynced)
	if err != nil {
		t.Fatalf("FixUnsynced failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d", repaired)
	}
	doc := fs.docs["doc-1"]
	if doc.SyncStatus != store.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", doc.SyncStatus)
	}
	if doc.ExternalID == "" || doc.ExternalID == "ext-gone" {
		t.Errorf("expected a fresh external id, got %q", doc.ExternalID)
	}

	after, _ := auditor.Audit(context.Background())
	if len(after.Unsynced) != 0 {
		t.Errorf("audit after fix-unsynced should be clean, got %v", after.UnsyncedIDs)
	}
}

func TestFixUnsyncedRepeatedFailureMarksFailed(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	fs.docs["doc-1"] = completed("doc-1", "owner-a", "ext-gone", "c")
	fi.createErr = &kbindex.TransientError{Err: errors.New("still down")}

	report, _ := NewAuditor(fs, fi).Audit(context.Background())
	repaired, err := NewFixer(fs, fi, 0).FixUnsynced(context.Background(), report.Unsynced)
	if err == nil {
		t.Fatal("expected an error for the failed re-upload")
	}
	if repaired != 0 {
		t.Errorf("repaired = %d", repaired)
	}
	doc := fs.docs["doc-1"]
	if doc.SyncStatus != store.StatusFailed || doc.LastError == "" {
		t.Errorf("expected FAILED with message, got %s %q", doc.SyncStatus, doc.LastError)
	}
}

func TestReconciliationConvergence(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	// Drift in both directions at once.
	fs.docs["doc-1"] = completed("doc-1", "owner-a", "ext-gone", "c")
	fi.remote["ext-stray"] = true

	auditor := NewAuditor(fs, fi)
	fixer := NewFixer(fs, fi, 0)

	report, err := auditor.Audit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fixer.FixOrphans(context.Background(), report.Orphans); err != nil {
		t.Fatal(err)
	}
	if _, err := fixer.FixUnsynced(context.Background(), report.Unsynced); err != nil {
		t.Fatal(err)
	}

	after, err := auditor.Audit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Orphans) != 0 || len(after.Unsynced) != 0 {
		t.Errorf("expected convergence, got orphans=%v unsynced=%v", after.Orphans, after.UnsyncedIDs)
	}
}

func TestRetryFailedRespectsQuota(t *testing.T) {
	fs := newFakeStore()
	fi := newFakeIndex()
	fs.docs["doc-full"] = completed("doc-full", "owner-a", "ext-1", "0123456789")
	fs.docs["doc-1"] = store.Document{
		ID: "doc-1", OwnerID: "owner-a", Name: "n", Content: "xx",
		SyncStatus: store.StatusFailed, LastError: "boom",
	}
	fs.docs["doc-2"] = store.Document{
		ID: "doc-2", OwnerID: "owner-b", Name: "n", Content: "yy",
		SyncStatus: store.StatusFailed, LastError: "boom",
	}

	retried, err := NewFixer(fs, fi, 10).RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if retried != 1 {
		t.Errorf("retried = %d, want 1 (owner-a is at the ceiling)", retried)
	}
	if fs.docs["doc-1"].SyncStatus != store.StatusFailed {
		t.Error("over-quota document must stay FAILED")
	}
	if fs.docs["doc-2"].SyncStatus != store.StatusCompleted {
		t.Error("other owner's document should have been retried")
	}
}
