package registry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carenotes/kb/internal/store"
)

func openTestDatabase(t *testing.T) *sql.DB {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("KB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("KB_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func seedDocument(t *testing.T, db *sql.DB, documentID string) {
	t.Helper()
	docs := store.NewPostgresStore(db)
	err := docs.InsertDocument(context.Background(), store.Document{
		ID: documentID, OwnerID: "owner-a", Name: "n", Content: "c", ContentHash: "h",
		SyncStatus: store.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed document %s: %v", documentID, err)
	}
}

func TestPostgresRegistryAttachDetach(t *testing.T) {
	db := openTestDatabase(t)
	reg := NewPostgresRegistry(db)
	ctx := context.Background()

	seedDocument(t, db, "doc-1")

	if err := reg.Attach(ctx, "doc-1", "agent-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// Attaching the same pair twice is a no-op.
	if err := reg.Attach(ctx, "doc-1", "agent-1"); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if err := reg.Attach(ctx, "doc-1", "agent-2"); err != nil {
		t.Fatalf("attach second agent: %v", err)
	}

	links, err := reg.LinksFor(ctx, "doc-1")
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 2 || links[0] != "agent-1" || links[1] != "agent-2" {
		t.Errorf("links = %v", links)
	}

	inUse, err := reg.IsInUse(ctx, "doc-1")
	if err != nil || !inUse {
		t.Errorf("IsInUse = %v, %v", inUse, err)
	}

	if err := reg.Detach(ctx, "doc-1", "agent-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	links, _ = reg.LinksFor(ctx, "doc-1")
	if len(links) != 1 || links[0] != "agent-2" {
		t.Errorf("links after detach = %v", links)
	}
}

func TestPostgresRegistryDocumentsFor(t *testing.T) {
	db := openTestDatabase(t)
	reg := NewPostgresRegistry(db)
	ctx := context.Background()

	seedDocument(t, db, "doc-1")
	seedDocument(t, db, "doc-2")

	for _, documentID := range []string{"doc-1", "doc-2"} {
		if err := reg.Attach(ctx, documentID, "agent-1"); err != nil {
			t.Fatalf("attach %s: %v", documentID, err)
		}
	}

	docs, err := reg.DocumentsFor(ctx, "agent-1")
	if err != nil {
		t.Fatalf("documents for agent: %v", err)
	}
	if len(docs) != 2 || docs[0] != "doc-1" || docs[1] != "doc-2" {
		t.Errorf("documents = %v", docs)
	}
}

func TestPostgresRegistryRemoveDocument(t *testing.T) {
	db := openTestDatabase(t)
	reg := NewPostgresRegistry(db)
	ctx := context.Background()

	seedDocument(t, db, "doc-1")
	if err := reg.Attach(ctx, "doc-1", "agent-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := reg.RemoveDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	inUse, err := reg.IsInUse(ctx, "doc-1")
	if err != nil || inUse {
		t.Errorf("IsInUse after remove = %v, %v", inUse, err)
	}
}

func TestPostgresRegistryCascadesWithDocument(t *testing.T) {
	db := openTestDatabase(t)
	reg := NewPostgresRegistry(db)
	docs := store.NewPostgresStore(db)
	ctx := context.Background()

	seedDocument(t, db, "doc-1")
	if err := reg.Attach(ctx, "doc-1", "agent-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := docs.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	links, err := reg.LinksFor(ctx, "doc-1")
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("links should cascade away with the document, got %v", links)
	}
}
