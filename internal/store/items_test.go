package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) (*ItemStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PDFDRAW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PDFDRAW_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewItemStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM pdfdraw_items`); err != nil {
		t.Fatalf("clear items: %v", err)
	}
	return s, ctx
}

func TestItemStoreRoundTrip(t *testing.T) {
	s, ctx := testStore(t)

	if err := s.StoreItem(ctx, "doc-1", 1, "path-a", `{"stroke":"red"}`); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreItem(ctx, "doc-1", 2, "path-b", `{"stroke":"blue"}`); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreItem(ctx, "doc-2", 1, "path-a", `{"stroke":"green"}`); err != nil {
		t.Fatalf("store: %v", err)
	}

	items, err := s.ListItems(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].Name != "path-a" || items[0].Page != 1 || items[0].Data != `{"stroke":"red"}` {
		t.Errorf("unexpected first item: %+v", items[0])
	}
	if items[1].Name != "path-b" || items[1].Page != 2 {
		t.Errorf("unexpected second item: %+v", items[1])
	}
}

func TestItemStoreUpsertMovesItem(t *testing.T) {
	s, ctx := testStore(t)

	if err := s.StoreItem(ctx, "doc-1", 1, "path-a", `{"v":1}`); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Same name on another page replaces the row instead of duplicating it.
	if err := s.StoreItem(ctx, "doc-1", 3, "path-a", `{"v":2}`); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	items, err := s.ListItems(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Page != 3 || items[0].Data != `{"v":2}` {
		t.Errorf("upsert did not replace: %+v", items[0])
	}
}

func TestItemStoreDelete(t *testing.T) {
	s, ctx := testStore(t)

	if err := s.StoreItem(ctx, "doc-1", 1, "path-a", `{}`); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.DeleteItem(ctx, "doc-1", 1, "path-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting an item that is already gone is not an error.
	if err := s.DeleteItem(ctx, "doc-1", 1, "path-a"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	items, err := s.ListItems(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}
