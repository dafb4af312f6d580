// Package testsuite holds behavior checks shared by every AuditLogStore
// implementation.
package testsuite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/porthorian/openguard/pkg/storage"
)

// RunAuditLogStore exercises store against the AuditLogStore contract.
// newStore must return an empty store.
func RunAuditLogStore(t *testing.T, newStore func(t *testing.T) storage.AuditLogStore) {
	t.Helper()

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	record := func(principal string, offset time.Duration, action string) storage.AuditRecord {
		return storage.AuditRecord{
			ID:          uuid.NewString(),
			OccurredAt:  base.Add(offset),
			Action:      action,
			PrincipalID: principal,
			Resource:    "reports:read",
			Outcome:     "success",
			IPAddress:   "10.0.0.1",
			Metadata:    map[string]string{"status": "OK"},
		}
	}

	t.Run("put and list newest first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		batch := []storage.AuditRecord{
			record("u1", 0, "first"),
			record("u1", time.Second, "second"),
			record("u2", 2*time.Second, "other"),
		}
		if err := store.PutAuditBatch(ctx, batch); err != nil {
			t.Fatalf("put batch: %v", err)
		}

		got, err := store.ListAudit(ctx, storage.AuditQuery{PrincipalID: "u1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 records, got %d", len(got))
		}
		if got[0].Action != "second" || got[1].Action != "first" {
			t.Fatalf("expected newest first, got %q then %q", got[0].Action, got[1].Action)
		}
		if got[0].ID != batch[1].ID || !got[0].OccurredAt.Equal(batch[1].OccurredAt) {
			t.Fatalf("record did not round trip: %+v", got[0])
		}
		if got[0].Metadata["status"] != "OK" || got[0].IPAddress != "10.0.0.1" || got[0].Outcome != "success" {
			t.Fatalf("record fields did not round trip: %+v", got[0])
		}
		if got[0].DateAdded.IsZero() {
			t.Fatal("expected date added to be set")
		}
	})

	t.Run("list all principals since", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.PutAuditBatch(ctx, []storage.AuditRecord{
			record("u1", 0, "old"),
			record("u2", time.Minute, "new-a"),
			record("u3", 2*time.Minute, "new-b"),
		}); err != nil {
			t.Fatalf("put batch: %v", err)
		}

		got, err := store.ListAudit(ctx, storage.AuditQuery{Since: base.Add(time.Minute)})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 || got[0].Action != "new-b" || got[1].Action != "new-a" {
			t.Fatalf("unexpected records %+v", got)
		}

		limited, err := store.ListAudit(ctx, storage.AuditQuery{Limit: 1})
		if err != nil {
			t.Fatalf("list limited: %v", err)
		}
		if len(limited) != 1 || limited[0].Action != "new-b" {
			t.Fatalf("unexpected limited records %+v", limited)
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		store := newStore(t)
		if err := store.PutAuditBatch(context.Background(), nil); err != nil {
			t.Fatalf("put empty batch: %v", err)
		}
		got, err := store.ListAudit(context.Background(), storage.AuditQuery{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no records, got %d", len(got))
		}
	})

	t.Run("duplicate id rejects the whole batch", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first := record("u1", 0, "a")
		if err := store.PutAuditBatch(ctx, []storage.AuditRecord{first}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := store.PutAuditBatch(ctx, []storage.AuditRecord{record("u1", time.Second, "b"), first}); err == nil {
			t.Fatal("expected duplicate id to fail")
		}

		got, err := store.ListAudit(ctx, storage.AuditQuery{PrincipalID: "u1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected failed batch to be rolled back, got %d records", len(got))
		}
	})

	t.Run("missing id is assigned", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		unnamed := record("u9", 0, "anon")
		unnamed.ID = ""
		unnamed.Metadata = nil
		if err := store.PutAuditBatch(ctx, []storage.AuditRecord{unnamed}); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := store.ListAudit(ctx, storage.AuditQuery{PrincipalID: "u9"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID == "" {
			t.Fatalf("expected an assigned id, got %+v", got)
		}
	})
}
