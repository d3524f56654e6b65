package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type storeConstructor func(t *testing.T) Store

func strPtr(s string) *string { return &s }

// runStoreConformance exercises the Store contract against one backend.
func runStoreConformance(t *testing.T, newStore storeConstructor) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := NaturalKey{ExternalID: "c1", CustomerID: "u1"}
		patch := RecordPatch{DisplayName: strPtr("Acme"), Fields: map[string]any{"industry": "tools"}}

		first, err := store.Upsert(ctx, key, patch, UpsertOptions{Replace: true})
		if err != nil {
			t.Fatalf("first upsert failed: %v", err)
		}
		second, err := store.Upsert(ctx, key, patch, UpsertOptions{Replace: true})
		if err != nil {
			t.Fatalf("second upsert failed: %v", err)
		}
		if first.StorageID == "" || first.StorageID != second.StorageID {
			t.Fatalf("expected stable storage id, got %q then %q", first.StorageID, second.StorageID)
		}
		page, err := store.List(ctx, ListQuery{CustomerID: "u1"})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page.Records) != 1 {
			t.Fatalf("expected exactly one record, got %d", len(page.Records))
		}
		got := page.Records[0]
		if got.DisplayName != "Acme" || got.Fields["industry"] != "tools" {
			t.Fatalf("unexpected stored record: %+v", got)
		}
		if second.Revision != first.Revision+1 {
			t.Fatalf("expected revision to advance, got %d then %d", first.Revision, second.Revision)
		}
	})

	t.Run("CustomersAreIsolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, customer := range []string{"u1", "u2"} {
			if _, err := store.Upsert(ctx, NaturalKey{ExternalID: "shared", CustomerID: customer},
				RecordPatch{DisplayName: strPtr(customer)}, UpsertOptions{Replace: true}); err != nil {
				t.Fatalf("upsert for %s failed: %v", customer, err)
			}
		}
		rec, err := store.FindOne(ctx, NaturalKey{ExternalID: "shared", CustomerID: "u2"})
		if err != nil {
			t.Fatalf("find failed: %v", err)
		}
		if rec.DisplayName != "u2" {
			t.Fatalf("expected u2 record, got %+v", rec)
		}
		page, err := store.List(ctx, ListQuery{CustomerID: "u1"})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page.Records) != 1 || page.Records[0].CustomerID != "u1" {
			t.Fatalf("expected only u1 records, got %+v", page.Records)
		}
	})

	t.Run("MergePatchKeepsUnnamedFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := NaturalKey{ExternalID: "c1", CustomerID: "u1"}
		if _, err := store.Upsert(ctx, key, RecordPatch{
			DisplayName: strPtr("Acme"),
			Fields:      map[string]any{"industry": "tools", "domain": "acme.test"},
		}, UpsertOptions{Replace: true}); err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
		rec, err := store.Upsert(ctx, key, RecordPatch{Fields: map[string]any{"industry": "retail"}}, UpsertOptions{})
		if err != nil {
			t.Fatalf("merge upsert failed: %v", err)
		}
		if rec.DisplayName != "Acme" {
			t.Fatalf("expected name to survive merge, got %q", rec.DisplayName)
		}
		if rec.Fields["industry"] != "retail" || rec.Fields["domain"] != "acme.test" {
			t.Fatalf("unexpected merged fields: %+v", rec.Fields)
		}
		if rec.CustomerID != "u1" || rec.ExternalID != "c1" {
			t.Fatalf("natural key changed: %+v", rec.Key())
		}
	})

	t.Run("ReplaceDropsOmittedFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := NaturalKey{ExternalID: "c1", CustomerID: "u1"}
		if _, err := store.Upsert(ctx, key, RecordPatch{
			DisplayName: strPtr("Acme"),
			Fields:      map[string]any{"industry": "tools", "domain": "acme.test"},
			URI:         strPtr("https://crm.test/c1"),
		}, UpsertOptions{Replace: true}); err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
		rec, err := store.Upsert(ctx, key, RecordPatch{
			DisplayName: strPtr("Acme 2"),
			Fields:      map[string]any{"industry": "retail"},
		}, UpsertOptions{Replace: true})
		if err != nil {
			t.Fatalf("replace upsert failed: %v", err)
		}
		if _, ok := rec.Fields["domain"]; ok {
			t.Fatalf("expected domain to be dropped, got %+v", rec.Fields)
		}
		if rec.URI != nil {
			t.Fatalf("expected uri to be cleared, got %q", *rec.URI)
		}
	})

	t.Run("DeleteMissingIsNotFound", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := NaturalKey{ExternalID: "gone", CustomerID: "u1"}
		if _, err := store.DeleteOne(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := store.Upsert(ctx, key, RecordPatch{DisplayName: strPtr("x")}, UpsertOptions{Replace: true}); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		deleted, err := store.DeleteOne(ctx, key)
		if err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if deleted.DisplayName != "x" {
			t.Fatalf("expected deleted record to be returned, got %+v", deleted)
		}
		if _, err := store.FindOne(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ListPaginatesInInsertionOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 101; i++ {
			key := NaturalKey{ExternalID: fmt.Sprintf("c%03d", i), CustomerID: "u1"}
			if _, err := store.Upsert(ctx, key, RecordPatch{DisplayName: strPtr(key.ExternalID)}, UpsertOptions{Replace: true}); err != nil {
				t.Fatalf("upsert %d failed: %v", i, err)
			}
		}
		first, err := store.List(ctx, ListQuery{CustomerID: "u1"})
		if err != nil {
			t.Fatalf("first page failed: %v", err)
		}
		if len(first.Records) != DefaultPageSize {
			t.Fatalf("expected %d records, got %d", DefaultPageSize, len(first.Records))
		}
		if first.NextCursor == nil || *first.NextCursor != 100 {
			t.Fatalf("expected next cursor 100, got %v", first.NextCursor)
		}
		if first.Records[0].ExternalID != "c000" || first.Records[99].ExternalID != "c099" {
			t.Fatalf("unexpected ordering: %s .. %s", first.Records[0].ExternalID, first.Records[99].ExternalID)
		}
		second, err := store.List(ctx, ListQuery{CustomerID: "u1", Cursor: *first.NextCursor})
		if err != nil {
			t.Fatalf("second page failed: %v", err)
		}
		if len(second.Records) != 1 || second.Records[0].ExternalID != "c100" {
			t.Fatalf("unexpected second page: %+v", second.Records)
		}
		if second.NextCursor != nil {
			t.Fatalf("expected no next cursor on last page, got %v", *second.NextCursor)
		}
	})

	t.Run("ListFilterMatchesNameAndSearchFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		seed := []struct {
			id     string
			name   string
			fields map[string]any
		}{
			{"a1", "Acme Corp", map[string]any{"industry": "Manufacturing"}},
			{"b2", "Beta", map[string]any{"domain": "beta.example"}},
			{"c3", "Gamma", map[string]any{"note": "acme mention"}},
			{"d4", "Delta", map[string]any{"industry": float64(4711)}},
		}
		for _, s := range seed {
			if _, err := store.Upsert(ctx, NaturalKey{ExternalID: s.id, CustomerID: "u1"},
				RecordPatch{DisplayName: strPtr(s.name), Fields: s.fields}, UpsertOptions{Replace: true}); err != nil {
				t.Fatalf("seed %s failed: %v", s.id, err)
			}
		}
		cases := map[string][]string{
			"acme":  {"a1"},
			"MANUF": {"a1"},
			"beta.": {"b2"},
			"c3":    {"c3"},
			"100%":  {},
			"471":   {"d4"},
		}
		for filter, want := range cases {
			page, err := store.List(ctx, ListQuery{CustomerID: "u1", Filter: filter})
			if err != nil {
				t.Fatalf("list %q failed: %v", filter, err)
			}
			got := make([]string, 0, len(page.Records))
			for _, rec := range page.Records {
				got = append(got, rec.ExternalID)
			}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("filter %q: expected %v, got %v", filter, want, got)
			}
		}
	})

	t.Run("MustExistNeverInserts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := NaturalKey{ExternalID: "c1", CustomerID: "u1"}
		edit := RecordPatch{Fields: map[string]any{"phone": "1"}}

		if _, err := store.Upsert(ctx, key, edit, UpsertOptions{MustExist: true}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found for missing record, got %v", err)
		}
		if _, err := store.FindOne(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected no record to be created, got %v", err)
		}

		created, err := store.Upsert(ctx, key, RecordPatch{DisplayName: strPtr("Acme"), Fields: map[string]any{"industry": "tools"}}, UpsertOptions{Replace: true})
		if err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
		updated, err := store.Upsert(ctx, key, edit, UpsertOptions{MustExist: true})
		if err != nil {
			t.Fatalf("update of existing record failed: %v", err)
		}
		if updated.StorageID != created.StorageID || updated.DisplayName != "Acme" {
			t.Fatalf("expected merge into the existing record, got %+v", updated)
		}
		if updated.Fields["industry"] != "tools" || updated.Fields["phone"] != "1" {
			t.Fatalf("expected merged fields, got %+v", updated.Fields)
		}

		if _, err := store.DeleteOne(ctx, key); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := store.Upsert(ctx, key, edit, UpsertOptions{MustExist: true}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		page, err := store.List(ctx, ListQuery{CustomerID: "u1"})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page.Records) != 0 {
			t.Fatalf("expected deleted record to stay deleted, got %+v", page.Records)
		}
	})

	t.Run("RejectsMissingKeyParts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Upsert(ctx, NaturalKey{ExternalID: "c1"}, RecordPatch{}, UpsertOptions{})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for missing customer, got %v", err)
		}
		if _, err := store.List(ctx, ListQuery{}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for list without customer, got %v", err)
		}
	})

	t.Run("ConcurrentUpsertsConverge", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := NaturalKey{ExternalID: "race", CustomerID: "u1"}
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Upsert(ctx, key, RecordPatch{Fields: map[string]any{fmt.Sprintf("k%d", i): i}}, UpsertOptions{})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent upsert failed: %v", err)
			}
		}
		page, err := store.List(ctx, ListQuery{CustomerID: "u1"})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page.Records) != 1 {
			t.Fatalf("expected one record after concurrent upserts, got %d", len(page.Records))
		}
		if len(page.Records[0].Fields) != 8 {
			t.Fatalf("expected all 8 merged fields, got %+v", page.Records[0].Fields)
		}
	})
}
