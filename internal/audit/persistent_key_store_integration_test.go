package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPersistentKeyStore_KeyLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	if _, err := NewPersistentKeyStore(nil); !errors.Is(err, ErrNoDatabaseConnection) {
		t.Errorf("NewPersistentKeyStore(nil) error = %v, want ErrNoDatabaseConnection", err)
	}

	container, conn := setupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	})

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error: %v", err)
	}

	plaintext, err := GenerateAPIKey("ci-runner")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	key := &Key{
		ID:          "lifecycle-1",
		Key:         plaintext,
		ClientID:    "ci-runner",
		Name:        "lifecycle key",
		Permissions: []string{"runs:read", "lineage:read"},
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	}

	t.Run("add stores a bcrypt hash, never the plaintext", func(t *testing.T) {
		if err := store.Add(ctx, key); err != nil {
			t.Fatalf("Add() error: %v", err)
		}

		var hash string
		if err := conn.QueryRowContext(ctx,
			`SELECT key_hash FROM api_keys WHERE id = $1`, key.ID,
		).Scan(&hash); err != nil {
			t.Fatalf("reading stored hash: %v", err)
		}

		if hash == plaintext {
			t.Error("plaintext key was stored instead of a hash")
		}

		if !strings.HasPrefix(hash, "$2") {
			t.Errorf("stored hash %q is not in bcrypt format", hash)
		}
	})

	t.Run("add rejects nil and duplicate keys", func(t *testing.T) {
		if err := store.Add(ctx, nil); !errors.Is(err, ErrKeyNil) {
			t.Errorf("Add(nil) error = %v, want ErrKeyNil", err)
		}

		dup := &Key{
			ID:        "lifecycle-dup",
			Key:       plaintext,
			ClientID:  "ci-runner",
			Name:      "duplicate plaintext",
			CreatedAt: time.Now().UTC(),
			Active:    true,
		}

		if err := store.Add(ctx, dup); !errors.Is(err, ErrKeyAlreadyExists) {
			t.Errorf("Add(same plaintext) error = %v, want ErrKeyAlreadyExists", err)
		}
	})

	t.Run("find authenticates and masks the returned value", func(t *testing.T) {
		found, ok := store.FindByKey(ctx, plaintext)
		if !ok {
			t.Fatal("FindByKey() did not find the added key")
		}

		if found.ID != key.ID {
			t.Errorf("FindByKey() ID = %q, want %q", found.ID, key.ID)
		}

		if found.Key == plaintext || strings.HasPrefix(found.Key, "$2") {
			t.Error("FindByKey() leaked the plaintext or the hash")
		}

		if len(found.Permissions) != 2 {
			t.Errorf("FindByKey() permissions = %v, want both entries", found.Permissions)
		}

		if _, ok := store.FindByKey(ctx, "loom_ak_"+strings.Repeat("0", 64)); ok {
			t.Error("FindByKey() matched a key that was never added")
		}

		if _, ok := store.FindByKey(ctx, ""); ok {
			t.Error("FindByKey(empty) reported a match")
		}
	})

	t.Run("update rewrites the mutable fields", func(t *testing.T) {
		key.Name = "renamed"
		key.Permissions = []string{"runs:read"}

		if err := store.Update(ctx, key); err != nil {
			t.Fatalf("Update() error: %v", err)
		}

		found, ok := store.FindByKey(ctx, plaintext)
		if !ok {
			t.Fatal("key vanished after update")
		}

		if found.Name != "renamed" || len(found.Permissions) != 1 {
			t.Errorf("update did not stick: name=%q permissions=%v", found.Name, found.Permissions)
		}

		ghost := &Key{ID: "no-such-id", Name: "ghost"}
		if err := store.Update(ctx, ghost); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Update(unknown) error = %v, want ErrKeyNotFound", err)
		}

		if err := store.Update(ctx, nil); !errors.Is(err, ErrKeyNil) {
			t.Errorf("Update(nil) error = %v, want ErrKeyNil", err)
		}
	})

	t.Run("delete is soft", func(t *testing.T) {
		if err := store.Delete(ctx, key.ID); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}

		if _, ok := store.FindByKey(ctx, plaintext); ok {
			t.Error("soft-deleted key still authenticates")
		}

		var active bool
		if err := conn.QueryRowContext(ctx,
			`SELECT active FROM api_keys WHERE id = $1`, key.ID,
		).Scan(&active); err != nil {
			t.Fatalf("soft-deleted row is gone: %v", err)
		}

		if active {
			t.Error("row still active after delete")
		}

		if err := store.Delete(ctx, "no-such-id"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Delete(unknown) error = %v, want ErrKeyNotFound", err)
		}

		if err := store.Delete(ctx, ""); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Delete(empty) error = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("every mutation reached the audit log", func(t *testing.T) {
		counts := map[string]int{}

		rows, err := conn.QueryContext(ctx,
			`SELECT operation, COUNT(*) FROM api_key_audit_log WHERE api_key_id = $1 GROUP BY operation`,
			key.ID,
		)
		if err != nil {
			t.Fatalf("reading audit log: %v", err)
		}

		defer func() {
			_ = rows.Close()
		}()

		for rows.Next() {
			var (
				op string
				n  int
			)

			if err := rows.Scan(&op, &n); err != nil {
				t.Fatalf("scanning audit log: %v", err)
			}

			counts[op] = n
		}

		if err := rows.Err(); err != nil {
			t.Fatalf("iterating audit log: %v", err)
		}

		want := map[string]int{keyOpCreate: 1, keyOpUpdate: 1, keyOpDelete: 1}
		for op, n := range want {
			if counts[op] != n {
				t.Errorf("audit log %s entries = %d, want %d", op, counts[op], n)
			}
		}
	})
}

func TestPersistentKeyStore_ListByClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	})

	store, err := NewPersistentKeyStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentKeyStore() error: %v", err)
	}

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	seed := []struct {
		id        string
		clientID  string
		createdAt time.Time
		active    bool
	}{
		{id: "runner-old", clientID: "ci-runner", createdAt: base, active: true},
		{id: "runner-new", clientID: "ci-runner", createdAt: base.Add(2 * time.Hour), active: true},
		{id: "runner-dead", clientID: "ci-runner", createdAt: base.Add(time.Hour), active: false},
		{id: "dash-only", clientID: "dashboard", createdAt: base, active: true},
	}

	for _, s := range seed {
		value, err := GenerateAPIKey(s.clientID)
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}

		k := &Key{
			ID:          s.id,
			Key:         value,
			ClientID:    s.clientID,
			Name:        s.id,
			Permissions: []string{"runs:read"},
			CreatedAt:   s.createdAt,
			Active:      s.active,
		}

		if err := store.Add(ctx, k); err != nil {
			t.Fatalf("Add(%s) error: %v", s.id, err)
		}
	}

	keys, err := store.ListByClient(ctx, "ci-runner")
	if err != nil {
		t.Fatalf("ListByClient() error: %v", err)
	}

	wantOrder := []string{"runner-new", "runner-old"}
	if len(keys) != len(wantOrder) {
		t.Fatalf("ListByClient() = %d keys, want %d (inactive keys hidden)", len(keys), len(wantOrder))
	}

	for i, want := range wantOrder {
		if keys[i].ID != want {
			t.Errorf("ListByClient()[%d] = %s, want %s (newest first)", i, keys[i].ID, want)
		}

		if !strings.Contains(keys[i].Key, "*") {
			t.Errorf("ListByClient() returned an unmasked key for %s", keys[i].ID)
		}
	}

	dash, err := store.ListByClient(ctx, "dashboard")
	if err != nil {
		t.Fatalf("ListByClient(dashboard) error: %v", err)
	}

	if len(dash) != 1 || dash[0].ID != "dash-only" {
		t.Errorf("ListByClient(dashboard) returned %d keys, want just dash-only", len(dash))
	}

	empty, err := store.ListByClient(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListByClient(nobody) error: %v", err)
	}

	if len(empty) != 0 {
		t.Errorf("ListByClient(nobody) = %d keys, want 0", len(empty))
	}

	if _, err := store.ListByClient(ctx, ""); !errors.Is(err, ErrClientIDEmpty) {
		t.Errorf("ListByClient(empty) error = %v, want ErrClientIDEmpty", err)
	}
}
