package mapping

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stratus-framework/scopebroker/internal/core"
	"github.com/stratus-framework/scopebroker/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	tables := db.MappingTables{Identity: "sp_mapping", Binding: "client_mapping"}
	sqlDB, dialect, err := db.OpenMappingDB(context.Background(), "sqlite3",
		filepath.Join(t.TempDir(), "mapping.db"), tables)
	if err != nil {
		t.Fatalf("opening mapping db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(sqlDB, dialect, tables)
}

func provisionAs(handle, appID string, calls *int32) ProvisionFunc {
	return func(ctx context.Context) (core.ServiceIdentity, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return core.ServiceIdentity{IdentityHandle: handle, ApplicationID: appID}, nil
	}
}

func TestFindIdentityNotFound(t *testing.T) {
	s := setupStore(t)
	_, err := s.FindIdentity(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindOrRecordIdentityIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	var calls int32

	first, err := s.FindOrRecordIdentity(ctx, "alice", provisionAs("sp-alice", "AIDAALICE", &calls))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.FindOrRecordIdentity(ctx, "alice", provisionAs("sp-alice", "AIDAOTHER", &calls))
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if calls != 1 {
		t.Errorf("provision called %d times, want 1", calls)
	}
	if first.ApplicationID != "AIDAALICE" || second.ApplicationID != "AIDAALICE" {
		t.Errorf("application ids = %s, %s", first.ApplicationID, second.ApplicationID)
	}
	if second.ExternalUserID != "alice" || second.IdentityHandle != "sp-alice" {
		t.Errorf("unexpected identity %+v", second)
	}

	ids, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 identity row, got %d", len(ids))
	}
}

func TestFindOrRecordIdentityProvisionErrorPassesThrough(t *testing.T) {
	s := setupStore(t)
	boom := errors.New("iam unavailable")

	_, err := s.FindOrRecordIdentity(context.Background(), "alice", func(ctx context.Context) (core.ServiceIdentity, error) {
		return core.ServiceIdentity{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected provision error in chain, got %v", err)
	}
	if _, err := s.FindIdentity(context.Background(), "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("no row should be recorded after a failed provision: %v", err)
	}
}

func TestFindOrRecordIdentityRejectsEmptyApplicationID(t *testing.T) {
	s := setupStore(t)
	_, err := s.FindOrRecordIdentity(context.Background(), "alice", provisionAs("sp-alice", "", nil))
	if err == nil {
		t.Fatal("expected error for identity without application id")
	}
}

// Without an outer lock, racing recorders may both provision but the
// conditional insert leaves exactly one row and every caller sees it.
func TestFindOrRecordIdentityConcurrentSameUser(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	const n = 8
	results := make([]core.ServiceIdentity, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.FindOrRecordIdentity(ctx, "alice",
				provisionAs("sp-alice", fmt.Sprintf("AIDA%d", i), nil))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if results[i].ApplicationID != results[0].ApplicationID {
			t.Errorf("goroutine %d saw %s, goroutine 0 saw %s", i, results[i].ApplicationID, results[0].ApplicationID)
		}
	}
	ids, _ := s.ListIdentities(ctx)
	if len(ids) != 1 {
		t.Errorf("expected 1 identity row, got %d", len(ids))
	}
}

func TestUpsertBindingLastWriteWins(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.UpsertBinding(ctx, "AIDAALICE", "acme-corp"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertBinding(ctx, "AIDAALICE", "globex"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	b, err := s.GetBinding(ctx, "AIDAALICE")
	if err != nil {
		t.Fatalf("GetBinding: %v", err)
	}
	if b.ClientID != "globex" {
		t.Errorf("client = %s, want globex", b.ClientID)
	}
	if b.UpdatedAt.IsZero() {
		t.Error("updated_at not recorded")
	}

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM client_mapping").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("expected 1 binding row, got %d", rows)
	}
}

func TestLookup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.Lookup(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.FindOrRecordIdentity(ctx, "alice", provisionAs("sp-alice", "AIDAALICE", nil)); err != nil {
		t.Fatal(err)
	}
	m, err := s.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Binding != nil {
		t.Errorf("expected no binding yet, got %+v", m.Binding)
	}

	if err := s.UpsertBinding(ctx, "AIDAALICE", "acme-corp"); err != nil {
		t.Fatal(err)
	}
	m, err = s.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Binding == nil || m.Binding.ClientID != "acme-corp" {
		t.Errorf("binding = %+v", m.Binding)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a, _ := s.FindOrRecordIdentity(ctx, "alice", provisionAs("sp-alice", "AIDAALICE", nil))
	b, _ := s.FindOrRecordIdentity(ctx, "bob", provisionAs("sp-bob", "AIDABOB", nil))
	s.UpsertBinding(ctx, a.ApplicationID, "acme-corp")
	s.UpsertBinding(ctx, b.ApplicationID, "globex")

	ma, _ := s.Lookup(ctx, "alice")
	mb, _ := s.Lookup(ctx, "bob")
	if ma.Binding.ClientID != "acme-corp" || mb.Binding.ClientID != "globex" {
		t.Errorf("bindings crossed: alice=%s bob=%s", ma.Binding.ClientID, mb.Binding.ClientID)
	}
}
