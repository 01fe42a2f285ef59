package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/yukie-ai/yukie/core"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, string) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, "redis://" + mr.Addr()
}

func pendingRequest(id, userID string, createdAt time.Time) *ConfirmationRequest {
	return &ConfirmationRequest{
		ID:         id,
		PlanID:     "plan-1",
		CallID:     "call-1",
		UserID:     userID,
		Assessment: riskyAssessment(),
		Status:     StatusPending,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(5 * time.Minute),
	}
}

func TestMemoryStoreSaveRejectsDuplicates(t *testing.T) {
	store := NewMemoryConfirmationStore()
	ctx := context.Background()

	req := pendingRequest("c-1", "user-1", time.Now())
	if err := store.Save(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, req); err == nil {
		t.Error("duplicate save must fail")
	}
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryConfirmationStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, core.ErrConfirmationNotFound) {
		t.Errorf("expected ErrConfirmationNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateRequiresExistence(t *testing.T) {
	store := NewMemoryConfirmationStore()
	req := pendingRequest("c-1", "user-1", time.Now())
	if err := store.Update(context.Background(), req); !errors.Is(err, core.ErrConfirmationNotFound) {
		t.Errorf("expected ErrConfirmationNotFound, got %v", err)
	}
}

func TestMemoryStoreClonesOnReadAndWrite(t *testing.T) {
	store := NewMemoryConfirmationStore()
	ctx := context.Background()

	req := pendingRequest("c-1", "user-1", time.Now())
	if err := store.Save(ctx, req); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy after Save must not leak in.
	req.Status = StatusDenied
	req.Assessment.Reasons[0] = "tampered"

	loaded, err := store.Get(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != StatusPending {
		t.Errorf("status = %s", loaded.Status)
	}
	if loaded.Assessment.Reasons[0] == "tampered" {
		t.Error("assessment reasons shared with caller")
	}

	// Mutating a Get result must not poison the store.
	loaded.Assessment.Reasons[0] = "also tampered"
	again, _ := store.Get(ctx, "c-1")
	if again.Assessment.Reasons[0] == "also tampered" {
		t.Error("Get must return an isolated copy")
	}
}

func TestMemoryStoreListFiltersAndOrders(t *testing.T) {
	store := NewMemoryConfirmationStore()
	ctx := context.Background()
	base := time.Now()

	_ = store.Save(ctx, pendingRequest("c-1", "user-1", base))
	_ = store.Save(ctx, pendingRequest("c-2", "user-2", base.Add(time.Second)))
	newest := pendingRequest("c-3", "user-1", base.Add(2*time.Second))
	_ = store.Save(ctx, newest)

	all, err := store.List(ctx, ConfirmationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c-3" {
		t.Errorf("all = %+v", all)
	}

	byUser, _ := store.List(ctx, ConfirmationFilter{UserID: "user-1"})
	if len(byUser) != 2 {
		t.Errorf("byUser = %d entries", len(byUser))
	}

	limited, _ := store.List(ctx, ConfirmationFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "c-3" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	_, url := setupTestRedis(t)
	store, err := NewRedisConfirmationStore(url)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	req := pendingRequest("c-1", "user-1", time.Now())
	if err := store.Save(ctx, req); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Get(ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID != "c-1" || loaded.Status != StatusPending || loaded.UserID != "user-1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Assessment == nil || len(loaded.Assessment.Reasons) != 1 {
		t.Errorf("assessment = %+v", loaded.Assessment)
	}
}

func TestRedisStoreGetUnknown(t *testing.T) {
	_, url := setupTestRedis(t)
	store, err := NewRedisConfirmationStore(url)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, core.ErrConfirmationNotFound) {
		t.Errorf("expected ErrConfirmationNotFound, got %v", err)
	}
}

func TestRedisStoreUpdateRequiresExistence(t *testing.T) {
	_, url := setupTestRedis(t)
	store, err := NewRedisConfirmationStore(url)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	req := pendingRequest("c-1", "user-1", time.Now())
	if err := store.Update(ctx, req); !errors.Is(err, core.ErrConfirmationNotFound) {
		t.Errorf("expected ErrConfirmationNotFound, got %v", err)
	}

	if err := store.Save(ctx, req); err != nil {
		t.Fatal(err)
	}
	req.Status = StatusConfirmed
	req.Response = &ConfirmationResponse{Confirmed: true}
	if err := store.Update(ctx, req); err != nil {
		t.Fatal(err)
	}

	loaded, _ := store.Get(ctx, "c-1")
	if loaded.Status != StatusConfirmed || loaded.Response == nil || !loaded.Response.Confirmed {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestRedisStoreListScansPrefix(t *testing.T) {
	_, url := setupTestRedis(t)
	store, err := NewRedisConfirmationStore(url)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	base := time.Now()

	_ = store.Save(ctx, pendingRequest("c-1", "user-1", base))
	_ = store.Save(ctx, pendingRequest("c-2", "user-2", base.Add(time.Second)))

	all, err := store.List(ctx, ConfirmationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "c-2" {
		t.Errorf("all = %+v", all)
	}

	byUser, _ := store.List(ctx, ConfirmationFilter{UserID: "user-2"})
	if len(byUser) != 1 || byUser[0].ID != "c-2" {
		t.Errorf("byUser = %+v", byUser)
	}
}

func TestRedisStoreKeyPrefixOption(t *testing.T) {
	mr, url := setupTestRedis(t)
	store, err := NewRedisConfirmationStore(url, WithConfirmationKeyPrefix("custom:confirm"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Save(context.Background(), pendingRequest("c-1", "user-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("custom:confirm:c-1") {
		t.Error("key prefix option not applied")
	}
}

func TestRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisConfirmationStore("not a url"); err == nil {
		t.Error("expected a parse error")
	}
}

func TestRedisAuditSinkAppendAndTrim(t *testing.T) {
	mr, url := setupTestRedis(t)
	sink, err := NewRedisAuditSink(url, "yukie:audit", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	ctx := context.Background()

	log := NewAuditLog(0)
	for i := 0; i < 3; i++ {
		entry := log.Record(KindToolInvoke, "user-1", "", map[string]interface{}{"n": i})
		if err := sink.Append(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	items, err := mr.List("yukie:audit")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("retained = %d, want 2", len(items))
	}
}
