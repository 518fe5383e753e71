package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remotecast/backend/internal/pairing/domain"
)

func newToken(id, code string, created, expires time.Time) *domain.PairingToken {
	return &domain.PairingToken{ID: id, Code: code, Token: "tok-" + id, UserID: "u1", CreatedAt: created, ExpiresAt: expires}
}

func TestMemoryRepository_CreateConflictOnLiveCode(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Now()
	if err := r.Create(ctx, newToken("a", "Q7K2M9", now, now.Add(5*time.Minute))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Create(ctx, newToken("b", "Q7K2M9", now, now.Add(5*time.Minute))); err != ErrConflict {
		t.Fatalf("Create duplicate live code: want ErrConflict, got %v", err)
	}

	if ok, _ := r.MarkUsed(ctx, "a", now); !ok {
		t.Fatal("MarkUsed should succeed once")
	}
	if err := r.Create(ctx, newToken("c", "Q7K2M9", now.Add(time.Second), now.Add(5*time.Minute))); err != nil {
		t.Fatalf("code should be reusable after redemption: %v", err)
	}
	got, _ := r.GetByCode(ctx, "Q7K2M9")
	if got == nil || got.ID != "c" {
		t.Errorf("GetByCode = %+v, want newest token c", got)
	}
}

func TestMemoryRepository_MarkUsedExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Now()
	_ = r.Create(ctx, newToken("a", "Q7K2M9", now, now.Add(time.Minute)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.MarkUsed(ctx, "a", now); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestMemoryRepository_ExpireAndDelete(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Now()
	_ = r.Create(ctx, newToken("old", "AAAAAB", now.Add(-2*time.Hour), now.Add(-time.Hour)))
	_ = r.Create(ctx, newToken("live", "BBBBBC", now, now.Add(time.Minute)))

	n, _ := r.ExpireAll(ctx, now)
	if n != 1 {
		t.Fatalf("ExpireAll = %d, want 1", n)
	}
	old, _ := r.GetByCode(ctx, "AAAAAB")
	if old.ExpiredAt == nil || old.IsUsed {
		t.Errorf("expired token = %+v, want ExpiredAt set and IsUsed false", old)
	}
	if ok, _ := r.MarkUsed(ctx, "old", now); ok {
		t.Error("expired token must not be redeemable")
	}
	if n, _ := r.ExpireAll(ctx, now); n != 0 {
		t.Errorf("second ExpireAll = %d, want 0 (idempotent)", n)
	}

	n, _ = r.DeleteExpiredBefore(ctx, now.Add(-30*time.Minute))
	if n != 1 {
		t.Errorf("DeleteExpiredBefore = %d, want 1", n)
	}
	if got, _ := r.GetByCode(ctx, "AAAAAB"); got != nil {
		t.Error("deleted token should be gone")
	}
}
