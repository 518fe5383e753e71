package repository

import (
	"context"
	"testing"
	"time"

	"remotecast/backend/internal/device/domain"
)

func TestMemoryRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Now()
	d := &domain.Device{ID: "d1", UserID: "u1", IsPaired: true, Capabilities: []domain.Capability{domain.CapabilityStreamControl}, CreatedAt: now}
	if err := r.Save(ctx, d); err != nil {
		t.Fatalf("Save: %v", err)
	}
	d.Capabilities[0] = domain.CapabilityPiPControl // caller mutation must not leak into the store

	got, err := r.GetByID(ctx, "d1")
	if err != nil || got == nil {
		t.Fatalf("GetByID = %v, %v", got, err)
	}
	if got.Capabilities[0] != domain.CapabilityStreamControl {
		t.Errorf("stored capabilities were aliased: %v", got.Capabilities)
	}

	if err := r.SetOnline(ctx, "d1", true, now); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	battery := 80
	_ = r.UpdateTelemetry(ctx, "d1", domain.Telemetry{BatteryLevel: &battery, At: now})
	got, _ = r.GetByID(ctx, "d1")
	if !got.IsOnline || got.BatteryLevel == nil || *got.BatteryLevel != 80 {
		t.Errorf("device after telemetry = %+v", got)
	}

	if n, _ := r.CountPaired(ctx); n != 1 {
		t.Errorf("CountPaired = %d, want 1", n)
	}
	ok, _ := r.Unpair(ctx, "d1", now)
	if !ok {
		t.Fatal("Unpair should report the device existed")
	}
	got, _ = r.GetByID(ctx, "d1")
	if got.IsPaired || got.IsOnline {
		t.Errorf("unpaired device = %+v", got)
	}
	if n, _ := r.CountPaired(ctx); n != 0 {
		t.Errorf("CountPaired after unpair = %d, want 0", n)
	}

	// Unpaired devices stay offline.
	_ = r.SetOnline(ctx, "d1", true, now)
	if got, _ = r.GetByID(ctx, "d1"); got.IsOnline {
		t.Error("unpaired device must not come online")
	}
	if ok, _ := r.Unpair(ctx, "missing", now); ok {
		t.Error("Unpair of unknown device should report false")
	}
}

func TestMemoryRepository_ListByUser(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Now()
	_ = r.Save(ctx, &domain.Device{ID: "b", UserID: "u1", CreatedAt: now.Add(time.Second)})
	_ = r.Save(ctx, &domain.Device{ID: "a", UserID: "u1", CreatedAt: now})
	_ = r.Save(ctx, &domain.Device{ID: "c", UserID: "u2", CreatedAt: now})

	list, _ := r.ListByUser(ctx, "u1")
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("ListByUser = %v, want [a b]", list)
	}
}
