package identity

import (
	"context"
	"errors"
	"testing"

	"studypulse/server/internal/model"
)

func TestFirstLoginBindsDevice(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")

	binding, err := svc.EnforceDeviceBinding(ctx, profile.ID, "device-a")
	if err != nil {
		t.Fatalf("binding error: %v", err)
	}
	if binding.State != model.DeviceBound || binding.Fingerprint != "device-a" {
		t.Fatalf("expected bound to device-a, got %+v", binding)
	}
	if len(binding.History) != 1 || binding.History[0].From != model.DeviceUnbound {
		t.Fatalf("expected one unbound->bound transition, got %+v", binding.History)
	}
}

func TestBoundDeviceRejectsOtherFingerprints(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")

	if _, err := svc.EnforceDeviceBinding(ctx, profile.ID, "device-a"); err != nil {
		t.Fatalf("binding error: %v", err)
	}
	if _, err := svc.EnforceDeviceBinding(ctx, profile.ID, "device-b"); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected device mismatch, got %v", err)
	}
	// The same fingerprint keeps working.
	if _, err := svc.EnforceDeviceBinding(ctx, profile.ID, "device-a"); err != nil {
		t.Fatalf("rebind same device error: %v", err)
	}
}

func TestResetLockAllowsOneRebinding(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")

	if _, err := svc.EnforceDeviceBinding(ctx, profile.ID, "device-a"); err != nil {
		t.Fatalf("binding error: %v", err)
	}

	binding, err := svc.ResetDeviceLock(ctx, profile.ID, "admin-1")
	if err != nil {
		t.Fatalf("reset error: %v", err)
	}
	if binding.State != model.DeviceResetPending || binding.Fingerprint != "" {
		t.Fatalf("expected reset_pending with cleared fingerprint, got %+v", binding)
	}

	binding, err = svc.EnforceDeviceBinding(ctx, profile.ID, "device-b")
	if err != nil {
		t.Fatalf("rebind error: %v", err)
	}
	if binding.State != model.DeviceBound || binding.Fingerprint != "device-b" {
		t.Fatalf("expected rebound to device-b, got %+v", binding)
	}
	// Exactly one rebinding: the old device is locked out again.
	if _, err := svc.EnforceDeviceBinding(ctx, profile.ID, "device-a"); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected old device refused, got %v", err)
	}

	history, err := svc.Get(ctx, profile.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if len(history.Device.History) != 3 {
		t.Fatalf("expected 3 logged transitions, got %d", len(history.Device.History))
	}
	if history.Device.History[1].ActorID != "admin-1" {
		t.Fatalf("expected reset attributed to admin, got %+v", history.Device.History[1])
	}
}

func TestAdminSessionsBypassGuard(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	admin, err := svc.CreateAdmin(ctx, "tenant-1", "Head", "head@institute.example", "s")
	if err != nil {
		t.Fatalf("create admin error: %v", err)
	}

	if _, err := svc.EnforceDeviceBinding(ctx, admin.ID, "console-1"); err != nil {
		t.Fatalf("admin binding error: %v", err)
	}
	if _, err := svc.EnforceDeviceBinding(ctx, admin.ID, "console-2"); err != nil {
		t.Fatalf("admin must not be pinned to a device: %v", err)
	}
	profile, _ := svc.Get(ctx, admin.ID)
	if profile.Device.State != model.DeviceUnbound {
		t.Fatalf("admin profile must stay unbound, got %s", profile.Device.State)
	}
}

func TestEmptyFingerprintRefused(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")
	if _, err := svc.EnforceDeviceBinding(ctx, profile.ID, "  "); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected empty fingerprint refused, got %v", err)
	}
}
