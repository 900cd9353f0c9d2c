package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"studypulse/server/internal/model"
	"studypulse/server/internal/store"
)

var now = time.Date(2026, 3, 18, 14, 30, 0, 0, time.Local)

func newService() *Service {
	return NewService(store.NewMemory(), 2)
}

func draftFor(date string, statuses map[string]model.AttendanceStatus) Draft {
	return Draft{TenantID: "tenant-1", Date: date, Entries: statuses}
}

func TestSaveWindow(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	entries := map[string]model.AttendanceStatus{"s1": model.AttendancePresent}

	cases := []struct {
		date string
		err  error
	}{
		{"2026-03-18", nil},           // today
		{"2026-03-17", nil},           // yesterday
		{"2026-03-16", nil},           // two days ago: last editable day
		{"2026-03-15", ErrLocked},     // three days ago
		{"2026-03-10", ErrLocked},     // well past
		{"2026-03-19", ErrFutureDate}, // tomorrow
	}
	for _, tc := range cases {
		_, err := svc.Save(ctx, draftFor(tc.date, entries), now)
		if tc.err == nil && err != nil {
			t.Fatalf("save %s: unexpected error %v", tc.date, err)
		}
		if tc.err != nil && !errors.Is(err, tc.err) {
			t.Fatalf("save %s: expected %v, got %v", tc.date, tc.err, err)
		}
	}
}

func TestSaveRecomputesCounts(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	record, err := svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": model.AttendancePresent,
		"s2": model.AttendanceAbsent,
		"s3": model.AttendanceLate,
		"s4": model.AttendancePresent,
	}), now)
	if err != nil {
		t.Fatalf("save error: %v", err)
	}
	if record.PresentCount != 2 || record.AbsentCount != 1 || record.TotalStudents != 4 {
		t.Fatalf("unexpected counts: %+v", record)
	}
	if record.ID != "tenant-12026-03-18" {
		t.Fatalf("structural id must be tenantId+date, got %s", record.ID)
	}

	// The id round-trips through Get.
	fetched, err := svc.Get(ctx, "tenant-1", "2026-03-18")
	if err != nil || fetched.ID != record.ID {
		t.Fatalf("round trip failed: %v", err)
	}
}

func TestResaveOverwritesInsideWindow(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, err := svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": model.AttendancePresent,
	}), now)
	if err != nil {
		t.Fatalf("first save error: %v", err)
	}
	record, err := svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": model.AttendanceAbsent,
	}), now)
	if err != nil {
		t.Fatalf("second save error: %v", err)
	}
	if record.Records["s1"] != model.AttendanceAbsent || record.AbsentCount != 1 {
		t.Fatalf("expected last write to win, got %+v", record)
	}
}

func TestMarkAll(t *testing.T) {
	students := []model.UserProfile{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}
	draft := NewDraft("tenant-1", "2026-03-18", students)
	draft.MarkAll(model.AttendanceAbsent)
	for id, status := range draft.Entries {
		if status != model.AttendanceAbsent {
			t.Fatalf("expected %s marked absent, got %s", id, status)
		}
	}
	draft.Mark("s2", model.AttendanceLate)
	if draft.Entries["s2"] != model.AttendanceLate {
		t.Fatalf("expected individual override")
	}
}

func TestSaveValidation(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	if _, err := svc.Save(ctx, draftFor("18-03-2026", map[string]model.AttendanceStatus{
		"s1": model.AttendancePresent,
	}), now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected bad date format to fail, got %v", err)
	}
	if _, err := svc.Save(ctx, draftFor("2026-03-18", nil), now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty draft to fail, got %v", err)
	}
	if _, err := svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": "vanished",
	}), now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown status to fail, got %v", err)
	}
}

func TestForStudent(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _ = svc.Save(ctx, draftFor("2026-03-17", map[string]model.AttendanceStatus{
		"s1": model.AttendancePresent, "s2": model.AttendanceAbsent,
	}), now)
	_, _ = svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": model.AttendanceLate, "s2": model.AttendancePresent,
	}), now)

	entries, err := svc.ForStudent(ctx, "tenant-1", "s1")
	if err != nil {
		t.Fatalf("history error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestLockExpiredSweep(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	// Save inside the window, then sweep from a later day.
	if _, err := svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": model.AttendancePresent,
	}), now); err != nil {
		t.Fatalf("save error: %v", err)
	}

	later := now.AddDate(0, 0, 5)
	locked, err := svc.LockExpired(ctx, later)
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if locked != 1 {
		t.Fatalf("expected 1 record locked, got %d", locked)
	}

	record, err := svc.Get(ctx, "tenant-1", "2026-03-18")
	if err != nil || !record.Locked {
		t.Fatalf("expected locked record, got %+v %v", record, err)
	}

	// A locked snapshot refuses writes even if the clock were wound back.
	if _, err := svc.Save(ctx, draftFor("2026-03-18", map[string]model.AttendanceStatus{
		"s1": model.AttendanceAbsent,
	}), now); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked record to refuse save, got %v", err)
	}

	// Sweeping again finds nothing new.
	locked, err = svc.LockExpired(ctx, later)
	if err != nil || locked != 0 {
		t.Fatalf("expected idempotent sweep, got %d %v", locked, err)
	}
}
