package tenant

import (
	"context"
	"errors"
	"testing"

	"studypulse/server/internal/store"
)

func newService() *Service {
	return NewService(store.NewMemory())
}

func TestResolveByCodeRoundTrip(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateParams{
		Name:        "Bright Future Institute",
		DisplayCode: "BFI2026",
		GradeList:   []string{"9", "10"},
	})
	if err != nil {
		t.Fatalf("create error: %v", err)
	}

	resolved, err := svc.ResolveByCode(ctx, "BFI2026")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if resolved.ID != created.ID {
		t.Fatalf("expected tenant %s, got %s", created.ID, resolved.ID)
	}

	// Resolving, then fetching by id, must yield the same tenant.
	fetched, err := svc.Get(ctx, resolved.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if fetched.ID != created.ID || fetched.DisplayCode != "BFI2026" {
		t.Fatalf("round trip mismatch: %+v", fetched)
	}
}

func TestResolveByCodeIsCaseSensitive(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{Name: "Institute", DisplayCode: "Code1"}); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := svc.ResolveByCode(ctx, "code1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected case-sensitive miss, got %v", err)
	}
	if _, err := svc.ResolveByCode(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRejectsDuplicateCode(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{Name: "First", DisplayCode: "SHARED"}); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{Name: "Second", DisplayCode: "SHARED"}); !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}
}

func TestRenameMovesCodeAtomically(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateParams{Name: "First", DisplayCode: "OLD"})
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{Name: "Second", DisplayCode: "HELD"}); err != nil {
		t.Fatalf("create error: %v", err)
	}

	held := "HELD"
	if _, err := svc.Update(ctx, first.ID, UpdateParams{DisplayCode: &held}); !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken on rename collision, got %v", err)
	}

	newCode := "NEW"
	updated, err := svc.Update(ctx, first.ID, UpdateParams{DisplayCode: &newCode})
	if err != nil {
		t.Fatalf("rename error: %v", err)
	}
	if updated.DisplayCode != "NEW" {
		t.Fatalf("expected new code, got %s", updated.DisplayCode)
	}

	if _, err := svc.ResolveByCode(ctx, "OLD"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected old code to be released, got %v", err)
	}
	resolved, err := svc.ResolveByCode(ctx, "NEW")
	if err != nil || resolved.ID != first.ID {
		t.Fatalf("expected new code to resolve, got %v %v", resolved.ID, err)
	}
}

func TestCreateRequiresFields(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	if _, err := svc.Create(ctx, CreateParams{Name: "", DisplayCode: "X"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{Name: "X", DisplayCode: "  "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
