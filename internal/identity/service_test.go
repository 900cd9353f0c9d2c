package identity

import (
	"context"
	"errors"
	"testing"

	"studypulse/server/internal/model"
	"studypulse/server/internal/store"
)

func newService() *Service {
	return NewService(store.NewMemory(), "@studypulse.app")
}

func signUpStudent(t *testing.T, svc *Service, phone string) model.UserProfile {
	t.Helper()
	profile, err := svc.SignUp(context.Background(), SignUpParams{
		TenantID:    "tenant-1",
		Role:        model.RoleStudent,
		Name:        "Asha",
		PhoneNumber: phone,
		Secret:      "secret-1",
		Grade:       "10",
	})
	if err != nil {
		t.Fatalf("signup error: %v", err)
	}
	return profile
}

func TestSignUpStartsPending(t *testing.T) {
	svc := newService()
	profile := signUpStudent(t, svc, "9876543210")
	if profile.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", profile.Status)
	}
	if profile.Device.State != model.DeviceUnbound {
		t.Fatalf("expected unbound device, got %s", profile.Device.State)
	}
}

func TestSignUpEnforcesRoleInvariants(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpParams{
		TenantID: "tenant-1", Role: model.RoleStudent, Name: "A", PhoneNumber: "111", Secret: "s",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected student without grade to fail, got %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpParams{
		TenantID: "tenant-1", Role: model.RoleParent, Name: "B", PhoneNumber: "222", Secret: "s",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected parent without linked phone to fail, got %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpParams{
		TenantID: "tenant-1", Role: model.RoleAdmin, Name: "C", PhoneNumber: "333", Secret: "s",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected admin self-signup to be refused, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")

	approved, err := svc.Approve(ctx, profile.ID)
	if err != nil || approved.Status != model.StatusActive {
		t.Fatalf("approve failed: %v %s", err, approved.Status)
	}

	blocked, err := svc.Block(ctx, profile.ID)
	if err != nil || blocked.Status != model.StatusBlocked {
		t.Fatalf("block failed: %v %s", err, blocked.Status)
	}

	// Blocked is terminal.
	if _, err := svc.SetStatus(ctx, profile.ID, model.StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected blocked->pending to fail, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, profile.ID, model.StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected blocked->active to fail, got %v", err)
	}

	rejected := signUpStudent(t, svc, "9876500000")
	if _, err := svc.Reject(ctx, rejected.ID); err != nil {
		t.Fatalf("reject error: %v", err)
	}
	if _, err := svc.SetStatus(ctx, rejected.ID, model.StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected rejected->active to fail, got %v", err)
	}
}

func TestAuthenticatePrimaryPath(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "+91 98765 43210")

	// Identifier formatting differs from the stored number; the canonical
	// handle is derived from digits only.
	result, err := svc.Authenticate(ctx, "+91 98765 43210", "secret-1", "tenant-1")
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	if result.Profile.ID != profile.ID {
		t.Fatalf("resolved wrong user")
	}

	if _, err := svc.Authenticate(ctx, "+91 98765 43210", "wrong", "tenant-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "0000000000", "secret-1", "tenant-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected unknown identifier to fail, got %v", err)
	}
}

func TestAuthenticateAdminByEmail(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	admin, err := svc.CreateAdmin(ctx, "tenant-1", "Head", "head@institute.example", "admin-secret")
	if err != nil {
		t.Fatalf("create admin error: %v", err)
	}
	if admin.Status != model.StatusActive {
		t.Fatalf("expected admin to be immediately active")
	}

	result, err := svc.Authenticate(ctx, "Head@Institute.example", "admin-secret", "tenant-1")
	if err != nil || result.Profile.ID != admin.ID {
		t.Fatalf("admin login failed: %v", err)
	}
}

func TestAuthenticateDisabledAccounts(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")

	if _, err := svc.Approve(ctx, profile.ID); err != nil {
		t.Fatalf("approve error: %v", err)
	}
	if _, err := svc.Block(ctx, profile.ID); err != nil {
		t.Fatalf("block error: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "9876543210", "secret-1", "tenant-1"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected disabled account, got %v", err)
	}
}

func TestProvisionedUserMustRotate(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	profile, initialSecret, err := svc.ProvisionUser(ctx, SignUpParams{
		TenantID:    "tenant-1",
		Role:        model.RoleStudent,
		Name:        "Ravi",
		PhoneNumber: "9999988888",
		Grade:       "9",
	})
	if err != nil {
		t.Fatalf("provision error: %v", err)
	}
	if profile.Status != model.StatusActive {
		t.Fatalf("expected provisioned account to be active")
	}
	if initialSecret == "" {
		t.Fatalf("expected an initial secret")
	}

	result, err := svc.Authenticate(ctx, "9999988888", initialSecret, "tenant-1")
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	if !result.MustRotate {
		t.Fatalf("expected forced rotation flag")
	}

	if err := svc.RotateSecret(ctx, profile.ID, initialSecret, "fresh-secret"); err != nil {
		t.Fatalf("rotate error: %v", err)
	}
	result, err = svc.Authenticate(ctx, "9999988888", "fresh-secret", "tenant-1")
	if err != nil || result.MustRotate {
		t.Fatalf("expected rotated login without flag: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "9999988888", initialSecret, "tenant-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected old secret to stop working, got %v", err)
	}
}

func TestLinkedStudentsJoin(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	student := signUpStudent(t, svc, "9876543210")

	parent, err := svc.SignUp(ctx, SignUpParams{
		TenantID:           "tenant-1",
		Role:               model.RoleParent,
		Name:               "Parent",
		PhoneNumber:        "9000000001",
		Secret:             "parent-secret",
		LinkedStudentPhone: "+91 98765 43210",
	})
	if err != nil {
		t.Fatalf("parent signup error: %v", err)
	}

	students, err := svc.LinkedStudents(ctx, parent)
	if err != nil {
		t.Fatalf("linked students error: %v", err)
	}
	if len(students) != 1 || students[0].ID != student.ID {
		t.Fatalf("expected exactly the one student, got %d", len(students))
	}

	orphan, err := svc.SignUp(ctx, SignUpParams{
		TenantID:           "tenant-1",
		Role:               model.RoleParent,
		Name:               "Other",
		PhoneNumber:        "9000000002",
		Secret:             "parent-secret",
		LinkedStudentPhone: "1234567890",
	})
	if err != nil {
		t.Fatalf("parent signup error: %v", err)
	}
	if _, err := svc.LinkedStudents(ctx, orphan); !errors.Is(err, ErrStudentNotLinked) {
		t.Fatalf("expected ErrStudentNotLinked, got %v", err)
	}
}

func TestRouteFor(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	admin, _ := svc.CreateAdmin(ctx, "tenant-1", "Head", "head@institute.example", "s")
	if route := svc.RouteFor(ctx, admin); route != RouteAdminConsole {
		t.Fatalf("expected admin console, got %s", route)
	}

	student := signUpStudent(t, svc, "9876543210")
	if route := svc.RouteFor(ctx, student); route != RouteWaiting {
		t.Fatalf("expected waiting for pending, got %s", route)
	}
	student, _ = svc.Approve(ctx, student.ID)
	if route := svc.RouteFor(ctx, student); route != RouteLearningHome {
		t.Fatalf("expected learning home, got %s", route)
	}

	parent, err := svc.SignUp(ctx, SignUpParams{
		TenantID:           "tenant-1",
		Role:               model.RoleParent,
		Name:               "Parent",
		PhoneNumber:        "9000000001",
		Secret:             "s",
		LinkedStudentPhone: "9876543210",
	})
	if err != nil {
		t.Fatalf("parent signup error: %v", err)
	}
	parent, _ = svc.Approve(ctx, parent.ID)
	if route := svc.RouteFor(ctx, parent); route != RouteParentHome {
		t.Fatalf("expected parent home, got %s", route)
	}

	lost, _ := svc.SignUp(ctx, SignUpParams{
		TenantID:           "tenant-1",
		Role:               model.RoleParent,
		Name:               "Lost",
		PhoneNumber:        "9000000002",
		Secret:             "s",
		LinkedStudentPhone: "1231231234",
	})
	lost, _ = svc.Approve(ctx, lost.ID)
	if route := svc.RouteFor(ctx, lost); route != RouteStudentNotFound {
		t.Fatalf("expected degraded route, got %s", route)
	}
}

func TestSignUpRefusesDuplicatePhone(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	first := signUpStudent(t, svc, "9876543210")

	// Same number with different formatting, in a different tenant: the
	// canonical handle collides and must refuse rather than overwrite.
	if _, err := svc.SignUp(ctx, SignUpParams{
		TenantID:    "tenant-2",
		Role:        model.RoleStudent,
		Name:        "Impostor",
		PhoneNumber: "+91 98765 43210",
		Secret:      "other-secret",
		Grade:       "8",
	}); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected duplicate phone refused, got %v", err)
	}

	// The first account's credential must survive intact.
	result, err := svc.Authenticate(ctx, "9876543210", "secret-1", "tenant-1")
	if err != nil || result.Profile.ID != first.ID {
		t.Fatalf("original account locked out: %v", err)
	}

	// The refused signup must not leave an orphan profile behind.
	orphans, err := svc.ListByTenant(ctx, "tenant-2", "", "")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected rolled-back profile, found %d", len(orphans))
	}
}

func TestProvisionRefusesDuplicatePhone(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	signUpStudent(t, svc, "9876543210")

	if _, _, err := svc.ProvisionUser(ctx, SignUpParams{
		TenantID:    "tenant-2",
		Role:        model.RoleStudent,
		Name:        "Dup",
		PhoneNumber: "9876543210",
		Grade:       "8",
	}); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected duplicate phone refused, got %v", err)
	}
}

func TestDeleteRemovesCredential(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	profile := signUpStudent(t, svc, "9876543210")

	if err := svc.Delete(ctx, profile.ID); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := svc.Get(ctx, profile.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected profile gone, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "9876543210", "secret-1", "tenant-1"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected login to fail after delete, got %v", err)
	}
}
