package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"studypulse/server/internal/crypto"
	"studypulse/server/internal/model"
	"studypulse/server/internal/phone"
	"studypulse/server/internal/store"
)

var (
	ErrValidation        = errors.New("invalid profile fields")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrAccountDisabled   = errors.New("account disabled")
	ErrDeviceMismatch    = errors.New("device mismatch")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStudentNotLinked  = errors.New("linked student not found")
	ErrDuplicateAccount  = errors.New("account already registered")
)

type Service struct {
	store        store.Store
	domainSuffix string
}

func NewService(st store.Store, domainSuffix string) *Service {
	return &Service{store: st, domainSuffix: domainSuffix}
}

// Route names returned by RouteFor. The client renders whatever view the
// server names; the decision itself lives here.
const (
	RouteAdminConsole    = "admin_console"
	RouteWaiting         = "waiting"
	RouteLearningHome    = "learning_home"
	RouteParentHome      = "parent_home"
	RouteStudentNotFound = "student_not_found"
)

type SignUpParams struct {
	TenantID           string
	Role               model.Role
	Name               string
	PhoneNumber        string
	Email              string
	Secret             string
	Grade              string
	LinkedStudentPhone string
}

func validateProfileInvariants(role model.Role, grade, linkedStudentPhone string) error {
	switch role {
	case model.RoleStudent:
		if strings.TrimSpace(grade) == "" {
			return ErrValidation
		}
	case model.RoleParent:
		if phone.Normalize(linkedStudentPhone) == "" {
			return ErrValidation
		}
	case model.RoleAdmin:
	default:
		return ErrValidation
	}
	return nil
}

// SignUp creates a self-registered student or parent account in pending
// state. Admin accounts never go through here; see CreateAdmin.
func (s *Service) SignUp(ctx context.Context, params SignUpParams) (model.UserProfile, error) {
	if params.Role != model.RoleStudent && params.Role != model.RoleParent {
		return model.UserProfile{}, ErrValidation
	}
	profile, err := s.createProfile(ctx, params, model.StatusPending)
	if err != nil {
		return model.UserProfile{}, err
	}
	if err := s.registerCredential(ctx, profile, params.Secret, false); err != nil {
		_ = s.store.Delete(ctx, store.Users, profile.ID)
		return model.UserProfile{}, err
	}
	return profile, nil
}

// CreateAdmin registers an immediately usable admin account, used during
// tenant provisioning.
func (s *Service) CreateAdmin(ctx context.Context, tenantID, name, email, secret string) (model.UserProfile, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || strings.TrimSpace(secret) == "" {
		return model.UserProfile{}, ErrValidation
	}
	profile, err := s.createProfile(ctx, SignUpParams{
		TenantID: tenantID,
		Role:     model.RoleAdmin,
		Name:     name,
		Email:    email,
	}, model.StatusActive)
	if err != nil {
		return model.UserProfile{}, err
	}
	if err := s.registerCredential(ctx, profile, secret, false); err != nil {
		_ = s.store.Delete(ctx, store.Users, profile.ID)
		return model.UserProfile{}, err
	}
	return profile, nil
}

// ProvisionUser is the admin-side account creation path: the account is
// active from the start and receives a generated initial secret registered
// with the credential provider, flagged for forced rotation. The initial
// secret is returned once so the admin can hand it over; it is never stored
// in the clear.
func (s *Service) ProvisionUser(ctx context.Context, params SignUpParams) (model.UserProfile, string, error) {
	if params.Role != model.RoleStudent && params.Role != model.RoleParent {
		return model.UserProfile{}, "", ErrValidation
	}
	profile, err := s.createProfile(ctx, params, model.StatusActive)
	if err != nil {
		return model.UserProfile{}, "", err
	}
	initialSecret, err := crypto.NewInitialSecret()
	if err != nil {
		return model.UserProfile{}, "", err
	}
	if err := s.registerCredential(ctx, profile, initialSecret, true); err != nil {
		_ = s.store.Delete(ctx, store.Users, profile.ID)
		return model.UserProfile{}, "", err
	}
	return profile, initialSecret, nil
}

func (s *Service) createProfile(ctx context.Context, params SignUpParams, status model.Status) (model.UserProfile, error) {
	params.Name = strings.TrimSpace(params.Name)
	if params.TenantID == "" || params.Name == "" {
		return model.UserProfile{}, ErrValidation
	}
	if params.Role != model.RoleAdmin && phone.Normalize(params.PhoneNumber) == "" {
		return model.UserProfile{}, ErrValidation
	}
	if err := validateProfileInvariants(params.Role, params.Grade, params.LinkedStudentPhone); err != nil {
		return model.UserProfile{}, err
	}

	now := time.Now().UTC()
	profile := model.UserProfile{
		ID:                 uuid.NewString(),
		TenantID:           params.TenantID,
		Role:               params.Role,
		Status:             status,
		Name:               params.Name,
		PhoneNumber:        params.PhoneNumber,
		Email:              strings.TrimSpace(strings.ToLower(params.Email)),
		Grade:              strings.TrimSpace(params.Grade),
		LinkedStudentPhone: params.LinkedStudentPhone,
		Device:             model.DeviceBinding{State: model.DeviceUnbound},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Set(ctx, store.Users, profile.ID, profile); err != nil {
		return model.UserProfile{}, err
	}
	return profile, nil
}

// registerCredential claims the canonical handle for a new account. Handles
// are tenant-neutral, so a second account with the same phone number in any
// tenant is refused rather than silently replacing the first record.
func (s *Service) registerCredential(ctx context.Context, profile model.UserProfile, secret string, mustRotate bool) error {
	credential, err := s.newCredential(profile, secret, mustRotate)
	if err != nil {
		return err
	}
	if err := s.store.Create(ctx, store.Credentials, credential.Handle, credential); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrDuplicateAccount
		}
		return err
	}
	return nil
}

func (s *Service) newCredential(profile model.UserProfile, secret string, mustRotate bool) (model.Credential, error) {
	if strings.TrimSpace(secret) == "" {
		return model.Credential{}, ErrValidation
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		return model.Credential{}, err
	}
	handle := s.CanonicalHandle(profile)
	if handle == "" {
		return model.Credential{}, ErrValidation
	}
	return model.Credential{
		Handle:     handle,
		UserID:     profile.ID,
		SecretHash: hash,
		MustRotate: mustRotate,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// CanonicalHandle derives the login handle the primary provider knows the
// account by: a raw lowercased email for admins, otherwise the digits-only
// phone number with the fixed tenant-neutral domain suffix appended.
func (s *Service) CanonicalHandle(profile model.UserProfile) string {
	if profile.Role == model.RoleAdmin {
		return strings.TrimSpace(strings.ToLower(profile.Email))
	}
	digits := phone.Normalize(profile.PhoneNumber)
	if digits == "" {
		return ""
	}
	return digits + s.domainSuffix
}

func (s *Service) Get(ctx context.Context, userID string) (model.UserProfile, error) {
	var profile model.UserProfile
	if err := s.store.Get(ctx, store.Users, userID, &profile); err != nil {
		return model.UserProfile{}, err
	}
	return profile, nil
}

func (s *Service) ListByTenant(ctx context.Context, tenantID string, role model.Role, status model.Status) ([]model.UserProfile, error) {
	filters := []store.Filter{{Field: "tenantId", Value: tenantID}}
	if role != "" {
		filters = append(filters, store.Filter{Field: "role", Value: role})
	}
	if status != "" {
		filters = append(filters, store.Filter{Field: "status", Value: status})
	}
	var profiles []model.UserProfile
	if err := s.store.Query(ctx, store.Users, filters, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

type ProfileUpdate struct {
	Name               *string
	PhoneNumber        *string
	Grade              *string
	LinkedStudentPhone *string
	PushTokens         *[]string
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (model.UserProfile, error) {
	var updated model.UserProfile
	err := s.transformProfile(ctx, userID, func(profile *model.UserProfile) error {
		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if name == "" {
				return ErrValidation
			}
			profile.Name = name
		}
		if update.PhoneNumber != nil {
			if profile.Role != model.RoleAdmin && phone.Normalize(*update.PhoneNumber) == "" {
				return ErrValidation
			}
			profile.PhoneNumber = *update.PhoneNumber
		}
		if update.Grade != nil {
			profile.Grade = strings.TrimSpace(*update.Grade)
		}
		if update.LinkedStudentPhone != nil {
			profile.LinkedStudentPhone = *update.LinkedStudentPhone
		}
		if update.PushTokens != nil {
			profile.PushTokens = *update.PushTokens
		}
		if err := validateProfileInvariants(profile.Role, profile.Grade, profile.LinkedStudentPhone); err != nil {
			return err
		}
		profile.UpdatedAt = time.Now().UTC()
		updated = *profile
		return nil
	})
	if err != nil {
		return model.UserProfile{}, err
	}
	return updated, nil
}

// Delete is admin-initiated and irreversible: the profile and its credential
// are both removed.
func (s *Service) Delete(ctx context.Context, userID string) error {
	profile, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if handle := s.CanonicalHandle(profile); handle != "" {
		_ = s.store.Delete(ctx, store.Credentials, handle)
	}
	return s.store.Delete(ctx, store.Users, userID)
}

// Approval state machine. pending -> {active, rejected}; active -> blocked.
// rejected and blocked are terminal; nothing moves a user out of them.
func allowedTransition(from, to model.Status) bool {
	switch from {
	case model.StatusPending:
		return to == model.StatusActive || to == model.StatusRejected
	case model.StatusActive:
		return to == model.StatusBlocked
	default:
		return false
	}
}

func (s *Service) Approve(ctx context.Context, userID string) (model.UserProfile, error) {
	return s.SetStatus(ctx, userID, model.StatusActive)
}

func (s *Service) Reject(ctx context.Context, userID string) (model.UserProfile, error) {
	return s.SetStatus(ctx, userID, model.StatusRejected)
}

func (s *Service) Block(ctx context.Context, userID string) (model.UserProfile, error) {
	return s.SetStatus(ctx, userID, model.StatusBlocked)
}

func (s *Service) SetStatus(ctx context.Context, userID string, to model.Status) (model.UserProfile, error) {
	var updated model.UserProfile
	err := s.transformProfile(ctx, userID, func(profile *model.UserProfile) error {
		if profile.Status == to {
			updated = *profile
			return nil
		}
		if !allowedTransition(profile.Status, to) {
			return ErrInvalidTransition
		}
		profile.Status = to
		profile.UpdatedAt = time.Now().UTC()
		updated = *profile
		return nil
	})
	if err != nil {
		return model.UserProfile{}, err
	}
	return updated, nil
}

// LinkedStudents resolves a parent's linked student by normalized phone
// equality across the parent's tenant. ErrStudentNotLinked means the parent
// session runs in its degraded "student not found" state; it is not fatal.
func (s *Service) LinkedStudents(ctx context.Context, parent model.UserProfile) ([]model.UserProfile, error) {
	if parent.Role != model.RoleParent {
		return nil, ErrValidation
	}
	students, err := s.ListByTenant(ctx, parent.TenantID, model.RoleStudent, "")
	if err != nil {
		return nil, err
	}
	matched := make([]model.UserProfile, 0, 1)
	for _, student := range students {
		if phone.Equal(student.PhoneNumber, parent.LinkedStudentPhone) {
			matched = append(matched, student)
		}
	}
	if len(matched) == 0 {
		return nil, ErrStudentNotLinked
	}
	return matched, nil
}

// RouteFor picks the view an authenticated, non-disabled session lands on.
func (s *Service) RouteFor(ctx context.Context, profile model.UserProfile) string {
	if profile.Role == model.RoleAdmin {
		return RouteAdminConsole
	}
	if profile.Status == model.StatusPending {
		return RouteWaiting
	}
	switch profile.Role {
	case model.RoleStudent:
		return RouteLearningHome
	case model.RoleParent:
		if _, err := s.LinkedStudents(ctx, profile); err != nil {
			return RouteStudentNotFound
		}
		return RouteParentHome
	}
	return RouteWaiting
}

// transformProfile applies fn to the stored profile under the store's
// per-document mutual exclusion.
func (s *Service) transformProfile(ctx context.Context, userID string, fn func(*model.UserProfile) error) error {
	return s.store.Transform(ctx, store.Users, userID, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, store.ErrNotFound
		}
		var profile model.UserProfile
		if err := json.Unmarshal(raw, &profile); err != nil {
			return nil, err
		}
		if err := fn(&profile); err != nil {
			return nil, err
		}
		return json.Marshal(profile)
	})
}
