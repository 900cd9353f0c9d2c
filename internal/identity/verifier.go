package identity

import (
	"context"
	"errors"
	"strings"

	"studypulse/server/internal/crypto"
	"studypulse/server/internal/model"
	"studypulse/server/internal/phone"
	"studypulse/server/internal/store"
)

// AuthResult carries what the login handler needs beyond the profile itself.
type AuthResult struct {
	Profile    model.UserProfile
	MustRotate bool
}

// Authenticate resolves (identifier, secret) to a user profile.
//
// Primary path: derive the canonical handle (raw email for admins, digits-only
// phone + domain suffix otherwise) and check the provider's credential record.
// Fallback path: if the handle has no credential, resolve the profile by
// normalized phone inside the tenant and check the credential stored under the
// user id. This covers admin-provisioned accounts whose handle was recorded
// with different phone formatting; initial secrets are bcrypt-hashed and
// flagged MustRotate, never compared in the clear.
//
// Status is checked after identity resolution and before any session exists:
// blocked and rejected accounts get ErrAccountDisabled with nothing to tear
// down.
func (s *Service) Authenticate(ctx context.Context, identifier, secret, tenantID string) (AuthResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return AuthResult{}, ErrInvalidCredential
	}

	credential, err := s.lookupCredential(ctx, identifier, tenantID)
	if err != nil {
		return AuthResult{}, err
	}
	if err := crypto.CheckSecret(credential.SecretHash, secret); err != nil {
		return AuthResult{}, ErrInvalidCredential
	}

	profile, err := s.Get(ctx, credential.UserID)
	if err != nil {
		return AuthResult{}, ErrInvalidCredential
	}
	if tenantID != "" && profile.TenantID != tenantID {
		return AuthResult{}, ErrInvalidCredential
	}
	if profile.Status == model.StatusBlocked || profile.Status == model.StatusRejected {
		return AuthResult{}, ErrAccountDisabled
	}
	return AuthResult{Profile: profile, MustRotate: credential.MustRotate}, nil
}

func (s *Service) lookupCredential(ctx context.Context, identifier, tenantID string) (model.Credential, error) {
	handle := s.handleForIdentifier(identifier)
	var credential model.Credential
	err := s.store.Get(ctx, store.Credentials, handle, &credential)
	if err == nil {
		return credential, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Credential{}, err
	}

	// Fallback: locate the profile by phone and fetch its credential by user
	// id regardless of what handle it was registered under.
	if strings.Contains(identifier, "@") {
		return model.Credential{}, ErrInvalidCredential
	}
	profile, err := s.findByPhone(ctx, tenantID, identifier)
	if err != nil {
		return model.Credential{}, ErrInvalidCredential
	}
	var credentials []model.Credential
	if err := s.store.Query(ctx, store.Credentials, []store.Filter{{Field: "userId", Value: profile.ID}}, &credentials); err != nil || len(credentials) == 0 {
		return model.Credential{}, ErrInvalidCredential
	}
	return credentials[0], nil
}

func (s *Service) handleForIdentifier(identifier string) string {
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	return phone.Normalize(identifier) + s.domainSuffix
}

func (s *Service) findByPhone(ctx context.Context, tenantID, rawPhone string) (model.UserProfile, error) {
	var filters []store.Filter
	if tenantID != "" {
		filters = append(filters, store.Filter{Field: "tenantId", Value: tenantID})
	}
	var profiles []model.UserProfile
	if err := s.store.Query(ctx, store.Users, filters, &profiles); err != nil {
		return model.UserProfile{}, err
	}
	for _, profile := range profiles {
		if phone.Equal(profile.PhoneNumber, rawPhone) {
			return profile, nil
		}
	}
	return model.UserProfile{}, store.ErrNotFound
}

// RotateSecret replaces the caller's credential and clears the forced
// rotation flag set at provisioning time.
func (s *Service) RotateSecret(ctx context.Context, userID, currentSecret, newSecret string) error {
	if strings.TrimSpace(newSecret) == "" {
		return ErrValidation
	}
	profile, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	var credentials []model.Credential
	if err := s.store.Query(ctx, store.Credentials, []store.Filter{{Field: "userId", Value: userID}}, &credentials); err != nil || len(credentials) == 0 {
		return ErrInvalidCredential
	}
	credential := credentials[0]
	if err := crypto.CheckSecret(credential.SecretHash, currentSecret); err != nil {
		return ErrInvalidCredential
	}
	// Re-register under the canonical handle so formatting drift from the
	// provisioning path heals on rotation. The handle stays owned by this
	// account, so overwriting it is safe here.
	replacement, err := s.newCredential(profile, newSecret, false)
	if err != nil {
		return err
	}
	if credential.Handle != replacement.Handle {
		_ = s.store.Delete(ctx, store.Credentials, credential.Handle)
	}
	return s.store.Set(ctx, store.Credentials, replacement.Handle, replacement)
}
