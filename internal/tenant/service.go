package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"studypulse/server/internal/model"
	"studypulse/server/internal/store"
)

var (
	ErrCodeTaken  = errors.New("display code already taken")
	ErrValidation = errors.New("invalid tenant fields")
)

// registryID is the single code-registry document. Claiming and releasing
// codes goes through store.Transform on this document, so two tenants can
// never hold the same display code, including two concurrent creations.
const registryID = "registry"

type registry struct {
	Codes map[string]string `json:"codes"` // displayCode -> tenantID
}

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// ResolveByCode maps a human-entered institute code to its tenant. The match
// is a case-sensitive exact lookup; a miss is store.ErrNotFound.
func (s *Service) ResolveByCode(ctx context.Context, code string) (model.Tenant, error) {
	var reg registry
	if err := s.store.Get(ctx, store.TenantCodes, registryID, &reg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Tenant{}, store.ErrNotFound
		}
		return model.Tenant{}, err
	}
	tenantID, ok := reg.Codes[code]
	if !ok {
		return model.Tenant{}, store.ErrNotFound
	}
	return s.Get(ctx, tenantID)
}

func (s *Service) Get(ctx context.Context, tenantID string) (model.Tenant, error) {
	var tenant model.Tenant
	if err := s.store.Get(ctx, store.Tenants, tenantID, &tenant); err != nil {
		return model.Tenant{}, err
	}
	return tenant, nil
}

type CreateParams struct {
	Name        string
	DisplayCode string
	GradeList   []string
	SubjectList []string
	TopicList   []string
}

func (s *Service) Create(ctx context.Context, params CreateParams) (model.Tenant, error) {
	params.Name = strings.TrimSpace(params.Name)
	params.DisplayCode = strings.TrimSpace(params.DisplayCode)
	if params.Name == "" || params.DisplayCode == "" {
		return model.Tenant{}, ErrValidation
	}

	now := time.Now().UTC()
	tenant := model.Tenant{
		ID:          uuid.NewString(),
		DisplayCode: params.DisplayCode,
		Name:        params.Name,
		IsActive:    true,
		GradeList:   params.GradeList,
		SubjectList: params.SubjectList,
		TopicList:   params.TopicList,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.claimCode(ctx, params.DisplayCode, tenant.ID); err != nil {
		return model.Tenant{}, err
	}
	if err := s.store.Set(ctx, store.Tenants, tenant.ID, tenant); err != nil {
		_ = s.releaseCode(ctx, params.DisplayCode, tenant.ID)
		return model.Tenant{}, err
	}
	return tenant, nil
}

type UpdateParams struct {
	Name        *string
	DisplayCode *string
	IsActive    *bool
	GradeList   *[]string
	SubjectList *[]string
	TopicList   *[]string
}

func (s *Service) Update(ctx context.Context, tenantID string, params UpdateParams) (model.Tenant, error) {
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		return model.Tenant{}, err
	}

	if params.DisplayCode != nil {
		newCode := strings.TrimSpace(*params.DisplayCode)
		if newCode == "" {
			return model.Tenant{}, ErrValidation
		}
		if newCode != tenant.DisplayCode {
			if err := s.renameCode(ctx, tenant.DisplayCode, newCode, tenantID); err != nil {
				return model.Tenant{}, err
			}
			tenant.DisplayCode = newCode
		}
	}
	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" {
			return model.Tenant{}, ErrValidation
		}
		tenant.Name = name
	}
	if params.IsActive != nil {
		tenant.IsActive = *params.IsActive
	}
	if params.GradeList != nil {
		tenant.GradeList = *params.GradeList
	}
	if params.SubjectList != nil {
		tenant.SubjectList = *params.SubjectList
	}
	if params.TopicList != nil {
		tenant.TopicList = *params.TopicList
	}
	tenant.UpdatedAt = time.Now().UTC()

	if err := s.store.Set(ctx, store.Tenants, tenantID, tenant); err != nil {
		return model.Tenant{}, err
	}
	return tenant, nil
}

// Delete releases the tenant's display code and removes the tenant document.
// Used to unwind a creation whose admin account could not be set up.
func (s *Service) Delete(ctx context.Context, tenantID string) error {
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.releaseCode(ctx, tenant.DisplayCode, tenantID); err != nil {
		return err
	}
	return s.store.Delete(ctx, store.Tenants, tenantID)
}

func (s *Service) claimCode(ctx context.Context, code, tenantID string) error {
	return s.store.Transform(ctx, store.TenantCodes, registryID, func(raw []byte) ([]byte, error) {
		reg := registry{Codes: map[string]string{}}
		if raw != nil {
			if err := json.Unmarshal(raw, &reg); err != nil {
				return nil, err
			}
		}
		if owner, taken := reg.Codes[code]; taken && owner != tenantID {
			return nil, ErrCodeTaken
		}
		reg.Codes[code] = tenantID
		return json.Marshal(reg)
	})
}

func (s *Service) releaseCode(ctx context.Context, code, tenantID string) error {
	return s.store.Transform(ctx, store.TenantCodes, registryID, func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, nil
		}
		var reg registry
		if err := json.Unmarshal(raw, &reg); err != nil {
			return nil, err
		}
		if reg.Codes[code] != tenantID {
			return nil, nil
		}
		delete(reg.Codes, code)
		return json.Marshal(reg)
	})
}

// renameCode claims the new code and releases the old one in a single
// transform, so no window exists where either both or neither resolve.
func (s *Service) renameCode(ctx context.Context, oldCode, newCode, tenantID string) error {
	return s.store.Transform(ctx, store.TenantCodes, registryID, func(raw []byte) ([]byte, error) {
		reg := registry{Codes: map[string]string{}}
		if raw != nil {
			if err := json.Unmarshal(raw, &reg); err != nil {
				return nil, err
			}
		}
		if owner, taken := reg.Codes[newCode]; taken && owner != tenantID {
			return nil, ErrCodeTaken
		}
		if reg.Codes[oldCode] == tenantID {
			delete(reg.Codes, oldCode)
		}
		reg.Codes[newCode] = tenantID
		return json.Marshal(reg)
	})
}
