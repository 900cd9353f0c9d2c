package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"studypulse/server/internal/identity"
	"studypulse/server/internal/model"
	"studypulse/server/internal/store"
	"studypulse/server/internal/tenant"
)

type resolveTenantRequest struct {
	DisplayCode string `json:"displayCode"`
}

type tenantSummary struct {
	ID          string   `json:"id"`
	DisplayCode string   `json:"displayCode"`
	Name        string   `json:"name"`
	IsActive    bool     `json:"isActive"`
	GradeList   []string `json:"gradeList,omitempty"`
	SubjectList []string `json:"subjectList,omitempty"`
	TopicList   []string `json:"topicList,omitempty"`
}

func mapTenant(t model.Tenant) tenantSummary {
	return tenantSummary{
		ID:          t.ID,
		DisplayCode: t.DisplayCode,
		Name:        t.Name,
		IsActive:    t.IsActive,
		GradeList:   t.GradeList,
		SubjectList: t.SubjectList,
		TopicList:   t.TopicList,
	}
}

// handleResolveTenant is the pre-login institute code lookup. The match is
// case-sensitive; a near-miss is a plain not-found, never a suggestion.
func (s *Server) handleResolveTenant(w http.ResponseWriter, r *http.Request) {
	var req resolveTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.DisplayCode) == "" {
		writeError(w, http.StatusBadRequest, "missing_display_code")
		return
	}

	t, err := s.tenants.ResolveByCode(r.Context(), req.DisplayCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !t.IsActive {
		writeError(w, http.StatusForbidden, "tenant_inactive")
		return
	}
	writeJSON(w, http.StatusOK, mapTenant(t))
}

type createTenantRequest struct {
	Name        string   `json:"name" validate:"required"`
	DisplayCode string   `json:"displayCode" validate:"required"`
	GradeList   []string `json:"gradeList"`
	SubjectList []string `json:"subjectList"`
	TopicList   []string `json:"topicList"`
	AdminName   string   `json:"adminName" validate:"required"`
	AdminEmail  string   `json:"adminEmail" validate:"required,email"`
	AdminSecret string   `json:"adminSecret" validate:"required,min=8"`
}

type createTenantResponse struct {
	Tenant tenantSummary     `json:"tenant"`
	Admin  model.UserProfile `json:"admin"`
}

// handleCreateTenant provisions an institute together with its first admin
// account, since a tenant without an admin is unreachable.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	t, err := s.tenants.Create(r.Context(), tenant.CreateParams{
		Name:        req.Name,
		DisplayCode: req.DisplayCode,
		GradeList:   req.GradeList,
		SubjectList: req.SubjectList,
		TopicList:   req.TopicList,
	})
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrCodeTaken):
			writeError(w, http.StatusConflict, "display_code_taken")
		case errors.Is(err, tenant.ErrValidation):
			writeError(w, http.StatusBadRequest, "missing_fields")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	admin, err := s.directory.CreateAdmin(r.Context(), t.ID, req.AdminName, req.AdminEmail, req.AdminSecret)
	if err != nil {
		// Unwind the tenant so its display code is free for a retry instead of
		// being held by an institute nobody can sign in to.
		_ = s.tenants.Delete(r.Context(), t.ID)
		if errors.Is(err, identity.ErrDuplicateAccount) {
			writeError(w, http.StatusConflict, "account_exists")
			return
		}
		writeError(w, http.StatusBadRequest, "admin_create_failed")
		return
	}

	writeJSON(w, http.StatusCreated, createTenantResponse{Tenant: mapTenant(t), Admin: admin})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	tenantID := chi.URLParam(r, "tenantId")
	if claims == nil || claims.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	t, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapTenant(t))
}

type patchTenantRequest struct {
	Name        *string   `json:"name,omitempty"`
	DisplayCode *string   `json:"displayCode,omitempty"`
	IsActive    *bool     `json:"isActive,omitempty"`
	GradeList   *[]string `json:"gradeList,omitempty"`
	SubjectList *[]string `json:"subjectList,omitempty"`
	TopicList   *[]string `json:"topicList,omitempty"`
}

func (s *Server) handlePatchTenant(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	tenantID := chi.URLParam(r, "tenantId")
	if claims == nil || claims.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req patchTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	t, err := s.tenants.Update(r.Context(), tenantID, tenant.UpdateParams{
		Name:        req.Name,
		DisplayCode: req.DisplayCode,
		IsActive:    req.IsActive,
		GradeList:   req.GradeList,
		SubjectList: req.SubjectList,
		TopicList:   req.TopicList,
	})
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrCodeTaken):
			writeError(w, http.StatusConflict, "display_code_taken")
		case errors.Is(err, tenant.ErrValidation):
			writeError(w, http.StatusBadRequest, "invalid_fields")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "tenant_not_found")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, mapTenant(t))
}

type signupRequest struct {
	DisplayCode        string `json:"displayCode" validate:"required"`
	Role               string `json:"role" validate:"required,oneof=student parent"`
	Name               string `json:"name" validate:"required"`
	PhoneNumber        string `json:"phoneNumber" validate:"required"`
	Secret             string `json:"secret" validate:"required,min=6"`
	Grade              string `json:"grade"`
	LinkedStudentPhone string `json:"linkedStudentPhone"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	t, err := s.tenants.ResolveByCode(r.Context(), req.DisplayCode)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant_not_found")
		return
	}
	if !t.IsActive {
		writeError(w, http.StatusForbidden, "tenant_inactive")
		return
	}

	profile, err := s.directory.SignUp(r.Context(), identity.SignUpParams{
		TenantID:           t.ID,
		Role:               model.Role(req.Role),
		Name:               req.Name,
		PhoneNumber:        req.PhoneNumber,
		Secret:             req.Secret,
		Grade:              req.Grade,
		LinkedStudentPhone: req.LinkedStudentPhone,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrValidation):
			writeError(w, http.StatusBadRequest, "invalid_fields")
		case errors.Is(err, identity.ErrDuplicateAccount):
			writeError(w, http.StatusConflict, "account_exists")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	role := model.Role(r.URL.Query().Get("role"))
	status := model.Status(r.URL.Query().Get("status"))
	profiles, err := s.directory.ListByTenant(r.Context(), claims.TenantID, role, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

type provisionUserRequest struct {
	Role               string `json:"role" validate:"required,oneof=student parent"`
	Name               string `json:"name" validate:"required"`
	PhoneNumber        string `json:"phoneNumber" validate:"required"`
	Grade              string `json:"grade"`
	LinkedStudentPhone string `json:"linkedStudentPhone"`
}

type provisionUserResponse struct {
	User          model.UserProfile `json:"user"`
	InitialSecret string            `json:"initialSecret"`
}

// handleProvisionUser is the admin-side account creation. The generated
// initial secret appears in this response and nowhere else.
func (s *Server) handleProvisionUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req provisionUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	profile, initialSecret, err := s.directory.ProvisionUser(r.Context(), identity.SignUpParams{
		TenantID:           claims.TenantID,
		Role:               model.Role(req.Role),
		Name:               req.Name,
		PhoneNumber:        req.PhoneNumber,
		Grade:              req.Grade,
		LinkedStudentPhone: req.LinkedStudentPhone,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrValidation):
			writeError(w, http.StatusBadRequest, "invalid_fields")
		case errors.Is(err, identity.ErrDuplicateAccount):
			writeError(w, http.StatusConflict, "account_exists")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, provisionUserResponse{User: profile, InitialSecret: initialSecret})
}

// lookupTenantUser loads the target profile and refuses cross-tenant access
// and non-admin access to someone else's account.
func (s *Server) lookupTenantUser(w http.ResponseWriter, r *http.Request) (model.UserProfile, bool) {
	claims := claimsFromContext(r.Context())
	userID := chi.URLParam(r, "userId")
	if claims == nil || userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return model.UserProfile{}, false
	}
	if claims.Role != model.RoleAdmin && claims.UserID != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return model.UserProfile{}, false
	}

	profile, err := s.directory.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return model.UserProfile{}, false
	}
	if profile.TenantID != claims.TenantID {
		writeError(w, http.StatusNotFound, "user_not_found")
		return model.UserProfile{}, false
	}
	return profile, true
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.lookupTenantUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type patchUserRequest struct {
	Name               *string   `json:"name,omitempty"`
	PhoneNumber        *string   `json:"phoneNumber,omitempty"`
	Grade              *string   `json:"grade,omitempty"`
	LinkedStudentPhone *string   `json:"linkedStudentPhone,omitempty"`
	PushTokens         *[]string `json:"pushTokens,omitempty"`
}

func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.lookupTenantUser(w, r)
	if !ok {
		return
	}

	var req patchUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	updated, err := s.directory.UpdateProfile(r.Context(), profile.ID, identity.ProfileUpdate{
		Name:               req.Name,
		PhoneNumber:        req.PhoneNumber,
		Grade:              req.Grade,
		LinkedStudentPhone: req.LinkedStudentPhone,
		PushTokens:         req.PushTokens,
	})
	if err != nil {
		if errors.Is(err, identity.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_fields")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.lookupTenantUser(w, r)
	if !ok {
		return
	}

	if err := s.directory.Delete(r.Context(), profile.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) setUserStatus(w http.ResponseWriter, r *http.Request, to model.Status) {
	profile, ok := s.lookupTenantUser(w, r)
	if !ok {
		return
	}

	updated, err := s.directory.SetStatus(r.Context(), profile.ID, to)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "invalid_transition")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, model.StatusActive)
}

func (s *Server) handleRejectUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, model.StatusRejected)
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, model.StatusBlocked)
}

func (s *Server) handleDeviceReset(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	profile, ok := s.lookupTenantUser(w, r)
	if !ok {
		return
	}

	binding, err := s.directory.ResetDeviceLock(r.Context(), profile.ID, claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

// handleWatchUser streams the user document. A pending account watching its
// own profile sees the approval land without polling.
func (s *Server) handleWatchUser(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.lookupTenantUser(w, r)
	if !ok {
		return
	}
	s.streamDocument(w, r, store.Users, profile.ID)
}

func (s *Server) requireParent(w http.ResponseWriter, r *http.Request) (model.UserProfile, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil || claims.Role != model.RoleParent {
		writeError(w, http.StatusForbidden, "parent_only")
		return model.UserProfile{}, false
	}
	profile, err := s.directory.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return model.UserProfile{}, false
	}
	return profile, true
}

func (s *Server) handleLinkedStudents(w http.ResponseWriter, r *http.Request) {
	parent, ok := s.requireParent(w, r)
	if !ok {
		return
	}

	students, err := s.directory.LinkedStudents(r.Context(), parent)
	if err != nil {
		if errors.Is(err, identity.ErrStudentNotLinked) {
			writeError(w, http.StatusNotFound, "student_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, students)
}

// linkedStudent resolves the path student and verifies the caller is actually
// linked to them.
func (s *Server) linkedStudent(w http.ResponseWriter, r *http.Request) (model.UserProfile, bool) {
	parent, ok := s.requireParent(w, r)
	if !ok {
		return model.UserProfile{}, false
	}
	studentID := chi.URLParam(r, "studentId")

	students, err := s.directory.LinkedStudents(r.Context(), parent)
	if err != nil {
		writeError(w, http.StatusNotFound, "student_not_found")
		return model.UserProfile{}, false
	}
	for _, student := range students {
		if student.ID == studentID {
			return student, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden")
	return model.UserProfile{}, false
}

func (s *Server) handleParentAttendance(w http.ResponseWriter, r *http.Request) {
	student, ok := s.linkedStudent(w, r)
	if !ok {
		return
	}

	entries, err := s.attendance.ForStudent(r.Context(), student.TenantID, student.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleParentSubmissions(w http.ResponseWriter, r *http.Request) {
	student, ok := s.linkedStudent(w, r)
	if !ok {
		return
	}

	submissions, err := s.homeworks.SubmissionsForStudent(r.Context(), student.TenantID, student.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, submissions)
}
