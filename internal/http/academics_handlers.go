package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"studypulse/server/internal/attendance"
	"studypulse/server/internal/homework"
	"studypulse/server/internal/model"
	"studypulse/server/internal/poll"
	"studypulse/server/internal/store"
)

type saveAttendanceRequest struct {
	Entries map[string]model.AttendanceStatus `json:"entries"`
	MarkAll *model.AttendanceStatus           `json:"markAll,omitempty"`
}

// handleSaveAttendance writes the register for one calendar date. When markAll
// is set the draft is seeded from the tenant's active students first, then
// individual entries override it.
func (s *Server) handleSaveAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	date := chi.URLParam(r, "date")

	var req saveAttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	draft := attendance.Draft{TenantID: claims.TenantID, Date: date, Entries: req.Entries}
	if req.MarkAll != nil {
		students, err := s.directory.ListByTenant(r.Context(), claims.TenantID, model.RoleStudent, model.StatusActive)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		seeded := attendance.NewDraft(claims.TenantID, date, students)
		seeded.MarkAll(*req.MarkAll)
		for studentID, status := range req.Entries {
			seeded.Mark(studentID, status)
		}
		draft = seeded
	}

	record, err := s.attendance.Save(r.Context(), draft, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, attendance.ErrFutureDate):
			writeError(w, http.StatusBadRequest, "future_date")
		case errors.Is(err, attendance.ErrLocked):
			writeError(w, http.StatusConflict, "attendance_locked")
		case errors.Is(err, attendance.ErrValidation):
			writeError(w, http.StatusBadRequest, "invalid_fields")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	date := chi.URLParam(r, "date")

	record, err := s.attendance.Get(r.Context(), claims.TenantID, date)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "attendance_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleStudentAttendance serves a student's own history; admins may read any
// student of their tenant.
func (s *Server) handleStudentAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	studentID := chi.URLParam(r, "studentId")
	if claims.Role != model.RoleAdmin && claims.UserID != studentID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	entries, err := s.attendance.ForStudent(r.Context(), claims.TenantID, studentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type createPollRequest struct {
	Question string   `json:"question" validate:"required"`
	Options  []string `json:"options" validate:"required,min=2,max=4"`
}

func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req createPollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_fields")
		return
	}

	created, err := s.polls.Create(r.Context(), claims.TenantID, req.Question, req.Options)
	if err != nil {
		if errors.Is(err, poll.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_fields")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPolls(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	activeOnly := r.URL.Query().Get("active") == "true"

	polls, err := s.polls.List(r.Context(), claims.TenantID, activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, polls)
}

// tenantPoll loads the poll and hides other tenants' polls behind not-found.
func (s *Server) tenantPoll(w http.ResponseWriter, r *http.Request) (model.Poll, bool) {
	claims := claimsFromContext(r.Context())
	pollID := chi.URLParam(r, "pollId")

	p, err := s.polls.Get(r.Context(), pollID)
	if err != nil || p.TenantID != claims.TenantID {
		writeError(w, http.StatusNotFound, "poll_not_found")
		return model.Poll{}, false
	}
	return p, true
}

func (s *Server) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.tenantPoll(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type voteRequest struct {
	OptionIndex int `json:"optionIndex"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	p, ok := s.tenantPoll(w, r)
	if !ok {
		return
	}

	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	voted, err := s.polls.Vote(r.Context(), p.ID, req.OptionIndex, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, poll.ErrDuplicateVote):
			writeError(w, http.StatusConflict, "already_voted")
		case errors.Is(err, poll.ErrPollEnded):
			writeError(w, http.StatusConflict, "poll_ended")
		case errors.Is(err, poll.ErrBadOption):
			writeError(w, http.StatusBadRequest, "invalid_option")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "poll_not_found")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, voted)
}

func (s *Server) handleEndPoll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.tenantPoll(w, r)
	if !ok {
		return
	}

	ended, err := s.polls.End(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, ended)
}

func (s *Server) handleWatchPoll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.tenantPoll(w, r)
	if !ok {
		return
	}
	s.streamDocument(w, r, store.Polls, p.ID)
}

type createHomeworkRequest struct {
	Grade         string `json:"grade" validate:"required"`
	Subject       string `json:"subject" validate:"required"`
	Title         string `json:"title" validate:"required"`
	Description   string `json:"description"`
	DueDate       string `json:"dueDate" validate:"required"`
	AttachmentURL string `json:"attachmentUrl"`
}

func (s *Server) handleCreateHomework(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req createHomeworkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	created, err := s.homeworks.Create(r.Context(), homework.CreateParams{
		TenantID:      claims.TenantID,
		Grade:         req.Grade,
		Subject:       req.Subject,
		Title:         req.Title,
		Description:   req.Description,
		DueDate:       req.DueDate,
		AttachmentURL: req.AttachmentURL,
	}, time.Now())
	if err != nil {
		if errors.Is(err, homework.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_due_date")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListHomework(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	grade := r.URL.Query().Get("grade")

	homeworks, err := s.homeworks.List(r.Context(), claims.TenantID, grade)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, homeworks)
}

func (s *Server) tenantHomework(w http.ResponseWriter, r *http.Request) (model.Homework, bool) {
	claims := claimsFromContext(r.Context())
	homeworkID := chi.URLParam(r, "homeworkId")

	hw, err := s.homeworks.Get(r.Context(), homeworkID)
	if err != nil || hw.TenantID != claims.TenantID {
		writeError(w, http.StatusNotFound, "homework_not_found")
		return model.Homework{}, false
	}
	return hw, true
}

func (s *Server) handleGetHomework(w http.ResponseWriter, r *http.Request) {
	hw, ok := s.tenantHomework(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hw)
}

type submitHomeworkRequest struct {
	FileURL string `json:"fileUrl"`
}

func (s *Server) handleSubmitHomework(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.Role != model.RoleStudent {
		writeError(w, http.StatusForbidden, "student_only")
		return
	}
	hw, ok := s.tenantHomework(w, r)
	if !ok {
		return
	}

	var req submitHomeworkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	submission, err := s.homeworks.Submit(r.Context(), hw.ID, claims.UserID, req.FileURL, time.Now())
	if err != nil {
		if errors.Is(err, homework.ErrDuplicateSubmission) {
			writeError(w, http.StatusConflict, "already_submitted")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, submission)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	hw, ok := s.tenantHomework(w, r)
	if !ok {
		return
	}

	submissions, err := s.homeworks.Submissions(r.Context(), hw.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, submissions)
}

type verifySubmissionRequest struct {
	Status         model.SubmissionStatus `json:"status"`
	TeacherComment string                 `json:"teacherComment"`
}

func (s *Server) handleVerifySubmission(w http.ResponseWriter, r *http.Request) {
	hw, ok := s.tenantHomework(w, r)
	if !ok {
		return
	}
	studentID := chi.URLParam(r, "studentId")

	var req verifySubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	reviewed, err := s.homeworks.Verify(r.Context(), hw.ID, studentID, homework.ReviewParams{
		Status:         req.Status,
		TeacherComment: req.TeacherComment,
	}, time.Now())
	if err != nil {
		if errors.Is(err, homework.ErrValidation) {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, reviewed)
}
