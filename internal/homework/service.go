package homework

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"studypulse/server/internal/identity"
	"studypulse/server/internal/model"
	"studypulse/server/internal/notify"
	"studypulse/server/internal/phone"
	"studypulse/server/internal/store"
)

var (
	ErrValidation          = errors.New("invalid homework fields")
	ErrDuplicateSubmission = errors.New("submission already exists")
)

const dateLayout = "2006-01-02"

type Service struct {
	store         store.Store
	directory     *identity.Service
	notifier      notify.Notifier
	notifyTimeout time.Duration
}

func NewService(st store.Store, directory *identity.Service, notifier notify.Notifier, notifyTimeout time.Duration) *Service {
	return &Service{store: st, directory: directory, notifier: notifier, notifyTimeout: notifyTimeout}
}

// SubmissionID is the structural key enforcing at most one submission per
// (homework, student) pair.
func SubmissionID(homeworkID, studentID string) string { return homeworkID + ":" + studentID }

type CreateParams struct {
	TenantID      string
	Grade         string
	Subject       string
	Title         string
	Description   string
	DueDate       string
	AttachmentURL string
}

// Create stores a new assignment and fans a notification out to every parent
// linked to a student of the assigned grade. Due dates before today (local
// calendar) are refused; today itself is fine.
func (s *Service) Create(ctx context.Context, params CreateParams, now time.Time) (model.Homework, error) {
	params.Title = strings.TrimSpace(params.Title)
	params.Grade = strings.TrimSpace(params.Grade)
	if params.TenantID == "" || params.Grade == "" || params.Title == "" || strings.TrimSpace(params.Subject) == "" {
		return model.Homework{}, ErrValidation
	}
	due, err := time.ParseInLocation(dateLayout, params.DueDate, now.Location())
	if err != nil {
		return model.Homework{}, ErrValidation
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if due.Before(today) {
		return model.Homework{}, ErrValidation
	}

	homework := model.Homework{
		ID:            uuid.NewString(),
		TenantID:      params.TenantID,
		Grade:         params.Grade,
		Subject:       strings.TrimSpace(params.Subject),
		Title:         params.Title,
		Description:   params.Description,
		DueDate:       params.DueDate,
		AttachmentURL: params.AttachmentURL,
		CreatedAt:     now.UTC(),
	}
	if err := s.store.Set(ctx, store.Homework, homework.ID, homework); err != nil {
		return model.Homework{}, err
	}

	tokens, err := s.parentTokensForGrade(ctx, homework.TenantID, homework.Grade)
	if err == nil {
		notify.Dispatch(s.notifier, s.notifyTimeout, tokens, notify.Message{
			Title:     "New homework: " + homework.Title,
			Body:      homework.Subject + " due " + homework.DueDate,
			RouteHint: "homework/" + homework.ID,
		})
	}
	return homework, nil
}

func (s *Service) Get(ctx context.Context, homeworkID string) (model.Homework, error) {
	var homework model.Homework
	if err := s.store.Get(ctx, store.Homework, homeworkID, &homework); err != nil {
		return model.Homework{}, err
	}
	return homework, nil
}

func (s *Service) List(ctx context.Context, tenantID, grade string) ([]model.Homework, error) {
	filters := []store.Filter{{Field: "tenantId", Value: tenantID}}
	if grade != "" {
		filters = append(filters, store.Filter{Field: "grade", Value: grade})
	}
	var homeworks []model.Homework
	if err := s.store.Query(ctx, store.Homework, filters, &homeworks); err != nil {
		return nil, err
	}
	return homeworks, nil
}

// Submit records a student's submission. The structural id makes a second
// submission for the same pair a conflict rather than a silent duplicate.
func (s *Service) Submit(ctx context.Context, homeworkID, studentID, fileURL string, now time.Time) (model.Submission, error) {
	homework, err := s.Get(ctx, homeworkID)
	if err != nil {
		return model.Submission{}, err
	}
	submittedAt := now.UTC()
	submission := model.Submission{
		ID:          SubmissionID(homeworkID, studentID),
		HomeworkID:  homeworkID,
		StudentID:   studentID,
		TenantID:    homework.TenantID,
		Status:      model.SubmissionSubmitted,
		FileURL:     fileURL,
		SubmittedAt: &submittedAt,
	}
	if err := s.store.Create(ctx, store.Submissions, submission.ID, submission); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Submission{}, ErrDuplicateSubmission
		}
		return model.Submission{}, err
	}
	return submission, nil
}

type ReviewParams struct {
	Status         model.SubmissionStatus
	TeacherComment string
}

// Verify is the teacher review: it updates the existing submission, or, if
// the student never submitted, records a manual outcome with no submittedAt.
// Either way the student's parents are notified.
func (s *Service) Verify(ctx context.Context, homeworkID, studentID string, params ReviewParams, now time.Time) (model.Submission, error) {
	switch params.Status {
	case model.SubmissionChecked, model.SubmissionIncomplete:
	default:
		return model.Submission{}, ErrValidation
	}
	homework, err := s.Get(ctx, homeworkID)
	if err != nil {
		return model.Submission{}, err
	}

	checkedAt := now.UTC()
	var reviewed model.Submission
	err = s.store.Transform(ctx, store.Submissions, SubmissionID(homeworkID, studentID), func(raw []byte) ([]byte, error) {
		submission := model.Submission{
			ID:         SubmissionID(homeworkID, studentID),
			HomeworkID: homeworkID,
			StudentID:  studentID,
			TenantID:   homework.TenantID,
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &submission); err != nil {
				return nil, err
			}
		}
		submission.Status = params.Status
		submission.TeacherComment = params.TeacherComment
		submission.CheckedAt = &checkedAt
		reviewed = submission
		return json.Marshal(submission)
	})
	if err != nil {
		return model.Submission{}, err
	}

	tokens, err := s.parentTokensForStudent(ctx, homework.TenantID, studentID)
	if err == nil {
		notify.Dispatch(s.notifier, s.notifyTimeout, tokens, notify.Message{
			Title:     "Homework reviewed: " + homework.Title,
			Body:      string(params.Status),
			RouteHint: "homework/" + homeworkID,
		})
	}
	return reviewed, nil
}

func (s *Service) Submissions(ctx context.Context, homeworkID string) ([]model.Submission, error) {
	var submissions []model.Submission
	if err := s.store.Query(ctx, store.Submissions, []store.Filter{{Field: "homeworkId", Value: homeworkID}}, &submissions); err != nil {
		return nil, err
	}
	return submissions, nil
}

func (s *Service) SubmissionsForStudent(ctx context.Context, tenantID, studentID string) ([]model.Submission, error) {
	var submissions []model.Submission
	filters := []store.Filter{
		{Field: "tenantId", Value: tenantID},
		{Field: "studentId", Value: studentID},
	}
	if err := s.store.Query(ctx, store.Submissions, filters, &submissions); err != nil {
		return nil, err
	}
	return submissions, nil
}

// parentTokensForGrade joins parents to the assigned grade's students by
// normalized phone equality and collects their push tokens.
func (s *Service) parentTokensForGrade(ctx context.Context, tenantID, grade string) ([]string, error) {
	students, err := s.directory.ListByTenant(ctx, tenantID, model.RoleStudent, "")
	if err != nil {
		return nil, err
	}
	phones := make([]string, 0, len(students))
	for _, student := range students {
		if student.Grade == grade {
			phones = append(phones, student.PhoneNumber)
		}
	}
	return s.tokensForStudentPhones(ctx, tenantID, phones)
}

func (s *Service) parentTokensForStudent(ctx context.Context, tenantID, studentID string) ([]string, error) {
	student, err := s.directory.Get(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return s.tokensForStudentPhones(ctx, tenantID, []string{student.PhoneNumber})
}

func (s *Service) tokensForStudentPhones(ctx context.Context, tenantID string, phones []string) ([]string, error) {
	parents, err := s.directory.ListByTenant(ctx, tenantID, model.RoleParent, "")
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0)
	for _, parent := range parents {
		for _, studentPhone := range phones {
			if phone.Equal(parent.LinkedStudentPhone, studentPhone) {
				tokens = append(tokens, parent.PushTokens...)
				break
			}
		}
	}
	return tokens, nil
}
