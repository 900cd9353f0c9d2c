package attendance

import (
	"context"
	"errors"
	"time"

	"studypulse/server/internal/model"
	"studypulse/server/internal/store"
)

var (
	ErrFutureDate = errors.New("attendance date is in the future")
	ErrLocked     = errors.New("attendance record is locked")
	ErrValidation = errors.New("invalid attendance fields")
)

const dateLayout = "2006-01-02"

type Service struct {
	store    store.Store
	editDays int
}

func NewService(st store.Store, editDays int) *Service {
	return &Service{store: st, editDays: editDays}
}

// RecordID is the structural key: the literal concatenation of tenant id and
// ISO calendar date. It must round-trip exactly.
func RecordID(tenantID, date string) string { return tenantID + date }

// Draft is the in-memory register being edited before a save.
type Draft struct {
	TenantID string
	Date     string
	Entries  map[string]model.AttendanceStatus
}

// NewDraft seeds a draft with every active student marked present, which is
// what the register shows before anyone touches it.
func NewDraft(tenantID, date string, students []model.UserProfile) Draft {
	entries := make(map[string]model.AttendanceStatus, len(students))
	for _, student := range students {
		entries[student.ID] = model.AttendancePresent
	}
	return Draft{TenantID: tenantID, Date: date, Entries: entries}
}

// MarkAll sets every loaded student's entry to status.
func (d Draft) MarkAll(status model.AttendanceStatus) {
	for id := range d.Entries {
		d.Entries[id] = status
	}
}

func (d Draft) Mark(studentID string, status model.AttendanceStatus) {
	d.Entries[studentID] = status
}

func validStatus(status model.AttendanceStatus) bool {
	switch status {
	case model.AttendancePresent, model.AttendanceAbsent, model.AttendanceLate:
		return true
	}
	return false
}

// windowState classifies a date against the editable window. The boundary is
// measured in local calendar days, never in elapsed hours: saving yesterday's
// register at 23:59 and at 00:01 must behave the same.
func (s *Service) windowState(date time.Time, now time.Time) error {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, now.Location())
	if day.After(today) {
		return ErrFutureDate
	}
	// Rounding absorbs DST days that are 23 or 25 hours long.
	ageDays := int((today.Sub(day).Hours() + 12) / 24)
	if ageDays > s.editDays {
		return ErrLocked
	}
	return nil
}

// Save persists the draft as the record for (tenant, date), recomputing the
// denormalized counts. Re-saving inside the window overwrites the previous
// snapshot; last write wins.
func (s *Service) Save(ctx context.Context, draft Draft, now time.Time) (model.AttendanceRecord, error) {
	date, err := time.ParseInLocation(dateLayout, draft.Date, now.Location())
	if err != nil || len(draft.Entries) == 0 {
		return model.AttendanceRecord{}, ErrValidation
	}
	for _, status := range draft.Entries {
		if !validStatus(status) {
			return model.AttendanceRecord{}, ErrValidation
		}
	}
	if err := s.windowState(date, now); err != nil {
		return model.AttendanceRecord{}, err
	}

	record := model.AttendanceRecord{
		ID:       RecordID(draft.TenantID, draft.Date),
		TenantID: draft.TenantID,
		Date:     draft.Date,
		Records:  draft.Entries,
		SavedAt:  now.UTC(),
	}
	for _, status := range draft.Entries {
		switch status {
		case model.AttendancePresent:
			record.PresentCount++
		case model.AttendanceAbsent:
			record.AbsentCount++
		}
	}
	record.TotalStudents = len(draft.Entries)

	var existing model.AttendanceRecord
	if err := s.store.Get(ctx, store.Attendance, record.ID, &existing); err == nil && existing.Locked {
		return model.AttendanceRecord{}, ErrLocked
	}
	if err := s.store.Set(ctx, store.Attendance, record.ID, record); err != nil {
		return model.AttendanceRecord{}, err
	}
	return record, nil
}

func (s *Service) Get(ctx context.Context, tenantID, date string) (model.AttendanceRecord, error) {
	var record model.AttendanceRecord
	if err := s.store.Get(ctx, store.Attendance, RecordID(tenantID, date), &record); err != nil {
		return model.AttendanceRecord{}, err
	}
	return record, nil
}

// StudentEntry is one dated status for a student's history view.
type StudentEntry struct {
	Date   string                 `json:"date"`
	Status model.AttendanceStatus `json:"status"`
}

// ForStudent collects a student's status across every saved register of the
// tenant, for the parent and student history views.
func (s *Service) ForStudent(ctx context.Context, tenantID, studentID string) ([]StudentEntry, error) {
	var records []model.AttendanceRecord
	if err := s.store.Query(ctx, store.Attendance, []store.Filter{{Field: "tenantId", Value: tenantID}}, &records); err != nil {
		return nil, err
	}
	entries := make([]StudentEntry, 0)
	for _, record := range records {
		if status, ok := record.Records[studentID]; ok {
			entries = append(entries, StudentEntry{Date: record.Date, Status: status})
		}
	}
	return entries, nil
}

// LockExpired stamps every record whose editable window has passed as locked.
// The window check at save time already refuses stale writes; the stamp makes
// the snapshot's immutability visible to readers and cheap to enforce.
func (s *Service) LockExpired(ctx context.Context, now time.Time) (int, error) {
	var records []model.AttendanceRecord
	if err := s.store.Query(ctx, store.Attendance, []store.Filter{{Field: "locked", Value: false}}, &records); err != nil {
		return 0, err
	}
	locked := 0
	for _, record := range records {
		date, err := time.ParseInLocation(dateLayout, record.Date, now.Location())
		if err != nil {
			continue
		}
		if !errors.Is(s.windowState(date, now), ErrLocked) {
			continue
		}
		if err := s.store.Update(ctx, store.Attendance, record.ID, map[string]any{"locked": true}); err != nil {
			return locked, err
		}
		locked++
	}
	return locked, nil
}
