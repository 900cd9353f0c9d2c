package model

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusBlocked  Status = "blocked"
)

type Tenant struct {
	ID          string    `json:"id"`
	DisplayCode string    `json:"displayCode"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"isActive"`
	GradeList   []string  `json:"gradeList"`
	SubjectList []string  `json:"subjectList"`
	TopicList   []string  `json:"topicList"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeviceState is the binding state machine: unbound -> bound -> reset_pending -> bound.
type DeviceState string

const (
	DeviceUnbound      DeviceState = "unbound"
	DeviceBound        DeviceState = "bound"
	DeviceResetPending DeviceState = "reset_pending"
)

type DeviceTransition struct {
	From        DeviceState `json:"from"`
	To          DeviceState `json:"to"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	ActorID     string      `json:"actorId,omitempty"`
	At          time.Time   `json:"at"`
}

type DeviceBinding struct {
	State       DeviceState        `json:"state"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	History     []DeviceTransition `json:"history,omitempty"`
}

type UserProfile struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenantId"`
	Role               Role          `json:"role"`
	Status             Status        `json:"status"`
	Name               string        `json:"name"`
	PhoneNumber        string        `json:"phoneNumber"`
	Email              string        `json:"email,omitempty"`
	Grade              string        `json:"grade,omitempty"`
	LinkedStudentPhone string        `json:"linkedStudentPhone,omitempty"`
	Device             DeviceBinding `json:"device"`
	PushTokens         []string      `json:"pushTokens,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Credential is a primary-provider record keyed by the canonical login handle.
type Credential struct {
	Handle     string    `json:"handle"`
	UserID     string    `json:"userId"`
	SecretHash string    `json:"secretHash"`
	MustRotate bool      `json:"mustRotate"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	TenantID  string     `json:"tenantId"`
	TokenHash string     `json:"tokenHash"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`
	IPAddress string     `json:"ipAddress,omitempty"`
}

type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceLate    AttendanceStatus = "late"
)

// AttendanceRecord is keyed by the literal concatenation of tenant id and ISO date.
type AttendanceRecord struct {
	ID            string                      `json:"id"`
	TenantID      string                      `json:"tenantId"`
	Date          string                      `json:"date"` // YYYY-MM-DD
	Records       map[string]AttendanceStatus `json:"records"`
	PresentCount  int                         `json:"presentCount"`
	AbsentCount   int                         `json:"absentCount"`
	TotalStudents int                         `json:"totalStudents"`
	Locked        bool                        `json:"locked"`
	SavedAt       time.Time                   `json:"savedAt"`
}

type PollOption struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

type Poll struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	Question     string          `json:"question"`
	Options      []PollOption    `json:"options"`
	Active       bool            `json:"active"`
	TotalVotes   int             `json:"totalVotes"`
	VotedUserIDs map[string]bool `json:"votedUserIds"`
	CreatedAt    time.Time       `json:"createdAt"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
}

type Homework struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Grade         string    `json:"grade"`
	Subject       string    `json:"subject"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	DueDate       string    `json:"dueDate"` // YYYY-MM-DD
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type SubmissionStatus string

const (
	SubmissionSubmitted  SubmissionStatus = "submitted"
	SubmissionChecked    SubmissionStatus = "checked"
	SubmissionIncomplete SubmissionStatus = "incomplete"
)

// Submission ids are the literal concatenation homeworkID:studentID, which makes
// the at-most-one-per-pair rule a property of the key rather than a convention.
type Submission struct {
	ID             string           `json:"id"`
	HomeworkID     string           `json:"homeworkId"`
	StudentID      string           `json:"studentId"`
	TenantID       string           `json:"tenantId"`
	Status         SubmissionStatus `json:"status"`
	FileURL        string           `json:"fileUrl,omitempty"`
	TeacherComment string           `json:"teacherComment,omitempty"`
	SubmittedAt    *time.Time       `json:"submittedAt,omitempty"`
	CheckedAt      *time.Time       `json:"checkedAt,omitempty"`
}
