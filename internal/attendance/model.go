package attendance

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("already exists")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalid        = errors.New("invalid input")
	ErrUnauthorized   = errors.New("invalid credentials")
	ErrNoTemplate     = errors.New("no face template registered")
	ErrCooldown       = errors.New("attendance already marked recently")
	ErrNotMatched     = errors.New("face did not match the registered template")
	ErrNotRecognized  = errors.New("no registered student recognized")
	ErrUnsuitableFace = errors.New("photo is not suitable for face registration")
	ErrNoFace         = errors.New("no face detected")
	ErrUpstream       = errors.New("AI service request failed")
)

// Role is a user's access level.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return true
	}
	return false
}

// Status is the outcome stored on an attendance record.
type Status string

const (
	StatusPresent Status = "Present"
	StatusAbsent  Status = "Absent"
	StatusLate    Status = "Late"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate:
		return true
	}
	return false
}

// Method tells how a record was produced.
type Method string

const (
	MethodSelf   Method = "self"
	MethodScan   Method = "scan"
	MethodManual Method = "manual"
	MethodAsync  Method = "async"
)

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Role         Role      `json:"role"`
	FaceTemplate string    `json:"-"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Name returns the display name.
func (u User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// HasTemplate reports whether a face has been registered.
func (u User) HasTemplate() bool {
	return u.FaceTemplate != ""
}

// Record is one append-only attendance entry.
type Record struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"studentId"`
	SessionID  string    `json:"classSessionId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
	Method     Method    `json:"method"`
	RecordedBy string    `json:"recordedBy,omitempty"`
}

// Course is owned by one instructor.
type Course struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Code         string `json:"code"`
	InstructorID string `json:"instructorId"`
}

// ClassSession is a scheduled time window of a course.
type ClassSession struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// Running reports whether t falls inside the session.
func (s ClassSession) Running(t time.Time) bool {
	return !t.Before(s.StartTime) && t.Before(s.EndTime)
}

// Mark is a graded assignment result.
type Mark struct {
	ID             string    `json:"id"`
	StudentID      string    `json:"studentId"`
	CourseID       string    `json:"courseId"`
	AssignmentName string    `json:"assignmentName"`
	Score          float64   `json:"score"`
	Total          float64   `json:"total"`
	Timestamp      time.Time `json:"timestamp"`
}

// Percentage returns the score as a rounded percentage of total.
func (m Mark) Percentage() int {
	return percent(m.Score, m.Total)
}

// RefreshToken is a stored refresh token used for rotation.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
}

// JobStatus is the lifecycle state of an asynchronous check-in.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobProcessed JobStatus = "processed"
	JobFailed    JobStatus = "failed"
)

// CheckinJob is an asynchronous check-in awaiting verification.
type CheckinJob struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"studentId"`
	Photo       string     `json:"-"`
	Status      JobStatus  `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	RecordID    string     `json:"recordId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

func percent(part, total float64) int {
	if total <= 0 {
		return 0
	}
	return int(part/total*100 + 0.5)
}
