package attendance

import (
	"context"
	"time"
)

// RecordFilter narrows ListRecords. Zero fields match everything.
type RecordFilter struct {
	StudentID  string
	SessionIDs []string
	From       time.Time
	To         time.Time
	Limit      int
}

// MarkFilter narrows ListMarks. Zero fields match everything.
type MarkFilter struct {
	StudentID string
	CourseID  string
}

// Store persists the attendance domain. Get methods return ErrNotFound when
// nothing matches; Create methods return ErrConflict on duplicates.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsersByRole(ctx context.Context, role Role) ([]User, error)
	UpdateUserName(ctx context.Context, id, firstName, lastName string) error
	SetUserRole(ctx context.Context, id string, role Role) error
	SetFaceTemplate(ctx context.Context, id, template, avatarURL string) error

	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	// ConsumeRefreshToken revokes a live token and returns it. Unknown,
	// revoked and expired tokens yield ErrNotFound.
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (RefreshToken, error)

	CreateCourse(ctx context.Context, c Course) (Course, error)
	GetCourse(ctx context.Context, id string) (Course, error)
	// ListCourses returns every course, or the courses of one instructor.
	ListCourses(ctx context.Context, instructorID string) ([]Course, error)

	CreateSession(ctx context.Context, s ClassSession) (ClassSession, error)
	GetSession(ctx context.Context, id string) (ClassSession, error)
	// ListSessions returns sessions starting in [from, to) ordered by start.
	// A nil courseIDs matches every course.
	ListSessions(ctx context.Context, courseIDs []string, from, to time.Time) ([]ClassSession, error)
	// OpenSessions returns sessions not yet ended at at that start before
	// until, ordered by start. A nil courseIDs matches every course.
	OpenSessions(ctx context.Context, courseIDs []string, at, until time.Time) ([]ClassSession, error)
	// ActiveSession returns the session running at t, ErrNotFound if none.
	ActiveSession(ctx context.Context, at time.Time) (ClassSession, error)

	InsertRecord(ctx context.Context, r Record) (Record, error)
	// ListRecords returns matching records newest first.
	ListRecords(ctx context.Context, f RecordFilter) ([]Record, error)
	LastRecord(ctx context.Context, studentID string) (Record, error)

	InsertMark(ctx context.Context, m Mark) (Mark, error)
	// ListMarks returns matching marks newest first.
	ListMarks(ctx context.Context, f MarkFilter) ([]Mark, error)

	InsertCheckin(ctx context.Context, j CheckinJob) (CheckinJob, error)
	GetCheckin(ctx context.Context, id string) (CheckinJob, error)
	UpdateCheckin(ctx context.Context, j CheckinJob) error
}
