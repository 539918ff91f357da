package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// upcomingWindow is how far ahead UpcomingSessions looks.
const upcomingWindow = 14 * 24 * time.Hour

// CreateCourse creates a course owned by the acting instructor.
func (s *Service) CreateCourse(ctx context.Context, actor Actor, name, code string) (Course, error) {
	name, code = strings.TrimSpace(name), strings.TrimSpace(code)
	if name == "" || code == "" {
		return Course{}, fmt.Errorf("%w: course name and code required", ErrInvalid)
	}
	if actor.Role != RoleInstructor && actor.Role != RoleAdmin {
		return Course{}, ErrForbidden
	}
	return s.store.CreateCourse(ctx, Course{Name: name, Code: code, InstructorID: actor.ID})
}

// ListCourses returns the instructor's own courses, or every course for
// students and admins.
func (s *Service) ListCourses(ctx context.Context, actor Actor) ([]Course, error) {
	owner := ""
	if actor.Role == RoleInstructor {
		owner = actor.ID
	}
	courses, err := s.store.ListCourses(ctx, owner)
	if err != nil {
		return nil, err
	}
	if courses == nil {
		courses = []Course{}
	}
	return courses, nil
}

// managedCourse loads a course the actor may manage.
func (s *Service) managedCourse(ctx context.Context, actor Actor, courseID string) (Course, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return Course{}, err
	}
	if !actor.CanManage(course) {
		return Course{}, fmt.Errorf("%w: course belongs to another instructor", ErrForbidden)
	}
	return course, nil
}

// CreateSession schedules a class session of a course.
func (s *Service) CreateSession(ctx context.Context, actor Actor, courseID string, start, end time.Time) (ClassSession, error) {
	if start.IsZero() || !end.After(start) {
		return ClassSession{}, fmt.Errorf("%w: session must end after it starts", ErrInvalid)
	}
	course, err := s.managedCourse(ctx, actor, courseID)
	if err != nil {
		return ClassSession{}, err
	}
	sess, err := s.store.CreateSession(ctx, ClassSession{CourseID: course.ID, StartTime: start, EndTime: end})
	if err != nil {
		return ClassSession{}, err
	}
	s.log.Info("session scheduled", "session_id", sess.ID, "course_id", course.ID, "start", start)
	return sess, nil
}

// SessionView is a session with its course.
type SessionView struct {
	ClassSession
	CourseName string `json:"courseName"`
	CourseCode string `json:"courseCode"`
}

// UpcomingSessions returns sessions that have not ended yet within the next
// two weeks, soonest first. Instructors only see their own courses. A limit
// of zero means no limit.
func (s *Service) UpcomingSessions(ctx context.Context, actor Actor, limit int) ([]SessionView, error) {
	courses, err := s.ListCourses(ctx, actor)
	if err != nil {
		return nil, err
	}
	res := []SessionView{}
	if len(courses) == 0 {
		return res, nil
	}
	byID := make(map[string]Course, len(courses))
	ids := make([]string, 0, len(courses))
	for _, c := range courses {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	now := s.now()
	sessions, err := s.store.OpenSessions(ctx, ids, now, now.Add(upcomingWindow))
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		c := byID[sess.CourseID]
		res = append(res, SessionView{ClassSession: sess, CourseName: c.Name, CourseCode: c.Code})
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// MarkInput holds a new mark.
type MarkInput struct {
	StudentID      string  `json:"studentId"`
	CourseID       string  `json:"courseId"`
	AssignmentName string  `json:"assignmentName"`
	Score          float64 `json:"score"`
	Total          float64 `json:"total"`
}

// MarkView is a mark with display fields.
type MarkView struct {
	Mark
	CourseName  string `json:"courseName"`
	StudentName string `json:"studentName"`
	Percentage  int    `json:"percentage"`
}

// AddMark records an assignment result for a student of a course the actor manages.
func (s *Service) AddMark(ctx context.Context, actor Actor, in MarkInput) (MarkView, error) {
	in.AssignmentName = strings.TrimSpace(in.AssignmentName)
	switch {
	case in.AssignmentName == "":
		return MarkView{}, fmt.Errorf("%w: assignment name required", ErrInvalid)
	case in.Score < 0:
		return MarkView{}, fmt.Errorf("%w: score must not be negative", ErrInvalid)
	case in.Total < 1:
		return MarkView{}, fmt.Errorf("%w: total must be at least 1", ErrInvalid)
	}
	course, err := s.managedCourse(ctx, actor, in.CourseID)
	if err != nil {
		return MarkView{}, err
	}
	student, err := s.student(ctx, in.StudentID)
	if err != nil {
		return MarkView{}, err
	}

	m, err := s.store.InsertMark(ctx, Mark{
		StudentID:      student.ID,
		CourseID:       course.ID,
		AssignmentName: in.AssignmentName,
		Score:          in.Score,
		Total:          in.Total,
		Timestamp:      s.now(),
	})
	if err != nil {
		return MarkView{}, err
	}
	return MarkView{Mark: m, CourseName: course.Name, StudentName: student.Name(), Percentage: m.Percentage()}, nil
}

// StudentMarks returns a student's marks newest first.
func (s *Service) StudentMarks(ctx context.Context, studentID string) ([]MarkView, error) {
	student, err := s.student(ctx, studentID)
	if err != nil {
		return nil, err
	}
	marks, err := s.store.ListMarks(ctx, MarkFilter{StudentID: student.ID})
	if err != nil {
		return nil, err
	}
	courses := make(map[string]string)
	res := make([]MarkView, 0, len(marks))
	for _, m := range marks {
		name, ok := courses[m.CourseID]
		if !ok {
			c, err := s.store.GetCourse(ctx, m.CourseID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			name = c.Name
			courses[m.CourseID] = name
		}
		res = append(res, MarkView{Mark: m, CourseName: name, StudentName: student.Name(), Percentage: m.Percentage()})
	}
	return res, nil
}

// CourseMarks returns every mark of a course the actor manages.
func (s *Service) CourseMarks(ctx context.Context, actor Actor, courseID string) ([]MarkView, error) {
	course, err := s.managedCourse(ctx, actor, courseID)
	if err != nil {
		return nil, err
	}
	marks, err := s.store.ListMarks(ctx, MarkFilter{CourseID: course.ID})
	if err != nil {
		return nil, err
	}
	students, err := s.store.ListUsersByRole(ctx, RoleStudent)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(students))
	for _, u := range students {
		names[u.ID] = u.Name()
	}
	res := make([]MarkView, 0, len(marks))
	for _, m := range marks {
		res = append(res, MarkView{Mark: m, CourseName: course.Name, StudentName: names[m.StudentID], Percentage: m.Percentage()})
	}
	return res, nil
}
