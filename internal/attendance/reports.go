package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"attendx/internal/insights"
)

const dayLayout = "2006-01-02"

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StudentStatus is a student with their status for one day.
type StudentStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	FaceRegistered bool   `json:"faceRegistered"`
	Status         Status `json:"status"`
}

// StudentsWithTodayStatus lists every student with the status of their first
// record on day, Absent when there is none.
func (s *Service) StudentsWithTodayStatus(ctx context.Context, day time.Time) ([]StudentStatus, error) {
	students, err := s.store.ListUsersByRole(ctx, RoleStudent)
	if err != nil {
		return nil, err
	}
	start := StartOfDay(day)
	records, err := s.store.ListRecords(ctx, RecordFilter{From: start, To: start.AddDate(0, 0, 1)})
	if err != nil {
		return nil, err
	}
	first := firstStatusBy(records, func(r Record) string { return r.StudentID })

	res := make([]StudentStatus, 0, len(students))
	for _, u := range students {
		status, ok := first[u.ID]
		if !ok {
			status = StatusAbsent
		}
		res = append(res, StudentStatus{
			ID:             u.ID,
			Name:           u.Name(),
			Email:          u.Email,
			AvatarURL:      u.AvatarURL,
			FaceRegistered: u.HasTemplate(),
			Status:         status,
		})
	}
	return res, nil
}

// firstStatusBy returns the status of the earliest record per key. records
// must be ordered newest first.
func firstStatusBy(records []Record, key func(Record) string) map[string]Status {
	out := make(map[string]Status)
	for _, r := range records {
		out[key(r)] = r.Status
	}
	return out
}

// StudentHistory is a student's full attendance record.
type StudentHistory struct {
	Student        Profile  `json:"student"`
	Records        []Record `json:"records"`
	AttendanceRate int      `json:"attendanceRate"`
}

// StudentHistory returns a student's records newest first.
func (s *Service) StudentHistory(ctx context.Context, studentID string) (StudentHistory, error) {
	u, err := s.student(ctx, studentID)
	if err != nil {
		return StudentHistory{}, err
	}
	records, err := s.store.ListRecords(ctx, RecordFilter{StudentID: u.ID})
	if err != nil {
		return StudentHistory{}, err
	}
	if records == nil {
		records = []Record{}
	}
	return StudentHistory{
		Student:        profileOf(u),
		Records:        records,
		AttendanceRate: attendedRate(records),
	}, nil
}

// attendedRate is the share of records that are Present or Late.
func attendedRate(records []Record) int {
	attended := 0
	for _, r := range records {
		if r.Status != StatusAbsent {
			attended++
		}
	}
	return percent(float64(attended), float64(len(records)))
}

// ReportRow is one (session, student) cell of an attendance report.
type ReportRow struct {
	SessionID   string    `json:"sessionId"`
	Date        time.Time `json:"date"`
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName"`
	Status      Status    `json:"status"`
}

// GenerateReport builds one row per session of the course starting in
// [from, to) and per student. Students without a record for a session are
// reported Absent.
func (s *Service) GenerateReport(ctx context.Context, actor Actor, courseID string, from, to time.Time) ([]ReportRow, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: report range must end after it starts", ErrInvalid)
	}
	course, err := s.managedCourse(ctx, actor, courseID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, []string{course.ID}, from, to)
	if err != nil {
		return nil, err
	}
	rows := []ReportRow{}
	if len(sessions) == 0 {
		return rows, nil
	}

	students, err := s.store.ListUsersByRole(ctx, RoleStudent)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	records, err := s.store.ListRecords(ctx, RecordFilter{SessionIDs: ids})
	if err != nil {
		return nil, err
	}
	first := firstStatusBy(records, func(r Record) string { return r.SessionID + "/" + r.StudentID })

	for _, sess := range sessions {
		for _, u := range students {
			status, ok := first[sess.ID+"/"+u.ID]
			if !ok {
				status = StatusAbsent
			}
			rows = append(rows, ReportRow{
				SessionID:   sess.ID,
				Date:        sess.StartTime,
				StudentID:   u.ID,
				StudentName: u.Name(),
				Status:      status,
			})
		}
	}
	return rows, nil
}

// DayCount holds attendance counts of one day.
type DayCount struct {
	Date    string `json:"date"`
	Present int    `json:"present"`
	Late    int    `json:"late"`
	Absent  int    `json:"absent"`
}

// InstructorDashboard summarizes today's attendance and the past week.
type InstructorDashboard struct {
	TotalStudents  int             `json:"totalStudents"`
	Present        int             `json:"present"`
	Late           int             `json:"late"`
	Absent         int             `json:"absent"`
	AttendanceRate int             `json:"attendanceRate"`
	Students       []StudentStatus `json:"students"`
	LastSevenDays  []DayCount      `json:"lastSevenDays"`
}

// InstructorDashboard returns the dashboard for day.
func (s *Service) InstructorDashboard(ctx context.Context, day time.Time) (InstructorDashboard, error) {
	students, err := s.StudentsWithTodayStatus(ctx, day)
	if err != nil {
		return InstructorDashboard{}, err
	}
	dash := InstructorDashboard{TotalStudents: len(students), Students: students}
	for _, st := range students {
		switch st.Status {
		case StatusPresent:
			dash.Present++
		case StatusLate:
			dash.Late++
		default:
			dash.Absent++
		}
	}
	dash.AttendanceRate = percent(float64(dash.Present), float64(dash.TotalStudents))

	end := StartOfDay(day).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -7)
	records, err := s.store.ListRecords(ctx, RecordFilter{From: start, To: end})
	if err != nil {
		return InstructorDashboard{}, err
	}
	isStudent := make(map[string]bool, len(students))
	for _, st := range students {
		isStudent[st.ID] = true
	}
	first := firstStatusBy(records, func(r Record) string {
		return r.Timestamp.In(day.Location()).Format(dayLayout) + "/" + r.StudentID
	})

	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		count := DayCount{Date: d.Format(dayLayout)}
		for id := range isStudent {
			switch first[count.Date+"/"+id] {
			case StatusPresent:
				count.Present++
			case StatusLate:
				count.Late++
			default:
				count.Absent++
			}
		}
		dash.LastSevenDays = append(dash.LastSevenDays, count)
	}
	return dash, nil
}

// StudentDashboard is a student's own overview.
type StudentDashboard struct {
	Student          Profile       `json:"student"`
	TodayStatus      Status        `json:"todayStatus"`
	LastRecord       *Record       `json:"lastRecord,omitempty"`
	RecentRecords    []Record      `json:"recentRecords"`
	AttendanceRate   int           `json:"attendanceRate"`
	UpcomingSessions []SessionView `json:"upcomingSessions"`
}

// StudentDashboard returns the overview of a student at now.
func (s *Service) StudentDashboard(ctx context.Context, studentID string) (StudentDashboard, error) {
	history, err := s.StudentHistory(ctx, studentID)
	if err != nil {
		return StudentDashboard{}, err
	}
	now := s.now()
	dash := StudentDashboard{
		Student:        history.Student,
		TodayStatus:    StatusAbsent,
		AttendanceRate: history.AttendanceRate,
		RecentRecords:  history.Records,
	}
	if len(dash.RecentRecords) > 5 {
		dash.RecentRecords = dash.RecentRecords[:5]
	}
	if len(history.Records) > 0 {
		last := history.Records[0]
		dash.LastRecord = &last
	}
	today := StartOfDay(now)
	for _, r := range history.Records {
		if r.Timestamp.Before(today) {
			break
		}
		dash.TodayStatus = r.Status
	}

	upcoming, err := s.UpcomingSessions(ctx, Actor{ID: studentID, Role: RoleStudent}, 3)
	if err != nil {
		return StudentDashboard{}, err
	}
	dash.UpcomingSessions = upcoming
	return dash, nil
}

// SummarizeTrends asks the model to summarize the last 30 days of a course.
func (s *Service) SummarizeTrends(ctx context.Context, actor Actor, courseID string) (string, error) {
	course, err := s.managedCourse(ctx, actor, courseID)
	if err != nil {
		return "", err
	}
	now := s.now()
	rows, err := s.GenerateReport(ctx, actor, course.ID, now.AddDate(0, 0, -30), now)
	if err != nil {
		return "", err
	}

	byStudent := make(map[string]*insights.RecordSummary)
	var order []string
	for _, row := range rows {
		sum, ok := byStudent[row.StudentID]
		if !ok {
			sum = &insights.RecordSummary{Name: row.StudentName}
			byStudent[row.StudentID] = sum
			order = append(order, row.StudentID)
		}
		sum.History = append(sum.History, row.Date.Format(dayLayout)+": "+string(row.Status))
		sum.Status = string(row.Status)
	}
	summaries := make([]insights.RecordSummary, 0, len(order))
	for _, id := range order {
		summaries = append(summaries, *byStudent[id])
	}

	summary, err := s.writer.SummarizeTrends(ctx, course.Name, summaries)
	if err != nil {
		return "", upstream(err)
	}
	return summary, nil
}

// AbsenceInput describes an absence to explain. With CourseID set the course
// and professor names come from the course.
type AbsenceInput struct {
	CourseID          string `json:"courseId"`
	CourseName        string `json:"courseName"`
	ProfessorName     string `json:"professorName"`
	AbsenceReason     string `json:"absenceReason"`
	AdditionalDetails string `json:"additionalDetails"`
}

// DraftAbsenceEmail writes an email from a student to their professor. It is
// called by the student themself or by staff from the student's detail page.
func (s *Service) DraftAbsenceEmail(ctx context.Context, studentID string, in AbsenceInput) (string, error) {
	if strings.TrimSpace(in.AbsenceReason) == "" {
		return "", fmt.Errorf("%w: absence reason required", ErrInvalid)
	}
	u, err := s.student(ctx, studentID)
	if err != nil {
		return "", err
	}
	if in.CourseID != "" {
		course, err := s.store.GetCourse(ctx, in.CourseID)
		if err != nil {
			return "", err
		}
		in.CourseName = course.Name
		if prof, err := s.store.GetUser(ctx, course.InstructorID); err == nil {
			in.ProfessorName = prof.Name()
		}
	}
	if in.CourseName == "" || in.ProfessorName == "" {
		return "", fmt.Errorf("%w: course and professor required", ErrInvalid)
	}

	draft, err := s.writer.DraftAbsenceEmail(ctx, insights.AbsenceRequest{
		StudentName:       u.Name(),
		ProfessorName:     in.ProfessorName,
		CourseName:        in.CourseName,
		AbsenceReason:     in.AbsenceReason,
		AdditionalDetails: in.AdditionalDetails,
	})
	if err != nil {
		return "", upstream(err)
	}
	return draft, nil
}
