package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const userColumns = `id, email, password_hash, first_name, last_name, role, COALESCE(face_template, ''), COALESCE(avatar_url, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Role, &u.FaceTemplate, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	return u, notFound(err)
}

// CreateUser inserts a user; the email must be unused.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, first_name, last_name, role)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Role)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, conflict(err)
	}
	return u, nil
}

// GetUser returns a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (User, error) {
	if uuid.Validate(id) != nil {
		return User{}, ErrNotFound
	}
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByEmail returns a user by lower-cased email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// ListUsersByRole returns users with the given role ordered by name.
func (r *Repository) ListUsersByRole(ctx context.Context, role Role) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users WHERE role = $1
		ORDER BY last_name, first_name, id
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserName changes first and last name.
func (r *Repository) UpdateUserName(ctx context.Context, id, firstName, lastName string) error {
	return r.execOne(ctx, `
		UPDATE users SET first_name = $2, last_name = $3, updated_at = NOW()
		WHERE id = $1
	`, id, firstName, lastName)
}

// SetUserRole changes a user's role.
func (r *Repository) SetUserRole(ctx context.Context, id string, role Role) error {
	return r.execOne(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`, id, role)
}

// SetFaceTemplate stores the registered face and its mirrored avatar URL.
func (r *Repository) SetFaceTemplate(ctx context.Context, id, template, avatarURL string) error {
	return r.execOne(ctx, `
		UPDATE users
		SET face_template = $2, avatar_url = COALESCE($3, avatar_url), updated_at = NOW()
		WHERE id = $1
	`, id, template, nullString(avatarURL))
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, t.Token, t.UserID, t.ExpiresAt)
	return conflict(err)
}

// ConsumeRefreshToken revokes a live token in one statement so it can only be used once.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND NOT revoked AND expires_at > $2
		RETURNING token, user_id, expires_at, revoked
	`, token, now)
	var t RefreshToken
	if err := row.Scan(&t.Token, &t.UserID, &t.ExpiresAt, &t.Revoked); err != nil {
		return RefreshToken{}, notFound(err)
	}
	return t, nil
}

// CreateCourse inserts a course.
func (r *Repository) CreateCourse(ctx context.Context, c Course) (Course, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO courses (id, name, code, instructor_id)
		VALUES ($1,$2,$3,$4)
	`, c.ID, c.Name, c.Code, c.InstructorID)
	if err != nil {
		return Course{}, conflict(err)
	}
	return c, nil
}

// GetCourse returns a course by id.
func (r *Repository) GetCourse(ctx context.Context, id string) (Course, error) {
	if uuid.Validate(id) != nil {
		return Course{}, ErrNotFound
	}
	var c Course
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, code, instructor_id FROM courses WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Code, &c.InstructorID)
	return c, notFound(err)
}

// ListCourses returns courses, optionally of one instructor.
func (r *Repository) ListCourses(ctx context.Context, instructorID string) ([]Course, error) {
	query := `SELECT id, name, code, instructor_id FROM courses`
	args := []any{}
	if instructorID != "" {
		query += ` WHERE instructor_id = $1`
		args = append(args, instructorID)
	}
	query += ` ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.InstructorID); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CreateSession inserts a class session.
func (r *Repository) CreateSession(ctx context.Context, s ClassSession) (ClassSession, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO class_sessions (id, course_id, start_time, end_time)
		VALUES ($1,$2,$3,$4)
	`, s.ID, s.CourseID, s.StartTime, s.EndTime)
	if err != nil {
		return ClassSession{}, conflict(err)
	}
	return s, nil
}

// GetSession returns a class session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (ClassSession, error) {
	if uuid.Validate(id) != nil {
		return ClassSession{}, ErrNotFound
	}
	var s ClassSession
	err := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, start_time, end_time FROM class_sessions WHERE id = $1
	`, id).Scan(&s.ID, &s.CourseID, &s.StartTime, &s.EndTime)
	return s, notFound(err)
}

// ListSessions returns sessions starting within [from, to).
func (r *Repository) ListSessions(ctx context.Context, courseIDs []string, from, to time.Time) ([]ClassSession, error) {
	query := `SELECT id, course_id, start_time, end_time FROM class_sessions WHERE start_time >= $1 AND start_time < $2`
	args := []any{from, to}
	if courseIDs != nil {
		query += ` AND course_id = ANY($3::uuid[])`
		args = append(args, courseIDs)
	}
	query += ` ORDER BY start_time, id`
	return r.querySessions(ctx, query, args...)
}

func (r *Repository) querySessions(ctx context.Context, query string, args ...any) ([]ClassSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ClassSession
	for rows.Next() {
		var s ClassSession
		if err := rows.Scan(&s.ID, &s.CourseID, &s.StartTime, &s.EndTime); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// OpenSessions returns sessions ending after at and starting before until.
func (r *Repository) OpenSessions(ctx context.Context, courseIDs []string, at, until time.Time) ([]ClassSession, error) {
	query := `SELECT id, course_id, start_time, end_time FROM class_sessions WHERE end_time > $1 AND start_time < $2`
	args := []any{at, until}
	if courseIDs != nil {
		query += ` AND course_id = ANY($3::uuid[])`
		args = append(args, courseIDs)
	}
	query += ` ORDER BY start_time, id`
	return r.querySessions(ctx, query, args...)
}

// ActiveSession returns the earliest-starting session running at t.
func (r *Repository) ActiveSession(ctx context.Context, at time.Time) (ClassSession, error) {
	var s ClassSession
	err := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, start_time, end_time
		FROM class_sessions
		WHERE start_time <= $1 AND end_time > $1
		ORDER BY start_time, id
		LIMIT 1
	`, at).Scan(&s.ID, &s.CourseID, &s.StartTime, &s.EndTime)
	return s, notFound(err)
}

const recordColumns = `id, student_id, class_session_id, occurred_at, status, method, recorded_by`

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var session, by sql.NullString
	if err := row.Scan(&rec.ID, &rec.StudentID, &session, &rec.Timestamp, &rec.Status, &rec.Method, &by); err != nil {
		return Record{}, notFound(err)
	}
	rec.SessionID = session.String
	rec.RecordedBy = by.String
	return rec, nil
}

// InsertRecord appends an attendance record.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, student_id, class_session_id, occurred_at, status, method, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.StudentID, nullString(rec.SessionID), rec.Timestamp, rec.Status, rec.Method, nullString(rec.RecordedBy))
	if err != nil {
		return Record{}, conflict(err)
	}
	return rec, nil
}

// ListRecords returns records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.SessionIDs != nil {
		args = append(args, f.SessionIDs)
		clauses = append(clauses, fmt.Sprintf("class_session_id = ANY($%d::uuid[])", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("occurred_at < $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LastRecord returns the newest record of a student.
func (r *Repository) LastRecord(ctx context.Context, studentID string) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY occurred_at DESC
		LIMIT 1
	`, studentID))
}

// InsertMark appends a mark.
func (r *Repository) InsertMark(ctx context.Context, m Mark) (Mark, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO marks (id, student_id, course_id, assignment_name, score, total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.StudentID, m.CourseID, m.AssignmentName, m.Score, m.Total, m.Timestamp)
	if err != nil {
		return Mark{}, conflict(err)
	}
	return m, nil
}

// ListMarks returns marks newest first.
func (r *Repository) ListMarks(ctx context.Context, f MarkFilter) ([]Mark, error) {
	query := `SELECT id, student_id, course_id, assignment_name, score, total, created_at FROM marks`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.CourseID != "" {
		args = append(args, f.CourseID)
		clauses = append(clauses, fmt.Sprintf("course_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Mark
	for rows.Next() {
		var m Mark
		if err := rows.Scan(&m.ID, &m.StudentID, &m.CourseID, &m.AssignmentName, &m.Score, &m.Total, &m.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertCheckin stores a pending asynchronous check-in.
func (r *Repository) InsertCheckin(ctx context.Context, j CheckinJob) (CheckinJob, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO checkin_jobs (id, student_id, photo, status)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, j.ID, j.StudentID, j.Photo, j.Status)
	if err := row.Scan(&j.CreatedAt); err != nil {
		return CheckinJob{}, conflict(err)
	}
	return j, nil
}

// GetCheckin returns a check-in job by id.
func (r *Repository) GetCheckin(ctx context.Context, id string) (CheckinJob, error) {
	if uuid.Validate(id) != nil {
		return CheckinJob{}, ErrNotFound
	}
	var j CheckinJob
	var recordID sql.NullString
	var processedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, photo, status, reason, record_id, created_at, processed_at
		FROM checkin_jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.StudentID, &j.Photo, &j.Status, &j.Reason, &recordID, &j.CreatedAt, &processedAt)
	if err != nil {
		return CheckinJob{}, notFound(err)
	}
	j.RecordID = recordID.String
	if processedAt.Valid {
		j.ProcessedAt = &processedAt.Time
	}
	return j, nil
}

// UpdateCheckin saves the outcome of a processed job.
func (r *Repository) UpdateCheckin(ctx context.Context, j CheckinJob) error {
	return r.execOne(ctx, `
		UPDATE checkin_jobs
		SET status = $2, reason = $3, record_id = $4, processed_at = $5
		WHERE id = $1
	`, j.ID, j.Status, j.Reason, nullString(j.RecordID), j.ProcessedAt)
}

// execOne runs an update keyed by id ($1) and reports ErrNotFound when no row
// matched, including ids that are not UUIDs.
func (r *Repository) execOne(ctx context.Context, query, id string, args ...any) error {
	if uuid.Validate(id) != nil {
		return ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
