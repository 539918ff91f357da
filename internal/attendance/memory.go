package attendance

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It backs development runs
// without Postgres and the service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	tokens   map[string]RefreshToken
	courses  map[string]Course
	sessions map[string]ClassSession
	records  []Record
	marks    []Mark
	checkins map[string]CheckinJob
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		tokens:   make(map[string]RefreshToken),
		courses:  make(map[string]Course),
		sessions: make(map[string]ClassSession),
		checkins: make(map[string]CheckinJob),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return User{}, ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryStore) ListUsersByRole(_ context.Context, role Role) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []User
	for _, u := range m.users {
		if u.Role == role {
			res = append(res, u)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if a.LastName != b.LastName {
			return a.LastName < b.LastName
		}
		if a.FirstName != b.FirstName {
			return a.FirstName < b.FirstName
		}
		return a.ID < b.ID
	})
	return res, nil
}

func (m *MemoryStore) updateUser(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *MemoryStore) UpdateUserName(_ context.Context, id, firstName, lastName string) error {
	return m.updateUser(id, func(u *User) {
		u.FirstName, u.LastName = firstName, lastName
	})
}

func (m *MemoryStore) SetUserRole(_ context.Context, id string, role Role) error {
	return m.updateUser(id, func(u *User) { u.Role = role })
}

func (m *MemoryStore) SetFaceTemplate(_ context.Context, id, template, avatarURL string) error {
	return m.updateUser(id, func(u *User) {
		u.FaceTemplate = template
		if avatarURL != "" {
			u.AvatarURL = avatarURL
		}
	})
}

func (m *MemoryStore) SaveRefreshToken(_ context.Context, t RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.Token]; ok {
		return ErrConflict
	}
	m.tokens[t.Token] = t
	return nil
}

func (m *MemoryStore) ConsumeRefreshToken(_ context.Context, token string, now time.Time) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.Revoked || !t.ExpiresAt.After(now) {
		return RefreshToken{}, ErrNotFound
	}
	t.Revoked = true
	m.tokens[token] = t
	return t, nil
}

func (m *MemoryStore) CreateCourse(_ context.Context, c Course) (Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.courses[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCourse(_ context.Context, id string) (Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return Course{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListCourses(_ context.Context, instructorID string) ([]Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Course
	for _, c := range m.courses {
		if instructorID == "" || c.InstructorID == instructorID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s ClassSession) (ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, courseIDs []string, from, to time.Time) ([]ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []ClassSession
	for _, s := range m.sessions {
		if s.StartTime.Before(from) || !s.StartTime.Before(to) {
			continue
		}
		if courseIDs != nil && !slices.Contains(courseIDs, s.CourseID) {
			continue
		}
		res = append(res, s)
	}
	sortSessions(res)
	return res, nil
}

func (m *MemoryStore) OpenSessions(_ context.Context, courseIDs []string, at, until time.Time) ([]ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []ClassSession
	for _, s := range m.sessions {
		if !s.EndTime.After(at) || !s.StartTime.Before(until) {
			continue
		}
		if courseIDs != nil && !slices.Contains(courseIDs, s.CourseID) {
			continue
		}
		res = append(res, s)
	}
	sortSessions(res)
	return res, nil
}

func (m *MemoryStore) ActiveSession(_ context.Context, at time.Time) (ClassSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var running []ClassSession
	for _, s := range m.sessions {
		if s.Running(at) {
			running = append(running, s)
		}
	}
	if len(running) == 0 {
		return ClassSession{}, ErrNotFound
	}
	sortSessions(running)
	return running[0], nil
}

func sortSessions(s []ClassSession) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartTime.Equal(s[j].StartTime) {
			return s[i].StartTime.Before(s[j].StartTime)
		}
		return s[i].ID < s[j].ID
	})
}

func (m *MemoryStore) InsertRecord(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	m.records = append(m.records, r)
	return r, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, f RecordFilter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	for _, r := range m.records {
		if f.StudentID != "" && r.StudentID != f.StudentID {
			continue
		}
		if f.SessionIDs != nil && !slices.Contains(f.SessionIDs, r.SessionID) {
			continue
		}
		if !f.From.IsZero() && r.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !r.Timestamp.Before(f.To) {
			continue
		}
		res = append(res, r)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Timestamp.After(res[j].Timestamp)
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (m *MemoryStore) LastRecord(ctx context.Context, studentID string) (Record, error) {
	res, err := m.ListRecords(ctx, RecordFilter{StudentID: studentID, Limit: 1})
	if err != nil {
		return Record{}, err
	}
	if len(res) == 0 {
		return Record{}, ErrNotFound
	}
	return res[0], nil
}

func (m *MemoryStore) InsertMark(_ context.Context, mk Mark) (Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mk.ID == "" {
		mk.ID = uuid.NewString()
	}
	if mk.Timestamp.IsZero() {
		mk.Timestamp = time.Now().UTC()
	}
	m.marks = append(m.marks, mk)
	return mk, nil
}

func (m *MemoryStore) ListMarks(_ context.Context, f MarkFilter) ([]Mark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Mark
	for _, mk := range m.marks {
		if f.StudentID != "" && mk.StudentID != f.StudentID {
			continue
		}
		if f.CourseID != "" && mk.CourseID != f.CourseID {
			continue
		}
		res = append(res, mk)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Timestamp.After(res[j].Timestamp)
	})
	return res, nil
}

func (m *MemoryStore) InsertCheckin(_ context.Context, j CheckinJob) (CheckinJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	j.CreatedAt = time.Now().UTC()
	m.checkins[j.ID] = j
	return j, nil
}

func (m *MemoryStore) GetCheckin(_ context.Context, id string) (CheckinJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.checkins[id]
	if !ok {
		return CheckinJob{}, ErrNotFound
	}
	return j, nil
}

func (m *MemoryStore) UpdateCheckin(_ context.Context, j CheckinJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkins[j.ID]; !ok {
		return ErrNotFound
	}
	m.checkins[j.ID] = j
	return nil
}
