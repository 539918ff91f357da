package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"attendx/internal/ai"
	"attendx/internal/attendance"
	"attendx/internal/auth"
	"attendx/internal/faceclient"
	"attendx/internal/insights"
	"attendx/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	store    *attendance.MemoryStore
	provider *ai.StaticProvider
	queue    *queue.InMemory
}

func newTestServer(t *testing.T, skipFace bool, checks map[string]HealthCheck) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := ai.NewStaticProvider(`{"faceDetected":true,"faceRegistered":true,"isMatch":true,"summary":"Attendance is steady.","emailDraft":"Dear Professor"}`)
	signer := auth.Signer{Key: "handler-test-key", Issuer: "attendx", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	srv := &testServer{
		store:    attendance.NewMemoryStore(),
		provider: provider,
		queue:    queue.NewInMemory(8),
	}
	svc := attendance.NewService(attendance.Deps{
		Store:  srv.store,
		Face:   faceclient.New(provider, nil, skipFace),
		Writer: insights.New(provider, nil),
		Signer: signer,
		Queue:  srv.queue,
		Logger: logger,
	}, attendance.Options{})
	srv.router = Router(New(svc, checks, logger), RouterConfig{Signer: signer, Logger: logger})
	return srv
}

type response struct {
	code int
	body map[string]any
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.serve(t, req, token)
}

func (s *testServer) serve(t *testing.T, req *http.Request, token string) response {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	res := response{code: w.Code, body: map[string]any{}}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &res.body); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", req.Method, req.URL.Path, w.Body.String())
		}
	}
	return res
}

// signup creates an account and returns its access token and id.
func (s *testServer) signup(t *testing.T, first, role string) (string, string) {
	t.Helper()
	res := s.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":     first + "@example.edu",
		"password":  "correct-horse",
		"firstName": first,
		"lastName":  "Tester",
		"role":      role,
	})
	if res.code != http.StatusCreated {
		t.Fatalf("signup %s status = %d body = %v", first, res.code, res.body)
	}
	tokens := res.body["tokens"].(map[string]any)
	user := res.body["user"].(map[string]any)
	return tokens["accessToken"].(string), user["id"].(string)
}

func pngPhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for x := range 12 {
		for y := range 12 {
			img.Set(x, y, color.RGBA{R: 200, G: 150, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func photoURI(t *testing.T) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngPhoto(t))
}

func assertFailure(t *testing.T, res response, code int) {
	t.Helper()
	if res.code != code {
		t.Errorf("status = %d, want %d (body %v)", res.code, code, res.body)
	}
	if res.body["success"] != false || res.body["error"] == "" || res.body["error"] == nil {
		t.Errorf("failure body = %v", res.body)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, true, map[string]HealthCheck{
		"db":    func(context.Context) bool { return true },
		"redis": func(context.Context) bool { return false },
	})
	res := srv.do(t, http.MethodGet, "/healthz", "", nil)
	if res.code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.code)
	}
	checks := res.body["checks"].(map[string]any)
	if checks["db"] != true || checks["redis"] != false {
		t.Errorf("checks = %v", checks)
	}

	healthy := newTestServer(t, true, nil)
	if res := healthy.do(t, http.MethodGet, "/healthz", "", nil); res.code != http.StatusOK || res.body["success"] != true {
		t.Errorf("healthy = %d %v", res.code, res.body)
	}
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t, true, nil)
	srv.signup(t, "ada", "student")

	res := srv.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{"email": "ada@example.edu", "password": "correct-horse", "firstName": "Ada"})
	assertFailure(t, res, http.StatusConflict)
	res = srv.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{"email": "bob@example.edu", "password": "short", "firstName": "Bob"})
	assertFailure(t, res, http.StatusBadRequest)

	res = srv.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "ada@example.edu", "password": "wrong-password"})
	assertFailure(t, res, http.StatusUnauthorized)
	res = srv.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "ADA@example.edu", "password": "correct-horse"})
	if res.code != http.StatusOK || res.body["success"] != true {
		t.Fatalf("login = %d %v", res.code, res.body)
	}
	refresh := res.body["tokens"].(map[string]any)["refreshToken"].(string)

	res = srv.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if res.code != http.StatusOK {
		t.Fatalf("refresh = %d %v", res.code, res.body)
	}
	res = srv.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	assertFailure(t, res, http.StatusUnauthorized)

	assertFailure(t, srv.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{}), http.StatusBadRequest)
}

func TestProfile(t *testing.T) {
	srv := newTestServer(t, true, nil)
	token, id := srv.signup(t, "ada", "student")

	res := srv.do(t, http.MethodGet, "/v1/me", token, nil)
	user := res.body["user"].(map[string]any)
	if res.code != http.StatusOK || user["id"] != id || user["faceRegistered"] != false {
		t.Fatalf("me = %d %v", res.code, res.body)
	}
	if _, ok := user["passwordHash"]; ok {
		t.Error("password hash leaked")
	}

	res = srv.do(t, http.MethodPatch, "/v1/me", token, map[string]string{"firstName": "Augusta", "lastName": "King"})
	if res.code != http.StatusOK || res.body["user"].(map[string]any)["firstName"] != "Augusta" {
		t.Errorf("update = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodPatch, "/v1/me", token, map[string]string{"firstName": " "}), http.StatusBadRequest)
}

func TestRoleGates(t *testing.T) {
	srv := newTestServer(t, true, nil)
	student, _ := srv.signup(t, "ada", "student")
	instructor, _ := srv.signup(t, "alan", "instructor")

	assertFailure(t, srv.do(t, http.MethodGet, "/v1/students", "", nil), http.StatusUnauthorized)
	assertFailure(t, srv.do(t, http.MethodGet, "/v1/students", "garbage", nil), http.StatusUnauthorized)
	assertFailure(t, srv.do(t, http.MethodGet, "/v1/students", student, nil), http.StatusForbidden)
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/checkins", instructor, map[string]string{"photo": photoURI(t)}), http.StatusForbidden)
	assertFailure(t, srv.do(t, http.MethodPut, "/v1/users/x/role", instructor, map[string]string{"role": "admin"}), http.StatusForbidden)

	res := srv.do(t, http.MethodGet, "/v1/students", instructor, nil)
	if res.code != http.StatusOK {
		t.Errorf("instructor students = %d %v", res.code, res.body)
	}
}

func TestSetRole_Admin(t *testing.T) {
	srv := newTestServer(t, true, nil)
	_, adminID := srv.signup(t, "root", "instructor")
	_, adaID := srv.signup(t, "ada", "student")
	if err := srv.store.SetUserRole(context.Background(), adminID, attendance.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	res := srv.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "root@example.edu", "password": "correct-horse"})
	admin := res.body["tokens"].(map[string]any)["accessToken"].(string)

	res = srv.do(t, http.MethodPut, "/v1/users/"+adaID+"/role", admin, map[string]string{"role": "instructor"})
	if res.code != http.StatusOK || res.body["user"].(map[string]any)["role"] != "instructor" {
		t.Errorf("set role = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodPut, "/v1/users/"+adaID+"/role", admin, map[string]string{"role": "wizard"}), http.StatusBadRequest)
	assertFailure(t, srv.do(t, http.MethodPut, "/v1/users/nobody/role", admin, map[string]string{"role": "student"}), http.StatusNotFound)
}

func TestStudentCheckIn(t *testing.T) {
	srv := newTestServer(t, true, nil)
	token, _ := srv.signup(t, "ada", "student")
	body := map[string]string{"photo": photoURI(t)}

	assertFailure(t, srv.do(t, http.MethodPost, "/v1/checkins", token, body), http.StatusBadRequest)
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/checkins", token, map[string]string{}), http.StatusBadRequest)
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/checkins", token, map[string]string{"photo": "not-a-data-uri"}), http.StatusBadRequest)

	res := srv.do(t, http.MethodPost, "/v1/me/face", token, body)
	if res.code != http.StatusOK || res.body["user"].(map[string]any)["faceRegistered"] != true {
		t.Fatalf("register face = %d %v", res.code, res.body)
	}

	res = srv.do(t, http.MethodPost, "/v1/face/detect", token, body)
	if res.code != http.StatusOK || res.body["faceDetected"] != true {
		t.Errorf("detect = %d %v", res.code, res.body)
	}

	res = srv.do(t, http.MethodPost, "/v1/checkins", token, body)
	if res.code != http.StatusCreated {
		t.Fatalf("check-in = %d %v", res.code, res.body)
	}
	if rec := res.body["record"].(map[string]any); rec["status"] != "Present" || rec["method"] != "self" {
		t.Errorf("record = %v", rec)
	}
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/checkins", token, body), http.StatusConflict)

	res = srv.do(t, http.MethodGet, "/v1/me/history", token, nil)
	hist := res.body["history"].(map[string]any)
	if len(hist["records"].([]any)) != 1 || hist["attendanceRate"] != float64(100) {
		t.Errorf("history = %v", hist)
	}

	res = srv.do(t, http.MethodGet, "/v1/dashboard/student", token, nil)
	if res.code != http.StatusOK || res.body["dashboard"].(map[string]any)["todayStatus"] != "Present" {
		t.Errorf("dashboard = %d %v", res.code, res.body)
	}
}

func TestRegisterFace_Multipart(t *testing.T) {
	srv := newTestServer(t, true, nil)
	token, _ := srv.signup(t, "ada", "student")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("photo", "face.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(pngPhoto(t))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/me/face", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res := srv.serve(t, req, token)
	if res.code != http.StatusOK || res.body["user"].(map[string]any)["faceRegistered"] != true {
		t.Fatalf("multipart register = %d %v", res.code, res.body)
	}

	empty := multipart.NewWriter(&bytes.Buffer{})
	req = httptest.NewRequest(http.MethodPost, "/v1/me/face", bytes.NewReader(nil))
	req.Header.Set("Content-Type", empty.FormDataContentType())
	assertFailure(t, srv.serve(t, req, token), http.StatusBadRequest)
}

func TestAsyncCheckin(t *testing.T) {
	srv := newTestServer(t, true, nil)
	token, _ := srv.signup(t, "ada", "student")
	body := map[string]string{"photo": photoURI(t)}
	srv.do(t, http.MethodPost, "/v1/me/face", token, body)

	res := srv.do(t, http.MethodPost, "/v1/checkins/async", token, body)
	if res.code != http.StatusAccepted {
		t.Fatalf("submit = %d %v", res.code, res.body)
	}
	job := res.body["job"].(map[string]any)
	if job["status"] != "pending" {
		t.Errorf("job = %v", job)
	}

	res = srv.do(t, http.MethodGet, "/v1/checkins/"+job["id"].(string), token, nil)
	if res.code != http.StatusOK || res.body["job"].(map[string]any)["id"] != job["id"] {
		t.Errorf("get job = %d %v", res.code, res.body)
	}
	other, _ := srv.signup(t, "bob", "student")
	assertFailure(t, srv.do(t, http.MethodGet, "/v1/checkins/"+job["id"].(string), other, nil), http.StatusNotFound)
}

func TestInstructorFlow(t *testing.T) {
	srv := newTestServer(t, true, nil)
	instructor, _ := srv.signup(t, "alan", "instructor")
	student, studentID := srv.signup(t, "ada", "student")
	srv.do(t, http.MethodPost, "/v1/me/face", student, map[string]string{"photo": photoURI(t)})

	res := srv.do(t, http.MethodPost, "/v1/courses", instructor, map[string]string{"name": "Algorithms", "code": "CS101"})
	if res.code != http.StatusCreated {
		t.Fatalf("create course = %d %v", res.code, res.body)
	}
	courseID := res.body["course"].(map[string]any)["id"].(string)

	start := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	res = srv.do(t, http.MethodPost, "/v1/courses/"+courseID+"/sessions", instructor, map[string]string{
		"startTime": start.Format(time.RFC3339),
		"endTime":   start.Add(time.Hour).Format(time.RFC3339),
	})
	if res.code != http.StatusCreated {
		t.Fatalf("create session = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/courses/"+courseID+"/sessions", instructor, map[string]string{
		"startTime": start.Format(time.RFC3339),
		"endTime":   start.Format(time.RFC3339),
	}), http.StatusBadRequest)

	res = srv.do(t, http.MethodGet, "/v1/sessions/upcoming?limit=1", student, nil)
	if res.code != http.StatusOK || len(res.body["sessions"].([]any)) != 1 {
		t.Errorf("upcoming = %d %v", res.code, res.body)
	}

	res = srv.do(t, http.MethodPost, "/v1/scan", instructor, map[string]string{"photo": photoURI(t)})
	if res.code != http.StatusCreated || res.body["recognizedStudentId"] != studentID {
		t.Fatalf("scan = %d %v", res.code, res.body)
	}
	if rec := res.body["record"].(map[string]any); rec["status"] != "Present" || rec["method"] != "scan" {
		t.Errorf("scan record = %v", rec)
	}

	day := start.Format(dateLayout)
	res = srv.do(t, http.MethodGet, "/v1/courses/"+courseID+"/report?from="+day+"&to="+day, instructor, nil)
	if res.code != http.StatusOK {
		t.Fatalf("report = %d %v", res.code, res.body)
	}
	rows := res.body["rows"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["status"] != "Present" {
		t.Errorf("rows = %v", rows)
	}
	assertFailure(t, srv.do(t, http.MethodGet, "/v1/courses/"+courseID+"/report?from=yesterday&to="+day, instructor, nil), http.StatusBadRequest)

	res = srv.do(t, http.MethodGet, "/v1/students/"+studentID, instructor, nil)
	if res.code != http.StatusOK || len(res.body["history"].(map[string]any)["records"].([]any)) != 1 {
		t.Errorf("student history = %d %v", res.code, res.body)
	}

	res = srv.do(t, http.MethodPost, "/v1/courses/"+courseID+"/summary", instructor, nil)
	if res.code != http.StatusOK || res.body["summary"] != "Attendance is steady." {
		t.Errorf("summary = %d %v", res.code, res.body)
	}

	res = srv.do(t, http.MethodPost, "/v1/marks", instructor, map[string]any{"studentId": studentID, "courseId": courseID, "assignmentName": "Quiz", "score": 9, "total": 10})
	if res.code != http.StatusCreated || res.body["mark"].(map[string]any)["percentage"] != float64(90) {
		t.Errorf("add mark = %d %v", res.code, res.body)
	}
	res = srv.do(t, http.MethodGet, "/v1/me/marks", student, nil)
	if len(res.body["marks"].([]any)) != 1 {
		t.Errorf("my marks = %v", res.body)
	}
	res = srv.do(t, http.MethodGet, "/v1/courses/"+courseID+"/marks", instructor, nil)
	if len(res.body["marks"].([]any)) != 1 {
		t.Errorf("course marks = %v", res.body)
	}

	res = srv.do(t, http.MethodPost, "/v1/attendance", instructor, map[string]string{"studentId": studentID, "status": "Late"})
	if res.code != http.StatusCreated || res.body["record"].(map[string]any)["method"] != "manual" {
		t.Errorf("manual = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/attendance", instructor, map[string]string{"studentId": studentID, "status": "Sleeping"}), http.StatusBadRequest)

	res = srv.do(t, http.MethodGet, "/v1/dashboard/instructor?date="+time.Now().UTC().Format(dateLayout), instructor, nil)
	if res.code != http.StatusOK || res.body["dashboard"].(map[string]any)["totalStudents"] != float64(1) {
		t.Errorf("dashboard = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodGet, "/v1/dashboard/instructor?date=03/10/2025", instructor, nil), http.StatusBadRequest)
}

func TestAbsenceEmail(t *testing.T) {
	srv := newTestServer(t, true, nil)
	token, _ := srv.signup(t, "ada", "student")

	res := srv.do(t, http.MethodPost, "/v1/absence-email", token, map[string]string{"courseName": "Algorithms", "professorName": "Dr. Turing", "absenceReason": "flu"})
	if res.code != http.StatusOK || res.body["emailDraft"] != "Dear Professor" {
		t.Errorf("email = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/absence-email", token, map[string]string{"courseName": "Algorithms"}), http.StatusBadRequest)
}

func TestStudentAbsenceEmail_Instructor(t *testing.T) {
	srv := newTestServer(t, true, nil)
	student, studentID := srv.signup(t, "ada", "student")
	instructor, instructorID := srv.signup(t, "alan", "instructor")
	body := map[string]string{"courseName": "Algorithms", "professorName": "Dr. Turing", "absenceReason": "flu"}

	res := srv.do(t, http.MethodPost, "/v1/students/"+studentID+"/absence-email", instructor, body)
	if res.code != http.StatusOK || res.body["emailDraft"] != "Dear Professor" {
		t.Errorf("email = %d %v", res.code, res.body)
	}
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/students/"+instructorID+"/absence-email", instructor, body), http.StatusNotFound)
	assertFailure(t, srv.do(t, http.MethodPost, "/v1/students/"+studentID+"/absence-email", student, body), http.StatusForbidden)
}

func TestUpstreamFailureIs502(t *testing.T) {
	srv := newTestServer(t, false, nil)
	token, _ := srv.signup(t, "ada", "student")
	srv.provider.FailWith(errors.New("quota exceeded for key sk-123"))

	res := srv.do(t, http.MethodPost, "/v1/face/detect", token, map[string]string{"photo": photoURI(t)})
	assertFailure(t, res, http.StatusBadGateway)
	if res.body["error"] != attendance.ErrUpstream.Error() {
		t.Errorf("error = %v, upstream detail must not leak", res.body["error"])
	}
}

func TestCorruptPhotoIs400(t *testing.T) {
	srv := newTestServer(t, false, nil)
	token, _ := srv.signup(t, "ada", "student")

	truncated := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngPhoto(t)[:33])
	for _, photo := range []string{"data:image/png;base64,aGVsbG8gd29ybGQ=", truncated} {
		res := srv.do(t, http.MethodPost, "/v1/face/detect", token, map[string]string{"photo": photo})
		assertFailure(t, res, http.StatusBadRequest)
		res = srv.do(t, http.MethodPost, "/v1/me/face", token, map[string]string{"photo": photo})
		assertFailure(t, res, http.StatusBadRequest)
	}
	if n := len(srv.provider.Requests()); n != 0 {
		t.Errorf("model called %d times for unreadable photos", n)
	}
}

func TestFailMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{attendance.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("course x: %w", attendance.ErrForbidden), http.StatusForbidden},
		{attendance.ErrConflict, http.StatusConflict},
		{attendance.ErrCooldown, http.StatusConflict},
		{attendance.ErrUnauthorized, http.StatusUnauthorized},
		{attendance.ErrInvalid, http.StatusBadRequest},
		{attendance.ErrNoTemplate, http.StatusBadRequest},
		{attendance.ErrUnsuitableFace, http.StatusUnprocessableEntity},
		{attendance.ErrNotMatched, http.StatusUnprocessableEntity},
		{attendance.ErrNotRecognized, http.StatusUnprocessableEntity},
		{attendance.ErrUpstream, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	h := New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			h.fail(c, tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var body map[string]any
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["success"] != false {
				t.Errorf("body = %v", body)
			}
			if tt.want == http.StatusInternalServerError && body["error"] != "internal error" {
				t.Errorf("internal error leaked: %v", body["error"])
			}
		})
	}
}
