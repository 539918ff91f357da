package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendx/internal/attendance"
)

// ---------- Face ----------

func (h *Handler) DetectFace(c *gin.Context) {
	req, ok := photo(c)
	if !ok {
		return
	}
	found, err := h.svc.DetectFace(c.Request.Context(), req.Photo)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"faceDetected": found})
}

// ---------- Student check-in ----------

// CheckIn verifies the caller's photo and records them present.
func (h *Handler) CheckIn(c *gin.Context) {
	req, ok := photo(c)
	if !ok {
		return
	}
	rec, err := h.svc.CheckIn(c.Request.Context(), actor(c).ID, req.Photo)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"record": rec})
}

// SubmitCheckin queues the photo for the worker and answers 202 with the job.
func (h *Handler) SubmitCheckin(c *gin.Context) {
	req, ok := photo(c)
	if !ok {
		return
	}
	job, err := h.svc.SubmitCheckin(c.Request.Context(), actor(c).ID, req.Photo)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"job": job})
}

func (h *Handler) GetCheckin(c *gin.Context) {
	job, err := h.svc.Checkin(c.Request.Context(), actor(c).ID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"job": job})
}

// ---------- Instructor marking ----------

// Scan recognizes one student in a classroom photo.
func (h *Handler) Scan(c *gin.Context) {
	req, ok := photo(c)
	if !ok {
		return
	}
	res, err := h.svc.RecognizeAndMark(c.Request.Context(), actor(c).ID, req.Photo, req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"recognizedStudentId": res.StudentID, "studentName": res.StudentName, "record": res.Record})
}

type manualRequest struct {
	StudentID string            `json:"studentId" binding:"required"`
	SessionID string            `json:"sessionId"`
	Status    attendance.Status `json:"status" binding:"required"`
}

func (h *Handler) MarkManual(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "studentId and status are required")
		return
	}
	rec, err := h.svc.MarkManual(c.Request.Context(), actor(c).ID, req.StudentID, req.SessionID, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"record": rec})
}

// ---------- Students ----------

// ListStudents returns every student with their status for the requested day.
func (h *Handler) ListStudents(c *gin.Context) {
	day, ok := h.day(c)
	if !ok {
		return
	}
	students, err := h.svc.StudentsWithTodayStatus(c.Request.Context(), day)
	if err != nil {
		h.fail(c, err)
		return
	}
	if students == nil {
		students = []attendance.StudentStatus{}
	}
	respond(c, http.StatusOK, gin.H{"students": students})
}

func (h *Handler) StudentHistory(c *gin.Context) {
	hist, err := h.svc.StudentHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"history": hist})
}

func (h *Handler) MyHistory(c *gin.Context) {
	hist, err := h.svc.StudentHistory(c.Request.Context(), actor(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"history": hist})
}

// ---------- Dashboards ----------

func (h *Handler) InstructorDashboard(c *gin.Context) {
	day, ok := h.day(c)
	if !ok {
		return
	}
	d, err := h.svc.InstructorDashboard(c.Request.Context(), day)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"dashboard": d})
}

func (h *Handler) StudentDashboard(c *gin.Context) {
	d, err := h.svc.StudentDashboard(c.Request.Context(), actor(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"dashboard": d})
}

// ---------- Reports and AI text ----------

// Report lists every (session, student) pair of a course between from and to.
func (h *Handler) Report(c *gin.Context) {
	from, to, ok := dateRange(c)
	if !ok {
		return
	}
	rows, err := h.svc.GenerateReport(c.Request.Context(), actor(c), c.Param("id"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"rows": rows})
}

func (h *Handler) Summary(c *gin.Context) {
	summary, err := h.svc.SummarizeTrends(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"summary": summary})
}

func (h *Handler) AbsenceEmail(c *gin.Context) {
	h.absenceEmail(c, actor(c).ID)
}

// StudentAbsenceEmail drafts the email on behalf of the student in the path.
func (h *Handler) StudentAbsenceEmail(c *gin.Context) {
	h.absenceEmail(c, c.Param("id"))
}

func (h *Handler) absenceEmail(c *gin.Context, studentID string) {
	var req attendance.AbsenceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid absence request")
		return
	}
	draft, err := h.svc.DraftAbsenceEmail(c.Request.Context(), studentID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"emailDraft": draft})
}
