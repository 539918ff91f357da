package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attendx/internal/attendance"
)

// ---------- Courses and timetable ----------

type courseRequest struct {
	Name string `json:"name" binding:"required"`
	Code string `json:"code" binding:"required"`
}

func (h *Handler) CreateCourse(c *gin.Context) {
	var req courseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name and code are required")
		return
	}
	course, err := h.svc.CreateCourse(c.Request.Context(), actor(c), req.Name, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"course": course})
}

func (h *Handler) ListCourses(c *gin.Context) {
	courses, err := h.svc.ListCourses(c.Request.Context(), actor(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"courses": courses})
}

type sessionRequest struct {
	StartTime time.Time `json:"startTime" binding:"required"`
	EndTime   time.Time `json:"endTime" binding:"required"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "startTime and endTime must be RFC 3339 timestamps")
		return
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), actor(c), c.Param("id"), req.StartTime, req.EndTime)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"session": sess})
}

func (h *Handler) UpcomingSessions(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	sessions, err := h.svc.UpcomingSessions(c.Request.Context(), actor(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"sessions": sessions})
}

// ---------- Marks ----------

func (h *Handler) AddMark(c *gin.Context) {
	var req attendance.MarkInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid mark")
		return
	}
	m, err := h.svc.AddMark(c.Request.Context(), actor(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"mark": m})
}

func (h *Handler) MyMarks(c *gin.Context) {
	marks, err := h.svc.StudentMarks(c.Request.Context(), actor(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"marks": marks})
}

func (h *Handler) CourseMarks(c *gin.Context) {
	marks, err := h.svc.CourseMarks(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"marks": marks})
}
