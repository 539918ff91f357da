// Package handler exposes the attendance service over HTTP.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"attendx/internal/attendance"
	"attendx/internal/auth"
)

// maxPhotoBytes bounds uploaded photos before they are base64 encoded.
const maxPhotoBytes = 8 << 20

const dateLayout = "2006-01-02"

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the /v1 API.
type Handler struct {
	svc    *attendance.Service
	checks map[string]HealthCheck
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Handler. checks are probed by /healthz.
func New(svc *attendance.Service, checks map[string]HealthCheck, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, checks: checks, log: logger, now: time.Now}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range h.checks {
		healthy := check(ctx)
		deps[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"success": status == http.StatusOK, "status": http.StatusText(status), "checks": deps})
}

// ---------- Responses ----------

func respond(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// fail maps service errors to status codes. Unknown errors are logged and
// reported without detail.
func (h *Handler) fail(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, attendance.ErrConflict), errors.Is(err, attendance.ErrCooldown):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, attendance.ErrForbidden):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, attendance.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, attendance.ErrInvalid), errors.Is(err, attendance.ErrNoTemplate):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, attendance.ErrUnsuitableFace), errors.Is(err, attendance.ErrNotMatched), errors.Is(err, attendance.ErrNotRecognized):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, attendance.ErrUpstream):
		status, msg = http.StatusBadGateway, attendance.ErrUpstream.Error()
	}
	if status >= 500 {
		h.log.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// ---------- Request helpers ----------

func actor(c *gin.Context) attendance.Actor {
	claims, _ := auth.ClaimsFrom(c)
	return attendance.Actor{ID: claims.Subject, Role: attendance.Role(claims.Role)}
}

type photoRequest struct {
	Photo     string `json:"photo"`
	SessionID string `json:"sessionId"`
}

// photo reads the image either from a JSON body {"photo": "<data URI>"} or
// from a multipart "photo" file, which is converted to a data URI.
func photo(c *gin.Context) (photoRequest, bool) {
	var req photoRequest
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		file, _, err := c.Request.FormFile("photo")
		if err != nil {
			badRequest(c, "photo file is required")
			return req, false
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes+1))
		if err != nil || len(data) > maxPhotoBytes {
			badRequest(c, "photo is unreadable or too large")
			return req, false
		}
		req.Photo = "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
		req.SessionID = c.PostForm("sessionId")
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Photo == "" {
		badRequest(c, "photo is required")
		return req, false
	}
	return req, true
}

// day parses the "date" query parameter, defaulting to today.
func (h *Handler) day(c *gin.Context) (time.Time, bool) {
	v := c.Query("date")
	if v == "" {
		return h.now(), true
	}
	d, err := time.ParseInLocation(dateLayout, v, time.UTC)
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return d, true
}

// dateRange parses "from" and "to" as inclusive calendar days.
func dateRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, err := time.ParseInLocation(dateLayout, c.Query("from"), time.UTC)
	if err != nil {
		badRequest(c, "from must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	to, err := time.ParseInLocation(dateLayout, c.Query("to"), time.UTC)
	if err != nil {
		badRequest(c, "to must be YYYY-MM-DD")
		return time.Time{}, time.Time{}, false
	}
	return from, to.AddDate(0, 0, 1), true
}
