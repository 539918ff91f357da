package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendx/internal/attendance"
)

// ---------- Accounts ----------

func (h *Handler) Signup(c *gin.Context) {
	var req attendance.SignupInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid signup request")
		return
	}
	res, err := h.svc.Signup(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"user": res.User, "tokens": res.Tokens})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}
	res, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": res.User, "tokens": res.Tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "refreshToken is required")
		return
	}
	res, err := h.svc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": res.User, "tokens": res.Tokens})
}

func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "refreshToken is required")
		return
	}
	if err := h.svc.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil)
}

// ---------- Profile ----------

func (h *Handler) Me(c *gin.Context) {
	p, err := h.svc.Profile(c.Request.Context(), actor(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": p})
}

type profileRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (h *Handler) UpdateMe(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid profile")
		return
	}
	p, err := h.svc.UpdateProfile(c.Request.Context(), actor(c).ID, req.FirstName, req.LastName)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": p})
}

// RegisterFace stores the caller's face template.
func (h *Handler) RegisterFace(c *gin.Context) {
	req, ok := photo(c)
	if !ok {
		return
	}
	p, err := h.svc.RegisterFace(c.Request.Context(), actor(c).ID, req.Photo)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": p})
}

type roleRequest struct {
	Role attendance.Role `json:"role" binding:"required"`
}

// SetRole is admin only.
func (h *Handler) SetRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "role is required")
		return
	}
	p, err := h.svc.SetRole(c.Request.Context(), c.Param("id"), req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"user": p})
}
