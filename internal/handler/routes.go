package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"attendx/internal/attendance"
	"attendx/internal/auth"
	"attendx/internal/httpmiddleware"
	"attendx/internal/metrics"
)

// RouterConfig holds what the router needs besides the handler itself.
type RouterConfig struct {
	Signer          auth.Signer
	Metrics         metrics.Recorder
	MetricsHandler  http.Handler
	Logger          *slog.Logger
	RateLimitPerMin int
	AIRateLimit     int
	Production      bool
	AllowOrigins    []string
}

// Router builds the gin engine with middleware and every /v1 route.
func Router(h *Handler, cfg RouterConfig) *gin.Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
		corsCfg.AllowCredentials = true
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(cfg.Logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.Metrics(cfg.Metrics))
	r.Use(cors.New(corsCfg))
	r.Use(httpmiddleware.SecurityHeaders(cfg.Production))
	r.Use(httpmiddleware.NewRateLimiter("general", cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/healthz", h.Healthz)
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	v1 := r.Group("/v1")
	v1.POST("/auth/signup", h.Signup)
	v1.POST("/auth/login", h.Login)
	v1.POST("/auth/refresh", h.Refresh)
	v1.POST("/auth/logout", h.Logout)

	ai := httpmiddleware.NewRateLimiter("ai", cfg.AIRateLimit).GinMiddleware()
	student := string(attendance.RoleStudent)
	instructor := string(attendance.RoleInstructor)
	admin := string(attendance.RoleAdmin)

	authed := v1.Group("", auth.Authenticate(cfg.Signer))
	authed.GET("/me", h.Me)
	authed.PATCH("/me", h.UpdateMe)
	authed.POST("/me/face", ai, h.RegisterFace)
	authed.POST("/face/detect", ai, h.DetectFace)
	authed.GET("/courses", h.ListCourses)
	authed.GET("/sessions/upcoming", h.UpcomingSessions)

	students := authed.Group("", auth.RequireRole(student))
	students.POST("/checkins", ai, h.CheckIn)
	students.POST("/checkins/async", ai, h.SubmitCheckin)
	students.GET("/checkins/:id", h.GetCheckin)
	students.GET("/me/history", h.MyHistory)
	students.GET("/me/marks", h.MyMarks)
	students.GET("/dashboard/student", h.StudentDashboard)
	students.POST("/absence-email", ai, h.AbsenceEmail)

	staff := authed.Group("", auth.RequireRole(instructor, admin))
	staff.POST("/scan", ai, h.Scan)
	staff.POST("/attendance", h.MarkManual)
	staff.GET("/students", h.ListStudents)
	staff.GET("/students/:id", h.StudentHistory)
	staff.POST("/students/:id/absence-email", ai, h.StudentAbsenceEmail)
	staff.GET("/dashboard/instructor", h.InstructorDashboard)
	staff.POST("/courses", h.CreateCourse)
	staff.POST("/courses/:id/sessions", h.CreateSession)
	staff.GET("/courses/:id/report", h.Report)
	staff.POST("/courses/:id/summary", ai, h.Summary)
	staff.GET("/courses/:id/marks", h.CourseMarks)
	staff.POST("/marks", h.AddMark)

	admins := authed.Group("", auth.RequireRole(admin))
	admins.PUT("/users/:id/role", h.SetRole)

	return r
}
