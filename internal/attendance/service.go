package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"attendx/internal/ai"
	"attendx/internal/auth"
	"attendx/internal/cloudinary"
	"attendx/internal/faceclient"
	"attendx/internal/insights"
	"attendx/internal/metrics"
	"attendx/internal/queue"
)

// FaceChecker makes the face decisions.
type FaceChecker interface {
	Detect(ctx context.Context, photo string) (*faceclient.DetectResult, error)
	Enroll(ctx context.Context, photo string) (*faceclient.EnrollResult, error)
	Verify(ctx context.Context, photo, template string) (*faceclient.VerifyResult, error)
	Search(ctx context.Context, photo string, directory []faceclient.DirectoryEntry) (*faceclient.SearchResult, error)
}

// TextWriter produces the AI-written texts.
type TextWriter interface {
	SummarizeTrends(ctx context.Context, courseName string, records []insights.RecordSummary) (string, error)
	DraftAbsenceEmail(ctx context.Context, req insights.AbsenceRequest) (string, error)
}

// Publisher hands work to the check-in worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Uploader mirrors face templates to an image host.
type Uploader interface {
	UploadDataURI(ctx context.Context, dataURI, publicID string) (*cloudinary.UploadResult, error)
}

// Deps are the collaborators of a Service. Queue, Uploader, Metrics and Logger
// are optional.
type Deps struct {
	Store    Store
	Face     FaceChecker
	Writer   TextWriter
	Signer   auth.Signer
	Queue    Publisher
	Uploader Uploader
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

// Options tune the attendance rules.
type Options struct {
	Cooldown     time.Duration
	MaxDirectory int
	Now          func() time.Time
}

// Service coordinates accounts, check-ins, reports and marks.
type Service struct {
	store        Store
	face         FaceChecker
	writer       TextWriter
	signer       auth.Signer
	queue        Publisher
	uploader     Uploader
	rec          metrics.Recorder
	log          *slog.Logger
	cooldown     time.Duration
	maxDirectory int
	now          func() time.Time
}

// NewService creates a service.
func NewService(d Deps, opts Options) *Service {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 12 * time.Hour
	}
	if opts.MaxDirectory <= 0 {
		opts.MaxDirectory = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:        d.Store,
		face:         d.Face,
		writer:       d.Writer,
		signer:       d.Signer,
		queue:        d.Queue,
		uploader:     d.Uploader,
		rec:          d.Metrics,
		log:          d.Logger,
		cooldown:     opts.Cooldown,
		maxDirectory: opts.MaxDirectory,
		now:          opts.Now,
	}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

// CanManage reports whether the actor may change course data.
func (a Actor) CanManage(c Course) bool {
	return a.Role == RoleAdmin || (a.Role == RoleInstructor && c.InstructorID == a.ID)
}

// Profile is a user as shown to clients.
type Profile struct {
	User
	FaceRegistered bool `json:"faceRegistered"`
}

func profileOf(u User) Profile {
	return Profile{User: u, FaceRegistered: u.HasTemplate()}
}

// AuthResult is returned by Signup, Login and Refresh.
type AuthResult struct {
	User   Profile        `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// SignupInput holds the fields of a new account.
type SignupInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      Role   `json:"role"`
}

// Signup creates a student or instructor account and signs it in.
func (s *Service) Signup(ctx context.Context, in SignupInput) (AuthResult, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return AuthResult{}, err
	}
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if in.FirstName == "" {
		return AuthResult{}, fmt.Errorf("%w: first name required", ErrInvalid)
	}
	if in.Role == "" {
		in.Role = RoleStudent
	}
	if in.Role != RoleStudent && in.Role != RoleInstructor {
		return AuthResult{}, fmt.Errorf("%w: role must be student or instructor", ErrInvalid)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	u, err := s.store.CreateUser(ctx, User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         in.Role,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return AuthResult{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return AuthResult{}, err
	}
	s.log.Info("user signed up", "user_id", u.ID, "role", u.Role)
	return s.signIn(ctx, u)
}

// Login checks credentials and issues tokens.
func (s *Service) Login(ctx context.Context, email, password string) (AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return AuthResult{}, ErrUnauthorized
	}
	return s.signIn(ctx, u)
}

// Refresh rotates a refresh token. Each refresh token works once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	if _, err := s.signer.Parse(refreshToken, auth.TypeRefresh); err != nil {
		return AuthResult{}, ErrUnauthorized
	}
	stored, err := s.store.ConsumeRefreshToken(ctx, refreshToken, s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, err
	}
	// the role may have changed since the token was issued
	u, err := s.store.GetUser(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResult{}, ErrUnauthorized
		}
		return AuthResult{}, err
	}
	return s.signIn(ctx, u)
}

// Logout revokes a refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	_, err := s.store.ConsumeRefreshToken(ctx, refreshToken, s.now())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) signIn(ctx context.Context, u User) (AuthResult, error) {
	pair, err := s.signer.Issue(u.ID, string(u.Role))
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := s.store.SaveRefreshToken(ctx, RefreshToken{
		Token:     pair.RefreshToken,
		UserID:    u.ID,
		ExpiresAt: pair.RefreshExp,
	}); err != nil {
		return AuthResult{}, fmt.Errorf("save refresh token: %w", err)
	}
	return AuthResult{User: profileOf(u), Tokens: pair}, nil
}

// SetRole changes the role of a user.
func (s *Service) SetRole(ctx context.Context, userID string, role Role) (Profile, error) {
	if !role.Valid() {
		return Profile{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}
	if err := s.store.SetUserRole(ctx, userID, role); err != nil {
		return Profile{}, err
	}
	s.log.Info("role changed", "user_id", userID, "role", role)
	return s.Profile(ctx, userID)
}

// Profile returns a user's profile.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return profileOf(u), nil
}

// UpdateProfile changes the display name.
func (s *Service) UpdateProfile(ctx context.Context, userID, firstName, lastName string) (Profile, error) {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" {
		return Profile{}, fmt.Errorf("%w: first name required", ErrInvalid)
	}
	if err := s.store.UpdateUserName(ctx, userID, firstName, lastName); err != nil {
		return Profile{}, err
	}
	return s.Profile(ctx, userID)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalid)
	}
	return email, nil
}

// student loads a user and checks it is a student.
func (s *Service) student(ctx context.Context, id string) (User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u.Role != RoleStudent {
		return User{}, fmt.Errorf("%w: user is not a student", ErrNotFound)
	}
	return u, nil
}

// upstream classifies an error from the face or text model. Photos the client
// sent that fail to decode are its own fault, not the model's.
func upstream(err error) error {
	if errors.Is(err, ai.ErrInvalidDataURI) || errors.Is(err, ai.ErrInvalidImage) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
