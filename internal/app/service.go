package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"plenum/api/internal/archive"
	"plenum/api/internal/auth"
	"plenum/api/internal/authpw"
	"plenum/api/internal/clock"
	"plenum/api/internal/config"
	"plenum/api/internal/email"
	"plenum/api/internal/notify"
	"plenum/api/internal/rbac"
	"plenum/api/internal/search"
	"plenum/api/internal/store"
	"plenum/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByVerificationToken(context.Context, string) (store.User, error)
	MarkEmailVerified(context.Context, string) error
	SetResetToken(context.Context, string, string, time.Time) error
	GetUserByResetToken(context.Context, string) (store.User, error)
	UpdatePassword(context.Context, string, string) error
	UpdateUserProfile(context.Context, string, string) error
	UpdateUserRole(context.Context, string, string) error
	DeactivateUser(context.Context, string) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertSubmission(context.Context, store.Submission) error
	GetSubmission(context.Context, string) (store.Submission, error)
	ListSubmissions(context.Context, string, string) ([]store.Submission, error)
	BeginReview(context.Context, string, string, string) (store.Submission, error)
	RejectSubmission(context.Context, string, string, string, string) (store.Submission, error)
	WithdrawSubmission(context.Context, string, string, string) error
	ApproveSubmission(context.Context, store.ApproveParams) (store.ApprovalOutcome, error)

	ListDocuments(context.Context) ([]store.Document, error)
	GetDocumentByID(context.Context, string) (store.Document, error)
	GetDocumentByCode(context.Context, string) (store.Document, error)
	FindDocumentByGroupTitle(context.Context, string, string) (*store.Document, error)
	ListRevisions(context.Context, string) ([]store.Revision, error)
	GetRevision(context.Context, string, int) (store.Revision, error)

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListCommentsByDocument(context.Context, string) ([]store.Comment, error)
	UpdateCommentBody(context.Context, string, string, string, time.Time) error
	TombstoneComment(context.Context, string, string) error

	UpsertFollow(context.Context, string, string, string) error
	GetFollowLevel(context.Context, string, string) (string, error)
	ListFollowers(context.Context, string) ([]store.Follower, error)

	AppendAudit(context.Context, store.AuditRecord) error
	ListAudit(context.Context, string, string, int) ([]store.AuditRecord, error)

	Ping(ctx context.Context) error
}

// refreshSessionStore is satisfied by both the Postgres store and the Redis
// session store; Redis is preferred when configured.
type refreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type archiveService interface {
	CommitRevision(documentID string, content archive.Content, author, message string) (string, error)
	ContentByHash(documentID, hash string) (archive.Content, error)
	History(documentID string, limit int) ([]archive.CommitInfo, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessionStore
	archive  archiveService
	search   *search.Service
	authPW   *authpw.Service
	mail     *email.Service
	notifier *notify.Dispatcher
	clock    clock.Clock
	log      zerolog.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions refreshSessionStore, archiveSvc *archive.Service, searchSvc *search.Service, mail *email.Service, log zerolog.Logger) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		archive:  archiveSvc,
		search:   searchSvc,
		authPW:   authpw.NewService(dataStore),
		mail:     mail,
		notifier: notify.NewDispatcher(dataStore, mail, log),
		clock:    clock.System(),
		log:      log,
	}
}

// Bootstrap runs startup work that needs a live store: the search reindex.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AuthPasswordService exposes the email/password flow to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

// SMTPConfigured reports whether outbound email is available.
func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// IssueSessionFor builds a token pair for an authenticated user.
func (s *Service) IssueSessionFor(ctx context.Context, user store.User) (Session, error) {
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Always re-read the user so role changes and deactivation take effect
	// on the next refresh.
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName(),
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName(),
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName(),
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// UpdateProfile lets a user set their explicit display name.
func (s *Service) UpdateProfile(ctx context.Context, session Session, name string) error {
	if len(name) > 120 {
		return validationError("name too long", map[string]any{"max": 120})
	}
	return s.store.UpdateUserProfile(ctx, session.UserID, name)
}

// SetUserRole changes a member's role. Admin only; the closed role set is
// enforced here so the store never sees an unknown role.
func (s *Service) SetUserRole(ctx context.Context, session Session, userID, role string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return permissionDenied("only admins can change roles")
	}
	if !rbac.Known(role) {
		return validationError("unknown role", map[string]any{"role": role})
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		return err
	}
	return s.store.AppendAudit(ctx, store.AuditRecord{
		EntityType: "user", EntityID: userID,
		Action: "role_changed", ActorID: session.UserID, ActorName: session.UserName,
		Details: role,
	})
}

// Search runs a portal-wide query, Meilisearch when healthy, Postgres
// full-text search otherwise.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}}
	}
	return s.search.Search(q)
}

// SendVerificationMail delivers the sign-up verification link. Failures are
// logged, not returned; the account exists either way.
func (s *Service) SendVerificationMail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := fmt.Sprintf("%s/verify-email?token=%s", s.cfg.AppBaseURL, token)
	if err := s.mail.SendVerificationEmail(to, userName, url); err != nil {
		s.log.Error().Err(err).Str("to", to).Msg("send verification email")
	}
}

// SendResetMail delivers the password reset link.
func (s *Service) SendResetMail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.AppBaseURL, token)
	if err := s.mail.SendPasswordResetEmail(to, "", url); err != nil {
		s.log.Error().Err(err).Str("to", to).Msg("send reset email")
	}
}

// DeactivateUser soft-deletes an account; authorship on existing
// submissions and comments is untouched.
func (s *Service) DeactivateUser(ctx context.Context, session Session, userID string) error {
	if !s.Can(session.Role, rbac.ActionAdmin) {
		return permissionDenied("only admins can deactivate accounts")
	}
	if session.UserID == userID {
		return stateError("cannot deactivate your own account")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	if err := s.store.DeactivateUser(ctx, userID); err != nil {
		return err
	}
	return s.store.AppendAudit(ctx, store.AuditRecord{
		EntityType: "user", EntityID: userID,
		Action: "deactivated", ActorID: session.UserID, ActorName: session.UserName,
	})
}
