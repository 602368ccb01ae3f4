// Package auth registers users, issues tokens and runs the password reset flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
	"github.com/fahrettinrizaergin/docker-manager/pkg/crypto"
	jwtpkg "github.com/fahrettinrizaergin/docker-manager/pkg/jwt"
)

const resetTokenBytes = 32

var (
	errInvalidCredentials = fmt.Errorf("%w: invalid email or password", domain.ErrUnauthenticated)
	errInvalidReset       = domain.Validationf("reset token is invalid or expired")
	validate              = validator.New()
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
	now    func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger.With("component", "auth"), cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ExpiresIn    time.Duration
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a regular user and signs them in.
func (s Service) Register(ctx context.Context, in RegisterInput) (*domain.User, TokenPair, error) {
	user, err := s.create(ctx, in, domain.RoleUser)
	if err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

func (s Service) create(ctx context.Context, in RegisterInput, role string) (*domain.User, error) {
	email := normalizeEmail(in.Email)
	if err := validate.Var(email, "required,email"); err != nil {
		return nil, domain.Validationf("a valid email is required")
	}
	if len(in.Password) < crypto.MinPasswordLength {
		return nil, domain.Validationf("password must be at least %d characters", crypto.MinPasswordLength)
	}
	hash, err := crypto.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Conflictf("email %s is already registered", email)
		}
		return nil, err
	}
	return user, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, errInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			return nil, TokenPair{}, errInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if !user.IsActive {
		return nil, TokenPair{}, domain.Forbiddenf("account is disabled")
	}
	now := s.now()
	user.LastLoginAt = &now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		s.logger.Warn("record last login failed", "user_id", user.ID, "error", err)
	}
	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (*domain.User, TokenPair, error) {
	user, _, err := s.authorize(ctx, refreshToken, jwtpkg.KindRefresh)
	if err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, tokens, nil
}

// Authorize validates a bearer access token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	return s.authorize(ctx, token, jwtpkg.KindAccess)
}

func (s Service) authorize(ctx context.Context, token, kind string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("%w: token required", domain.ErrUnauthenticated)
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret, kind)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown user", domain.ErrUnauthenticated)
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, fmt.Errorf("%w: account is disabled", domain.ErrUnauthenticated)
	}
	return user, claims, nil
}

// Me returns the account behind a user id.
func (s Service) Me(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetUserByID(ctx, userID)
}

// RequestPasswordReset issues a single-use reset token for email. Unknown
// emails return an empty token and no error so callers cannot probe accounts.
func (s Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	token, err := crypto.RandomToken(resetTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	now := s.now()
	ttl := s.cfg.PasswordResetTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	reset := &domain.PasswordReset{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(token),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.users.CreatePasswordReset(ctx, reset); err != nil {
		return "", err
	}
	s.logger.Info("password reset requested", "user_id", user.ID, "expires_at", reset.ExpiresAt)
	return token, nil
}

// ResetPassword redeems a reset token and replaces the user's password.
func (s Service) ResetPassword(ctx context.Context, token, password string) error {
	if len(password) < crypto.MinPasswordLength {
		return domain.Validationf("password must be at least %d characters", crypto.MinPasswordLength)
	}
	reset, err := s.users.GetPasswordResetByTokenHash(ctx, crypto.HashToken(strings.TrimSpace(token)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errInvalidReset
		}
		return err
	}
	now := s.now()
	if !reset.Usable(now) {
		return errInvalidReset
	}
	user, err := s.users.GetUserByID(ctx, reset.UserID)
	if err != nil {
		return err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.MarkPasswordResetUsed(ctx, reset.ID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return errInvalidReset
		}
		return err
	}
	user.PasswordHash = hash
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info("password reset", "user_id", user.ID)
	return nil
}

// EnsureAdmin creates the bootstrap administrator, or promotes an existing
// account with that email. It does nothing when email is empty.
func (s Service) EnsureAdmin(ctx context.Context, email, password string) (*domain.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	existing, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	switch {
	case err == nil:
		if existing.IsAdmin() {
			return existing, nil
		}
		existing.Role = domain.RoleAdmin
		if err := s.users.UpdateUser(ctx, existing); err != nil {
			return nil, err
		}
		s.logger.Info("bootstrap admin promoted", "user_id", existing.ID)
		return existing, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	user, err := s.create(ctx, RegisterInput{Email: email, Password: password, FirstName: "Admin"}, domain.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	s.logger.Info("bootstrap admin created", "user_id", user.ID)
	return user, nil
}

func (s Service) issueTokens(user *domain.User) (TokenPair, error) {
	access, expires, err := jwtpkg.GenerateToken(user.ID, user.Role, jwtpkg.KindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, _, err := jwtpkg.GenerateToken(user.ID, user.Role, jwtpkg.KindRefresh, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expires, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
