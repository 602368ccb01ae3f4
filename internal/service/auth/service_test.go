package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (Service, *memory.Store) {
	store := memory.New()
	cfg := config.APIConfig{
		JWTSecret:        "test-secret",
		AccessTokenTTL:   time.Minute,
		RefreshTokenTTL:  time.Hour,
		PasswordResetTTL: time.Minute,
	}
	return New(store, newLogger(), cfg), store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, tokens, err := svc.Register(ctx, RegisterInput{Email: "  Dev@Example.com ", Password: "hunter2hunter2", FirstName: "Dev"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Email != "dev@example.com" || user.Role != domain.RoleUser || !user.IsActive {
		t.Fatalf("unexpected user: %+v", user)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.ExpiresIn != time.Minute {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}

	logged, _, err := svc.Login(ctx, "DEV@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.ID != user.ID || logged.LastLoginAt == nil {
		t.Fatalf("unexpected login user: %+v", logged)
	}
	if _, _, err := svc.Login(ctx, "dev@example.com", "wrong-password"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "hunter2hunter2"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for unknown email, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "hunter2hunter2"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for email, got %v", err)
	}
	if _, _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "short"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for password, got %v", err)
	}
	if _, _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "hunter2hunter2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := svc.Register(ctx, RegisterInput{Email: "A@example.com", Password: "hunter2hunter2"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAuthorizeChecksTokenKindAndAccount(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	user, tokens, err := svc.Register(ctx, RegisterInput{Email: "dev@example.com", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, claims, err := svc.Authorize(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.ID != user.ID || claims.Role != domain.RoleUser {
		t.Fatalf("unexpected identity %s %s", got.ID, claims.Role)
	}
	if _, _, err := svc.Authorize(ctx, tokens.RefreshToken); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("refresh token must not authorize requests, got %v", err)
	}
	if _, _, err := svc.Authorize(ctx, ""); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for empty token, got %v", err)
	}

	if _, refreshed, err := svc.Refresh(ctx, tokens.RefreshToken); err != nil || refreshed.AccessToken == "" {
		t.Fatalf("refresh: %v", err)
	}

	user.IsActive = false
	if err := store.UpdateUser(ctx, user); err != nil {
		t.Fatalf("disable user: %v", err)
	}
	if _, _, err := svc.Authorize(ctx, tokens.AccessToken); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("disabled user must not authorize, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "dev@example.com", "hunter2hunter2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for disabled login, got %v", err)
	}
}

func TestPasswordResetIsSingleUse(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, _, err := svc.Register(ctx, RegisterInput{Email: "dev@example.com", Password: "hunter2hunter2"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	token, err := svc.RequestPasswordReset(ctx, "dev@example.com")
	if err != nil || token == "" {
		t.Fatalf("request reset: %q %v", token, err)
	}
	if err := svc.ResetPassword(ctx, token, "correct-horse"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, _, err := svc.Login(ctx, "dev@example.com", "correct-horse"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if err := svc.ResetPassword(ctx, token, "another-password"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("reused token must fail, got %v", err)
	}
	if err := svc.ResetPassword(ctx, "bogus", "another-password"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown token must fail, got %v", err)
	}

	unknown, err := svc.RequestPasswordReset(ctx, "nobody@example.com")
	if err != nil || unknown != "" {
		t.Fatalf("unknown email must not issue a token: %q %v", unknown, err)
	}
}

func TestPasswordResetExpires(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, _, err := svc.Register(ctx, RegisterInput{Email: "dev@example.com", Password: "hunter2hunter2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.RequestPasswordReset(ctx, "dev@example.com")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}

	later := time.Now().UTC().Add(2 * time.Minute)
	svc.now = func() time.Time { return later }
	if err := svc.ResetPassword(ctx, token, "correct-horse"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expired token must fail, got %v", err)
	}
}

func TestEnsureAdmin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if user, err := svc.EnsureAdmin(ctx, "", ""); err != nil || user != nil {
		t.Fatalf("empty email must be a no-op: %v", err)
	}
	admin, err := svc.EnsureAdmin(ctx, "root@example.com", "rootpassword")
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if !admin.IsAdmin() {
		t.Fatalf("expected admin role, got %s", admin.Role)
	}
	again, err := svc.EnsureAdmin(ctx, "root@example.com", "ignored-password")
	if err != nil || again.ID != admin.ID {
		t.Fatalf("ensure admin must be idempotent: %v", err)
	}

	user, _, err := svc.Register(ctx, RegisterInput{Email: "ops@example.com", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	promoted, err := svc.EnsureAdmin(ctx, "ops@example.com", "")
	if err != nil || promoted.ID != user.ID || !promoted.IsAdmin() {
		t.Fatalf("expected promotion: %+v %v", promoted, err)
	}
}
