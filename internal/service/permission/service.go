// Package permission evaluates hierarchical access and manages grants.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

// Repository is the slice of the store the permission engine reads.
type Repository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error)
	GetMember(ctx context.Context, orgID, userID string) (*domain.OrganizationMember, error)
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	GetContainerByID(ctx context.Context, id string) (*domain.Container, error)
	repository.PermissionRepository
}

// Service answers authorization questions. It never caches: every call reads the store.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a permission Service.
func New(repo Repository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger.With("component", "permission"), now: time.Now}
}

// level is one node of a resource's ancestor chain.
type level struct {
	resourceType string
	resourceID   string
}

// chain resolves resourceType/resourceID to its ancestors, most specific first,
// and returns the owning organization.
func (s Service) chain(ctx context.Context, resourceType, resourceID string) ([]level, *domain.Organization, error) {
	var levels []level
	orgID := resourceID
	switch resourceType {
	case domain.ResourceContainer:
		c, err := s.repo.GetContainerByID(ctx, resourceID)
		if err != nil {
			return nil, nil, err
		}
		levels = append(levels, level{domain.ResourceContainer, c.ID})
		resourceID = c.ProjectID
		fallthrough
	case domain.ResourceProject:
		p, err := s.repo.GetProjectByID(ctx, resourceID)
		if err != nil {
			return nil, nil, err
		}
		levels = append(levels, level{domain.ResourceProject, p.ID})
		orgID = p.OrganizationID
	}
	org, err := s.repo.GetOrganizationByID(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	levels = append(levels, level{domain.ResourceOrganization, org.ID})
	return levels, org, nil
}

// Authorize decides whether actorID may perform action on the resource.
// Lookup failures deny instead of returning an error.
func (s Service) Authorize(ctx context.Context, actorID, action, resourceType, resourceID string) domain.Decision {
	if !domain.ValidAction(action) {
		return deny(domain.ReasonUnknownAction)
	}
	resourceType = domain.NormalizeResourceType(resourceType)
	if resourceType == "" {
		return deny(domain.ReasonUnknownType)
	}
	if actorID == "" {
		return deny(domain.ReasonUnauthenticated)
	}

	user, err := s.repo.GetUserByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return deny(domain.ReasonInactiveActor)
		}
		return s.lookupFailed(err, actorID, resourceType, resourceID)
	}
	if !user.IsActive {
		return deny(domain.ReasonInactiveActor)
	}

	levels, org, err := s.chain(ctx, resourceType, resourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return deny(domain.ReasonNotFound)
		}
		return s.lookupFailed(err, actorID, resourceType, resourceID)
	}
	if user.IsAdmin() {
		return allow("admin")
	}
	if org.OwnerID == user.ID {
		return allow("owner")
	}

	member, err := s.repo.GetMember(ctx, org.ID, user.ID)
	switch {
	case err == nil:
		switch member.Role {
		case domain.MemberRoleOwner, domain.MemberRoleAdmin:
			return allow("member:" + member.Role)
		case domain.MemberRoleMember:
			if action == domain.ActionRead {
				return allow("member:" + member.Role)
			}
		}
	case !errors.Is(err, domain.ErrNotFound):
		return s.lookupFailed(err, actorID, resourceType, resourceID)
	}

	now := s.now()
	for _, lvl := range levels {
		grant, err := s.repo.GetGrant(ctx, user.ID, lvl.resourceType, lvl.resourceID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return s.lookupFailed(err, actorID, resourceType, resourceID)
		}
		if grant.Allows(action, now) {
			return allow("grant:" + lvl.resourceType)
		}
	}
	return deny(domain.ReasonInsufficient)
}

// Require is Authorize as an error: ErrNotFound for missing resources, ErrForbidden otherwise.
func (s Service) Require(ctx context.Context, actorID, action, resourceType, resourceID string) error {
	decision := s.Authorize(ctx, actorID, action, resourceType, resourceID)
	if decision.Allowed {
		return nil
	}
	switch decision.Reason {
	case domain.ReasonNotFound:
		return domain.NotFoundf("%s %s", domain.NormalizeResourceType(resourceType), resourceID)
	case domain.ReasonUnknownType, domain.ReasonUnknownAction:
		return domain.Validationf("%s", decision.Reason)
	}
	return domain.Forbiddenf("%s: %s on %s %s", decision.Reason, action, resourceType, resourceID)
}

func (s Service) lookupFailed(err error, actorID, resourceType, resourceID string) domain.Decision {
	s.logger.Error("permission lookup failed", "actor_id", actorID, "resource_type", resourceType, "resource_id", resourceID, "error", err)
	return deny(domain.ReasonLookupFailed)
}

func allow(via string) domain.Decision {
	return domain.Decision{Allowed: true, Via: via}
}

func deny(reason string) domain.Decision {
	return domain.Decision{Allowed: false, Reason: reason}
}

// GrantInput describes a grant request.
type GrantInput struct {
	UserID       string
	ResourceType string
	ResourceID   string
	Permissions  []string
	ExpiresAt    *time.Time
}

// Grant gives UserID the permissions on the resource, replacing any existing set.
// The granting actor must hold manage on the resource.
func (s Service) Grant(ctx context.Context, actorID string, in GrantInput) (*domain.PermissionGrant, error) {
	resourceType := domain.NormalizeResourceType(in.ResourceType)
	if resourceType == "" {
		return nil, domain.Validationf("unknown resource type %q", in.ResourceType)
	}
	perms, err := normalizePermissions(in.Permissions)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, domain.Validationf("expires_at must be in the future")
	}
	if err := s.Require(ctx, actorID, domain.ActionManage, resourceType, in.ResourceID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetUserByID(ctx, in.UserID); err != nil {
		return nil, fmt.Errorf("grantee: %w", err)
	}

	grant := &domain.PermissionGrant{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		ResourceType: resourceType,
		ResourceID:   in.ResourceID,
		Permissions:  perms,
		GrantedBy:    actorID,
		GrantedAt:    now,
		ExpiresAt:    in.ExpiresAt,
	}
	if err := s.repo.UpsertGrant(ctx, grant); err != nil {
		return nil, err
	}
	s.logger.Info("permission granted", "grant_id", grant.ID, "user_id", grant.UserID, "resource_type", resourceType, "resource_id", grant.ResourceID, "permissions", perms, "granted_by", actorID)
	return grant, nil
}

// Revoke removes the user's grant on the resource.
func (s Service) Revoke(ctx context.Context, actorID, userID, resourceType, resourceID string) error {
	resourceType = domain.NormalizeResourceType(resourceType)
	if resourceType == "" {
		return domain.Validationf("unknown resource type")
	}
	if err := s.Require(ctx, actorID, domain.ActionManage, resourceType, resourceID); err != nil {
		return err
	}
	if err := s.repo.DeleteGrantFor(ctx, userID, resourceType, resourceID); err != nil {
		return err
	}
	s.logger.Info("permission revoked", "user_id", userID, "resource_type", resourceType, "resource_id", resourceID, "revoked_by", actorID)
	return nil
}

// RevokeByID removes a grant by id.
func (s Service) RevokeByID(ctx context.Context, actorID, grantID string) error {
	grant, err := s.repo.GetGrantByID(ctx, grantID)
	if err != nil {
		return err
	}
	if err := s.Require(ctx, actorID, domain.ActionManage, grant.ResourceType, grant.ResourceID); err != nil {
		return err
	}
	if err := s.repo.DeleteGrant(ctx, grantID); err != nil {
		return err
	}
	s.logger.Info("permission revoked", "grant_id", grantID, "revoked_by", actorID)
	return nil
}

// Get returns a grant to its holder or to anyone who manages the resource.
func (s Service) Get(ctx context.Context, actorID, grantID string) (*domain.PermissionGrant, error) {
	grant, err := s.repo.GetGrantByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.UserID == actorID {
		return grant, nil
	}
	if err := s.Require(ctx, actorID, domain.ActionManage, grant.ResourceType, grant.ResourceID); err != nil {
		return nil, err
	}
	return grant, nil
}

// Update replaces the permission set and expiry of a grant.
func (s Service) Update(ctx context.Context, actorID, grantID string, permissions []string, expiresAt *time.Time) (*domain.PermissionGrant, error) {
	perms, err := normalizePermissions(permissions)
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, domain.Validationf("expires_at must be in the future")
	}
	grant, err := s.repo.GetGrantByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if err := s.Require(ctx, actorID, domain.ActionManage, grant.ResourceType, grant.ResourceID); err != nil {
		return nil, err
	}
	grant.Permissions = perms
	grant.ExpiresAt = expiresAt
	grant.GrantedBy = actorID
	if err := s.repo.UpdateGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// ListForUser returns a user's grants. Users see their own; admins see anyone's.
func (s Service) ListForUser(ctx context.Context, actorID, userID string) ([]domain.PermissionGrant, error) {
	if actorID != userID {
		actor, err := s.repo.GetUserByID(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !actor.IsAdmin() {
			return nil, domain.Forbiddenf("only administrators can list another user's grants")
		}
	}
	return s.repo.ListGrantsByUser(ctx, userID)
}

// ListForResource returns the grants attached to a resource.
func (s Service) ListForResource(ctx context.Context, actorID, resourceType, resourceID string) ([]domain.PermissionGrant, error) {
	resourceType = domain.NormalizeResourceType(resourceType)
	if resourceType == "" {
		return nil, domain.Validationf("unknown resource type")
	}
	if err := s.Require(ctx, actorID, domain.ActionManage, resourceType, resourceID); err != nil {
		return nil, err
	}
	return s.repo.ListGrantsByResource(ctx, resourceType, resourceID)
}

// PurgeExpired deletes grants whose expiry has passed.
func (s Service) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := s.repo.DeleteExpiredGrants(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired grants: %w", err)
	}
	if removed > 0 {
		s.logger.Info("expired grants purged", "count", removed)
	}
	return removed, nil
}

// RunJanitor purges expired grants every interval until ctx ends.
func (s Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("grant janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Warn("grant janitor iteration failed", "error", err)
			}
		}
	}
}

func normalizePermissions(perms []string) ([]string, error) {
	if len(perms) == 0 {
		return nil, domain.Validationf("at least one permission is required")
	}
	out := make([]string, 0, len(perms))
	for _, action := range domain.AllActions() {
		if slices.Contains(perms, action) {
			out = append(out, action)
		}
	}
	for _, p := range perms {
		if !domain.ValidAction(p) {
			return nil, domain.Validationf("unknown permission %q", p)
		}
	}
	return out, nil
}
