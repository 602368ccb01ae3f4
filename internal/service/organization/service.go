// Package organization manages tenants and their memberships.
package organization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

// Repository is the slice of the store organizations need.
type Repository interface {
	repository.OrganizationRepository
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	ListOrganizationIDsForUser(ctx context.Context, userID string) ([]string, error)
	ListContainers(ctx context.Context, filter repository.ContainerFilter) ([]domain.Container, int, error)
}

// RuntimeRemover tears down a container's runtime instance on its node.
type RuntimeRemover interface {
	RemoveRuntime(ctx context.Context, c domain.Container, removeVolumes bool) error
}

// Service handles organization workflows.
type Service struct {
	repo    Repository
	runtime RuntimeRemover
	locks   lock.Locker
	logger  *slog.Logger
}

// New constructs a Service. runtime may be nil when forced deletes are not needed.
// locks is the lifecycle orchestrator's locker; cascades hold it for every
// container they remove.
func New(repo Repository, runtime RuntimeRemover, locks lock.Locker, logger *slog.Logger) Service {
	return Service{repo: repo, runtime: runtime, locks: locks, logger: logger.With("component", "organization")}
}

// CreateInput describes a new organization.
type CreateInput struct {
	Name        string
	Description string
	Settings    json.RawMessage
}

// UpdateInput carries optional changes; nil fields are left alone.
type UpdateInput struct {
	Name        *string
	Description *string
	IsActive    *bool
	Settings    json.RawMessage
}

// DeleteOptions control cascading and runtime teardown.
type DeleteOptions struct {
	Cascade bool
	// Force also removes runtime containers and their volumes from the nodes.
	Force bool
}

// Create registers an organization owned by ownerID.
func (s Service) Create(ctx context.Context, ownerID string, in CreateInput) (*domain.Organization, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("organization name is required")
	}
	slug, err := domain.NewSlug(name)
	if err != nil {
		return nil, err
	}
	if err := validSettings(in.Settings); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	org := &domain.Organization{
		ID:          uuid.NewString(),
		Name:        name,
		Slug:        slug,
		Description: in.Description,
		OwnerID:     ownerID,
		IsActive:    true,
		Settings:    in.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	owner := domain.OrganizationMember{OrganizationID: org.ID, UserID: ownerID, Role: domain.MemberRoleOwner, CreatedAt: now}
	if err := s.repo.CreateOrganization(ctx, org, owner); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("organization slug %q already exists", slug)
		}
		return nil, err
	}
	s.logger.Info("organization created", "organization_id", org.ID, "slug", slug, "owner_id", ownerID)
	return org, nil
}

// Get returns one organization.
func (s Service) Get(ctx context.Context, id string) (*domain.Organization, error) {
	return s.repo.GetOrganizationByID(ctx, id)
}

// List returns the organizations visible to the user; admins see every organization.
func (s Service) List(ctx context.Context, userID string, isAdmin bool, page domain.Page) ([]domain.Organization, int, error) {
	filter := repository.OrganizationFilter{Page: page}
	if !isAdmin {
		filter.UserID = userID
	}
	return s.repo.ListOrganizations(ctx, filter)
}

// Update applies changes, re-deriving the slug when the name changes.
func (s Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Organization, error) {
	org, err := s.repo.GetOrganizationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, domain.Validationf("organization name is required")
		}
		if name != org.Name {
			slug, err := domain.NewSlug(name)
			if err != nil {
				return nil, err
			}
			org.Name, org.Slug = name, slug
		}
	}
	if in.Description != nil {
		org.Description = *in.Description
	}
	if in.IsActive != nil {
		org.IsActive = *in.IsActive
	}
	if in.Settings != nil {
		if err := validSettings(in.Settings); err != nil {
			return nil, err
		}
		org.Settings = in.Settings
	}
	org.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateOrganization(ctx, org); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("organization slug %q already exists", org.Slug)
		}
		return nil, err
	}
	return org, nil
}

// Delete removes the organization. Without Cascade it fails while projects exist.
// With Force, runtime containers are removed from their nodes before any row goes.
// The owner's last accessible organization cannot be deleted.
func (s Service) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	org, err := s.repo.GetOrganizationByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.keepsAccess(ctx, org); err != nil {
		return err
	}
	count, err := s.repo.CountProjects(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 && !opts.Cascade {
		return domain.Conflictf("organization has %d projects; delete with cascade=true", count)
	}
	containers, release, err := ClaimContainers(ctx, s.locks, func(ctx context.Context) ([]domain.Container, error) {
		items, _, err := s.repo.ListContainers(ctx, repository.ContainerFilter{OrganizationID: id})
		return items, err
	})
	if err != nil {
		return err
	}
	defer release()
	if err := Teardown(ctx, s.runtime, containers, opts.Force); err != nil {
		return err
	}
	if err := s.repo.DeleteOrganization(ctx, id, opts.Cascade); err != nil {
		return err
	}
	s.logger.Info("organization deleted", "organization_id", id, "cascade", opts.Cascade, "force", opts.Force)
	return nil
}

// keepsAccess refuses a delete that would leave the owner without any organization.
func (s Service) keepsAccess(ctx context.Context, org *domain.Organization) error {
	ids, err := s.repo.ListOrganizationIDsForUser(ctx, org.OwnerID)
	if err != nil {
		return err
	}
	for _, other := range ids {
		if other != org.ID {
			return nil
		}
	}
	return domain.Conflictf("organization %s is the owner's only organization", org.Slug)
}

// ClaimContainers takes the lifecycle lock of every container list returns and
// holds them until the returned release runs. Containers that appear while the
// claim is taken are listed again and claimed as well.
func ClaimContainers(ctx context.Context, locks lock.Locker, list func(context.Context) ([]domain.Container, error)) ([]domain.Container, lock.Release, error) {
	var releases []lock.Release
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	held := make(map[string]bool)
	for range 3 {
		containers, err := list(ctx)
		if err != nil {
			releaseAll()
			return nil, nil, err
		}
		var keys []string
		for _, c := range containers {
			if !held[c.ID] {
				keys = append(keys, lock.ContainerKey(c.ID))
			}
		}
		if len(keys) == 0 {
			return containers, releaseAll, nil
		}
		release, err := lock.AcquireAll(ctx, locks, keys...)
		if err != nil {
			releaseAll()
			if errors.Is(err, lock.ErrHeld) {
				return nil, nil, fmt.Errorf("claim containers: %w", err)
			}
			return nil, nil, fmt.Errorf("%w: acquire container locks: %w", domain.ErrInternal, err)
		}
		releases = append(releases, release)
		for _, c := range containers {
			held[c.ID] = true
		}
	}
	releaseAll()
	return nil, nil, domain.Conflictf("containers changed while claiming them; retry")
}

// Teardown refuses to delete deploying containers and, when force is set, removes
// the runtime instances (with volumes) of the given containers.
func Teardown(ctx context.Context, runtime RuntimeRemover, containers []domain.Container, force bool) error {
	for _, c := range containers {
		if c.Status == domain.StatusDeploying {
			return fmt.Errorf("%w: container %s is deploying: operation in progress", domain.ErrConflict, c.Slug)
		}
	}
	if !force || runtime == nil {
		return nil
	}
	for _, c := range containers {
		if c.RuntimeID == "" || c.NodeID == nil {
			continue
		}
		if err := runtime.RemoveRuntime(ctx, c, true); err != nil {
			return fmt.Errorf("remove runtime for container %s: %w", c.Slug, err)
		}
	}
	return nil
}

// AddMember adds a user with the admin or member role, or changes their role.
func (s Service) AddMember(ctx context.Context, orgID, userID, role string) (*domain.OrganizationMember, error) {
	if role == "" {
		role = domain.MemberRoleMember
	}
	if !domain.ValidMemberRole(role) {
		return nil, domain.Validationf("unknown member role %q", role)
	}
	if role == domain.MemberRoleOwner {
		return nil, domain.Validationf("the owner role cannot be assigned")
	}
	org, err := s.repo.GetOrganizationByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.OwnerID == userID {
		return nil, domain.Conflictf("the organization owner's role cannot be changed")
	}
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("member: %w", err)
	}
	member := &domain.OrganizationMember{OrganizationID: orgID, UserID: userID, Role: role, CreatedAt: time.Now().UTC()}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	s.logger.Info("organization member upserted", "organization_id", orgID, "user_id", userID, "role", role)
	return member, nil
}

// RemoveMember drops a membership. The owner cannot be removed, so an organization
// always keeps one user with access.
func (s Service) RemoveMember(ctx context.Context, orgID, userID string) error {
	org, err := s.repo.GetOrganizationByID(ctx, orgID)
	if err != nil {
		return err
	}
	if org.OwnerID == userID {
		return domain.Conflictf("the organization owner cannot be removed")
	}
	return s.repo.RemoveMember(ctx, orgID, userID)
}

// Members lists the organization's members.
func (s Service) Members(ctx context.Context, orgID string) ([]domain.OrganizationMember, error) {
	if _, err := s.repo.GetOrganizationByID(ctx, orgID); err != nil {
		return nil, err
	}
	return s.repo.ListMembers(ctx, orgID)
}

func validSettings(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return domain.Validationf("settings must be a JSON object")
	}
	return nil
}
