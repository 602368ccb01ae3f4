// Package project manages projects inside organizations.
package project

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/organization"
)

// Repository is the slice of the store projects need.
type Repository interface {
	repository.ProjectRepository
	GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error)
	ListOrganizationIDsForUser(ctx context.Context, userID string) ([]string, error)
	ListContainers(ctx context.Context, filter repository.ContainerFilter) ([]domain.Container, int, error)
}

// Authorizer decides per-resource visibility.
type Authorizer interface {
	Authorize(ctx context.Context, actorID, action, resourceType, resourceID string) domain.Decision
}

// Service handles project workflows.
type Service struct {
	repo    Repository
	authz   Authorizer
	runtime organization.RuntimeRemover
	locks   lock.Locker
	logger  *slog.Logger
}

// New constructs a project Service.
func New(repo Repository, authz Authorizer, runtime organization.RuntimeRemover, locks lock.Locker, logger *slog.Logger) Service {
	return Service{repo: repo, authz: authz, runtime: runtime, locks: locks, logger: logger.With("component", "project")}
}

// CreateInput captures the fields required to create a project.
type CreateInput struct {
	OrganizationID string
	Name           string
	Description    string
	Status         string
}

// UpdateInput carries optional changes.
type UpdateInput struct {
	Name        *string
	Description *string
	Status      *string
}

// DeleteOptions mirror organization deletes.
type DeleteOptions = organization.DeleteOptions

// Create inserts a project under an existing, active organization.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("project name is required")
	}
	slug, err := domain.NewSlug(name)
	if err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = domain.ProjectActive
	}
	if !domain.ValidProjectStatus(status) {
		return nil, domain.Validationf("unknown project status %q", status)
	}
	org, err := s.repo.GetOrganizationByID(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, domain.Validationf("organization is inactive")
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Name:           name,
		Slug:           slug,
		Description:    in.Description,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateProject(ctx, project); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("project slug %q already exists in organization", slug)
		}
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "organization_id", org.ID, "slug", slug)
	return project, nil
}

// Get fetches a project by identifier.
func (s Service) Get(ctx context.Context, id string) (*domain.Project, error) {
	return s.repo.GetProjectByID(ctx, id)
}

// List returns the projects actorID may read. With an organization id the caller
// is expected to have checked read access on it already.
func (s Service) List(ctx context.Context, actorID string, isAdmin bool, organizationID string, page domain.Page) ([]domain.Project, int, error) {
	if isAdmin || organizationID != "" {
		return s.repo.ListProjects(ctx, repository.ProjectFilter{OrganizationID: organizationID, Page: page})
	}
	orgIDs, err := s.repo.ListOrganizationIDsForUser(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}
	var visible []string
	for _, orgID := range orgIDs {
		candidates, _, err := s.repo.ListProjects(ctx, repository.ProjectFilter{OrganizationID: orgID})
		if err != nil {
			return nil, 0, err
		}
		for _, p := range candidates {
			if s.authz.Authorize(ctx, actorID, domain.ActionRead, domain.ResourceProject, p.ID).Allowed {
				visible = append(visible, p.ID)
			}
		}
	}
	if len(visible) == 0 {
		return []domain.Project{}, 0, nil
	}
	return s.repo.ListProjects(ctx, repository.ProjectFilter{IDs: visible, Page: page})
}

// Update applies changes, re-deriving the slug when the name changes.
func (s Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Project, error) {
	project, err := s.repo.GetProjectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, domain.Validationf("project name is required")
		}
		if name != project.Name {
			slug, err := domain.NewSlug(name)
			if err != nil {
				return nil, err
			}
			project.Name, project.Slug = name, slug
		}
	}
	if in.Description != nil {
		project.Description = *in.Description
	}
	if in.Status != nil {
		if !domain.ValidProjectStatus(*in.Status) {
			return nil, domain.Validationf("unknown project status %q", *in.Status)
		}
		project.Status = *in.Status
	}
	project.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateProject(ctx, project); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("project slug %q already exists in organization", project.Slug)
		}
		return nil, err
	}
	return project, nil
}

// Delete removes the project following the same cascade and force rules as organizations.
func (s Service) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	if _, err := s.repo.GetProjectByID(ctx, id); err != nil {
		return err
	}
	list := func(ctx context.Context) ([]domain.Container, error) {
		items, _, err := s.repo.ListContainers(ctx, repository.ContainerFilter{ProjectID: id})
		return items, err
	}
	existing, err := list(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 && !opts.Cascade {
		return domain.Conflictf("project has %d containers; delete with cascade=true", len(existing))
	}
	containers, release, err := organization.ClaimContainers(ctx, s.locks, list)
	if err != nil {
		return err
	}
	defer release()
	if err := organization.Teardown(ctx, s.runtime, containers, opts.Force); err != nil {
		return err
	}
	if err := s.repo.DeleteProject(ctx, id, opts.Cascade); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", id, "cascade", opts.Cascade, "force", opts.Force)
	return nil
}
