// Package container manages container definitions. Runtime operations live in
// the lifecycle package.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

// Repository is the slice of the store container definitions need.
type Repository interface {
	repository.ContainerRepository
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	GetNodeByID(ctx context.Context, id string) (*domain.Node, error)
	ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]domain.Project, int, error)
	ListOrganizationIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Authorizer decides per-resource visibility.
type Authorizer interface {
	Authorize(ctx context.Context, actorID, action, resourceType, resourceID string) domain.Decision
}

// Service handles container definition workflows.
type Service struct {
	repo   Repository
	authz  Authorizer
	locks  lock.Locker
	logger *slog.Logger
}

// New constructs a container Service. locks must be the locker the lifecycle
// orchestrator uses, so definition edits never interleave with runtime operations.
func New(repo Repository, authz Authorizer, locks lock.Locker, logger *slog.Logger) Service {
	return Service{repo: repo, authz: authz, locks: locks, logger: logger.With("component", "container")}
}

// CreateInput is the declared configuration of a new container.
type CreateInput struct {
	ProjectID     string
	NodeID        string
	Name          string
	Description   string
	Type          string
	Image         string
	Tag           string
	Ports         []domain.PortMapping
	Environment   map[string]string
	Labels        map[string]string
	Resources     domain.Resources
	RestartPolicy string
	StopGraceSecs int
	StopSignal    string
	Attributes    map[string]any
	AutoDeploy    bool
	Source        domain.SourceConfig
}

// UpdateInput carries optional changes. Nil fields are left alone; an empty
// NodeID unassigns the node.
type UpdateInput struct {
	Name          *string
	Description   *string
	NodeID        *string
	Image         *string
	Tag           *string
	Ports         *[]domain.PortMapping
	Environment   map[string]string
	Labels        map[string]string
	Resources     *domain.Resources
	RestartPolicy *string
	StopGraceSecs *int
	StopSignal    *string
	Attributes    map[string]any
	AutoDeploy    *bool
	Source        *domain.SourceConfig
}

// Create validates and stores a container definition. The project must exist and
// must not be suspended.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Container, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("container name is required")
	}
	slug, err := domain.NewSlug(name)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.GetProjectByID(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status == domain.ProjectSuspended {
		return nil, domain.Conflictf("project %s is suspended", project.Slug)
	}

	now := time.Now().UTC()
	c := &domain.Container{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		Name:          name,
		Slug:          slug,
		Description:   in.Description,
		Type:          in.Type,
		Image:         strings.TrimSpace(in.Image),
		Tag:           strings.TrimSpace(in.Tag),
		Ports:         in.Ports,
		Environment:   maps.Clone(in.Environment),
		Labels:        maps.Clone(in.Labels),
		Resources:     in.Resources,
		RestartPolicy: in.RestartPolicy,
		StopGraceSecs: in.StopGraceSecs,
		StopSignal:    in.StopSignal,
		Attributes:    in.Attributes,
		AutoDeploy:    in.AutoDeploy,
		Source:        in.Source,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.NodeID != "" {
		if err := s.checkNode(ctx, in.NodeID); err != nil {
			return nil, err
		}
		node := in.NodeID
		c.NodeID = &node
	}
	if c.Image != "" {
		c.Status = domain.StatusCreated
	}
	c.ApplyDefaults()
	if err := validateSource(c.Source); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateContainer(ctx, c); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("container slug %q already exists in project", slug)
		}
		return nil, err
	}
	s.logger.Info("container created", "container_id", c.ID, "project_id", project.ID, "slug", slug, "node_id", c.AssignedNode())
	return c, nil
}

// Get fetches a container definition.
func (s Service) Get(ctx context.Context, id string) (*domain.Container, error) {
	return s.repo.GetContainerByID(ctx, id)
}

// List returns the containers actorID may read. With a project id the caller is
// expected to have checked read access on it already.
func (s Service) List(ctx context.Context, actorID string, isAdmin bool, projectID string, page domain.Page) ([]domain.Container, int, error) {
	if isAdmin || projectID != "" {
		return s.repo.ListContainers(ctx, repository.ContainerFilter{ProjectID: projectID, Page: page})
	}
	orgIDs, err := s.repo.ListOrganizationIDsForUser(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}
	var visible []string
	for _, orgID := range orgIDs {
		candidates, _, err := s.repo.ListContainers(ctx, repository.ContainerFilter{OrganizationID: orgID})
		if err != nil {
			return nil, 0, err
		}
		for _, c := range candidates {
			if s.authz.Authorize(ctx, actorID, domain.ActionRead, domain.ResourceContainer, c.ID).Allowed {
				visible = append(visible, c.ID)
			}
		}
	}
	if len(visible) == 0 {
		return []domain.Container{}, 0, nil
	}
	return s.repo.ListContainers(ctx, repository.ContainerFilter{IDs: visible, Page: page})
}

// Update changes the declared configuration. It holds the container's lock, so it
// fails with ErrConflict while a lifecycle operation runs. Moving a container to
// another node is refused while it has a live runtime instance.
func (s Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Container, error) {
	release, err := s.locks.TryAcquire(ctx, lock.ContainerKey(id))
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("update container: %w", err)
		}
		return nil, fmt.Errorf("%w: acquire container lock: %w", domain.ErrInternal, err)
	}
	defer release()

	c, err := s.repo.GetContainerByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.StatusDeploying {
		return nil, domain.Conflictf("container %s is deploying: operation in progress", c.Slug)
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, domain.Validationf("container name is required")
		}
		if name != c.Name {
			slug, err := domain.NewSlug(name)
			if err != nil {
				return nil, err
			}
			c.Name, c.Slug = name, slug
		}
	}
	detached := false
	if in.NodeID != nil && *in.NodeID != c.AssignedNode() {
		switch c.Status {
		case domain.StatusRunning, domain.StatusPaused:
			return nil, domain.Conflictf("stop container %s before moving it to another node", c.Slug)
		}
		if *in.NodeID == "" {
			c.NodeID = nil
		} else {
			if err := s.checkNode(ctx, *in.NodeID); err != nil {
				return nil, err
			}
			node := *in.NodeID
			c.NodeID = &node
		}
		detached = c.RuntimeID != ""
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.Image != nil {
		c.Image = strings.TrimSpace(*in.Image)
	}
	if in.Tag != nil {
		c.Tag = strings.TrimSpace(*in.Tag)
	}
	if in.Ports != nil {
		c.Ports = *in.Ports
	}
	if in.Environment != nil {
		c.Environment = maps.Clone(in.Environment)
	}
	if in.Labels != nil {
		c.Labels = maps.Clone(in.Labels)
	}
	if in.Resources != nil {
		c.Resources = *in.Resources
	}
	if in.RestartPolicy != nil {
		c.RestartPolicy = *in.RestartPolicy
	}
	if in.StopGraceSecs != nil {
		c.StopGraceSecs = *in.StopGraceSecs
	}
	if in.StopSignal != nil {
		c.StopSignal = strings.TrimSpace(*in.StopSignal)
	}
	if in.Attributes != nil {
		c.Attributes = in.Attributes
	}
	if in.AutoDeploy != nil {
		c.AutoDeploy = *in.AutoDeploy
	}
	if in.Source != nil {
		c.Source = *in.Source
	}
	c.ApplyDefaults()
	if err := validateSource(c.Source); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateContainer(ctx, c); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("container slug %q already exists in project", c.Slug)
		}
		return nil, err
	}
	if detached {
		if err := s.repo.UpdateContainerStatus(ctx, c.ID, c.Status, "", c.LastError); err != nil {
			return nil, err
		}
		c.RuntimeID = ""
	}
	return c, nil
}

func (s Service) checkNode(ctx context.Context, nodeID string) error {
	if _, err := s.repo.GetNodeByID(ctx, nodeID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Validationf("node %s does not exist", nodeID)
		}
		return err
	}
	return nil
}

func validateSource(src domain.SourceConfig) error {
	if src.Provider != "" && !domain.ValidProvider(src.Provider) {
		return domain.Validationf("unknown source provider %q", src.Provider)
	}
	switch src.Trigger {
	case "", "push", "tag":
	default:
		return domain.Validationf("source trigger must be push or tag")
	}
	if strings.Contains(src.BuildPath, "..") {
		return domain.Validationf("build_path must stay inside the repository")
	}
	return nil
}
