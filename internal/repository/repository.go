package repository

import (
	"context"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// UserRepository persists users and password reset tokens.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	CountUsers(ctx context.Context) (int, error)
	CreatePasswordReset(ctx context.Context, reset *domain.PasswordReset) error
	GetPasswordResetByTokenHash(ctx context.Context, tokenHash string) (*domain.PasswordReset, error)
	MarkPasswordResetUsed(ctx context.Context, id string, usedAt time.Time) error
}

// OrganizationFilter scopes organization listings.
type OrganizationFilter struct {
	// UserID restricts results to organizations the user owns, belongs to or holds a grant on.
	UserID string
	Page   domain.Page
}

// OrganizationRepository manages organizations and memberships.
type OrganizationRepository interface {
	CreateOrganization(ctx context.Context, org *domain.Organization, owner domain.OrganizationMember) error
	GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error)
	ListOrganizations(ctx context.Context, filter OrganizationFilter) ([]domain.Organization, int, error)
	UpdateOrganization(ctx context.Context, org *domain.Organization) error
	// DeleteOrganization removes the organization. With cascade it also removes its
	// projects and their containers in one transaction; without cascade it fails with
	// ErrConflict when projects exist.
	DeleteOrganization(ctx context.Context, id string, cascade bool) error
	UpsertMember(ctx context.Context, member *domain.OrganizationMember) error
	RemoveMember(ctx context.Context, orgID, userID string) error
	GetMember(ctx context.Context, orgID, userID string) (*domain.OrganizationMember, error)
	ListMembers(ctx context.Context, orgID string) ([]domain.OrganizationMember, error)
	CountProjects(ctx context.Context, orgID string) (int, error)
}

// ProjectFilter scopes project listings.
type ProjectFilter struct {
	OrganizationID string
	// IDs restricts results to the given projects when non-nil.
	IDs  []string
	Page domain.Page
}

// ProjectRepository persists projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, int, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	DeleteProject(ctx context.Context, id string, cascade bool) error
	CountContainers(ctx context.Context, projectID string) (int, error)
}

// ContainerFilter scopes container listings.
type ContainerFilter struct {
	ProjectID      string
	OrganizationID string
	NodeID         string
	IDs            []string
	Page           domain.Page
}

// ContainerRepository persists container definitions and their runtime record.
type ContainerRepository interface {
	CreateContainer(ctx context.Context, container *domain.Container) error
	GetContainerByID(ctx context.Context, id string) (*domain.Container, error)
	ListContainers(ctx context.Context, filter ContainerFilter) ([]domain.Container, int, error)
	UpdateContainer(ctx context.Context, container *domain.Container) error
	// UpdateContainerStatus records a lifecycle transition and the engine runtime id.
	UpdateContainerStatus(ctx context.Context, id, status, runtimeID, lastError string) error
	DeleteContainer(ctx context.Context, id string) error
}

// NodeRepository persists registered nodes.
type NodeRepository interface {
	CreateNode(ctx context.Context, node *domain.Node) error
	GetNodeByID(ctx context.Context, id string) (*domain.Node, error)
	ListNodes(ctx context.Context, page domain.Page) ([]domain.Node, int, error)
	UpdateNode(ctx context.Context, node *domain.Node) error
	RecordHealth(ctx context.Context, result domain.HealthResult, facts *domain.Node) error
	// DeleteNode removes the node, clears node_id on referencing containers and moves
	// running, paused or deploying containers to stopped.
	DeleteNode(ctx context.Context, id string) error
}

// PermissionRepository persists permission grants.
type PermissionRepository interface {
	// UpsertGrant creates the grant or replaces the permission set of the existing
	// grant for the same (user, resource type, resource id).
	UpsertGrant(ctx context.Context, grant *domain.PermissionGrant) error
	GetGrantByID(ctx context.Context, id string) (*domain.PermissionGrant, error)
	GetGrant(ctx context.Context, userID, resourceType, resourceID string) (*domain.PermissionGrant, error)
	UpdateGrant(ctx context.Context, grant *domain.PermissionGrant) error
	DeleteGrant(ctx context.Context, id string) error
	DeleteGrantFor(ctx context.Context, userID, resourceType, resourceID string) error
	ListGrantsByUser(ctx context.Context, userID string) ([]domain.PermissionGrant, error)
	ListGrantsByResource(ctx context.Context, resourceType, resourceID string) ([]domain.PermissionGrant, error)
	DeleteExpiredGrants(ctx context.Context, before time.Time) (int, error)
}

// DeploymentRepository stores append-only deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error
	// UpdateDeploymentStatus fails with ErrTerminal when the record already finished.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.DeploymentRecord, error)
	ListDeploymentsByContainer(ctx context.Context, containerID string, page domain.Page) ([]domain.DeploymentRecord, int, error)
	AppendDeploymentLog(ctx context.Context, log domain.DeploymentLog) error
	ListDeploymentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
}

// WebhookRepository stores webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, containerID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, containerID string) ([]byte, error)
}

// StatsScope restricts dashboard counts to a set of organizations. A nil slice means all.
type StatsScope struct {
	OrganizationIDs []string
}

// StatsRepository computes dashboard aggregates.
type StatsRepository interface {
	CountOrganizations(ctx context.Context, scope StatsScope) (int, error)
	CountProjectsIn(ctx context.Context, scope StatsScope) (int, error)
	CountContainersIn(ctx context.Context, scope StatsScope, status string) (int, error)
	CountNodes(ctx context.Context, status string) (int, error)
	ListOrganizationIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Store aggregates every repository. Both the PostgreSQL and in-memory stores satisfy it.
type Store interface {
	UserRepository
	OrganizationRepository
	ProjectRepository
	ContainerRepository
	NodeRepository
	PermissionRepository
	DeploymentRepository
	WebhookRepository
	StatsRepository
}
