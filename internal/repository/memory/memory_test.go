package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

func seed(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	require.NoError(t, s.CreateUser(ctx, &domain.User{ID: "u1", Email: "owner@example.com", IsActive: true, CreatedAt: now}))
	require.NoError(t, s.CreateUser(ctx, &domain.User{ID: "u2", Email: "dev@example.com", IsActive: true, CreatedAt: now}))
	require.NoError(t, s.CreateOrganization(ctx,
		&domain.Organization{ID: "o1", Name: "Acme", Slug: "acme", OwnerID: "u1", CreatedAt: now},
		domain.OrganizationMember{UserID: "u1", Role: domain.MemberRoleOwner, CreatedAt: now}))
	require.NoError(t, s.CreateProject(ctx, &domain.Project{ID: "p1", OrganizationID: "o1", Name: "Web", Slug: "web", Status: domain.ProjectActive, CreatedAt: now}))
	require.NoError(t, s.CreateNode(ctx, &domain.Node{ID: "n1", Name: "edge", Host: "tcp://10.0.0.1:2376", CreatedAt: now}))
	node := "n1"
	require.NoError(t, s.CreateContainer(ctx, &domain.Container{ID: "c1", ProjectID: "p1", NodeID: &node, Name: "API", Slug: "api", Status: domain.StatusRunning, CreatedAt: now}))
	return s, ctx
}

func TestCreateOrganizationRejectsDuplicateSlug(t *testing.T) {
	s, ctx := seed(t)
	err := s.CreateOrganization(ctx, &domain.Organization{ID: "o2", Slug: "acme", OwnerID: "u2"}, domain.OrganizationMember{UserID: "u2", Role: domain.MemberRoleOwner})
	assert.True(t, errors.Is(err, repository.ErrConflict))
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestProjectSlugUniquePerOrganization(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.CreateOrganization(ctx, &domain.Organization{ID: "o2", Slug: "other", OwnerID: "u2"}, domain.OrganizationMember{UserID: "u2", Role: domain.MemberRoleOwner}))
	assert.NoError(t, s.CreateProject(ctx, &domain.Project{ID: "p2", OrganizationID: "o2", Slug: "web"}))
	assert.ErrorIs(t, s.CreateProject(ctx, &domain.Project{ID: "p3", OrganizationID: "o1", Slug: "web"}), repository.ErrConflict)
}

func TestDeleteOrganizationCascade(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.UpsertGrant(ctx, &domain.PermissionGrant{ID: "g1", UserID: "u2", ResourceType: domain.ResourceContainer, ResourceID: "c1", Permissions: []string{domain.ActionRead}}))

	assert.ErrorIs(t, s.DeleteOrganization(ctx, "o1", false), repository.ErrConflict)
	_, err := s.GetProjectByID(ctx, "p1")
	require.NoError(t, err, "non-cascading delete must leave the tree intact")

	require.NoError(t, s.DeleteOrganization(ctx, "o1", true))
	_, err = s.GetProjectByID(ctx, "p1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.GetContainerByID(ctx, "c1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = s.GetGrantByID(ctx, "g1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteNodeDetachesContainers(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.UpdateContainerStatus(ctx, "c1", domain.StatusRunning, "abc123", ""))
	require.NoError(t, s.DeleteNode(ctx, "n1"))

	c, err := s.GetContainerByID(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c.NodeID)
	assert.Equal(t, domain.StatusStopped, c.Status)
	assert.Empty(t, c.RuntimeID)
}

func TestUpsertGrantReplacesExisting(t *testing.T) {
	s, ctx := seed(t)
	first := &domain.PermissionGrant{ID: "g1", UserID: "u2", ResourceType: domain.ResourceProject, ResourceID: "p1", Permissions: []string{domain.ActionRead}}
	require.NoError(t, s.UpsertGrant(ctx, first))
	second := &domain.PermissionGrant{ID: "g2", UserID: "u2", ResourceType: domain.ResourceProject, ResourceID: "p1", Permissions: []string{domain.ActionRead, domain.ActionDeploy}}
	require.NoError(t, s.UpsertGrant(ctx, second))

	assert.Equal(t, "g1", second.ID)
	grants, err := s.ListGrantsByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, []string{domain.ActionRead, domain.ActionDeploy}, grants[0].Permissions)
}

func TestDeleteExpiredGrants(t *testing.T) {
	s, ctx := seed(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.UpsertGrant(ctx, &domain.PermissionGrant{ID: "g1", UserID: "u2", ResourceType: domain.ResourceProject, ResourceID: "p1", Permissions: []string{domain.ActionRead}, ExpiresAt: &past}))
	require.NoError(t, s.UpsertGrant(ctx, &domain.PermissionGrant{ID: "g2", UserID: "u2", ResourceType: domain.ResourceContainer, ResourceID: "c1", Permissions: []string{domain.ActionRead}, ExpiresAt: &future}))

	removed, err := s.DeleteExpiredGrants(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = s.GetGrantByID(ctx, "g2")
	assert.NoError(t, err)
}

func TestDeploymentTerminalGuard(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.CreateDeployment(ctx, &domain.DeploymentRecord{ID: "d1", ContainerID: "c1", Status: domain.DeploymentPending, StartedAt: time.Now()}))
	done := time.Now()
	require.NoError(t, s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: domain.DeploymentSuccess, FinishedAt: &done}))

	err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: domain.DeploymentFailed})
	assert.ErrorIs(t, err, repository.ErrTerminal)
	d, err := s.GetDeploymentByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentSuccess, d.Status)
}

func TestListContainersPaginates(t *testing.T) {
	s, ctx := seed(t)
	base := time.Now().UTC()
	for i, slug := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.CreateContainer(ctx, &domain.Container{ID: "x" + slug, ProjectID: "p1", Slug: slug, CreatedAt: base.Add(time.Duration(i+1) * time.Minute)}))
	}
	items, total, err := s.ListContainers(ctx, repository.ContainerFilter{ProjectID: "p1", Page: domain.Page{Page: 1, PageSize: 2}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "xd", items[0].ID)

	items, _, err = s.ListContainers(ctx, repository.ContainerFilter{ProjectID: "p1", Page: domain.Page{Page: 9, PageSize: 2}})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReturnedContainersAreCopies(t *testing.T) {
	s, ctx := seed(t)
	c, err := s.GetContainerByID(ctx, "c1")
	require.NoError(t, err)
	c.Environment = map[string]string{"LEAK": "1"}
	c.Status = domain.StatusError

	again, err := s.GetContainerByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, again.Status)
	assert.NotContains(t, again.Environment, "LEAK")
}

func TestOrganizationsVisibleThroughGrant(t *testing.T) {
	s, ctx := seed(t)
	ids, err := s.ListOrganizationIDsForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.UpsertGrant(ctx, &domain.PermissionGrant{ID: "g1", UserID: "u2", ResourceType: domain.ResourceContainer, ResourceID: "c1", Permissions: []string{domain.ActionRead}}))
	ids, err = s.ListOrganizationIDsForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids)
}
