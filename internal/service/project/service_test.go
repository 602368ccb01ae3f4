package project

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/permission"
)

func setup(t *testing.T) (Service, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	now := time.Now().UTC()
	require.NoError(t, store.CreateUser(ctx, &domain.User{ID: "owner", Email: "o@example.com", IsActive: true}))
	require.NoError(t, store.CreateUser(ctx, &domain.User{ID: "dev", Email: "d@example.com", IsActive: true}))
	require.NoError(t, store.CreateOrganization(ctx,
		&domain.Organization{ID: "acme", Name: "Acme Corp", Slug: "acme-corp", OwnerID: "owner", IsActive: true, CreatedAt: now},
		domain.OrganizationMember{UserID: "owner", Role: domain.MemberRoleOwner}))
	require.NoError(t, store.CreateOrganization(ctx,
		&domain.Organization{ID: "dormant", Name: "Dormant", Slug: "dormant", OwnerID: "owner", IsActive: false, CreatedAt: now},
		domain.OrganizationMember{UserID: "owner", Role: domain.MemberRoleOwner}))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, permission.New(store, log), nil, lock.NewMemory(), log), store
}

func TestCreateProject(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "Web"})
	require.NoError(t, err)
	assert.Equal(t, "web", p.Slug)
	assert.Equal(t, domain.ProjectActive, p.Status)

	_, err = svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "web"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = svc.Create(ctx, CreateInput{OrganizationID: "missing", Name: "Web"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Create(ctx, CreateInput{OrganizationID: "dormant", Name: "Web"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "Api", Status: "frozen"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListScopesToReadableProjects(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	web, err := svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "Web"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "Billing"})
	require.NoError(t, err)

	items, total, err := svc.List(ctx, "dev", false, "", domain.NormalizePage(1, 20))
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)

	require.NoError(t, store.UpsertGrant(ctx, &domain.PermissionGrant{ID: "g", UserID: "dev", ResourceType: domain.ResourceProject, ResourceID: web.ID, Permissions: []string{domain.ActionRead}}))
	items, total, err = svc.List(ctx, "dev", false, "", domain.NormalizePage(1, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, web.ID, items[0].ID)

	_, total, err = svc.List(ctx, "owner", false, "", domain.NormalizePage(1, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestUpdateAndDelete(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "Web"})
	require.NoError(t, err)

	name, status := "Web App", domain.ProjectSuspended
	updated, err := svc.Update(ctx, p.ID, UpdateInput{Name: &name, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "web-app", updated.Slug)
	assert.Equal(t, domain.ProjectSuspended, updated.Status)

	require.NoError(t, store.CreateContainer(ctx, &domain.Container{ID: "c1", ProjectID: p.ID, Slug: "api", Status: domain.StatusStopped}))
	assert.ErrorIs(t, svc.Delete(ctx, p.ID, DeleteOptions{}), domain.ErrConflict)
	require.NoError(t, svc.Delete(ctx, p.ID, DeleteOptions{Cascade: true}))
	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCascadeDeleteRefusesBusyContainer(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	p, err := svc.Create(ctx, CreateInput{OrganizationID: "acme", Name: "Web"})
	require.NoError(t, err)
	require.NoError(t, store.CreateContainer(ctx, &domain.Container{ID: "c1", ProjectID: p.ID, Slug: "api", Status: domain.StatusStopped}))

	release, err := svc.locks.TryAcquire(ctx, lock.ContainerKey("c1"))
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, p.ID, DeleteOptions{Cascade: true}), domain.ErrConflict)
	_, err = store.GetContainerByID(ctx, "c1")
	require.NoError(t, err)

	release()
	require.NoError(t, svc.Delete(ctx, p.ID, DeleteOptions{Cascade: true}))
	_, err = store.GetContainerByID(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
