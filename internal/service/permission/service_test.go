package permission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
)

type fixture struct {
	svc   Service
	store *memory.Store
	ctx   context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	now := time.Now().UTC()
	for _, u := range []domain.User{
		{ID: "admin", Email: "root@example.com", Role: domain.RoleAdmin, IsActive: true},
		{ID: "owner", Email: "owner@example.com", Role: domain.RoleUser, IsActive: true},
		{ID: "dev", Email: "dev@example.com", Role: domain.RoleUser, IsActive: true},
		{ID: "viewer", Email: "viewer@example.com", Role: domain.RoleUser, IsActive: true},
		{ID: "gone", Email: "gone@example.com", Role: domain.RoleUser, IsActive: false},
	} {
		u := u
		u.CreatedAt = now
		require.NoError(t, store.CreateUser(ctx, &u))
	}
	require.NoError(t, store.CreateOrganization(ctx,
		&domain.Organization{ID: "acme", Name: "Acme Corp", Slug: "acme-corp", OwnerID: "owner", IsActive: true, CreatedAt: now},
		domain.OrganizationMember{UserID: "owner", Role: domain.MemberRoleOwner, CreatedAt: now}))
	require.NoError(t, store.CreateProject(ctx, &domain.Project{ID: "web", OrganizationID: "acme", Name: "Web", Slug: "web", Status: domain.ProjectActive, CreatedAt: now}))
	require.NoError(t, store.CreateContainer(ctx, &domain.Container{ID: "api", ProjectID: "web", Name: "api", Slug: "api", Status: domain.StatusStopped, CreatedAt: now}))

	svc := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return fixture{svc: svc, store: store, ctx: ctx}
}

func (f fixture) grant(t *testing.T, user, resourceType, resourceID string, perms []string, expires *time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertGrant(f.ctx, &domain.PermissionGrant{
		ID:          user + "-" + resourceID, UserID: user, ResourceType: resourceType, ResourceID: resourceID,
		Permissions: perms, GrantedBy: "owner", GrantedAt: time.Now(), ExpiresAt: expires,
	}))
}

func TestAuthorizeFastPaths(t *testing.T) {
	f := newFixture(t)

	d := f.svc.Authorize(f.ctx, "admin", domain.ActionDelete, domain.ResourceContainer, "api")
	assert.True(t, d.Allowed)
	assert.Equal(t, "admin", d.Via)

	d = f.svc.Authorize(f.ctx, "owner", domain.ActionManage, domain.ResourceProject, "web")
	assert.True(t, d.Allowed)
	assert.Equal(t, "owner", d.Via)

	d = f.svc.Authorize(f.ctx, "dev", domain.ActionRead, domain.ResourceProject, "web")
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonInsufficient, d.Reason)
}

func TestAuthorizeGrantsInheritDownwardOnly(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "dev", domain.ResourceProject, "web", []string{domain.ActionRead, domain.ActionDeploy}, nil)

	assert.True(t, f.svc.Authorize(f.ctx, "dev", domain.ActionDeploy, domain.ResourceContainer, "api").Allowed)
	assert.True(t, f.svc.Authorize(f.ctx, "dev", domain.ActionRead, domain.ResourceApplication, "api").Allowed, "application aliases container")
	assert.False(t, f.svc.Authorize(f.ctx, "dev", domain.ActionRead, domain.ResourceOrganization, "acme").Allowed)
	assert.False(t, f.svc.Authorize(f.ctx, "dev", domain.ActionDelete, domain.ResourceContainer, "api").Allowed)

	f.grant(t, "viewer", domain.ResourceContainer, "api", []string{domain.ActionRead}, nil)
	assert.True(t, f.svc.Authorize(f.ctx, "viewer", domain.ActionRead, domain.ResourceContainer, "api").Allowed)
	assert.False(t, f.svc.Authorize(f.ctx, "viewer", domain.ActionRead, domain.ResourceProject, "web").Allowed, "container grants do not cover the project")
}

func TestAuthorizeExpiredGrantIsInert(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	f.grant(t, "dev", domain.ResourceOrganization, "acme", domain.AllActions(), &past)

	for _, action := range domain.AllActions() {
		d := f.svc.Authorize(f.ctx, "dev", action, domain.ResourceContainer, "api")
		assert.False(t, d.Allowed, action)
	}
	_, err := f.store.GetGrantByID(f.ctx, "dev-acme")
	assert.NoError(t, err, "authorization never deletes expired grants")
}

func TestAuthorizeMembershipRoles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertMember(f.ctx, &domain.OrganizationMember{OrganizationID: "acme", UserID: "dev", Role: domain.MemberRoleAdmin}))
	require.NoError(t, f.store.UpsertMember(f.ctx, &domain.OrganizationMember{OrganizationID: "acme", UserID: "viewer", Role: domain.MemberRoleMember}))

	assert.True(t, f.svc.Authorize(f.ctx, "dev", domain.ActionManage, domain.ResourceContainer, "api").Allowed)
	assert.True(t, f.svc.Authorize(f.ctx, "viewer", domain.ActionRead, domain.ResourceContainer, "api").Allowed)
	assert.False(t, f.svc.Authorize(f.ctx, "viewer", domain.ActionWrite, domain.ResourceContainer, "api").Allowed)
}

func TestAuthorizeDenyReasons(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, domain.ReasonUnknownAction, f.svc.Authorize(f.ctx, "owner", "launch", domain.ResourceProject, "web").Reason)
	assert.Equal(t, domain.ReasonUnknownType, f.svc.Authorize(f.ctx, "owner", domain.ActionRead, "cluster", "x").Reason)
	assert.Equal(t, domain.ReasonNotFound, f.svc.Authorize(f.ctx, "owner", domain.ActionRead, domain.ResourceProject, "missing").Reason)
	assert.Equal(t, domain.ReasonInactiveActor, f.svc.Authorize(f.ctx, "gone", domain.ActionRead, domain.ResourceProject, "web").Reason)
	assert.Equal(t, domain.ReasonUnauthenticated, f.svc.Authorize(f.ctx, "", domain.ActionRead, domain.ResourceProject, "web").Reason)
}

type brokenRepo struct {
	Repository
}

func (brokenRepo) GetUserByID(context.Context, string) (*domain.User, error) {
	return nil, errors.New("connection reset")
}

func TestAuthorizeStoreFailureDenies(t *testing.T) {
	svc := New(brokenRepo{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d := svc.Authorize(context.Background(), "owner", domain.ActionRead, domain.ResourceProject, "web")
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonLookupFailed, d.Reason)
}

func TestRevocationObservedImmediately(t *testing.T) {
	f := newFixture(t)
	g, err := f.svc.Grant(f.ctx, "owner", GrantInput{UserID: "dev", ResourceType: domain.ResourceProject, ResourceID: "web", Permissions: []string{domain.ActionRead}})
	require.NoError(t, err)
	require.NoError(t, f.svc.Require(f.ctx, "dev", domain.ActionRead, domain.ResourceProject, "web"))

	require.NoError(t, f.svc.RevokeByID(f.ctx, "owner", g.ID))
	err = f.svc.Require(f.ctx, "dev", domain.ActionRead, domain.ResourceProject, "web")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestGrantValidationAndManageRequirement(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Grant(f.ctx, "owner", GrantInput{UserID: "dev", ResourceType: "cluster", ResourceID: "web", Permissions: []string{domain.ActionRead}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Grant(f.ctx, "owner", GrantInput{UserID: "dev", ResourceType: domain.ResourceProject, ResourceID: "web", Permissions: []string{"fly"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	past := time.Now().Add(-time.Hour)
	_, err = f.svc.Grant(f.ctx, "owner", GrantInput{UserID: "dev", ResourceType: domain.ResourceProject, ResourceID: "web", Permissions: []string{domain.ActionRead}, ExpiresAt: &past})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Grant(f.ctx, "dev", GrantInput{UserID: "viewer", ResourceType: domain.ResourceProject, ResourceID: "web", Permissions: []string{domain.ActionRead}})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	g, err := f.svc.Grant(f.ctx, "owner", GrantInput{UserID: "dev", ResourceType: domain.ResourceApplication, ResourceID: "api", Permissions: []string{domain.ActionManage, domain.ActionRead, domain.ActionRead}})
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceContainer, g.ResourceType)
	assert.Equal(t, []string{domain.ActionRead, domain.ActionManage}, g.Permissions)

	// manage on the container lets dev delegate on that container only
	_, err = f.svc.Grant(f.ctx, "dev", GrantInput{UserID: "viewer", ResourceType: domain.ResourceContainer, ResourceID: "api", Permissions: []string{domain.ActionRead}})
	assert.NoError(t, err)
}

func TestUpdateAndListings(t *testing.T) {
	f := newFixture(t)
	g, err := f.svc.Grant(f.ctx, "owner", GrantInput{UserID: "dev", ResourceType: domain.ResourceProject, ResourceID: "web", Permissions: []string{domain.ActionRead}})
	require.NoError(t, err)

	updated, err := f.svc.Update(f.ctx, "owner", g.ID, []string{domain.ActionRead, domain.ActionWrite}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.ActionRead, domain.ActionWrite}, updated.Permissions)
	assert.True(t, f.svc.Authorize(f.ctx, "dev", domain.ActionWrite, domain.ResourceContainer, "api").Allowed)

	own, err := f.svc.ListForUser(f.ctx, "dev", "dev")
	require.NoError(t, err)
	assert.Len(t, own, 1)
	_, err = f.svc.ListForUser(f.ctx, "viewer", "dev")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.ListForUser(f.ctx, "admin", "dev")
	assert.NoError(t, err)

	byResource, err := f.svc.ListForResource(f.ctx, "owner", domain.ResourceProject, "web")
	require.NoError(t, err)
	assert.Len(t, byResource, 1)

	got, err := f.svc.Get(f.ctx, "dev", g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	_, err = f.svc.Get(f.ctx, "viewer", g.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, f.svc.Revoke(f.ctx, "owner", "dev", domain.ResourceProject, "web"))
	own, err = f.svc.ListForUser(f.ctx, "dev", "dev")
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Minute)
	f.grant(t, "dev", domain.ResourceProject, "web", []string{domain.ActionRead}, &past)
	f.grant(t, "viewer", domain.ResourceProject, "web", []string{domain.ActionRead}, nil)

	removed, err := f.svc.PurgeExpired(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
