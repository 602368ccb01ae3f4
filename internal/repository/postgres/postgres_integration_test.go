//go:build integration

// Run with: go test -tags=integration ./internal/repository/postgres/...
// Requires a Docker daemon for the throwaway PostgreSQL container.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fahrettinrizaergin/docker-manager/internal/app/migrate"
	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dockmgr",
				"POSTGRES_PASSWORD": "dockmgr",
				"POSTGRES_DB":       "dockmgr",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://dockmgr:dockmgr@%s:%s/dockmgr?sslmode=disable", host, port.Port())
}

func newRepository(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	ctx := context.Background()
	dsn := startPostgres(ctx, t)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	runner, err := migrate.New(pool, "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(runner.Close)
	require.NoError(t, runner.Ensure(ctx))

	repo := New(pool)
	require.NoError(t, repo.Ping(ctx))
	return repo, ctx
}

func seedTree(t *testing.T, repo *Repository, ctx context.Context) {
	t.Helper()
	now := time.Now().UTC()
	for _, u := range []domain.User{
		{ID: "u1", Email: "owner@example.com", PasswordHash: []byte("x"), Role: domain.RoleUser, IsActive: true, CreatedAt: now},
		{ID: "u2", Email: "dev@example.com", PasswordHash: []byte("x"), Role: domain.RoleUser, IsActive: true, CreatedAt: now},
	} {
		require.NoError(t, repo.CreateUser(ctx, &u))
	}
	require.NoError(t, repo.CreateOrganization(ctx,
		&domain.Organization{ID: "o1", Name: "Acme", Slug: "acme", OwnerID: "u1", IsActive: true, CreatedAt: now},
		domain.OrganizationMember{UserID: "u1", Role: domain.MemberRoleOwner, CreatedAt: now}))
	require.NoError(t, repo.CreateProject(ctx, &domain.Project{ID: "p1", OrganizationID: "o1", Name: "Web", Slug: "web", Status: domain.ProjectActive, CreatedAt: now}))
	require.NoError(t, repo.CreateNode(ctx, &domain.Node{ID: "n1", Name: "edge", Host: "tcp://10.0.0.1:2376", Status: domain.NodeOnline, Labels: map[string]string{}, CreatedAt: now}))
	node := "n1"
	c := &domain.Container{ID: "c1", ProjectID: "p1", NodeID: &node, Name: "API", Slug: "api", Image: "nginx", CreatedAt: now}
	c.ApplyDefaults()
	c.Status = domain.StatusRunning
	require.NoError(t, repo.CreateContainer(ctx, c))
}

func TestPostgresStore(t *testing.T) {
	repo, ctx := newRepository(t)
	seedTree(t, repo, ctx)

	t.Run("email lookup is case insensitive", func(t *testing.T) {
		u, err := repo.GetUserByEmail(ctx, "OWNER@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
	})

	t.Run("duplicate organization slug conflicts", func(t *testing.T) {
		err := repo.CreateOrganization(ctx,
			&domain.Organization{ID: "o-dup", Name: "Dup", Slug: "acme", OwnerID: "u2"},
			domain.OrganizationMember{UserID: "u2", Role: domain.MemberRoleOwner})
		assert.ErrorIs(t, err, repository.ErrConflict)
		_, err = repo.GetOrganizationByID(ctx, "o-dup")
		assert.ErrorIs(t, err, repository.ErrNotFound, "failed insert must not leave a partial organization")
	})

	t.Run("grant upsert keeps one row per resource", func(t *testing.T) {
		first := &domain.PermissionGrant{ID: "g1", UserID: "u2", ResourceType: domain.ResourceProject, ResourceID: "p1", Permissions: []string{domain.ActionRead}}
		require.NoError(t, repo.UpsertGrant(ctx, first))
		second := &domain.PermissionGrant{ID: "g2", UserID: "u2", ResourceType: domain.ResourceProject, ResourceID: "p1", Permissions: []string{domain.ActionRead, domain.ActionDeploy}}
		require.NoError(t, repo.UpsertGrant(ctx, second))

		grants, err := repo.ListGrantsByUser(ctx, "u2")
		require.NoError(t, err)
		require.Len(t, grants, 1)
		assert.ElementsMatch(t, []string{domain.ActionRead, domain.ActionDeploy}, grants[0].Permissions)

		ids, err := repo.ListOrganizationIDsForUser(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, []string{"o1"}, ids)
	})

	t.Run("expired grants are purged", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		require.NoError(t, repo.UpsertGrant(ctx, &domain.PermissionGrant{ID: "g-old", UserID: "u2", ResourceType: domain.ResourceContainer, ResourceID: "c1", Permissions: []string{domain.ActionRead}, ExpiresAt: &past}))
		removed, err := repo.DeleteExpiredGrants(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})

	t.Run("deployment records are immutable once terminal", func(t *testing.T) {
		require.NoError(t, repo.CreateDeployment(ctx, &domain.DeploymentRecord{ID: "d1", ContainerID: "c1", Provider: domain.ProviderRegistry, Trigger: domain.TriggerManual, Status: domain.DeploymentPending, StartedAt: time.Now()}))
		for i, line := range []string{"pulling", "starting", "done"} {
			require.NoError(t, repo.AppendDeploymentLog(ctx, domain.DeploymentLog{DeploymentID: "d1", Sequence: i + 1, Line: line, CreatedAt: time.Now()}))
		}
		done := time.Now()
		require.NoError(t, repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: domain.DeploymentSuccess, Image: "nginx:latest", FinishedAt: &done}))

		err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: domain.DeploymentFailed})
		assert.ErrorIs(t, err, repository.ErrTerminal)

		logs, err := repo.ListDeploymentLogs(ctx, "d1", 2, 1)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "starting", logs[0].Line)
	})

	t.Run("stats count by status", func(t *testing.T) {
		running, err := repo.CountContainersIn(ctx, repository.StatsScope{}, domain.StatusRunning)
		require.NoError(t, err)
		assert.Equal(t, 1, running)
		online, err := repo.CountNodes(ctx, domain.NodeOnline)
		require.NoError(t, err)
		assert.Equal(t, 1, online)
	})

	t.Run("deleting a node detaches its containers", func(t *testing.T) {
		require.NoError(t, repo.UpdateContainerStatus(ctx, "c1", domain.StatusRunning, "abc123", ""))
		require.NoError(t, repo.DeleteNode(ctx, "n1"))
		c, err := repo.GetContainerByID(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, c.NodeID)
		assert.Equal(t, domain.StatusStopped, c.Status)
	})

	t.Run("organization delete requires cascade", func(t *testing.T) {
		assert.ErrorIs(t, repo.DeleteOrganization(ctx, "o1", false), repository.ErrConflict)
		require.NoError(t, repo.DeleteOrganization(ctx, "o1", true))
		_, err := repo.GetContainerByID(ctx, "c1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = repo.GetDeploymentByID(ctx, "d1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		grants, err := repo.ListGrantsByUser(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, grants)
	})
}
