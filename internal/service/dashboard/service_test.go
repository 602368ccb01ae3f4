package dashboard

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
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository/memory"
)

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	now := time.Now().UTC()
	for _, org := range []struct{ id, owner string }{{"o1", "u1"}, {"o2", "u2"}} {
		require.NoError(t, s.CreateOrganization(ctx,
			&domain.Organization{ID: org.id, Slug: org.id, OwnerID: org.owner, IsActive: true, CreatedAt: now},
			domain.OrganizationMember{UserID: org.owner, Role: domain.MemberRoleOwner}))
		require.NoError(t, s.CreateProject(ctx, &domain.Project{ID: "p-" + org.id, OrganizationID: org.id, Slug: "web", Status: domain.ProjectActive}))
	}
	require.NoError(t, s.CreateNode(ctx, &domain.Node{ID: "n1", Name: "edge-1", Host: "tcp://10.0.0.1:2376", Status: domain.NodeOnline}))
	require.NoError(t, s.CreateNode(ctx, &domain.Node{ID: "n2", Name: "edge-2", Host: "tcp://10.0.0.2:2376", Status: domain.NodeOffline}))
	require.NoError(t, s.CreateContainer(ctx, &domain.Container{ID: "c1", ProjectID: "p-o1", Slug: "api", Status: domain.StatusRunning}))
	require.NoError(t, s.CreateContainer(ctx, &domain.Container{ID: "c2", ProjectID: "p-o1", Slug: "worker", Status: domain.StatusStopped}))
	require.NoError(t, s.CreateContainer(ctx, &domain.Container{ID: "c3", ProjectID: "p-o2", Slug: "api", Status: domain.StatusRunning}))
	return s
}

func TestAdminSeesEverything(t *testing.T) {
	svc := New(seed(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	stats, err := svc.Stats(context.Background(), "admin", true)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Organizations: 2, Projects: 2, Containers: 3, ActiveContainers: 2, Nodes: 2, OnlineNodes: 1}, stats)
}

func TestUserScopedToOrganizations(t *testing.T) {
	svc := New(seed(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	stats, err := svc.Stats(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Organizations: 1, Projects: 1, Containers: 2, ActiveContainers: 1, Nodes: 2, OnlineNodes: 1}, stats)

	stranger, err := svc.Stats(context.Background(), "nobody", false)
	require.NoError(t, err)
	assert.Zero(t, stranger.Organizations)
	assert.Zero(t, stranger.Containers)
	assert.Equal(t, 2, stranger.Nodes)
}

type failingStats struct {
	repository.StatsRepository
}

func (failingStats) CountNodes(context.Context, string) (int, error) {
	return 0, errors.New("connection reset")
}

func TestStatsPropagatesErrors(t *testing.T) {
	svc := New(failingStats{StatsRepository: seed(t)}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Stats(context.Background(), "admin", true)
	assert.EqualError(t, err, "connection reset")
}
