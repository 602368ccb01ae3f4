// Package dashboard computes the aggregate counts shown on the landing page.
package dashboard

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

// Service computes dashboard statistics.
type Service struct {
	repo   repository.StatsRepository
	logger *slog.Logger
}

// New constructs a dashboard service.
func New(repo repository.StatsRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger.With("component", "dashboard")}
}

// Stats counts resources visible to the caller. Administrators see the whole
// platform; everyone else sees the organizations they can access. Nodes are
// shared infrastructure and always counted globally.
func (s Service) Stats(ctx context.Context, userID string, isAdmin bool) (domain.Stats, error) {
	scope := repository.StatsScope{}
	if !isAdmin {
		ids, err := s.repo.ListOrganizationIDsForUser(ctx, userID)
		if err != nil {
			return domain.Stats{}, err
		}
		scope.OrganizationIDs = append([]string{}, ids...)
	}

	var stats domain.Stats
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.Organizations, err = s.repo.CountOrganizations(ctx, scope)
		return err
	})
	g.Go(func() (err error) {
		stats.Projects, err = s.repo.CountProjectsIn(ctx, scope)
		return err
	})
	g.Go(func() (err error) {
		stats.Containers, err = s.repo.CountContainersIn(ctx, scope, "")
		return err
	})
	g.Go(func() (err error) {
		stats.ActiveContainers, err = s.repo.CountContainersIn(ctx, scope, domain.StatusRunning)
		return err
	})
	g.Go(func() (err error) {
		stats.Nodes, err = s.repo.CountNodes(ctx, "")
		return err
	})
	g.Go(func() (err error) {
		stats.OnlineNodes, err = s.repo.CountNodes(ctx, domain.NodeOnline)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("compute dashboard stats", "user_id", userID, "error", err)
		return domain.Stats{}, err
	}
	return stats, nil
}
