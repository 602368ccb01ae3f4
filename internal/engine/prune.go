package engine

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// Prune reclaims unused engine objects of the given kind. system covers stopped
// containers, unused networks, dangling images and build cache.
func (c *Client) Prune(ctx context.Context, kind string) (domain.PruneReport, error) {
	switch kind {
	case domain.PruneContainers:
		return c.pruneContainers(ctx)
	case domain.PruneImages:
		return c.pruneImages(ctx)
	case domain.PruneVolumes:
		return c.pruneVolumes(ctx)
	case domain.PruneNetworks:
		return c.pruneNetworks(ctx)
	case domain.PruneBuilder:
		return c.pruneBuilder(ctx)
	case domain.PruneSystem:
		total := domain.PruneReport{Kind: domain.PruneSystem, ItemsDeleted: []string{}}
		for _, step := range []func(context.Context) (domain.PruneReport, error){
			c.pruneContainers, c.pruneNetworks, c.pruneImages, c.pruneBuilder,
		} {
			report, err := step(ctx)
			if err != nil {
				return total, err
			}
			total.ItemsDeleted = append(total.ItemsDeleted, report.ItemsDeleted...)
			total.SpaceReclaimed += report.SpaceReclaimed
		}
		return total, nil
	default:
		return domain.PruneReport{}, domain.Validationf("unknown prune kind %q", kind)
	}
}

func (c *Client) pruneContainers(ctx context.Context) (domain.PruneReport, error) {
	report, err := c.inner.ContainersPrune(ctx, filters.NewArgs())
	if err != nil {
		return domain.PruneReport{}, classify("prune containers", err)
	}
	return domain.PruneReport{Kind: domain.PruneContainers, ItemsDeleted: nonNil(report.ContainersDeleted), SpaceReclaimed: report.SpaceReclaimed}, nil
}

func (c *Client) pruneImages(ctx context.Context) (domain.PruneReport, error) {
	report, err := c.inner.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return domain.PruneReport{}, classify("prune images", err)
	}
	deleted := make([]string, 0, len(report.ImagesDeleted))
	for _, item := range report.ImagesDeleted {
		if item.Deleted != "" {
			deleted = append(deleted, item.Deleted)
		} else if item.Untagged != "" {
			deleted = append(deleted, item.Untagged)
		}
	}
	return domain.PruneReport{Kind: domain.PruneImages, ItemsDeleted: deleted, SpaceReclaimed: report.SpaceReclaimed}, nil
}

func (c *Client) pruneVolumes(ctx context.Context) (domain.PruneReport, error) {
	report, err := c.inner.VolumesPrune(ctx, filters.NewArgs())
	if err != nil {
		return domain.PruneReport{}, classify("prune volumes", err)
	}
	return domain.PruneReport{Kind: domain.PruneVolumes, ItemsDeleted: nonNil(report.VolumesDeleted), SpaceReclaimed: report.SpaceReclaimed}, nil
}

func (c *Client) pruneNetworks(ctx context.Context) (domain.PruneReport, error) {
	report, err := c.inner.NetworksPrune(ctx, filters.NewArgs())
	if err != nil {
		return domain.PruneReport{}, classify("prune networks", err)
	}
	return domain.PruneReport{Kind: domain.PruneNetworks, ItemsDeleted: nonNil(report.NetworksDeleted)}, nil
}

func (c *Client) pruneBuilder(ctx context.Context) (domain.PruneReport, error) {
	report, err := c.inner.BuildCachePrune(ctx, types.BuildCachePruneOptions{})
	if err != nil {
		return domain.PruneReport{}, classify("prune build cache", err)
	}
	if report == nil {
		return domain.PruneReport{Kind: domain.PruneBuilder, ItemsDeleted: []string{}}, nil
	}
	return domain.PruneReport{Kind: domain.PruneBuilder, ItemsDeleted: nonNil(report.CachesDeleted), SpaceReclaimed: report.SpaceReclaimed}, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
