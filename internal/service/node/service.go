// Package node keeps the registry of engine hosts and tracks their health.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/lock"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/organization"
	"github.com/fahrettinrizaergin/docker-manager/internal/telemetry"
	"github.com/fahrettinrizaergin/docker-manager/pkg/config"
	"github.com/fahrettinrizaergin/docker-manager/pkg/crypto"
)

// RedisContainerName is the runtime container restarted by ReloadRedis.
const RedisContainerName = "redis"

const monitorConcurrency = 4

// Connector hands out runtimes for nodes. *engine.Pool satisfies it.
type Connector interface {
	Get(ctx context.Context, target engine.Target) (engine.Runtime, error)
	Invalidate(nodeID string)
	Forget(nodeID string)
}

// Repository is the storage the node service needs. Listing containers lets
// Delete claim the ones still assigned to the node.
type Repository interface {
	repository.NodeRepository
	ListContainers(ctx context.Context, filter repository.ContainerFilter) ([]domain.Container, int, error)
}

// Service manages nodes and their connectivity.
type Service struct {
	repo   Repository
	locks  lock.Locker
	pool   Connector
	sealer *crypto.Sealer
	cfg    config.NodeConfig
	health *ristretto.Cache[string, domain.HealthResult]
	checks *singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a node Service. Call Close to release the health cache.
func New(repo Repository, pool Connector, sealer *crypto.Sealer, locks lock.Locker, cfg config.NodeConfig, logger *slog.Logger) (Service, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, domain.HealthResult]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return Service{}, fmt.Errorf("health cache: %w", err)
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	return Service{
		repo:   repo,
		locks:  locks,
		pool:   pool,
		sealer: sealer,
		cfg:    cfg,
		health: cache,
		checks: &singleflight.Group{},
		logger: logger.With("component", "node"),
		now:    time.Now,
	}, nil
}

// Close releases the health cache.
func (s Service) Close() {
	s.health.Close()
}

// RegisterInput describes a node to register. Key material arrives in PEM form
// and is sealed before it is stored.
type RegisterInput struct {
	Name        string
	Host        string
	Description string
	SSHUser     string
	SSHPort     int
	SSHKey      string
	TLSCACert   string
	TLSCert     string
	TLSKey      string
	Labels      map[string]string
}

// UpdateInput carries optional changes. An empty key string clears the stored key.
type UpdateInput struct {
	Name        *string
	Host        *string
	Description *string
	SSHUser     *string
	SSHPort     *int
	SSHKey      *string
	TLSCACert   *string
	TLSCert     *string
	TLSKey      *string
	Labels      map[string]string
}

// Register validates and stores a node. Its status stays unknown until the first check.
func (s Service) Register(ctx context.Context, in RegisterInput) (*domain.Node, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("node name is required")
	}
	now := s.now().UTC()
	node := &domain.Node{
		ID:          uuid.NewString(),
		Name:        name,
		Host:        strings.TrimSpace(in.Host),
		Description: in.Description,
		Status:      domain.NodeUnknown,
		SSHUser:     strings.TrimSpace(in.SSHUser),
		SSHPort:     in.SSHPort,
		TLSCACert:   in.TLSCACert,
		TLSCert:     in.TLSCert,
		Labels:      maps.Clone(in.Labels),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if node.Labels == nil {
		node.Labels = map[string]string{}
	}
	var err error
	if node.SSHKey, err = s.seal(in.SSHKey); err != nil {
		return nil, err
	}
	if node.TLSKey, err = s.seal(in.TLSKey); err != nil {
		return nil, err
	}
	if err := validateNode(node); err != nil {
		return nil, err
	}
	if err := s.repo.CreateNode(ctx, node); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("node %q already exists", name)
		}
		return nil, err
	}
	s.logger.Info("node registered", "node_id", node.ID, "name", name, "host", node.Host)
	return node, nil
}

// Update applies changes and drops the cached connection so the next call redials.
func (s Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Node, error) {
	node, err := s.repo.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		node.Name = strings.TrimSpace(*in.Name)
		if node.Name == "" {
			return nil, domain.Validationf("node name is required")
		}
	}
	if in.Host != nil {
		node.Host = strings.TrimSpace(*in.Host)
	}
	if in.Description != nil {
		node.Description = *in.Description
	}
	if in.SSHUser != nil {
		node.SSHUser = strings.TrimSpace(*in.SSHUser)
	}
	if in.SSHPort != nil {
		node.SSHPort = *in.SSHPort
	}
	if in.SSHKey != nil {
		if node.SSHKey, err = s.seal(*in.SSHKey); err != nil {
			return nil, err
		}
	}
	if in.TLSCACert != nil {
		node.TLSCACert = *in.TLSCACert
	}
	if in.TLSCert != nil {
		node.TLSCert = *in.TLSCert
	}
	if in.TLSKey != nil {
		if node.TLSKey, err = s.seal(*in.TLSKey); err != nil {
			return nil, err
		}
	}
	if in.Labels != nil {
		node.Labels = maps.Clone(in.Labels)
	}
	if err := validateNode(node); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateNode(ctx, node); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.Conflictf("node %q already exists", node.Name)
		}
		return nil, err
	}
	s.pool.Invalidate(id)
	s.health.Del(id)
	s.applyHealth(node)
	return node, nil
}

// Get returns a node with its effective status.
func (s Service) Get(ctx context.Context, id string) (*domain.Node, error) {
	node, err := s.repo.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.applyHealth(node)
	return node, nil
}

// List returns nodes by name with their effective status.
func (s Service) List(ctx context.Context, page domain.Page) ([]domain.Node, int, error) {
	nodes, total, err := s.repo.ListNodes(ctx, page)
	if err != nil {
		return nil, 0, err
	}
	for i := range nodes {
		s.applyHealth(&nodes[i])
	}
	return nodes, total, nil
}

// Delete removes the node. Containers assigned to it are detached by the
// store, so each of them is claimed first and a busy one fails the delete.
func (s Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.GetNodeByID(ctx, id); err != nil {
		return err
	}
	_, release, err := organization.ClaimContainers(ctx, s.locks, func(ctx context.Context) ([]domain.Container, error) {
		containers, _, err := s.repo.ListContainers(ctx, repository.ContainerFilter{NodeID: id})
		return containers, err
	})
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	defer release()
	if err := s.repo.DeleteNode(ctx, id); err != nil {
		return err
	}
	s.pool.Forget(id)
	s.health.Del(id)
	s.logger.Info("node deleted", "node_id", id)
	return nil
}

// TestConnection pings the node's engine and records the outcome. Concurrent
// checks of one node share a single ping. An unreachable node is reported in the
// result, not as an error.
func (s Service) TestConnection(ctx context.Context, id string) (domain.HealthResult, error) {
	ch := s.checks.DoChan(id, func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HealthTimeout)
		defer cancel()
		return s.check(checkCtx, id)
	})
	select {
	case <-ctx.Done():
		return domain.HealthResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.HealthResult{}, res.Err
		}
		return res.Val.(domain.HealthResult), nil
	}
}

func (s Service) check(ctx context.Context, id string) (domain.HealthResult, error) {
	ctx, span := telemetry.StartNodeSpan(ctx, "check", id)
	defer span.End()

	node, err := s.repo.GetNodeByID(ctx, id)
	if err != nil {
		return domain.HealthResult{}, err
	}
	result := domain.HealthResult{NodeID: id}
	var facts *domain.Node

	start := time.Now()
	info, err := s.ping(ctx, node)
	result.Latency = time.Since(start)
	result.LatencyMS = result.Latency.Milliseconds()
	result.CheckedAt = s.now().UTC()
	if err != nil {
		result.Status = domain.NodeOffline
		result.Error = err.Error()
		s.logger.Warn("node check failed", "node_id", id, "error", err)
	} else {
		result.Status = domain.NodeOnline
		facts = &domain.Node{
			DockerVersion: info.ServerVersion,
			OS:            info.OS,
			Arch:          info.Arch,
			CPUs:          info.CPUs,
			MemoryBytes:   info.MemoryBytes,
		}
	}

	if err := s.repo.RecordHealth(context.WithoutCancel(ctx), result, facts); err != nil {
		return result, fmt.Errorf("record health: %w", err)
	}
	s.health.SetWithTTL(id, result, 1, s.cfg.StaleAfter)
	s.health.Wait()
	return result, nil
}

func (s Service) ping(ctx context.Context, node *domain.Node) (engine.Info, error) {
	target, err := s.target(node)
	if err != nil {
		return engine.Info{}, err
	}
	rt, err := s.pool.Get(ctx, target)
	if err != nil {
		return engine.Info{}, err
	}
	return rt.Ping(ctx)
}

// Health returns the latest check for a node, preferring the in-process snapshot.
func (s Service) Health(ctx context.Context, id string) (domain.HealthResult, error) {
	if res, ok := s.health.Get(id); ok {
		return res, nil
	}
	node, err := s.repo.GetNodeByID(ctx, id)
	if err != nil {
		return domain.HealthResult{}, err
	}
	res := domain.HealthResult{NodeID: id, Status: node.EffectiveStatus(s.now(), s.cfg.StaleAfter), LatencyMS: node.LastLatencyMS, Error: node.LastError}
	if node.LastCheckedAt != nil {
		res.CheckedAt = *node.LastCheckedAt
	}
	return res, nil
}

// EnsureReady confirms the node is online, re-checking it when the last check is
// older than the staleness window.
func (s Service) EnsureReady(ctx context.Context, id string) (*domain.Node, error) {
	node, err := s.repo.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res, cached := s.health.Get(id)
	if !cached || s.now().Sub(res.CheckedAt) > s.cfg.StaleAfter {
		if node.EffectiveStatus(s.now(), s.cfg.StaleAfter) == domain.NodeUnknown {
			if res, err = s.TestConnection(ctx, id); err != nil {
				return nil, err
			}
		} else {
			res = domain.HealthResult{NodeID: id, Status: node.Status, Error: node.LastError}
		}
	}
	if res.Status != domain.NodeOnline {
		reason := res.Error
		if reason == "" {
			reason = "status " + res.Status
		}
		return nil, fmt.Errorf("%w: node %s: %s", domain.ErrNodeUnreachable, node.Name, reason)
	}
	node.Status = domain.NodeOnline
	return node, nil
}

// Runtime returns a guarded engine runtime for a ready node.
func (s Service) Runtime(ctx context.Context, id string) (engine.Runtime, error) {
	node, err := s.EnsureReady(ctx, id)
	if err != nil {
		return nil, err
	}
	target, err := s.target(node)
	if err != nil {
		return nil, err
	}
	return s.pool.Get(ctx, target)
}

// Prune removes unused engine objects of the given kind from the node.
func (s Service) Prune(ctx context.Context, id, kind string) (domain.PruneReport, error) {
	if kind == "" {
		kind = domain.PruneSystem
	}
	if !domain.ValidPruneKind(kind) {
		return domain.PruneReport{}, domain.Validationf("unknown prune kind %q", kind)
	}
	rt, err := s.Runtime(ctx, id)
	if err != nil {
		return domain.PruneReport{}, err
	}
	report, err := rt.Prune(ctx, kind)
	if err != nil {
		return domain.PruneReport{}, err
	}
	s.logger.Info("node pruned", "node_id", id, "kind", kind, "items", len(report.ItemsDeleted), "reclaimed", report.SpaceReclaimed)
	return report, nil
}

// ReloadRedis restarts the redis container on the node.
func (s Service) ReloadRedis(ctx context.Context, id string) error {
	rt, err := s.Runtime(ctx, id)
	if err != nil {
		return err
	}
	if err := rt.RestartByName(ctx, RedisContainerName, domain.DefaultStopGracePeriod); err != nil {
		return err
	}
	s.logger.Info("redis reloaded", "node_id", id)
	return nil
}

// RunMonitor re-checks every node each interval until ctx ends. A non-positive
// interval disables it.
func (s Service) RunMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("node monitor sweep failed", "error", err)
			}
		}
	}
}

// CheckAll tests every registered node with bounded concurrency.
func (s Service) CheckAll(ctx context.Context) error {
	nodes, _, err := s.repo.ListNodes(ctx, domain.Page{})
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(monitorConcurrency)
	for _, n := range nodes {
		id := n.ID
		g.Go(func() error {
			if _, err := s.TestConnection(gctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("node check errored", "node_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// target decrypts the node's connection material.
func (s Service) target(node *domain.Node) (engine.Target, error) {
	sshKey, err := s.open(node.SSHKey)
	if err != nil {
		return engine.Target{}, fmt.Errorf("node %s ssh key: %w", node.Name, err)
	}
	tlsKey, err := s.open(node.TLSKey)
	if err != nil {
		return engine.Target{}, fmt.Errorf("node %s tls key: %w", node.Name, err)
	}
	return engine.Target{
		NodeID:    node.ID,
		Host:      node.Host,
		SSHUser:   node.SSHUser,
		SSHPort:   node.SSHPort,
		SSHKey:    sshKey,
		TLSCACert: node.TLSCACert,
		TLSCert:   node.TLSCert,
		TLSKey:    tlsKey,
	}, nil
}

func (s Service) applyHealth(node *domain.Node) {
	if res, ok := s.health.Get(node.ID); ok && (node.LastCheckedAt == nil || res.CheckedAt.After(*node.LastCheckedAt)) {
		checked := res.CheckedAt
		node.Status = res.Status
		node.LastCheckedAt = &checked
		node.LastLatencyMS = res.LatencyMS
		node.LastError = res.Error
	}
	node.Status = node.EffectiveStatus(s.now(), s.cfg.StaleAfter)
}

func (s Service) seal(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: no encryption key configured", domain.ErrInternal)
	}
	return s.sealer.Seal([]byte(secret))
}

func (s Service) open(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: no encryption key configured", domain.ErrInternal)
	}
	return s.sealer.Open(payload)
}

func validateNode(node *domain.Node) error {
	if err := domain.ValidateHost(node.Host); err != nil {
		return err
	}
	if node.UsesSSH() {
		if node.SSHPort == 0 {
			node.SSHPort = domain.DefaultSSHPort
		}
	}
	if node.SSHPort < 0 || node.SSHPort > 65535 {
		return domain.Validationf("ssh port %d out of range", node.SSHPort)
	}
	if (node.TLSCert == "") != (len(node.TLSKey) == 0) {
		return domain.Validationf("tls_cert and tls_key must be provided together")
	}
	return nil
}
