// Package memory implements the repository interfaces on in-process maps keyed by id.
// It backs tests and the single-process development mode.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
)

// Store keeps every collection in id-indexed maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	users       map[string]domain.User
	resets      map[string]domain.PasswordReset
	orgs        map[string]domain.Organization
	members     map[string]map[string]domain.OrganizationMember
	projects    map[string]domain.Project
	containers  map[string]domain.Container
	nodes       map[string]domain.Node
	grants      map[string]domain.PermissionGrant
	deployments map[string]domain.DeploymentRecord
	logs        map[string][]domain.DeploymentLog
	webhooks    map[string]domain.Webhook

	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]domain.User),
		resets:      make(map[string]domain.PasswordReset),
		orgs:        make(map[string]domain.Organization),
		members:     make(map[string]map[string]domain.OrganizationMember),
		projects:    make(map[string]domain.Project),
		containers:  make(map[string]domain.Container),
		nodes:       make(map[string]domain.Node),
		grants:      make(map[string]domain.PermissionGrant),
		deployments: make(map[string]domain.DeploymentRecord),
		logs:        make(map[string][]domain.DeploymentLog),
		webhooks:    make(map[string]domain.Webhook),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser inserts a user with a unique email.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	s.users[user.ID] = cloneUser(*user)
	return nil
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			out := cloneUser(u)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID fetches a user by id.
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneUser(u)
	return &out, nil
}

// UpdateUser replaces a user.
func (s *Store) UpdateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return repository.ErrNotFound
	}
	user.UpdatedAt = s.now()
	s.users[user.ID] = cloneUser(*user)
	return nil
}

// CountUsers returns the number of users.
func (s *Store) CountUsers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

// CreatePasswordReset stores a reset token hash.
func (s *Store) CreatePasswordReset(_ context.Context, reset *domain.PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[reset.UserID]; !ok {
		return repository.ErrNotFound
	}
	s.resets[reset.ID] = *reset
	return nil
}

// GetPasswordResetByTokenHash looks up a reset by its token hash.
func (s *Store) GetPasswordResetByTokenHash(_ context.Context, tokenHash string) (*domain.PasswordReset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.resets {
		if r.TokenHash == tokenHash {
			out := r
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// MarkPasswordResetUsed stamps used_at on an unused reset.
func (s *Store) MarkPasswordResetUsed(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resets[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.UsedAt != nil {
		return repository.ErrConflict
	}
	r.UsedAt = &usedAt
	s.resets[id] = r
	return nil
}

// CreateOrganization inserts an organization and its owner membership.
func (s *Store) CreateOrganization(_ context.Context, org *domain.Organization, owner domain.OrganizationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Slug == org.Slug {
			return repository.ErrConflict
		}
	}
	s.orgs[org.ID] = cloneOrg(*org)
	owner.OrganizationID = org.ID
	s.members[org.ID] = map[string]domain.OrganizationMember{owner.UserID: owner}
	return nil
}

// GetOrganizationByID fetches an organization.
func (s *Store) GetOrganizationByID(_ context.Context, id string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneOrg(o)
	return &out, nil
}

// ListOrganizations lists organizations newest first, optionally scoped to a user.
func (s *Store) ListOrganizations(_ context.Context, filter repository.OrganizationFilter) ([]domain.Organization, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var visible map[string]bool
	if filter.UserID != "" {
		visible = s.orgIDsForUserLocked(filter.UserID)
	}
	all := make([]domain.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		if visible != nil && !visible[o.ID] {
			continue
		}
		all = append(all, cloneOrg(o))
	}
	sort.Slice(all, func(i, j int) bool { return newerFirst(all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID) })
	return paginate(all, filter.Page), len(all), nil
}

// UpdateOrganization replaces mutable organization fields.
func (s *Store) UpdateOrganization(_ context.Context, org *domain.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orgs[org.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, o := range s.orgs {
		if o.ID != org.ID && o.Slug == org.Slug {
			return repository.ErrConflict
		}
	}
	org.CreatedAt = existing.CreatedAt
	org.UpdatedAt = s.now()
	s.orgs[org.ID] = cloneOrg(*org)
	return nil
}

// DeleteOrganization removes an organization, cascading to projects and containers when asked.
func (s *Store) DeleteOrganization(_ context.Context, id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return repository.ErrNotFound
	}
	projectIDs := s.projectIDsLocked(id)
	if len(projectIDs) > 0 && !cascade {
		return repository.ErrConflict
	}
	for _, pid := range projectIDs {
		s.deleteProjectLocked(pid)
	}
	s.deleteGrantsForLocked(domain.ResourceOrganization, id)
	delete(s.members, id)
	delete(s.orgs, id)
	return nil
}

// UpsertMember adds or updates a membership.
func (s *Store) UpsertMember(_ context.Context, member *domain.OrganizationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[member.OrganizationID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := s.users[member.UserID]; !ok {
		return repository.ErrNotFound
	}
	if s.members[member.OrganizationID] == nil {
		s.members[member.OrganizationID] = make(map[string]domain.OrganizationMember)
	}
	if existing, ok := s.members[member.OrganizationID][member.UserID]; ok {
		member.CreatedAt = existing.CreatedAt
	}
	s.members[member.OrganizationID][member.UserID] = *member
	return nil
}

// RemoveMember deletes a membership.
func (s *Store) RemoveMember(_ context.Context, orgID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[orgID][userID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.members[orgID], userID)
	return nil
}

// GetMember fetches a membership.
func (s *Store) GetMember(_ context.Context, orgID, userID string) (*domain.OrganizationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[orgID][userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

// ListMembers lists memberships ordered by join time.
func (s *Store) ListMembers(_ context.Context, orgID string) ([]domain.OrganizationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OrganizationMember, 0, len(s.members[orgID]))
	for _, m := range s.members[orgID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountProjects counts projects in an organization.
func (s *Store) CountProjects(_ context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projectIDsLocked(orgID)), nil
}

// CreateProject inserts a project whose slug is unique within its organization.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[project.OrganizationID]; !ok {
		return repository.ErrNotFound
	}
	for _, p := range s.projects {
		if p.OrganizationID == project.OrganizationID && p.Slug == project.Slug {
			return repository.ErrConflict
		}
	}
	s.projects[project.ID] = *project
	return nil
}

// GetProjectByID fetches a project.
func (s *Store) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// ListProjects lists projects newest first.
func (s *Store) ListProjects(_ context.Context, filter repository.ProjectFilter) ([]domain.Project, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Project, 0)
	for _, p := range s.projects {
		if filter.OrganizationID != "" && p.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.IDs != nil && !slices.Contains(filter.IDs, p.ID) {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return newerFirst(all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID) })
	return paginate(all, filter.Page), len(all), nil
}

// UpdateProject replaces mutable project fields.
func (s *Store) UpdateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.projects[project.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, p := range s.projects {
		if p.ID != project.ID && p.OrganizationID == existing.OrganizationID && p.Slug == project.Slug {
			return repository.ErrConflict
		}
	}
	project.OrganizationID = existing.OrganizationID
	project.CreatedAt = existing.CreatedAt
	project.UpdatedAt = s.now()
	s.projects[project.ID] = *project
	return nil
}

// DeleteProject removes a project, cascading to containers when asked.
func (s *Store) DeleteProject(_ context.Context, id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return repository.ErrNotFound
	}
	if len(s.containerIDsLocked(id)) > 0 && !cascade {
		return repository.ErrConflict
	}
	s.deleteProjectLocked(id)
	return nil
}

// CountContainers counts containers in a project.
func (s *Store) CountContainers(_ context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.containerIDsLocked(projectID)), nil
}

// CreateContainer inserts a container whose slug is unique within its project.
func (s *Store) CreateContainer(_ context.Context, c *domain.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[c.ProjectID]; !ok {
		return repository.ErrNotFound
	}
	if c.NodeID != nil {
		if _, ok := s.nodes[*c.NodeID]; !ok {
			return repository.ErrNotFound
		}
	}
	for _, existing := range s.containers {
		if existing.ProjectID == c.ProjectID && existing.Slug == c.Slug {
			return repository.ErrConflict
		}
	}
	s.containers[c.ID] = cloneContainer(*c)
	return nil
}

// GetContainerByID fetches a container.
func (s *Store) GetContainerByID(_ context.Context, id string) (*domain.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneContainer(c)
	return &out, nil
}

// ListContainers lists containers newest first.
func (s *Store) ListContainers(_ context.Context, filter repository.ContainerFilter) ([]domain.Container, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Container, 0)
	for _, c := range s.containers {
		if filter.ProjectID != "" && c.ProjectID != filter.ProjectID {
			continue
		}
		if filter.OrganizationID != "" && s.projects[c.ProjectID].OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.NodeID != "" && c.AssignedNode() != filter.NodeID {
			continue
		}
		if filter.IDs != nil && !slices.Contains(filter.IDs, c.ID) {
			continue
		}
		all = append(all, cloneContainer(c))
	}
	sort.Slice(all, func(i, j int) bool { return newerFirst(all[i].CreatedAt, all[j].CreatedAt, all[i].ID, all[j].ID) })
	return paginate(all, filter.Page), len(all), nil
}

// UpdateContainer replaces the declared configuration. Status and runtime id are kept.
func (s *Store) UpdateContainer(_ context.Context, c *domain.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.containers[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if c.NodeID != nil {
		if _, ok := s.nodes[*c.NodeID]; !ok {
			return repository.ErrNotFound
		}
	}
	for _, other := range s.containers {
		if other.ID != c.ID && other.ProjectID == existing.ProjectID && other.Slug == c.Slug {
			return repository.ErrConflict
		}
	}
	c.ProjectID = existing.ProjectID
	c.Status = existing.Status
	c.RuntimeID = existing.RuntimeID
	c.LastError = existing.LastError
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now()
	s.containers[c.ID] = cloneContainer(*c)
	return nil
}

// UpdateContainerStatus records a lifecycle transition.
func (s *Store) UpdateContainerStatus(_ context.Context, id, status, runtimeID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	c.RuntimeID = runtimeID
	c.LastError = lastError
	c.UpdatedAt = s.now()
	s.containers[id] = c
	return nil
}

// DeleteContainer removes a container and its grants, deployments and webhook.
func (s *Store) DeleteContainer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[id]; !ok {
		return repository.ErrNotFound
	}
	s.deleteContainerLocked(id)
	return nil
}

// CreateNode inserts a node with a unique name.
func (s *Store) CreateNode(_ context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.Name == node.Name {
			return repository.ErrConflict
		}
	}
	s.nodes[node.ID] = cloneNode(*node)
	return nil
}

// GetNodeByID fetches a node.
func (s *Store) GetNodeByID(_ context.Context, id string) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneNode(n)
	return &out, nil
}

// ListNodes lists nodes by name.
func (s *Store) ListNodes(_ context.Context, page domain.Page) ([]domain.Node, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		all = append(all, cloneNode(n))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return paginate(all, page), len(all), nil
}

// UpdateNode replaces node configuration, keeping health fields.
func (s *Store) UpdateNode(_ context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.nodes[node.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, n := range s.nodes {
		if n.ID != node.ID && n.Name == node.Name {
			return repository.ErrConflict
		}
	}
	node.Status = existing.Status
	node.LastCheckedAt = existing.LastCheckedAt
	node.LastLatencyMS = existing.LastLatencyMS
	node.LastError = existing.LastError
	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = s.now()
	s.nodes[node.ID] = cloneNode(*node)
	return nil
}

// RecordHealth stores a health check outcome and, on success, engine facts.
func (s *Store) RecordHealth(_ context.Context, result domain.HealthResult, facts *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[result.NodeID]
	if !ok {
		return repository.ErrNotFound
	}
	checked := result.CheckedAt
	n.Status = result.Status
	n.LastCheckedAt = &checked
	n.LastLatencyMS = result.LatencyMS
	n.LastError = result.Error
	if facts != nil {
		n.DockerVersion = facts.DockerVersion
		n.OS = facts.OS
		n.Arch = facts.Arch
		n.CPUs = facts.CPUs
		n.MemoryBytes = facts.MemoryBytes
	}
	s.nodes[n.ID] = n
	return nil
}

// DeleteNode removes a node and detaches its containers.
func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return repository.ErrNotFound
	}
	now := s.now()
	for cid, c := range s.containers {
		if c.AssignedNode() != id {
			continue
		}
		c.NodeID = nil
		c.RuntimeID = ""
		switch c.Status {
		case domain.StatusRunning, domain.StatusPaused, domain.StatusDeploying:
			c.Status = domain.StatusStopped
		}
		c.UpdatedAt = now
		s.containers[cid] = c
	}
	delete(s.nodes, id)
	return nil
}

// UpsertGrant creates or replaces the grant for (user, type, resource).
func (s *Store) UpsertGrant(_ context.Context, grant *domain.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[grant.UserID]; !ok {
		return repository.ErrNotFound
	}
	for id, g := range s.grants {
		if g.UserID == grant.UserID && g.ResourceType == grant.ResourceType && g.ResourceID == grant.ResourceID {
			grant.ID = id
			break
		}
	}
	s.grants[grant.ID] = cloneGrant(*grant)
	return nil
}

// GetGrantByID fetches a grant.
func (s *Store) GetGrantByID(_ context.Context, id string) (*domain.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneGrant(g)
	return &out, nil
}

// GetGrant fetches the grant for (user, type, resource).
func (s *Store) GetGrant(_ context.Context, userID, resourceType, resourceID string) (*domain.PermissionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if g.UserID == userID && g.ResourceType == resourceType && g.ResourceID == resourceID {
			out := cloneGrant(g)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// UpdateGrant replaces the permission set and expiry of a grant.
func (s *Store) UpdateGrant(_ context.Context, grant *domain.PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.grants[grant.ID]
	if !ok {
		return repository.ErrNotFound
	}
	existing.Permissions = slices.Clone(grant.Permissions)
	existing.ExpiresAt = grant.ExpiresAt
	existing.GrantedBy = grant.GrantedBy
	s.grants[grant.ID] = existing
	*grant = cloneGrant(existing)
	return nil
}

// DeleteGrant removes a grant by id.
func (s *Store) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.grants, id)
	return nil
}

// DeleteGrantFor removes the grant for (user, type, resource).
func (s *Store) DeleteGrantFor(_ context.Context, userID, resourceType, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.grants {
		if g.UserID == userID && g.ResourceType == resourceType && g.ResourceID == resourceID {
			delete(s.grants, id)
			return nil
		}
	}
	return repository.ErrNotFound
}

// ListGrantsByUser lists a user's grants, including expired ones.
func (s *Store) ListGrantsByUser(_ context.Context, userID string) ([]domain.PermissionGrant, error) {
	return s.filterGrants(func(g domain.PermissionGrant) bool { return g.UserID == userID }), nil
}

// ListGrantsByResource lists grants on a resource.
func (s *Store) ListGrantsByResource(_ context.Context, resourceType, resourceID string) ([]domain.PermissionGrant, error) {
	return s.filterGrants(func(g domain.PermissionGrant) bool {
		return g.ResourceType == resourceType && g.ResourceID == resourceID
	}), nil
}

// DeleteExpiredGrants removes grants that expired before the cutoff.
func (s *Store) DeleteExpiredGrants(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, g := range s.grants {
		if g.ExpiresAt != nil && g.ExpiresAt.Before(before) {
			delete(s.grants, id)
			removed++
		}
	}
	return removed, nil
}

// CreateDeployment appends a deployment record.
func (s *Store) CreateDeployment(_ context.Context, record *domain.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[record.ContainerID]; !ok {
		return repository.ErrNotFound
	}
	s.deployments[record.ID] = cloneDeployment(*record)
	return nil
}

// UpdateDeploymentStatus mutates a record that has not finished yet.
func (s *Store) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if domain.IsTerminalDeployment(d.Status) {
		return repository.ErrTerminal
	}
	d.Status = update.Status
	if update.Image != "" {
		d.Image = update.Image
	}
	if update.CommitSHA != "" {
		d.CommitSHA = update.CommitSHA
	}
	if update.Error != "" {
		d.Error = update.Error
	}
	if update.FinishedAt != nil {
		finished := *update.FinishedAt
		d.FinishedAt = &finished
	}
	s.deployments[d.ID] = d
	return nil
}

// GetDeploymentByID fetches a deployment record.
func (s *Store) GetDeploymentByID(_ context.Context, id string) (*domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneDeployment(d)
	return &out, nil
}

// ListDeploymentsByContainer lists a container's deployments newest first.
func (s *Store) ListDeploymentsByContainer(_ context.Context, containerID string, page domain.Page) ([]domain.DeploymentRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.DeploymentRecord, 0)
	for _, d := range s.deployments {
		if d.ContainerID == containerID {
			all = append(all, cloneDeployment(d))
		}
	}
	sort.Slice(all, func(i, j int) bool { return newerFirst(all[i].StartedAt, all[j].StartedAt, all[i].ID, all[j].ID) })
	return paginate(all, page), len(all), nil
}

// AppendDeploymentLog appends an output line.
func (s *Store) AppendDeploymentLog(_ context.Context, log domain.DeploymentLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[log.DeploymentID]; !ok {
		return repository.ErrNotFound
	}
	s.logs[log.DeploymentID] = append(s.logs[log.DeploymentID], log)
	return nil
}

// ListDeploymentLogs returns output lines in sequence order.
func (s *Store) ListDeploymentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines := s.logs[deploymentID]
	if offset >= len(lines) {
		return []domain.DeploymentLog{}, nil
	}
	end := len(lines)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return slices.Clone(lines[offset:end]), nil
}

// UpsertWebhook stores the encrypted webhook secret.
func (s *Store) UpsertWebhook(_ context.Context, containerID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[containerID]; !ok {
		return repository.ErrNotFound
	}
	s.webhooks[containerID] = domain.Webhook{ContainerID: containerID, Secret: slices.Clone(secret), CreatedAt: s.now()}
	return nil
}

// GetWebhookSecret loads the encrypted webhook secret.
func (s *Store) GetWebhookSecret(_ context.Context, containerID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[containerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return slices.Clone(w.Secret), nil
}

// CountOrganizations counts organizations in scope.
func (s *Store) CountOrganizations(_ context.Context, scope repository.StatsScope) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for id := range s.orgs {
		if inScope(scope, id) {
			count++
		}
	}
	return count, nil
}

// CountProjectsIn counts projects in scope.
func (s *Store) CountProjectsIn(_ context.Context, scope repository.StatsScope) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.projects {
		if inScope(scope, p.OrganizationID) {
			count++
		}
	}
	return count, nil
}

// CountContainersIn counts containers in scope, optionally by status.
func (s *Store) CountContainersIn(_ context.Context, scope repository.StatsScope, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.containers {
		if status != "" && c.Status != status {
			continue
		}
		if inScope(scope, s.projects[c.ProjectID].OrganizationID) {
			count++
		}
	}
	return count, nil
}

// CountNodes counts nodes, optionally by status.
func (s *Store) CountNodes(_ context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.nodes {
		if status == "" || n.Status == status {
			count++
		}
	}
	return count, nil
}

// ListOrganizationIDsForUser returns organizations the user owns, belongs to or holds a grant on.
func (s *Store) ListOrganizationIDsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id := range s.orgIDsForUserLocked(userID) {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) orgIDsForUserLocked(userID string) map[string]bool {
	visible := make(map[string]bool)
	for id, o := range s.orgs {
		if o.OwnerID == userID {
			visible[id] = true
		}
		if _, ok := s.members[id][userID]; ok {
			visible[id] = true
		}
	}
	now := s.now()
	for _, g := range s.grants {
		if g.UserID != userID || g.Expired(now) {
			continue
		}
		switch g.ResourceType {
		case domain.ResourceOrganization:
			visible[g.ResourceID] = true
		case domain.ResourceProject:
			if p, ok := s.projects[g.ResourceID]; ok {
				visible[p.OrganizationID] = true
			}
		case domain.ResourceContainer:
			if c, ok := s.containers[g.ResourceID]; ok {
				visible[s.projects[c.ProjectID].OrganizationID] = true
			}
		}
	}
	for id := range visible {
		if _, ok := s.orgs[id]; !ok {
			delete(visible, id)
		}
	}
	return visible
}

func (s *Store) projectIDsLocked(orgID string) []string {
	ids := make([]string, 0)
	for id, p := range s.projects {
		if p.OrganizationID == orgID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) containerIDsLocked(projectID string) []string {
	ids := make([]string, 0)
	for id, c := range s.containers {
		if c.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) deleteProjectLocked(id string) {
	for _, cid := range s.containerIDsLocked(id) {
		s.deleteContainerLocked(cid)
	}
	s.deleteGrantsForLocked(domain.ResourceProject, id)
	delete(s.projects, id)
}

func (s *Store) deleteContainerLocked(id string) {
	for did, d := range s.deployments {
		if d.ContainerID == id {
			delete(s.logs, did)
			delete(s.deployments, did)
		}
	}
	delete(s.webhooks, id)
	s.deleteGrantsForLocked(domain.ResourceContainer, id)
	delete(s.containers, id)
}

func (s *Store) deleteGrantsForLocked(resourceType, resourceID string) {
	for gid, g := range s.grants {
		if g.ResourceType == resourceType && g.ResourceID == resourceID {
			delete(s.grants, gid)
		}
	}
}

func (s *Store) filterGrants(keep func(domain.PermissionGrant) bool) []domain.PermissionGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PermissionGrant, 0)
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].GrantedAt, out[j].GrantedAt, out[i].ID, out[j].ID) })
	return out
}

func inScope(scope repository.StatsScope, orgID string) bool {
	if scope.OrganizationIDs == nil {
		return true
	}
	return slices.Contains(scope.OrganizationIDs, orgID)
}

func newerFirst(a, b time.Time, idA, idB string) bool {
	if a.Equal(b) {
		return idA < idB
	}
	return a.After(b)
}

func paginate[T any](items []T, page domain.Page) []T {
	if page.PageSize <= 0 {
		return items
	}
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func cloneUser(u domain.User) domain.User {
	u.PasswordHash = slices.Clone(u.PasswordHash)
	return u
}

func cloneOrg(o domain.Organization) domain.Organization {
	if o.Settings != nil {
		o.Settings = json.RawMessage(slices.Clone([]byte(o.Settings)))
	}
	return o
}

func cloneContainer(c domain.Container) domain.Container {
	if c.NodeID != nil {
		id := *c.NodeID
		c.NodeID = &id
	}
	c.Ports = slices.Clone(c.Ports)
	c.Environment = cloneMap(c.Environment)
	c.Labels = cloneMap(c.Labels)
	if c.Attributes != nil {
		attrs := make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		c.Attributes = attrs
	}
	return c
}

func cloneNode(n domain.Node) domain.Node {
	n.SSHKey = slices.Clone(n.SSHKey)
	n.TLSKey = slices.Clone(n.TLSKey)
	n.Labels = cloneMap(n.Labels)
	return n
}

func cloneGrant(g domain.PermissionGrant) domain.PermissionGrant {
	g.Permissions = slices.Clone(g.Permissions)
	return g
}

func cloneDeployment(d domain.DeploymentRecord) domain.DeploymentRecord {
	if d.Metadata != nil {
		d.Metadata = json.RawMessage(slices.Clone([]byte(d.Metadata)))
	}
	return d
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
