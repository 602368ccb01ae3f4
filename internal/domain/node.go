package domain

import (
	"net/url"
	"strings"
	"time"
)

// Node statuses.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
	NodeUnknown = "unknown"
)

// DefaultSSHPort is used when a node declares SSH access without a port.
const DefaultSSHPort = 22

// Node is a remote host running a Docker-compatible engine.
type Node struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Host          string            `json:"host"`
	Description   string            `json:"description"`
	Status        string            `json:"status"`
	SSHUser       string            `json:"ssh_user,omitempty"`
	SSHPort       int               `json:"ssh_port,omitempty"`
	SSHKey        []byte            `json:"-"`
	TLSCACert     string            `json:"tls_ca_cert,omitempty"`
	TLSCert       string            `json:"tls_cert,omitempty"`
	TLSKey        []byte            `json:"-"`
	DockerVersion string            `json:"docker_version,omitempty"`
	OS            string            `json:"os,omitempty"`
	Arch          string            `json:"arch,omitempty"`
	CPUs          int               `json:"cpus,omitempty"`
	MemoryBytes   int64             `json:"memory_bytes,omitempty"`
	Labels        map[string]string `json:"labels"`
	LastCheckedAt *time.Time        `json:"last_checked_at,omitempty"`
	LastLatencyMS int64             `json:"last_latency_ms,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ValidateHost checks that host is a tcp, unix or ssh URI the engine can dial.
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return Validationf("node host is required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return Validationf("node host %q is not a valid URI", host)
	}
	switch u.Scheme {
	case "tcp", "ssh":
		if u.Host == "" {
			return Validationf("node host %q has no address", host)
		}
	case "unix":
		if u.Path == "" {
			return Validationf("node host %q has no socket path", host)
		}
	default:
		return Validationf("node host scheme %q is not supported", u.Scheme)
	}
	return nil
}

// UsesSSH reports whether the node is reached through an SSH session.
func (n Node) UsesSSH() bool {
	return strings.HasPrefix(strings.TrimSpace(n.Host), "ssh://")
}

// EffectiveStatus downgrades a stale check to unknown. A node is only trusted
// as online when it was checked within staleAfter of now.
func (n Node) EffectiveStatus(now time.Time, staleAfter time.Duration) string {
	if n.LastCheckedAt == nil {
		return NodeUnknown
	}
	if staleAfter > 0 && now.Sub(*n.LastCheckedAt) > staleAfter {
		return NodeUnknown
	}
	if n.Status == "" {
		return NodeUnknown
	}
	return n.Status
}

// Prune kinds accepted by the node registry.
const (
	PruneSystem     = "system"
	PruneImages     = "images"
	PruneContainers = "containers"
	PruneVolumes    = "volumes"
	PruneNetworks   = "networks"
	PruneBuilder    = "builder"
)

// ValidPruneKind reports whether kind is a supported prune target.
func ValidPruneKind(kind string) bool {
	switch kind {
	case PruneSystem, PruneImages, PruneContainers, PruneVolumes, PruneNetworks, PruneBuilder:
		return true
	}
	return false
}

// PruneReport summarizes what a prune removed.
type PruneReport struct {
	Kind           string   `json:"kind"`
	ItemsDeleted   []string `json:"items_deleted"`
	SpaceReclaimed uint64   `json:"space_reclaimed"`
}

// HealthResult is the outcome of a connection test.
type HealthResult struct {
	NodeID    string        `json:"node_id"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}
