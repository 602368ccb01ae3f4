package domain

import (
	"fmt"
	"time"
)

// Container types.
const (
	ContainerTypeContainer = "container"
	ContainerTypeCompose   = "docker-compose"
	ContainerTypeTemplate  = "template"
)

// Restart policies accepted by the engine.
const (
	RestartNo            = "no"
	RestartOnFailure     = "on-failure"
	RestartAlways        = "always"
	RestartUnlessStopped = "unless-stopped"
)

// Container lifecycle statuses.
const (
	StatusCreated   = "created"
	StatusDeploying = "deploying"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusPaused    = "paused"
	StatusError     = "error"
)

// Container defaults.
const (
	DefaultTag             = "latest"
	DefaultBranch          = "main"
	DefaultBuildPath       = "."
	DefaultDockerfile      = "Dockerfile"
	DefaultStopSignal      = "SIGTERM"
	DefaultStopGracePeriod = 10 * time.Second
)

// PortMapping publishes a container port on the node.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Resources holds optional limits. CPU values are in cores, memory values in bytes.
type Resources struct {
	CPULimit      *float64 `json:"cpu_limit,omitempty"`
	MemoryLimit   *int64   `json:"memory_limit,omitempty"`
	CPUReserve    *float64 `json:"cpu_reserve,omitempty"`
	MemoryReserve *int64   `json:"memory_reserve,omitempty"`
}

// Validate rejects negative limits and reservations above their limit.
func (r Resources) Validate() error {
	if r.CPULimit != nil && *r.CPULimit < 0 {
		return Validationf("cpu_limit must be non-negative")
	}
	if r.CPUReserve != nil && *r.CPUReserve < 0 {
		return Validationf("cpu_reserve must be non-negative")
	}
	if r.MemoryLimit != nil && *r.MemoryLimit < 0 {
		return Validationf("memory_limit must be non-negative")
	}
	if r.MemoryReserve != nil && *r.MemoryReserve < 0 {
		return Validationf("memory_reserve must be non-negative")
	}
	if r.CPULimit != nil && r.CPUReserve != nil && *r.CPULimit > 0 && *r.CPUReserve > *r.CPULimit {
		return Validationf("cpu_reserve exceeds cpu_limit")
	}
	if r.MemoryLimit != nil && r.MemoryReserve != nil && *r.MemoryLimit > 0 && *r.MemoryReserve > *r.MemoryLimit {
		return Validationf("memory_reserve exceeds memory_limit")
	}
	return nil
}

// SourceConfig describes where deployments for the container come from.
type SourceConfig struct {
	Provider        string `json:"provider,omitempty"`
	Repository      string `json:"repository,omitempty"`
	Branch          string `json:"branch,omitempty"`
	BuildPath       string `json:"build_path,omitempty"`
	Dockerfile      string `json:"dockerfile,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	ComposeManifest string `json:"compose_manifest,omitempty"`
}

// Container combines the declared configuration of a deployable unit with its runtime record.
type Container struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	NodeID        *string           `json:"node_id"`
	Name          string            `json:"name"`
	Slug          string            `json:"slug"`
	Description   string            `json:"description"`
	Type          string            `json:"type"`
	Image         string            `json:"image"`
	Tag           string            `json:"tag"`
	Ports         []PortMapping     `json:"ports"`
	Environment   map[string]string `json:"environment"`
	Labels        map[string]string `json:"labels"`
	Resources     Resources         `json:"resources"`
	RestartPolicy string            `json:"restart_policy"`
	Status        string            `json:"status"`
	RuntimeID     string            `json:"runtime_id,omitempty"`
	StopGraceSecs int               `json:"stop_grace_period"`
	StopSignal    string            `json:"stop_signal"`
	Attributes    map[string]any    `json:"attributes,omitempty"`
	AutoDeploy    bool              `json:"auto_deploy"`
	Source        SourceConfig      `json:"source"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ImageRef returns image:tag, leaving digests and explicit tags alone.
func (c Container) ImageRef() string {
	if c.Image == "" {
		return ""
	}
	if hasTagOrDigest(c.Image) {
		return c.Image
	}
	tag := c.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return c.Image + ":" + tag
}

// StopGracePeriod is the configured wait before the engine kills the container.
func (c Container) StopGracePeriod() time.Duration {
	if c.StopGraceSecs <= 0 {
		return DefaultStopGracePeriod
	}
	return time.Duration(c.StopGraceSecs) * time.Second
}

// AssignedNode returns the node id or empty string when unscheduled.
func (c Container) AssignedNode() string {
	if c.NodeID == nil {
		return ""
	}
	return *c.NodeID
}

// RuntimeName is the engine-side container name.
func (c Container) RuntimeName() string {
	return "dm-" + c.Slug + "-" + shortID(c.ID)
}

func hasTagOrDigest(image string) bool {
	for i := len(image) - 1; i >= 0; i-- {
		switch image[i] {
		case '@', ':':
			return true
		case '/':
			return false
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ApplyDefaults fills unset optional fields with platform defaults.
func (c *Container) ApplyDefaults() {
	if c.Type == "" {
		c.Type = ContainerTypeContainer
	}
	if c.Tag == "" {
		c.Tag = DefaultTag
	}
	if c.RestartPolicy == "" {
		c.RestartPolicy = RestartUnlessStopped
	}
	if c.Status == "" {
		c.Status = StatusStopped
	}
	if c.StopGraceSecs <= 0 {
		c.StopGraceSecs = int(DefaultStopGracePeriod / time.Second)
	}
	if c.StopSignal == "" {
		c.StopSignal = DefaultStopSignal
	}
	if c.Source.Provider != "" {
		if c.Source.Branch == "" {
			c.Source.Branch = DefaultBranch
		}
		if c.Source.BuildPath == "" {
			c.Source.BuildPath = DefaultBuildPath
		}
		if c.Source.Dockerfile == "" {
			c.Source.Dockerfile = DefaultDockerfile
		}
	}
	if c.Environment == nil {
		c.Environment = map[string]string{}
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
}

// Validate checks the declared configuration.
func (c Container) Validate() error {
	switch c.Type {
	case ContainerTypeContainer, ContainerTypeCompose, ContainerTypeTemplate:
	default:
		return Validationf("unknown container type %q", c.Type)
	}
	switch c.RestartPolicy {
	case RestartNo, RestartOnFailure, RestartAlways, RestartUnlessStopped:
	default:
		return Validationf("unknown restart policy %q", c.RestartPolicy)
	}
	if !ValidContainerStatus(c.Status) {
		return Validationf("unknown container status %q", c.Status)
	}
	for _, p := range c.Ports {
		if p.ContainerPort <= 0 || p.ContainerPort > 65535 {
			return Validationf("container port %d out of range", p.ContainerPort)
		}
		if p.HostPort < 0 || p.HostPort > 65535 {
			return Validationf("host port %d out of range", p.HostPort)
		}
		switch p.Protocol {
		case "", "tcp", "udp", "sctp":
		default:
			return Validationf("unknown protocol %q", p.Protocol)
		}
	}
	return c.Resources.Validate()
}

// ValidContainerStatus reports whether status is a lifecycle state.
func ValidContainerStatus(status string) bool {
	switch status {
	case StatusCreated, StatusDeploying, StatusRunning, StatusStopped, StatusPaused, StatusError:
		return true
	}
	return false
}

var transitions = map[string][]string{
	StatusCreated:   {StatusDeploying, StatusRunning},
	StatusDeploying: {StatusRunning},
	StatusRunning:   {StatusPaused, StatusStopped},
	StatusPaused:    {StatusRunning, StatusStopped},
	StatusStopped:   {StatusDeploying, StatusRunning},
	StatusError:     {StatusDeploying},
}

// CanTransition reports whether the lifecycle state machine allows from -> to.
// Every state may move to error.
func CanTransition(from, to string) bool {
	if to == StatusError {
		return ValidContainerStatus(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a transition the state machine rejects.
func TransitionError(op, from string) error {
	return fmt.Errorf("%w: cannot %s container in status %s", ErrConflict, op, from)
}
