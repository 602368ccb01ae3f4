// Package engine drives the Docker engine on a node.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// OutputFunc receives pull and build progress lines.
type OutputFunc func(line string)

// Info is what the node reports about itself on ping.
type Info struct {
	ServerVersion string
	APIVersion    string
	OS            string
	Arch          string
	CPUs          int
	MemoryBytes   int64
}

// RegistryAuth carries credentials for private registries.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// BuildOptions describes an image build from a tar context.
type BuildOptions struct {
	Tag        string
	Dockerfile string
	BuildArgs  map[string]*string
	Labels     map[string]string
}

// ContainerSpec is everything needed to create a runtime container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []domain.PortMapping
	Resources     domain.Resources
	RestartPolicy string
	StopSignal    string
	StopTimeout   time.Duration
}

// RuntimeContainer is a container as listed by the engine.
type RuntimeContainer struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Runtime is the set of engine operations the services rely on.
type Runtime interface {
	Ping(ctx context.Context) (Info, error)
	PullImage(ctx context.Context, ref string, auth *RegistryAuth, onOutput OutputFunc) error
	BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions, onOutput OutputFunc) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id, signal string, grace time.Duration) error
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	ContainerState(ctx context.Context, id string) (string, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]RuntimeContainer, error)
	RestartByName(ctx context.Context, name string, grace time.Duration) error
	Prune(ctx context.Context, kind string) (domain.PruneReport, error)
}

// Target is the connection material for one node. Secrets are already decrypted.
type Target struct {
	NodeID    string
	Host      string
	SSHUser   string
	SSHPort   int
	SSHKey    []byte
	TLSCACert string
	TLSCert   string
	TLSKey    []byte
}
