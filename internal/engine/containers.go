package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"
)

// CreateContainer creates (but does not start) a container from spec.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", errors.New("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", errors.New("image name cannot be empty")
	}
	exposed, bindings := portMaps(spec)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: exposed,
		StopSignal:   spec.StopSignal,
	}
	if spec.StopTimeout > 0 {
		secs := int(spec.StopTimeout / time.Second)
		cfg.StopTimeout = &secs
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)},
		Resources:     resources(spec),
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify("container create", err)
	}
	return created.ID, nil
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return classify("container start", c.inner.ContainerStart(ctx, id, container.StartOptions{}))
}

// graceSeconds rounds grace up to whole seconds, the engine's stop timeout unit.
// A positive grace never becomes an immediate kill.
func graceSeconds(grace time.Duration) int {
	if grace <= 0 {
		return 0
	}
	return int((grace + time.Second - 1) / time.Second)
}

// StopContainer sends signal and kills the container once grace expires.
// A container that no longer exists counts as stopped.
func (c *Client) StopContainer(ctx context.Context, id, signal string, grace time.Duration) error {
	secs := graceSeconds(grace)
	err := c.inner.ContainerStop(ctx, id, container.StopOptions{Signal: signal, Timeout: &secs})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return classify("container stop", err)
}

// PauseContainer freezes the container's processes.
func (c *Client) PauseContainer(ctx context.Context, id string) error {
	return classify("container pause", c.inner.ContainerPause(ctx, id))
}

// UnpauseContainer resumes a paused container.
func (c *Client) UnpauseContainer(ctx context.Context, id string) error {
	return classify("container unpause", c.inner.ContainerUnpause(ctx, id))
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: removeVolumes})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return classify("container remove", err)
}

// ContainerState returns the engine status ("running", "exited", ...) or "" when missing.
func (c *Client) ContainerState(ctx context.Context, id string) (string, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", classify("container inspect", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return "", nil
	}
	return inspect.State.Status, nil
}

// ListContainers lists containers carrying every given label.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]RuntimeContainer, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("container list", err)
	}
	out := make([]RuntimeContainer, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, RuntimeContainer{ID: item.ID, Name: name, Image: item.Image, State: item.State, Labels: item.Labels})
	}
	return out, nil
}

// RestartByName restarts the container with the given name.
func (c *Client) RestartByName(ctx context.Context, name string, grace time.Duration) error {
	secs := graceSeconds(grace)
	err := c.inner.ContainerRestart(ctx, name, container.StopOptions{Timeout: &secs})
	if err != nil && IsNotFound(err) {
		return classify("container restart", fmt.Errorf("no container named %q: %w", name, err))
	}
	return classify("container restart", err)
}

func portMaps(spec ContainerSpec) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		exposed[port] = struct{}{}
		if p.HostPort > 0 {
			bindings[port] = append(bindings[port], nat.PortBinding{HostPort: fmt.Sprintf("%d", p.HostPort)})
		}
	}
	return exposed, bindings
}

func resources(spec ContainerSpec) container.Resources {
	var res container.Resources
	r := spec.Resources
	if r.CPULimit != nil && *r.CPULimit > 0 {
		res.NanoCPUs = int64(*r.CPULimit * 1e9)
	}
	if r.MemoryLimit != nil && *r.MemoryLimit > 0 {
		res.Memory = *r.MemoryLimit
	}
	if r.CPUReserve != nil && *r.CPUReserve > 0 {
		res.CPUShares = int64(*r.CPUReserve * 1024)
	}
	if r.MemoryReserve != nil && *r.MemoryReserve > 0 {
		res.MemoryReservation = *r.MemoryReserve
	}
	return res
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
