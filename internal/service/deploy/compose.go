package deploy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/lifecycle"
)

// Compose aliases the orchestrator's manifest description.
type Compose = lifecycle.Compose

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image       string    `yaml:"image"`
	Build       yaml.Node `yaml:"build"`
	Environment yaml.Node `yaml:"environment"`
	Ports       []string  `yaml:"ports"`
}

// ParseCompose validates a compose manifest. Every service must name an image or
// a build; only services with an image are run.
func ParseCompose(project, manifest string) (*Compose, error) {
	if strings.TrimSpace(manifest) == "" {
		return nil, domain.Validationf("compose manifest is empty")
	}
	var file composeFile
	if err := yaml.Unmarshal([]byte(manifest), &file); err != nil {
		return nil, domain.Validationf("compose manifest is not valid YAML: %v", err)
	}
	if len(file.Services) == 0 {
		return nil, domain.Validationf("compose manifest declares no services")
	}
	names := make([]string, 0, len(file.Services))
	for name := range file.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &Compose{Project: project}
	for _, name := range names {
		svc := file.Services[name]
		if domain.Slugify(name) != name {
			return nil, domain.Validationf("compose service name %q must be lowercase letters, digits and dashes", name)
		}
		if svc.Image == "" && svc.Build.IsZero() {
			return nil, domain.Validationf("compose service %q needs an image or a build", name)
		}
		if svc.Image == "" {
			continue
		}
		env, err := composeEnv(svc.Environment)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		ports, err := composePorts(svc.Ports)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		out.Services = append(out.Services, lifecycle.ComposeService{Name: name, Image: svc.Image, Environment: env, Ports: ports})
	}
	if len(out.Services) == 0 {
		return nil, domain.Validationf("compose manifest has no service with an image")
	}
	return out, nil
}

// composeEnv accepts both the mapping and the KEY=VALUE list forms.
func composeEnv(node yaml.Node) (map[string]string, error) {
	env := map[string]string{}
	switch node.Kind {
	case 0:
		return env, nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return nil, domain.Validationf("environment: %v", err)
		}
		for k, v := range m {
			env[k] = v
		}
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, domain.Validationf("environment: %v", err)
		}
		for _, item := range list {
			k, v, _ := strings.Cut(item, "=")
			if k == "" {
				return nil, domain.Validationf("environment entry %q has no name", item)
			}
			env[k] = v
		}
	default:
		return nil, domain.Validationf("environment must be a mapping or a list")
	}
	return env, nil
}

// composePorts parses "HOST:CONTAINER[/proto]" and "CONTAINER[/proto]" entries.
func composePorts(entries []string) ([]domain.PortMapping, error) {
	ports := make([]domain.PortMapping, 0, len(entries))
	for _, entry := range entries {
		spec, proto, _ := strings.Cut(entry, "/")
		if proto == "" {
			proto = "tcp"
		}
		var hostPart, containerPart string
		if i := strings.LastIndex(spec, ":"); i >= 0 {
			hostPart, containerPart = spec[:i], spec[i+1:]
			if j := strings.LastIndex(hostPart, ":"); j >= 0 {
				hostPart = hostPart[j+1:]
			}
		} else {
			containerPart = spec
		}
		containerPort, err := strconv.Atoi(containerPart)
		if err != nil || containerPort <= 0 || containerPort > 65535 {
			return nil, domain.Validationf("invalid port %q", entry)
		}
		mapping := domain.PortMapping{ContainerPort: containerPort, Protocol: proto}
		if hostPart != "" {
			hostPort, err := strconv.Atoi(hostPart)
			if err != nil || hostPort <= 0 || hostPort > 65535 {
				return nil, domain.Validationf("invalid port %q", entry)
			}
			mapping.HostPort = hostPort
		}
		ports = append(ports, mapping)
	}
	return ports, nil
}
