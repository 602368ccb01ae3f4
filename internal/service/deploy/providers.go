package deploy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/engine"
	"github.com/fahrettinrizaergin/docker-manager/internal/source"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// GitSpec configures github and gitea deployments.
type GitSpec struct {
	Server     string `json:"server,omitempty" validate:"omitempty,url"`
	Account    string `json:"account,omitempty"`
	Repository string `json:"repository" validate:"required"`
	Branch     string `json:"branch,omitempty"`
	Ref        string `json:"ref,omitempty"`
	BuildPath  string `json:"build_path,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Trigger    string `json:"trigger,omitempty" validate:"omitempty,oneof=push tag"`
}

// RegistrySpec configures docker-registry deployments.
type RegistrySpec struct {
	Image       string `json:"image" validate:"required"`
	Tag         string `json:"tag,omitempty"`
	RegistryURL string `json:"registry_url,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty" validate:"required_with=Username"`
}

// UploadSpec configures upload deployments. Archive is a base64 tar or tar.gz of
// the build context; Dockerfile is used alone or overrides the archive's.
type UploadSpec struct {
	Archive    string `json:"archive,omitempty" validate:"required_without=Dockerfile"`
	Dockerfile string `json:"dockerfile,omitempty" validate:"required_without=Archive"`
}

// ComposeSpec configures compose deployments.
type ComposeSpec struct {
	Manifest string `json:"manifest" validate:"required"`
}

// plan is a validated, provider-specific description of what to deploy.
type plan struct {
	provider string
	git      *gitPlan
	registry *RegistrySpec
	upload   *UploadSpec
	compose  *Compose
	metadata json.RawMessage
}

type gitPlan struct {
	url        string
	ref        string
	buildPath  string
	dockerfile string
}

// resolve picks the provider and decodes its spec, filling gaps from the
// container's source settings.
func resolve(c *domain.Container, provider string, raw json.RawMessage) (*plan, error) {
	if provider == "" {
		provider = c.Source.Provider
	}
	if provider == "" && c.Image != "" {
		provider = domain.ProviderRegistry
	}
	if provider == "" && c.Type == domain.ContainerTypeCompose && c.Source.ComposeManifest != "" {
		provider = domain.ProviderCompose
	}
	if !domain.ValidProvider(provider) {
		return nil, domain.Validationf("unknown deployment provider %q", provider)
	}
	p := &plan{provider: provider}

	switch provider {
	case domain.ProviderGitHub, domain.ProviderGitea:
		spec := GitSpec{
			Repository: c.Source.Repository,
			Branch:     c.Source.Branch,
			BuildPath:  c.Source.BuildPath,
			Dockerfile: c.Source.Dockerfile,
			Trigger:    c.Source.Trigger,
		}
		if err := decode(raw, &spec); err != nil {
			return nil, err
		}
		url, err := source.RepositoryURL(provider, spec.Server, spec.Account, spec.Repository)
		if err != nil {
			return nil, err
		}
		ref := spec.Ref
		if ref == "" {
			ref = spec.Branch
		}
		if ref == "" {
			ref = domain.DefaultBranch
		}
		p.git = &gitPlan{url: url, ref: ref, buildPath: orDefault(spec.BuildPath, domain.DefaultBuildPath), dockerfile: orDefault(spec.Dockerfile, domain.DefaultDockerfile)}
		p.metadata = metadata(map[string]any{"repository": url, "ref": ref, "build_path": p.git.buildPath, "dockerfile": p.git.dockerfile})
	case domain.ProviderRegistry:
		spec := RegistrySpec{Image: c.Image, Tag: c.Tag}
		if err := decode(raw, &spec); err != nil {
			return nil, err
		}
		p.registry = &spec
		p.metadata = metadata(map[string]any{"image": spec.reference(), "registry_url": spec.RegistryURL, "authenticated": spec.Username != ""})
	case domain.ProviderUpload:
		var spec UploadSpec
		if err := decode(raw, &spec); err != nil {
			return nil, err
		}
		if len(spec.Archive) > source.MaxUploadBytes*4/3+4 {
			return nil, domain.Validationf("upload exceeds %d bytes", source.MaxUploadBytes)
		}
		p.upload = &spec
		p.metadata = metadata(map[string]any{"archive": spec.Archive != "", "dockerfile": spec.Dockerfile != ""})
	case domain.ProviderCompose:
		spec := ComposeSpec{Manifest: c.Source.ComposeManifest}
		if err := decode(raw, &spec); err != nil {
			return nil, err
		}
		compose, err := ParseCompose(c.Slug, spec.Manifest)
		if err != nil {
			return nil, err
		}
		p.compose = compose
		services := make([]string, 0, len(compose.Services))
		for _, svc := range compose.Services {
			services = append(services, svc.Name)
		}
		p.metadata = metadata(map[string]any{"project": compose.Project, "services": services})
	}
	return p, nil
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, into); err != nil {
			return domain.Validationf("invalid deployment spec: %v", err)
		}
	}
	if err := validate.Struct(into); err != nil {
		return domain.Validationf("invalid deployment spec: %v", err)
	}
	return nil
}

// reference is the image reference to pull.
func (r RegistrySpec) reference() string {
	ref := domain.Container{Image: strings.TrimSpace(r.Image), Tag: strings.TrimSpace(r.Tag)}.ImageRef()
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(r.RegistryURL, "https://"), "http://"), "/")
	if host == "" || strings.HasPrefix(ref, host+"/") {
		return ref
	}
	return host + "/" + ref
}

func (r RegistrySpec) auth() *engine.RegistryAuth {
	if r.Username == "" {
		return nil
	}
	return &engine.RegistryAuth{Username: r.Username, Password: r.Password, ServerAddress: r.RegistryURL}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func metadata(fields map[string]any) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}

// imageTag names a built image after the container and the commit or deployment.
func imageTag(c domain.Container, sha, deploymentID string) string {
	suffix := deploymentID
	if len(sha) >= 7 {
		suffix = sha[:7]
	}
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return fmt.Sprintf("%s:%s", c.Slug, suffix)
}
