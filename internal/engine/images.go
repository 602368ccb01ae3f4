package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// TarDirectory packs dir as a build context.
func TarDirectory(dir string) (io.ReadCloser, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("build directory cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return nil, fmt.Errorf("create build context: %w", err)
	}
	return buildCtx, nil
}

// BuildImage builds an image on the node from a tar build context.
func (c *Client) BuildImage(ctx context.Context, buildContext io.Reader, opts BuildOptions, onOutput OutputFunc) error {
	if opts.Tag == "" {
		return errors.New("image tag cannot be empty")
	}
	resp, err := c.inner.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  opts.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   opts.BuildArgs,
		Labels:      opts.Labels,
	})
	if err != nil {
		return classify("docker image build", err)
	}
	defer resp.Body.Close()
	return streamMessages("docker image build", resp.Body, onOutput)
}

// PullImage pulls ref, authenticating when credentials are supplied.
func (c *Client) PullImage(ctx context.Context, ref string, auth *RegistryAuth, onOutput OutputFunc) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("image reference cannot be empty")
	}
	opts := image.PullOptions{}
	if auth != nil && auth.Username != "" {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      auth.Username,
			Password:      auth.Password,
			ServerAddress: auth.ServerAddress,
		})
		if err != nil {
			return fmt.Errorf("encode registry auth: %w", err)
		}
		opts.RegistryAuth = encoded
	}
	body, err := c.inner.ImagePull(ctx, ref, opts)
	if err != nil {
		return classify("docker image pull", err)
	}
	defer body.Close()
	return streamMessages("docker image pull", body, onOutput)
}

// streamMessages decodes the engine's JSON progress stream.
func streamMessages(op string, r io.Reader, onOutput OutputFunc) error {
	decoder := json.NewDecoder(r)
	for {
		var msg progressMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return classify(op, fmt.Errorf("decode output: %w", err))
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return classify(op, errors.New(errMsg))
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(strings.TrimRight(line, "\n"))
		}
	}
}

type progressMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    errorDetail    `json:"errorDetail"`
	Aux            map[string]any `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func (m progressMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m progressMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
