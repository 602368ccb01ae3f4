package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiPrefix = "/api/v1"

// Client provides typed access to the dockmgr API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsRetryable reports whether err is an API error the server marked as
// transient, such as an unreachable node.
func IsRetryable(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// List is a paginated collection.
type List[T any] struct {
	Data     []T `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get decodes a single-object response.
func get[T any](ctx context.Context, c *Client, method, path string, body any, token string) (T, error) {
	var out envelope[T]
	if err := c.do(ctx, method, path, body, token, &out); err != nil {
		var zero T
		return zero, err
	}
	return out.Data, nil
}

func list[T any](ctx context.Context, c *Client, path string, query url.Values, token string) (List[T], error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out List[T]
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return List[T]{}, err
	}
	return out, nil
}

func decodeError(resp *http.Response) error {
	apiErr := APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Code = payload.Code
	apiErr.Retryable = payload.Retryable
	return apiErr
}

// PageQuery builds page/page_size parameters; zero values are omitted.
func PageQuery(page, pageSize int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	return q
}

// User reflects API user payloads.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in"`
}

// Session captures the token payload emitted by login and refresh.
type Session struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	return get[Session](ctx, c, http.MethodPost, "/auth/login", body, "")
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	return get[Session](ctx, c, http.MethodPost, "/auth/refresh", body, "")
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	return get[User](ctx, c, http.MethodGet, "/auth/me", nil, token)
}

// Organization is a tenant.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListOrganizations returns organizations visible to the caller.
func (c *Client) ListOrganizations(ctx context.Context, token string, page, pageSize int) (List[Organization], error) {
	return list[Organization](ctx, c, "/organizations", PageQuery(page, pageSize), token)
}

// CreateOrganization creates an organization owned by the caller.
func (c *Client) CreateOrganization(ctx context.Context, token, name, description string) (Organization, error) {
	body := map[string]string{"name": name, "description": description}
	return get[Organization](ctx, c, http.MethodPost, "/organizations", body, token)
}

// Project groups containers within an organization.
type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Description    string    `json:"description"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListProjects returns projects, optionally filtered to one organization.
func (c *Client) ListProjects(ctx context.Context, token, organizationID string, page, pageSize int) (List[Project], error) {
	q := PageQuery(page, pageSize)
	if organizationID != "" {
		q.Set("organization_id", organizationID)
	}
	return list[Project](ctx, c, "/projects", q, token)
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
}

// CreateProject provisions a new project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	return get[Project](ctx, c, http.MethodPost, "/projects", input, token)
}

// PortMapping publishes a container port on the node.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// Container is a managed container definition.
type Container struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	NodeID    *string           `json:"node_id"`
	Name      string            `json:"name"`
	Slug      string            `json:"slug"`
	Type      string            `json:"type"`
	Image     string            `json:"image"`
	Tag       string            `json:"tag"`
	Ports     []PortMapping     `json:"ports"`
	Env       map[string]string `json:"environment"`
	Status    string            `json:"status"`
	LastError string            `json:"last_error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ListContainers returns containers, optionally filtered to one project.
func (c *Client) ListContainers(ctx context.Context, token, projectID string, page, pageSize int) (List[Container], error) {
	q := PageQuery(page, pageSize)
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	return list[Container](ctx, c, "/containers", q, token)
}

// CreateContainerInput is the minimal payload for an image-based container.
type CreateContainerInput struct {
	ProjectID   string            `json:"project_id"`
	NodeID      string            `json:"node_id,omitempty"`
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// CreateContainer stores a container definition without starting it.
func (c *Client) CreateContainer(ctx context.Context, token string, input CreateContainerInput) (Container, error) {
	return get[Container](ctx, c, http.MethodPost, "/containers", input, token)
}

// ContainerAction runs start, stop, restart, pause or unpause.
func (c *Client) ContainerAction(ctx context.Context, token, containerID, action string) (Container, error) {
	switch action {
	case "start", "stop", "restart", "pause", "unpause":
	default:
		return Container{}, fmt.Errorf("unknown container action %q", action)
	}
	path := fmt.Sprintf("/containers/%s/%s", url.PathEscape(containerID), action)
	return get[Container](ctx, c, http.MethodPost, path, nil, token)
}

// DeleteContainer removes a container and its runtime.
func (c *Client) DeleteContainer(ctx context.Context, token, containerID string, withVolumes bool) error {
	path := fmt.Sprintf("/containers/%s?with_volumes=%t", url.PathEscape(containerID), withVolumes)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID          string          `json:"id"`
	ContainerID string          `json:"container_id"`
	Provider    string          `json:"provider"`
	Trigger     string          `json:"trigger"`
	Status      string          `json:"status"`
	CommitSHA   string          `json:"commit_sha"`
	Image       string          `json:"image"`
	Error       string          `json:"error"`
	Metadata    json.RawMessage `json:"metadata"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	switch d.Status {
	case "success", "failed", "cancelled":
		return true
	}
	return false
}

// LogLine is one line of deployment output.
type LogLine struct {
	DeploymentID string    `json:"deployment_id"`
	Sequence     int       `json:"sequence"`
	Line         string    `json:"line"`
	CreatedAt    time.Time `json:"created_at"`
}

// TriggerDeployment requests a deployment using the container's configured source.
func (c *Client) TriggerDeployment(ctx context.Context, token, containerID, provider string) (Deployment, error) {
	body := map[string]string{}
	if strings.TrimSpace(provider) != "" {
		body["provider"] = provider
	}
	path := fmt.Sprintf("/containers/%s/deploy", url.PathEscape(containerID))
	return get[Deployment](ctx, c, http.MethodPost, path, body, token)
}

// ListDeployments fetches recent deployments for a container.
func (c *Client) ListDeployments(ctx context.Context, token, containerID string, pageSize int) (List[Deployment], error) {
	path := fmt.Sprintf("/containers/%s/deployments", url.PathEscape(containerID))
	return list[Deployment](ctx, c, path, PageQuery(1, pageSize), token)
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	return get[Deployment](ctx, c, http.MethodGet, path, nil, token)
}

// DeploymentLogs returns up to limit log lines after offset.
func (c *Client) DeploymentLogs(ctx context.Context, token, deploymentID string, offset, limit int) ([]LogLine, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/deployments/%s/logs?%s", url.PathEscape(deploymentID), q.Encode())
	return get[[]LogLine](ctx, c, http.MethodGet, path, nil, token)
}

// CancelDeployment stops an in-flight deployment.
func (c *Client) CancelDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/cancel", url.PathEscape(deploymentID))
	return get[Deployment](ctx, c, http.MethodPost, path, nil, token)
}

// Node is a Docker host.
type Node struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	Status        string     `json:"status"`
	DockerVersion string     `json:"docker_version"`
	OS            string     `json:"os"`
	Arch          string     `json:"arch"`
	CPUs          int        `json:"cpus"`
	MemoryBytes   int64      `json:"memory_bytes"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	LastLatencyMS int64      `json:"last_latency_ms"`
	LastError     string     `json:"last_error"`
}

// NodeHealth is the result of a health probe.
type NodeHealth struct {
	NodeID    string    `json:"node_id"`
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error"`
	CheckedAt time.Time `json:"checked_at"`
}

// ListNodes returns registered nodes.
func (c *Client) ListNodes(ctx context.Context, token string, page, pageSize int) (List[Node], error) {
	return list[Node](ctx, c, "/nodes", PageQuery(page, pageSize), token)
}

// RegisterNodeInput registers a Docker host reachable at Host.
type RegisterNodeInput struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Description string `json:"description,omitempty"`
}

// RegisterNode adds a node. Requires the administrator role.
func (c *Client) RegisterNode(ctx context.Context, token string, input RegisterNodeInput) (Node, error) {
	return get[Node](ctx, c, http.MethodPost, "/nodes", input, token)
}

// TestNode probes a node's engine immediately.
func (c *Client) TestNode(ctx context.Context, token, nodeID string) (NodeHealth, error) {
	path := fmt.Sprintf("/nodes/%s/test", url.PathEscape(nodeID))
	return get[NodeHealth](ctx, c, http.MethodPost, path, nil, token)
}

// Stats are the dashboard counters.
type Stats struct {
	Organizations    int `json:"organizations"`
	Projects         int `json:"projects"`
	Containers       int `json:"containers"`
	ActiveContainers int `json:"active_containers"`
	Nodes            int `json:"nodes"`
	OnlineNodes      int `json:"online_nodes"`
}

// DashboardStats returns counters scoped to the caller.
func (c *Client) DashboardStats(ctx context.Context, token string) (Stats, error) {
	return get[Stats](ctx, c, http.MethodGet, "/dashboard/stats", nil, token)
}
