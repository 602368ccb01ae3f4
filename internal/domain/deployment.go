package domain

import (
	"encoding/json"
	"time"
)

// Deployment statuses.
const (
	DeploymentPending   = "pending"
	DeploymentBuilding  = "building"
	DeploymentDeploying = "deploying"
	DeploymentSuccess   = "success"
	DeploymentFailed    = "failed"
	DeploymentCancelled = "cancelled"
)

// Deployment providers.
const (
	ProviderGitHub   = "github"
	ProviderGitea    = "gitea"
	ProviderRegistry = "docker-registry"
	ProviderUpload   = "upload"
	ProviderCompose  = "compose"
)

// Deployment triggers.
const (
	TriggerManual  = "manual"
	TriggerWebhook = "webhook"
)

// ValidProvider reports whether provider is a known deployment source.
func ValidProvider(provider string) bool {
	switch provider {
	case ProviderGitHub, ProviderGitea, ProviderRegistry, ProviderUpload, ProviderCompose:
		return true
	}
	return false
}

// IsTerminalDeployment reports whether status is final. Terminal records are never mutated.
func IsTerminalDeployment(status string) bool {
	switch status {
	case DeploymentSuccess, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}

// DeploymentRecord is one auditable dispatch of a container.
type DeploymentRecord struct {
	ID          string          `json:"id"`
	ContainerID string          `json:"container_id"`
	Provider    string          `json:"provider"`
	Trigger     string          `json:"trigger"`
	Status      string          `json:"status"`
	CommitSHA   string          `json:"commit_sha,omitempty"`
	Image       string          `json:"image,omitempty"`
	Error       string          `json:"error,omitempty"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// DeploymentStatusUpdate captures the mutable fields of a non-terminal record.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Image        string
	CommitSHA    string
	Error        string
	FinishedAt   *time.Time
}

// DeploymentLog is one line of build or pull output.
type DeploymentLog struct {
	DeploymentID string    `json:"deployment_id"`
	Sequence     int       `json:"sequence"`
	Line         string    `json:"line"`
	CreatedAt    time.Time `json:"created_at"`
}

// Webhook stores the encrypted signing secret for a container's auto-deploy hook.
type Webhook struct {
	ContainerID string
	Secret      []byte
	CreatedAt   time.Time
}
