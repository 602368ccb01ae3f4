// Package webhook verifies git push hooks and turns them into deployments.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/repository"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/deploy"
	"github.com/fahrettinrizaergin/docker-manager/internal/source"
	"github.com/fahrettinrizaergin/docker-manager/pkg/crypto"
)

// Signature and event headers sent by the supported forges.
const (
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGiteaSignature  = "X-Gitea-Signature"
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGiteaEvent      = "X-Gitea-Event"
)

const generatedSecretBytes = 24

var errBadSignature = fmt.Errorf("%w: invalid webhook signature", domain.ErrUnauthenticated)

// Repository is the storage the webhook service needs.
type Repository interface {
	repository.WebhookRepository
	GetContainerByID(ctx context.Context, id string) (*domain.Container, error)
}

// Dispatcher starts deployments.
type Dispatcher interface {
	Dispatch(ctx context.Context, in deploy.DispatchInput) (*domain.DeploymentRecord, error)
}

// Result reports what a delivery did. Skipped explains a delivery that was
// accepted without deploying.
type Result struct {
	Deployment *domain.DeploymentRecord `json:"deployment,omitempty"`
	Skipped    string                   `json:"skipped,omitempty"`
}

// Service handles webhook storage and validation.
type Service struct {
	repo       Repository
	sealer     *crypto.Sealer
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New constructs a webhook service.
func New(repo Repository, sealer *crypto.Sealer, dispatcher Dispatcher, logger *slog.Logger) Service {
	return Service{repo: repo, sealer: sealer, dispatcher: dispatcher, logger: logger.With("component", "webhook")}
}

// SetSecret stores the encrypted signing secret of a container's hook. An empty
// secret generates one; the plaintext is returned once.
func (s Service) SetSecret(ctx context.Context, containerID, secret string) (string, error) {
	if _, err := s.repo.GetContainerByID(ctx, containerID); err != nil {
		return "", err
	}
	value := strings.TrimSpace(secret)
	if value == "" {
		generated, err := crypto.RandomToken(generatedSecretBytes)
		if err != nil {
			return "", fmt.Errorf("generate webhook secret: %w", err)
		}
		value = generated
	}
	payload, err := s.sealer.Seal([]byte(value))
	if err != nil {
		return "", fmt.Errorf("seal webhook secret: %w", err)
	}
	if err := s.repo.UpsertWebhook(ctx, containerID, payload); err != nil {
		return "", err
	}
	s.logger.Info("webhook secret updated", "container_id", containerID)
	return value, nil
}

// ValidateSignature checks the HMAC-SHA256 of payload. GitHub prefixes the hex
// digest with "sha256=", Gitea sends it bare.
func ValidateSignature(payload, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return fmt.Errorf("%w: missing webhook signature", domain.ErrUnauthenticated)
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return errBadSignature
	}
	return nil
}

// CheckSignature loads the secret for a container and verifies the payload.
func (s Service) CheckSignature(ctx context.Context, containerID string, payload []byte, headers http.Header) error {
	sealed, err := s.repo.GetWebhookSecret(ctx, containerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFoundf("no webhook configured for container %s", containerID)
		}
		return err
	}
	secret, err := s.sealer.Open(sealed)
	if err != nil {
		return fmt.Errorf("%w: open webhook secret: %v", domain.ErrInternal, err)
	}
	provided := headers.Get(HeaderGitHubSignature)
	if provided == "" {
		provided = headers.Get(HeaderGiteaSignature)
	}
	return ValidateSignature(payload, secret, provided)
}

type pushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
	Pusher struct {
		Name     string `json:"name"`
		Login    string `json:"login"`
		Username string `json:"username"`
	} `json:"pusher"`
}

// Handle verifies a delivery and dispatches a deployment when the pushed ref
// matches the container's source settings.
func (s Service) Handle(ctx context.Context, containerID string, headers http.Header, payload []byte) (Result, error) {
	if err := s.CheckSignature(ctx, containerID, payload, headers); err != nil {
		s.logger.Warn("webhook rejected", "container_id", containerID, "error", err)
		return Result{}, err
	}
	event := headers.Get(HeaderGitHubEvent)
	if event == "" {
		event = headers.Get(HeaderGiteaEvent)
	}
	if event == "ping" {
		return Result{Skipped: "ping"}, nil
	}
	if event != "" && event != "push" {
		return Result{Skipped: "event " + event + " ignored"}, nil
	}

	c, err := s.repo.GetContainerByID(ctx, containerID)
	if err != nil {
		return Result{}, err
	}
	if !c.AutoDeploy {
		return Result{Skipped: "auto deploy disabled"}, nil
	}
	if c.Source.Provider != domain.ProviderGitHub && c.Source.Provider != domain.ProviderGitea {
		return Result{Skipped: "container source is not a git repository"}, nil
	}

	var push pushEvent
	if err := json.Unmarshal(payload, &push); err != nil {
		return Result{}, domain.Validationf("webhook payload is not a push event: %v", err)
	}
	ref, ok := matchRef(c.Source, push.Ref)
	if !ok {
		return Result{Skipped: fmt.Sprintf("ref %s does not match", push.Ref)}, nil
	}
	if push.After != "" && strings.Trim(push.After, "0") == "" {
		return Result{Skipped: fmt.Sprintf("ref %s was deleted", push.Ref)}, nil
	}
	// pin the checkout to the pushed commit
	if source.IsCommitSHA(push.After) {
		ref = push.After
	}
	spec, err := json.Marshal(map[string]string{"ref": ref})
	if err != nil {
		return Result{}, err
	}
	record, err := s.dispatcher.Dispatch(ctx, deploy.DispatchInput{
		ContainerID: c.ID,
		Provider:    c.Source.Provider,
		Spec:        spec,
		Trigger:     domain.TriggerWebhook,
		TriggeredBy: push.pusher(),
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("webhook deployment dispatched", "container_id", c.ID, "deployment_id", record.ID, "ref", ref, "after", push.After)
	return Result{Deployment: record}, nil
}

// matchRef returns the ref to deploy when pushed fits the trigger: a push to the
// configured branch, or any tag when the trigger is tag.
func matchRef(src domain.SourceConfig, pushed string) (string, bool) {
	switch src.Trigger {
	case "tag":
		tag, ok := strings.CutPrefix(pushed, "refs/tags/")
		return tag, ok && tag != ""
	default:
		branch := src.Branch
		if branch == "" {
			branch = domain.DefaultBranch
		}
		return branch, pushed == "refs/heads/"+branch
	}
}

func (p pushEvent) pusher() string {
	for _, name := range []string{p.Pusher.Login, p.Pusher.Username, p.Pusher.Name} {
		if name != "" {
			return "webhook:" + name
		}
	}
	return "webhook"
}
