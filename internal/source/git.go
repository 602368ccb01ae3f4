package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// Git performs shallow checkouts with the git binary.
type Git struct {
	Binary  string
	Timeout time.Duration
}

// Clone checks out ref (a branch, a tag, or a full commit sha) of repoURL into
// dest, which must be empty, and returns the commit sha of the checkout.
func (g Git) Clone(ctx context.Context, repoURL, ref, dest string) (string, error) {
	if repoURL == "" {
		return "", fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	if IsCommitSHA(ref) {
		if err := g.fetchCommit(ctx, repoURL, ref, dest); err != nil {
			return "", err
		}
	} else {
		args := []string{"clone", "--depth", "1"}
		if ref != "" {
			args = append(args, "--branch", ref)
		}
		args = append(args, repoURL, ".")
		if _, err := g.run(ctx, dest, args...); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	}
	sha, err := g.run(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(sha), nil
}

// fetchCommit checks out one commit. clone --branch only takes names.
func (g Git) fetchCommit(ctx context.Context, repoURL, sha, dest string) error {
	steps := [][]string{
		{"init", "--quiet"},
		{"remote", "add", "origin", repoURL},
		{"fetch", "--depth", "1", "origin", sha},
		{"checkout", "--quiet", "--detach", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := g.run(ctx, dest, args...); err != nil {
			return fmt.Errorf("git %s failed: %w", args[0], err)
		}
	}
	return nil
}

// IsCommitSHA reports whether ref is a full 40 or 64 character hex object name.
func IsCommitSHA(ref string) bool {
	if len(ref) != 40 && len(ref) != 64 {
		return false
	}
	for _, r := range ref {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func (g Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	// never prompt for credentials
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// RepositoryURL builds the clone URL for a hosted repository. Full URLs are
// returned unchanged; gitea repositories must be given as full URLs unless a
// server is supplied.
func RepositoryURL(provider, server, account, repository string) (string, error) {
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return "", domain.Validationf("repository is required")
	}
	if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") {
		return repository, nil
	}
	path := repository
	if account != "" && !strings.Contains(repository, "/") {
		path = account + "/" + repository
	}
	if !strings.Contains(path, "/") {
		return "", domain.Validationf("repository %q must be owner/name", repository)
	}
	switch provider {
	case domain.ProviderGitHub:
		if server == "" {
			server = "https://github.com"
		}
	case domain.ProviderGitea:
		if server == "" {
			return "", domain.Validationf("gitea repositories need a server url")
		}
	default:
		return "", domain.Validationf("provider %q is not git based", provider)
	}
	return strings.TrimRight(server, "/") + "/" + strings.TrimSuffix(path, ".git") + ".git", nil
}
