package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Manager provisions one working directory per pipeline run under Root.
// Runs never share a checkout.
type Manager struct {
	Root  string
	Token string
}

func NewManager(root, token string) *Manager {
	return &Manager{Root: root, Token: token}
}

func (m *Manager) Dir(runID string) string {
	return filepath.Join(m.Root, runID)
}

// Prepare returns an empty directory for the run, removing any leftovers
// from a previous attempt of the same run.
func (m *Manager) Prepare(runID string) (string, error) {
	dir := m.Dir(runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Checkout clones the repository into dir and pins the worktree to the
// exact commit the event carried, not whatever the branch has moved to.
func (m *Manager) Checkout(ctx context.Context, dir, cloneURL, sha string) error {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        cloneURL,
		NoCheckout: true,
		Auth:       m.auth(cloneURL),
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", cloneURL, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha)}); err != nil {
		return fmt.Errorf("checkout %s: %w", sha, err)
	}
	return nil
}

func (m *Manager) Cleanup(runID string) error {
	return os.RemoveAll(m.Dir(runID))
}

func (m *Manager) auth(cloneURL string) transport.AuthMethod {
	if m.Token == "" || !strings.HasPrefix(cloneURL, "https://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "token", Password: m.Token}
}
