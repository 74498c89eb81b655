package code

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Repository performs the git operations the manager needs. Tests
// substitute a fake; production uses go-git.
type Repository interface {
	// Clone checks the repository out at commit into dir.
	Clone(ctx context.Context, url, dir, commit string) error
	// Update fetches, hard-resets the working tree in dir to commit and
	// cleans untracked files.
	Update(ctx context.Context, dir, commit string) error
}

// GitRepository is the go-git backed Repository.
type GitRepository struct{}

func (GitRepository) Clone(ctx context.Context, url, dir, commit string) error {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return checkout(repo, commit)
}

func (GitRepository) Update(ctx context.Context, dir, commit string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	if err := repo.FetchContext(ctx, &git.FetchOptions{}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", dir, err)
	}
	if err := checkout(repo, commit); err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Clean(&git.CleanOptions{Dir: true})
}

func checkout(repo *git.Repository, commit string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit), Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", commit, err)
	}
	return nil
}
