package mirror

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Branches returns the head commit of every local branch of the repository
// at the given path, keyed by short branch name.
func Branches(repoPath string) (map[string]string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open repository err:%w", err)
	}

	iter, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("unable to list branches err:%w", err)
	}
	defer iter.Close()

	branches := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		branches[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to read branches err:%w", err)
	}

	return branches, nil
}

// IsAncestor returns true if ancestor commit is reachable from descendant.
// An ancestor which doesn't exist in the repository (ie it was removed by a
// force push before the mirror was cloned) is reported as not an ancestor.
func IsAncestor(repoPath, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	if !IsFullCommitHash(ancestor) || !IsFullCommitHash(descendant) {
		return false, fmt.Errorf("invalid commit hash given")
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return false, fmt.Errorf("unable to open repository err:%w", err)
	}

	newCommit, err := repo.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, fmt.Errorf("unable to read commit %s err:%w", descendant, err)
	}

	oldCommit, err := repo.CommitObject(plumbing.NewHash(ancestor))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to read commit %s err:%w", ancestor, err)
	}

	return oldCommit.IsAncestor(newCommit)
}

// Refs reads refs of local mirrors with go-git
type Refs struct{}

// Branches is wrapper around package level Branches
func (Refs) Branches(repoPath string) (map[string]string, error) {
	return Branches(repoPath)
}

// IsAncestor is wrapper around package level IsAncestor
func (Refs) IsAncestor(repoPath, ancestor, descendant string) (bool, error) {
	return IsAncestor(repoPath, ancestor, descendant)
}
