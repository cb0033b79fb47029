// Package state persists the last known sync state of every mirrored
// repository so that subsequent runs can compute incremental LFS work and
// detect diverged branches.
package state

import (
	"context"
	"maps"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// RepositoryState is the record stored per repository id
type RepositoryState struct {
	// Branches is the last synced commit keyed by branch name
	Branches map[string]string `json:"branches,omitempty"`
	LFSFiles []string          `json:"lfs_files,omitempty"`
	LastSync time.Time         `json:"last_sync"`
	// Source and Target urls without credentials, for information only
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// Store is a durable mapping from repository id to its state.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save replaces the record of given id, other ids are not affected
	Save(ctx context.Context, id string, s RepositoryState) error
	// Load returns an empty record and no error if id was never saved
	Load(ctx context.Context, id string) (RepositoryState, error)
	// List returns ids of all stored records
	List(ctx context.Context) (mapset.Set[string], error)
}

// IsEmpty returns true if repository was never synced
func (s RepositoryState) IsEmpty() bool {
	return len(s.Branches) == 0 && len(s.LFSFiles) == 0 && s.LastSync.IsZero()
}

// BranchNames returns sorted names of the synced branches
func (s RepositoryState) BranchNames() []string {
	return slices.Sorted(maps.Keys(s.Branches))
}
