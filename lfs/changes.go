package lfs

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// ChangeSet is the difference between two LFS file lists
type ChangeSet struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// HasChanges returns true if any file was added or removed
func (c ChangeSet) HasChanges() bool {
	return len(c.Added) > 0 || len(c.Removed) > 0
}

// DetectLFSChanges compares LFS files of previous and current sync. all
// returned lists are sorted and without duplicates.
func DetectLFSChanges(oldFiles, newFiles []string) ChangeSet {
	oldSet := mapset.NewThreadUnsafeSet(oldFiles...)
	newSet := mapset.NewThreadUnsafeSet(newFiles...)

	return ChangeSet{
		Added:     sorted(newSet.Difference(oldSet)),
		Removed:   sorted(oldSet.Difference(newSet)),
		Unchanged: sorted(oldSet.Intersect(newSet)),
	}
}

func sorted(s mapset.Set[string]) []string {
	list := s.ToSlice()
	slices.Sort(list)
	return list
}
