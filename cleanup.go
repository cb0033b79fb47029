package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/utilitywarehouse/repo-sync/repopool"
)

type bareRepoChecker interface {
	IsBareRepo(ctx context.Context, path string) (bool, error)
}

// cleanupOrphanedMirrors deletes local mirrors from the mirrors dir of the root
// which are no longer referenced in config and were removed while app was down.
// mirrors with custom path outside of root are not touched.
// this function should be called once at start up
func cleanupOrphanedMirrors(ctx context.Context, config *repopool.Config, repoPool *repopool.RepoPool, checker bareRepoChecker) {
	if config.Defaults.Root == "" {
		return
	}

	var jobPaths []string
	for _, j := range repoPool.Jobs() {
		jobPaths = append(jobPaths, filepath.Clean(j.Path))
	}

	removeOrphans(ctx, repopool.MirrorsDir(config.Defaults.Root), jobPaths, checker)
}

// removeOrphans walks mirrorsDir and removes bare repositories with '.git'
// suffix which are not in keep. it returns paths of removed mirrors.
func removeOrphans(ctx context.Context, mirrorsDir string, keep []string, checker bareRepoChecker) []string {
	var removed []string

	err := filepath.WalkDir(mirrorsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == mirrorsDir || !strings.HasSuffix(d.Name(), ".git") {
			return nil
		}

		if slices.Contains(keep, path) {
			return filepath.SkipDir
		}

		// mirrors are always bare repositories so
		// non-repo dir or non-bare repo dir must be skipped
		ok, err := checker.IsBareRepo(ctx, path)
		if err != nil {
			logger.Error("unable to check if bare repo", "path", path, "err", err)
			return filepath.SkipDir
		}
		if !ok {
			return filepath.SkipDir
		}

		logger.Info("removing orphaned mirror...", "path", path)
		if err := os.RemoveAll(path); err != nil {
			logger.Error("unable to remove orphaned mirror", "path", path, "err", err)
		} else {
			removed = append(removed, path)
		}
		return filepath.SkipDir
	})
	if err != nil {
		logger.Error("unable to read mirrors dir for clean up", "err", err)
	}

	return removed
}
