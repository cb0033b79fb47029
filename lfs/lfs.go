// Package lfs reconciles Git LFS content of a mirrored repository. All
// operations shell out to the git-lfs extension and report failure through
// their result instead of returning an error.
package lfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/internal/utils"
)

// RecentDays is the window used for fetching recent refs and commits
const RecentDays = 7

// Engine runs git-lfs commands with only the given envs.
type Engine struct {
	cmd  string
	envs []string
	log  *slog.Logger
}

// FetchOptions controls the scope of SyncLFSObjects
type FetchOptions struct {
	// Recent limits the fetch to refs and commits of the last RecentDays
	Recent bool
	// Include limits the fetch to paths matching any of the patterns
	Include []string
	// Remote is the remote name or (authenticated) url to fetch from.
	// default remote of the repository is used if empty.
	Remote string
}

// FetchResult is the outcome of SyncLFSObjects
type FetchResult struct {
	Success        bool
	ObjectsFetched int
	Err            error
}

// OpResult is the outcome of an LFS operation which doesn't transfer objects
type OpResult struct {
	Success bool
	Err     error
}

// NewEngine returns Engine which uses given git executable.
func NewEngine(gitExec string, envs []string, log *slog.Logger) *Engine {
	if gitExec == "" {
		gitExec = "git"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cmd:  gitExec,
		envs: envs,
		log:  log,
	}
}

// Installed returns true if the git-lfs extension is available.
func (e *Engine) Installed(ctx context.Context) bool {
	_, err := utils.RunCommand(ctx, e.log, e.envs, "", e.cmd, "lfs", "version")
	return err == nil
}

// SyncLFSObjects downloads LFS objects into the local object store and
// returns number of objects which were not present locally before the fetch.
func (e *Engine) SyncLFSObjects(ctx context.Context, repoPath string, opts FetchOptions) FetchResult {
	start := time.Now()
	log := e.log.With("path", repoPath)

	before, err := localObjects(repoPath)
	if err != nil {
		return FetchResult{Err: fmt.Errorf("unable to read local lfs objects err:%w", err)}
	}

	var refs []string
	if !opts.Recent && len(opts.Include) > 0 {
		// git-lfs rejects --all with --include so all branches are passed instead
		if refs, err = branchRefs(repoPath); err != nil {
			return FetchResult{Err: fmt.Errorf("unable to read branches err:%w", err)}
		}
	}

	args := fetchArgs(opts, refs)
	config := map[string]string{"lfs.locksverify": "false"}
	if opts.Recent {
		config["lfs.fetchrecentrefsdays"] = strconv.Itoa(RecentDays)
		config["lfs.fetchrecentcommitsdays"] = strconv.Itoa(RecentDays)
	}

	if _, err := utils.RunCommand(ctx, log, e.scopedEnv(config), repoPath, e.cmd, args...); err != nil {
		err = errors.New(giturl.Redact(err.Error(), opts.Remote))
		log.Error("unable to fetch lfs objects", "err", err)
		return FetchResult{Err: err}
	}

	after, err := localObjects(repoPath)
	if err != nil {
		return FetchResult{Err: fmt.Errorf("unable to read local lfs objects err:%w", err)}
	}

	fetched := after.Difference(before).Cardinality()
	log.Info("fetched lfs objects", "recent", opts.Recent, "objects", fetched,
		"store", humanize.Bytes(uint64(e.GetLFSStorageSize(repoPath))), "time", time.Since(start))

	return FetchResult{Success: true, ObjectsFetched: fetched}
}

// fetchArgs returns arguments of 'git lfs fetch'. without include patterns
// objects of all refs are fetched with --all, with include patterns given refs
// are fetched explicitly since git-lfs doesn't allow combining both.
func fetchArgs(opts FetchOptions, refs []string) []string {
	args := []string{"lfs", "fetch"}

	remote := opts.Remote
	if remote == "" && len(refs) > 0 {
		// refs can only be passed after remote
		remote = "origin"
	}
	if remote != "" {
		args = append(args, remote)
	}

	switch {
	case opts.Recent:
		args = append(args, "--recent")
	case len(opts.Include) == 0:
		args = append(args, "--all")
	default:
		args = append(args, refs...)
	}

	if len(opts.Include) > 0 {
		args = append(args, "--include="+strings.Join(opts.Include, ","))
	}
	return args
}

// PruneLFSObjects deletes local LFS objects which are not referenced.
func (e *Engine) PruneLFSObjects(ctx context.Context, repoPath string) OpResult {
	return e.run(ctx, repoPath, "lfs", "prune")
}

// CheckoutLFSObjects replaces pointer files in the working tree with the
// content from the local object store. only valid for non-bare repositories.
func (e *Engine) CheckoutLFSObjects(ctx context.Context, repoPath string) OpResult {
	return e.run(ctx, repoPath, "lfs", "checkout")
}

// PushLFSObjects uploads all local LFS objects referenced by any ref to the
// given remote.
func (e *Engine) PushLFSObjects(ctx context.Context, repoPath, remote string) OpResult {
	res := e.run(ctx, repoPath, "lfs", "push", "--all", remote)
	if res.Err != nil {
		res.Err = errors.New(giturl.Redact(res.Err.Error(), remote))
	}
	return res
}

// ListLFSFiles returns names of the LFS tracked files at the given ref.
// working tree is used if ref is empty.
func (e *Engine) ListLFSFiles(ctx context.Context, repoPath, ref string) ([]string, error) {
	args := []string{"lfs", "ls-files"}
	if ref != "" {
		args = append(args, ref)
	}
	out, err := utils.RunCommand(ctx, e.log, e.scopedEnv(nil), repoPath, e.cmd, args...)
	if err != nil {
		return nil, err
	}
	return parseLSFiles(out), nil
}

// GetLFSStorageSize returns the size in bytes of the local LFS store or 0
// if it can't be measured.
func (e *Engine) GetLFSStorageSize(repoPath string) int64 {
	size, err := utils.DirSize(filepath.Join(gitDir(repoPath), "lfs"))
	if err != nil {
		e.log.Log(context.Background(), -8, "unable to measure lfs store", "path", repoPath, "err", err)
		return 0
	}
	return size
}

func (e *Engine) run(ctx context.Context, repoPath string, args ...string) OpResult {
	_, err := utils.RunCommand(ctx, e.log, e.scopedEnv(nil), repoPath, e.cmd, args...)
	if err != nil {
		e.log.Error("lfs operation failed", "path", repoPath, "op", args[1], "err", err)
		return OpResult{Err: err}
	}
	return OpResult{Success: true}
}

// scopedEnv returns envs for a single lfs command. lock verification is always
// disabled since not all platforms implement the locking API.
func (e *Engine) scopedEnv(config map[string]string) []string {
	if config == nil {
		config = map[string]string{}
	}
	if _, ok := config["lfs.locksverify"]; !ok {
		config["lfs.locksverify"] = "false"
	}
	return utils.ScopedEnv(e.envs, gitConfigEnv(config))
}

// gitConfigEnv converts config key/values into GIT_CONFIG_COUNT, GIT_CONFIG_KEY_n
// and GIT_CONFIG_VALUE_n envs which git applies as command scoped config.
func gitConfigEnv(config map[string]string) map[string]string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	envs := map[string]string{"GIT_CONFIG_COUNT": strconv.Itoa(len(keys))}
	for i, k := range keys {
		envs[fmt.Sprintf("GIT_CONFIG_KEY_%d", i)] = k
		envs[fmt.Sprintf("GIT_CONFIG_VALUE_%d", i)] = config[k]
	}
	return envs
}

// parseLSFiles parses `git lfs ls-files` output. each line is
// "<oid> <*|-> <name>" and name may contain spaces.
func parseLSFiles(out string) []string {
	var files []string
	for line := range strings.SplitSeq(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		files = append(files, strings.Join(fields[2:], " "))
	}
	return files
}

// gitDir returns the git dir of a working tree repository or the path itself
// for a bare repository.
func gitDir(repoPath string) string {
	dotGit := filepath.Join(repoPath, ".git")
	if fi, err := os.Stat(dotGit); err == nil && fi.IsDir() {
		return dotGit
	}
	return repoPath
}

// localObjects returns oids of all objects in the local LFS store. objects
// are stored as lfs/objects/<oid[0:2]>/<oid[2:4]>/<oid>.
func localObjects(repoPath string) (mapset.Set[string], error) {
	oids := mapset.NewThreadUnsafeSet[string]()

	root := filepath.Join(gitDir(repoPath), "lfs", "objects")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() && isOID(d.Name()) {
			oids.Add(d.Name())
		}
		return nil
	})
	return oids, err
}

func isOID(name string) bool {
	if len(name) != 64 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
