// Package mirror transfers the complete ref set of a repository between two
// remotes using a local bare mirror.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/internal/utils"
	"github.com/utilitywarehouse/repo-sync/job"
)

// Transport clones and pushes mirrors using the git cli.
// A Transport is safe for concurrent use as long as different
// local paths are used.
type Transport struct {
	cmd  string
	envs []string
	log  *slog.Logger
}

// NewTransport returns Transport which runs given git executable with only
// the given envs.
func NewTransport(gitExec string, envs []string, log *slog.Logger) *Transport {
	if gitExec == "" {
		gitExec = "git"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cmd:  gitExec,
		envs: envs,
		log:  log,
	}
}

// CloneMirror clones all refs of sourceURL into a bare mirror at localPath.
// If localPath already contains a bare mirror it is updated with a pruning
// fetch instead. Failures are returned as failed result, never as panic.
func (t *Transport) CloneMirror(ctx context.Context, sourceURL, localPath string, dryRun bool) job.Result {
	start := time.Now()
	safeURL := giturl.StripCredentials(sourceURL)

	if dryRun {
		return job.Result{
			URL:     safeURL,
			Path:    localPath,
			Success: true,
			DryRun:  true,
			Stage:   job.StageCloning,
			Message: fmt.Sprintf("%s: Would clone %s to %s with mirror=true", job.DryRunMarker, safeURL, localPath),
		}
	}

	log := t.log.With("repo", safeURL, "path", localPath)

	var err error
	var msg string
	if ok, _ := t.IsBareRepo(ctx, localPath); ok {
		msg = "updated existing mirror"
		err = t.fetch(ctx, sourceURL, localPath)
	} else {
		msg = "cloned mirror"
		err = t.clone(ctx, sourceURL, localPath)
	}
	if err != nil {
		log.Error("unable to mirror source repository", "err", giturl.Redact(err.Error(), sourceURL))
		res := job.Failed(safeURL, localPath, classify("clone", safeURL, err, sourceURL))
		res.Elapsed = time.Since(start)
		return res
	}

	branches, err := Branches(localPath)
	if err != nil {
		res := job.Failed(safeURL, localPath, classify("clone", safeURL, fmt.Errorf("unable to read branches err:%w", err)))
		res.Elapsed = time.Since(start)
		return res
	}

	log.Info(msg, "branches", len(branches), "time", time.Since(start))

	return job.Result{
		URL:      safeURL,
		Path:     localPath,
		Success:  true,
		Stage:    job.StageCloning,
		Branches: len(branches),
		Message:  msg,
		Elapsed:  time.Since(start),
	}
}

// PushMirror pushes all refs of the local mirror to targetURL. refs which
// doesn't exist locally are deleted from target.
func (t *Transport) PushMirror(ctx context.Context, localPath, targetURL string, dryRun bool) job.Result {
	start := time.Now()
	safeURL := giturl.StripCredentials(targetURL)

	if dryRun {
		return job.Result{
			Target:  safeURL,
			Path:    localPath,
			Success: true,
			DryRun:  true,
			Stage:   job.StagePushing,
			Message: fmt.Sprintf("%s: Would push %s to %s with mirror=true", job.DryRunMarker, localPath, safeURL),
		}
	}

	log := t.log.With("target", safeURL, "path", localPath)

	// LFS objects are pushed separately by the LFS engine
	envs := utils.ScopedEnv(t.envs, map[string]string{"GIT_LFS_SKIP_PUSH": "1"})

	out, err := utils.RunCommand(ctx, log, envs, localPath, t.cmd, "push", "--mirror", "--porcelain", targetURL)
	if err != nil {
		log.Error("unable to push mirror", "err", giturl.Redact(err.Error(), targetURL))
		res := job.Failed("", localPath, classify("push", safeURL, err, targetURL))
		res.Target = safeURL
		res.Elapsed = time.Since(start)
		return res
	}

	refs := pushedRefs(out)
	log.Info("pushed mirror", "updated_refs", len(refs), "time", time.Since(start))

	return job.Result{
		Target:     safeURL,
		Path:       localPath,
		Success:    true,
		Stage:      job.StagePushing,
		RefsPushed: len(refs),
		Message:    "pushed mirror",
		Elapsed:    time.Since(start),
	}
}

func (t *Transport) clone(ctx context.Context, sourceURL, localPath string) error {
	// anything at the path is not a usable mirror
	if err := os.RemoveAll(localPath); err != nil {
		return fmt.Errorf("unable to remove stale dir err:%w", err)
	}
	if err := utils.EnsureParentDir(localPath); err != nil {
		return err
	}

	envs := utils.ScopedEnv(t.envs, map[string]string{"GIT_LFS_SKIP_SMUDGE": "1"})

	if _, err := utils.RunCommand(ctx, t.log, envs, "", t.cmd, "clone", "--mirror", sourceURL, localPath); err != nil {
		return err
	}

	// credentials must not be persisted in repo config
	return t.resetOrigin(ctx, sourceURL, localPath)
}

func (t *Transport) fetch(ctx context.Context, sourceURL, localPath string) error {
	envs := utils.ScopedEnv(t.envs, map[string]string{"GIT_LFS_SKIP_SMUDGE": "1"})

	args := []string{"fetch", "--prune", sourceURL, "+refs/*:refs/*"}
	if _, err := utils.RunCommand(ctx, t.log, envs, localPath, t.cmd, args...); err != nil {
		return err
	}
	return t.resetOrigin(ctx, sourceURL, localPath)
}

func (t *Transport) resetOrigin(ctx context.Context, sourceURL, localPath string) error {
	safeURL := giturl.StripCredentials(sourceURL)
	_, err := utils.RunCommand(ctx, t.log, t.envs, localPath, t.cmd, "remote", "set-url", "origin", safeURL)
	return err
}

// IsBareRepo returns true if path is the root of a bare repository
func (t *Transport) IsBareRepo(ctx context.Context, path string) (bool, error) {
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return false, nil
	}

	output, err := utils.RunCommand(ctx, t.log, t.envs, path, t.cmd, "rev-parse", "--is-bare-repository", "--absolute-git-dir")
	if err != nil {
		// err is expected if path is not a git dir
		return false, nil
	}

	lines := strings.Split(output, "\n")
	if len(lines) != 2 || strings.TrimSpace(lines[0]) != "true" {
		return false, nil
	}

	// path might be a plain dir nested inside another repository
	gitDir, err := filepath.EvalSymlinks(strings.TrimSpace(lines[1]))
	if err != nil {
		return false, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	absPath, err = filepath.EvalSymlinks(absPath)
	if err != nil {
		return false, err
	}
	return gitDir == absPath, nil
}
