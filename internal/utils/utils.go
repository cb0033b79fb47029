package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/utilitywarehouse/repo-sync/giturl"
)

const defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

// CommandError is returned by RunCommand when the command fails to start,
// exits non-zero or is killed by the context.
type CommandError struct {
	Cmd    string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("Run(%s): err:%v { stdout: %q, stderr: %q }", e.Cmd, e.Err, e.Stdout, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the exit code of the process or -1 if the process
// didn't exit normally (not started, killed or timed out)
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func SplitAbs(abs string) (string, string) {
	if abs == "" {
		return "", ""
	}

	// filepath.Split promises that dir+base == input, but trailing slashes on
	// the dir is confusing and ugly.
	pathSep := string(os.PathSeparator)
	dir, base := filepath.Split(strings.TrimRight(abs, pathSep))
	dir = strings.TrimRight(dir, pathSep)
	if len(dir) == 0 {
		dir = string(os.PathSeparator)
	}

	return dir, base
}

// EnsureParentDir creates all missing parent directories of the given path
func EnsureParentDir(path string) error {
	dir, _ := SplitAbs(path)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return fmt.Errorf("unable to create parent dir err:%w", err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the same directory as path
// and renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}

	dir, base := SplitAbs(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("unable to create temp file err:%w", err)
	}
	tmpPath := tmp.Name()

	// cleanup temp file on any failure before rename
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to write temp file err:%w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to sync temp file err:%w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close temp file err:%w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("unable to set file mode err:%w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("unable to replace file err:%w", err)
	}
	renamed = true

	return nil
}

// DirSize returns total size in bytes of all regular files under root
func DirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// ScopedEnv returns a copy of base with the given overrides applied. Existing
// keys are replaced and new keys are appended in sorted order. base is
// never modified.
func ScopedEnv(base []string, overrides map[string]string) []string {
	envs := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		envs = append(envs, kv)
	}
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		envs = append(envs, key+"="+overrides[key])
	}
	return envs
}

// RunCommand runs given command with given arguments on given CWD.
// The command only sees the envs passed in, the process environment is not
// inherited.
func RunCommand(ctx context.Context, log *slog.Logger, envs []string, cwd string, command string, args ...string) (string, error) {

	// args may carry authenticated urls
	cmdStr := giturl.Redact(command+" "+strings.Join(args, " "), args...)
	log.Log(ctx, -8, "running command", "cwd", cwd, "cmd", cmdStr)

	cmd := exec.CommandContext(ctx, command, args...)
	// force kill git & child process 5 seconds after sending it sigterm (when ctx is cancelled/timed out)
	cmd.WaitDelay = 5 * time.Second
	if cwd != "" {
		cmd.Dir = cwd
	}
	outbuf := bytes.NewBuffer(nil)
	errbuf := bytes.NewBuffer(nil)
	cmd.Stdout = outbuf
	cmd.Stderr = errbuf

	// If Env is nil, the new process uses the current process's environment.
	cmd.Env = []string{}

	if len(envs) > 0 {
		cmd.Env = append(cmd.Env, envs...)
	}

	start := time.Now()
	err := cmd.Run()
	runTime := time.Since(start)

	stdout := strings.TrimSpace(outbuf.String())
	stderr := strings.TrimSpace(errbuf.String())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ctx.Err()
	}
	if err != nil {
		return "", &CommandError{Cmd: cmdStr, Stdout: giturl.Redact(stdout, args...), Stderr: giturl.Redact(stderr, args...), Err: err}
	}
	log.Log(ctx, -8, "command result", "stdout", giturl.Redact(stdout, args...), "stderr", giturl.Redact(stderr, args...), "time", runTime)

	return stdout, nil
}
