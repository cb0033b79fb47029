package lfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const attributesFile = ".gitattributes"

// IsLFSEnabled returns true if repository's .gitattributes binds any path
// pattern to the LFS filter.
func (e *Engine) IsLFSEnabled(ctx context.Context, repoPath string) bool {
	return len(e.ListLFSPatterns(ctx, repoPath)) > 0
}

// ListLFSPatterns returns path patterns bound to the LFS filter in the
// repository's .gitattributes. working tree file is used if present
// otherwise the file is read from HEAD commit which is the case for bare
// mirrors.
func (e *Engine) ListLFSPatterns(_ context.Context, repoPath string) []string {
	content, err := readAttributes(repoPath)
	if err != nil {
		e.log.Log(context.Background(), -8, "unable to read attributes", "path", repoPath, "err", err)
		return nil
	}
	return ParsePatterns(content)
}

// ParsePatterns returns the patterns of all lines of given gitattributes
// content which reference the LFS filter. blank and comment lines are ignored.
func ParsePatterns(content string) []string {
	var patterns []string

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "filter=lfs") {
			continue
		}
		patterns = append(patterns, strings.Fields(line)[0])
	}

	return patterns
}

// FilterFiles returns files which matches any of the include patterns. A
// pattern without '/' is matched against the base name of the file like
// gitattributes does. all files are returned if include is empty.
func FilterFiles(files, include []string) []string {
	if len(include) == 0 {
		return files
	}

	var matched []string
	for _, f := range files {
		for _, p := range include {
			name := f
			if !strings.Contains(p, "/") {
				name = path.Base(f)
			}
			if ok, _ := doublestar.Match(strings.TrimPrefix(p, "/"), name); ok {
				matched = append(matched, f)
				break
			}
		}
	}
	return matched
}

func readAttributes(repoPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(repoPath, attributesFile))
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("unable to open repository err:%w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("unable to resolve HEAD err:%w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("unable to read HEAD commit err:%w", err)
	}
	file, err := commit.File(attributesFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("unable to read %s err:%w", attributesFile, err)
	}
	return file.Contents()
}

// branchRefs returns full names of all local branches sorted by name
func branchRefs(repoPath string) ([]string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open repository err:%w", err)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var refs []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		refs = append(refs, ref.Name().String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(refs)
	return refs, nil
}
