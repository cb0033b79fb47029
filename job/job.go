// Package job defines the sync job submitted to the pool and the result
// records produced for it.
package job

import (
	"fmt"
	"math"
	"time"
)

// DryRunMarker is present in the message of every result produced in dry-run mode
const DryRunMarker = "DRY-RUN"

// Status is reported to the progress callback on job transitions
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage is the pipeline stage a job reached
type Stage string

const (
	StagePending      Stage = "pending"
	StageCloning      Stage = "cloning"
	StageLFSReconcile Stage = "lfs_reconcile"
	StagePushing      Stage = "pushing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Platform hints which credentials to use for a url
type Platform string

const (
	PlatformAuto   Platform = ""
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// LFSOptions controls LFS reconciliation of a job
type LFSOptions struct {
	// Recent restricts repeat fetches to recently referenced objects
	Recent bool
	// Include restricts fetch and tracked file set to matching paths
	Include []string
	// Prune removes unreferenced local objects after sync
	Prune bool
	// Checkout materialises pointer files, only applies to non bare repos
	Checkout bool
}

// Job describes a single repository sync. It must not be modified once
// submitted to the pool.
type Job struct {
	// ID is the stable repository identifier used as state key.
	// derived from Source if empty
	ID string
	// Source is the url of the repository to mirror
	Source string
	// Target is the url where the mirror is pushed
	Target string
	// Path is the local path of the bare mirror
	Path string

	SourcePlatform Platform
	TargetPlatform Platform

	// LFS is nil if LFS content should not be synced
	LFS *LFSOptions

	// FailOnDivergence fails the job if any previously synced branch was
	// rewritten on the source
	FailOnDivergence bool

	DryRun bool
}

// Result is the outcome of a single job or a single transport operation.
// A result with Success false always has a non empty Error.
type Result struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Target string `json:"target,omitempty"`
	RepoID string `json:"repo_id,omitempty"`

	Success bool          `json:"success"`
	DryRun  bool          `json:"dry_run"`
	Stage   Stage         `json:"stage,omitempty"`
	Elapsed time.Duration `json:"elapsed"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	// Err is the typed error behind Error
	Err error `json:"-"`

	Branches          int      `json:"branches,omitempty"`
	RefsPushed        int      `json:"refs_pushed,omitempty"`
	LFSObjectsFetched int      `json:"lfs_objects_fetched,omitempty"`
	LFSAdded          int      `json:"lfs_added,omitempty"`
	LFSRemoved        int      `json:"lfs_removed,omitempty"`
	LFSFailed         bool     `json:"lfs_failed,omitempty"`
	Diverged          []string `json:"diverged,omitempty"`
	Attempts          int      `json:"attempts,omitempty"`
}

// Failed returns a failed result for the given url and path.
func Failed(url, path string, err error) Result {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	return Result{
		URL:     url,
		Path:    path,
		Success: false,
		Stage:   StageFailed,
		Error:   err.Error(),
		Err:     err,
	}
}

// Summary aggregates a batch of results
type Summary struct {
	Total      int     `json:"total"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	// SuccessRate in percent rounded to two decimals
	SuccessRate float64 `json:"success_rate"`
}

// Summarize computes the summary of the given results
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			s.Successful++
		}
	}
	s.Failed = s.Total - s.Successful

	if s.Total == 0 {
		return s
	}
	s.SuccessRate = math.Round(float64(s.Successful)/float64(s.Total)*100*100) / 100
	return s
}
