package repopool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/internal/lock"
	"github.com/utilitywarehouse/repo-sync/job"
	"github.com/utilitywarehouse/repo-sync/lfs"
	"github.com/utilitywarehouse/repo-sync/mirror"
	"github.com/utilitywarehouse/repo-sync/state"
	"github.com/utilitywarehouse/repo-sync/syncerr"
	"golang.org/x/sync/errgroup"
)

const queueSize = 64

var (
	ErrExist    = errors.New("repo already exist")
	ErrNotExist = errors.New("repo does not exist")
)

// Transport transfers the complete ref set of a repository
type Transport interface {
	CloneMirror(ctx context.Context, sourceURL, localPath string, dryRun bool) job.Result
	PushMirror(ctx context.Context, localPath, targetURL string, dryRun bool) job.Result
	IsBareRepo(ctx context.Context, path string) (bool, error)
}

// LFSEngine reconciles LFS content of a local mirror
type LFSEngine interface {
	Installed(ctx context.Context) bool
	IsLFSEnabled(ctx context.Context, repoPath string) bool
	SyncLFSObjects(ctx context.Context, repoPath string, opts lfs.FetchOptions) lfs.FetchResult
	PruneLFSObjects(ctx context.Context, repoPath string) lfs.OpResult
	CheckoutLFSObjects(ctx context.Context, repoPath string) lfs.OpResult
	PushLFSObjects(ctx context.Context, repoPath, remote string) lfs.OpResult
	ListLFSFiles(ctx context.Context, repoPath, ref string) ([]string, error)
}

// RefReader reads branch heads of a local mirror
type RefReader interface {
	Branches(repoPath string) (map[string]string, error)
	IsAncestor(repoPath, ancestor, descendant string) (bool, error)
}

// CredentialInjector returns authenticated url for the given url
type CredentialInjector interface {
	Inject(ctx context.Context, rawURL string, platform job.Platform) (string, error)
}

// ProgressFunc is called when a job starts and when it completes or fails.
// it must be safe for concurrent use.
type ProgressFunc func(url string, status job.Status)

// Options are the collaborators and settings of the RepoPool
type Options struct {
	Transport   Transport
	LFS         LFSEngine
	Refs        RefReader
	Store       state.Store
	Credentials CredentialInjector
	Log         *slog.Logger

	// Workers is the default worker limit of SyncAll
	Workers int
	// MaxRetries is the number of attempts per job used by SyncMany
	MaxRetries int
	// RetryUnit is multiplied by 2^attempt to get the wait between attempts
	RetryUnit time.Duration
	// RetryIf stops retrying if it returns false for the error of the attempt
	RetryIf func(error) bool
	// MirrorTimeout is the time allowed for a single attempt
	MirrorTimeout time.Duration
}

// RepoPool represents the collection of repositories to sync and runs the
// sync pipeline for them over a bounded worker pool.
// A RepoPool is safe for concurrent use by multiple goroutines.
type RepoPool struct {
	lock lock.RWMutex
	jobs []job.Job

	log         *slog.Logger
	transport   Transport
	lfs         LFSEngine
	refs        RefReader
	store       state.Store
	credentials CredentialInjector

	workers       int
	maxRetries    int
	retryUnit     time.Duration
	retryIf       func(error) bool
	mirrorTimeout time.Duration

	// queue holds sources of jobs queued for immediate sync
	queue  chan string
	queued []string

	// sleep blocks for the backoff duration, replaced in tests
	sleep func(ctx context.Context, d time.Duration)
}

// New creates RepoPool with given options. Transport is required, without
// LFS engine or state store the respective steps are skipped.
func New(opts Options) (*RepoPool, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Refs == nil {
		opts.Refs = mirror.Refs{}
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RetryUnit <= 0 {
		opts.RetryUnit = time.Second
	}

	return &RepoPool{
		log:           opts.Log,
		transport:     opts.Transport,
		lfs:           opts.LFS,
		refs:          opts.Refs,
		store:         opts.Store,
		credentials:   opts.Credentials,
		workers:       opts.Workers,
		maxRetries:    opts.MaxRetries,
		retryUnit:     opts.RetryUnit,
		retryIf:       opts.RetryIf,
		mirrorTimeout: opts.MirrorTimeout,
		queue:         make(chan string, queueSize),
		sleep:         sleepCtx,
	}, nil
}

// AddJob will add given job to the pool
func (rp *RepoPool) AddJob(j job.Job) error {
	if j.ID == "" {
		id, err := giturl.RepoID(j.Source)
		if err != nil {
			return err
		}
		j.ID = id
	}
	if _, err := rp.Job(j.Source); err == nil {
		return ErrExist
	}

	rp.lock.Lock()
	defer rp.lock.Unlock()

	for _, existing := range rp.jobs {
		if existing.ID == j.ID {
			return ErrExist
		}
	}
	rp.jobs = append(rp.jobs, j)

	return nil
}

// Job will return job based on given source URL
func (rp *RepoPool) Job(source string) (job.Job, error) {
	gitURL, err := parseURL(source)
	if err != nil {
		return job.Job{}, err
	}

	rp.lock.RLock()
	defer rp.lock.RUnlock()

	for _, j := range rp.jobs {
		// err can be ignored as source of the job was validated when added
		jobURL, _ := parseURL(j.Source)
		if jobURL != nil && jobURL.Equals(gitURL) {
			return j, nil
		}
	}
	return job.Job{}, ErrNotExist
}

// Jobs returns all jobs of the pool
func (rp *RepoPool) Jobs() []job.Job {
	rp.lock.RLock()
	defer rp.lock.RUnlock()

	return slices.Clone(rp.jobs)
}

// RemoveJob will remove job of the given source from the pool. The local
// mirror is not removed.
func (rp *RepoPool) RemoveJob(source string) error {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	for i, j := range rp.jobs {
		if j.Source == source {
			rp.log.Info("removing repository", "repo", giturl.StripCredentials(j.Source))
			rp.jobs = slices.Delete(rp.jobs, i, i+1)
			return nil
		}
	}

	return ErrNotExist
}

// QueueSync queues an immediate sync of the job of given source url. it
// doesn't block, if the job is already queued it is not queued again.
func (rp *RepoPool) QueueSync(source string) error {
	j, err := rp.Job(source)
	if err != nil {
		return err
	}

	rp.lock.Lock()
	defer rp.lock.Unlock()

	for _, queued := range rp.queued {
		if queued == j.Source {
			return nil
		}
	}
	select {
	case rp.queue <- j.Source:
		rp.queued = append(rp.queued, j.Source)
	default:
		rp.log.Warn("sync queue is full, skipping", "repo", giturl.StripCredentials(j.Source))
	}
	return nil
}

// Queued returns the channel of job sources queued for immediate sync.
// receiver must call Dequeued once the sync of the source is started.
func (rp *RepoPool) Queued() <-chan string {
	return rp.queue
}

// Dequeued allows source to be queued again
func (rp *RepoPool) Dequeued(source string) {
	rp.lock.Lock()
	defer rp.lock.Unlock()

	rp.queued = slices.DeleteFunc(rp.queued, func(s string) bool { return s == source })
}

// SyncAll syncs all jobs of the pool with configured worker limit
func (rp *RepoPool) SyncAll(ctx context.Context, progress ProgressFunc) []job.Result {
	return rp.SyncMany(ctx, rp.Jobs(), rp.workers, progress)
}

// SyncMany runs all given jobs concurrently with at most workerLimit jobs
// running at the same time and returns results in completion order.
// Each job is retried as per pool's MaxRetries.
func (rp *RepoPool) SyncMany(ctx context.Context, jobs []job.Job, workerLimit int, progress ProgressFunc) []job.Result {
	if workerLimit <= 0 {
		workerLimit = runtime.NumCPU()
	}

	runID := uuid.NewString()
	log := rp.log.With("run", runID)
	log.Info("starting sync run", "jobs", len(jobs), "workers", workerLimit)
	start := time.Now()

	resultsCh := make(chan job.Result, len(jobs))

	var g errgroup.Group
	g.SetLimit(workerLimit)

	for _, j := range jobs {
		g.Go(func() error {
			safeURL := giturl.StripCredentials(j.Source)
			notify(progress, safeURL, job.StatusStarted)

			res := rp.runJob(ctx, log, j)

			if res.Success {
				notify(progress, safeURL, job.StatusCompleted)
			} else {
				notify(progress, safeURL, job.StatusFailed)
			}
			resultsCh <- res
			return nil
		})
	}

	// jobs never return error
	_ = g.Wait()
	close(resultsCh)

	results := make([]job.Result, 0, len(jobs))
	for res := range resultsCh {
		results = append(results, res)
	}

	s := job.Summarize(results)
	log.Info("sync run finished", "total", s.Total, "successful", s.Successful,
		"failed", s.Failed, "success_rate", s.SuccessRate, "time", time.Since(start))

	return results
}

// runJob never panics, panic in the pipeline is converted into failed result
func (rp *RepoPool) runJob(ctx context.Context, log *slog.Logger, j job.Job) (res job.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic in sync job", "repo", giturl.StripCredentials(j.Source), "panic", r, "stack", string(debug.Stack()))
			res = job.Failed(giturl.StripCredentials(j.Source), j.Path, fmt.Errorf("panic: %v", r))
			res.RepoID = j.ID
			res.Target = giturl.StripCredentials(j.Target)
		}
	}()
	return rp.syncWithRetry(ctx, log, j, rp.maxRetries)
}

// SyncWithRetry runs the sync pipeline of the job up to maxRetries times
// and waits 2^attempt retry units between attempts. result of the first
// successful attempt is returned. If all attempts fail the failed result
// of the last attempt is returned with zero duration.
func (rp *RepoPool) SyncWithRetry(ctx context.Context, j job.Job, maxRetries int) job.Result {
	return rp.syncWithRetry(ctx, rp.log, j, maxRetries)
}

func (rp *RepoPool) syncWithRetry(ctx context.Context, log *slog.Logger, j job.Job, maxRetries int) job.Result {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if j.ID == "" {
		j.ID, _ = giturl.RepoID(j.Source)
	}
	log = log.With("repo", giturl.StripCredentials(j.Source))

	var res job.Result
	for attempt := range maxRetries {
		res = rp.Sync(ctx, j)
		res.Attempts = attempt + 1

		if res.Success {
			recordSync(j.ID, true, res.Elapsed)
			return res
		}

		if attempt == maxRetries-1 {
			break
		}
		if rp.retryIf != nil && !rp.retryIf(res.Err) {
			log.Debug("error is not retryable", "err", res.Error)
			break
		}

		wait := (1 << attempt) * rp.retryUnit
		log.Warn("sync attempt failed, retrying", "attempt", attempt+1, "max", maxRetries, "wait", wait, "err", res.Error)
		recordRetry(j.ID)
		rp.sleep(ctx, wait)
	}

	log.Error("sync failed", "attempts", res.Attempts, "err", res.Error)
	recordSync(j.ID, false, 0)

	res.Elapsed = 0
	return res
}

// Sync runs the sync pipeline of the job once.
//
// credentials -> clone -> LFS reconcile -> divergence check -> push -> LFS push -> state update
//
// branches are checked for divergence before push so that a job with
// FailOnDivergence never overwrites the target with rewritten history.
func (rp *RepoPool) Sync(ctx context.Context, j job.Job) job.Result {
	start := time.Now()

	if j.ID == "" {
		j.ID, _ = giturl.RepoID(j.Source)
	}
	safeSource := giturl.StripCredentials(j.Source)
	safeTarget := giturl.StripCredentials(j.Target)
	log := rp.log.With("repo", safeSource, "id", j.ID)

	if rp.mirrorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.mirrorTimeout)
		defer cancel()
	}

	stage := job.StagePending
	fail := func(err error) job.Result {
		res := job.Failed(safeSource, j.Path, err)
		res.Target = safeTarget
		res.RepoID = j.ID
		res.DryRun = j.DryRun
		res.Message = fmt.Sprintf("failed during %s", stage)
		res.Elapsed = time.Since(start)
		return res
	}
	failed := func(res job.Result) job.Result {
		out := fail(res.Err)
		if res.Err == nil {
			out.Error, out.Err = res.Error, errors.New(res.Error)
		}
		return out
	}

	prev, err := rp.loadState(ctx, j.ID)
	if err != nil {
		return fail(err)
	}

	// 1. credentials
	sourceURL, targetURL := j.Source, j.Target
	if !j.DryRun {
		if sourceURL, err = rp.inject(ctx, j.Source, j.SourcePlatform); err != nil {
			return fail(err)
		}
		if targetURL, err = rp.inject(ctx, j.Target, j.TargetPlatform); err != nil {
			return fail(err)
		}
	}

	// 2. clone
	stage = job.StageCloning
	clone := rp.transport.CloneMirror(ctx, sourceURL, j.Path, j.DryRun)
	if !clone.Success {
		return failed(clone)
	}

	res := job.Result{
		URL:      safeSource,
		Path:     j.Path,
		Target:   safeTarget,
		RepoID:   j.ID,
		DryRun:   j.DryRun,
		Branches: clone.Branches,
	}

	if j.DryRun {
		push := rp.transport.PushMirror(ctx, j.Path, targetURL, true)
		if !push.Success {
			stage = job.StagePushing
			return failed(push)
		}
		res.Success = true
		res.Stage = job.StageCompleted
		res.Message = clone.Message + "; " + push.Message
		res.Elapsed = time.Since(start)
		return res
	}

	// 3. LFS reconcile
	stage = job.StageLFSReconcile
	lfsOut := rp.reconcileLFS(ctx, log, j, sourceURL, prev)
	res.LFSFailed = lfsOut.failed
	res.LFSObjectsFetched = lfsOut.fetched
	res.LFSAdded = len(lfsOut.changes.Added)
	res.LFSRemoved = len(lfsOut.changes.Removed)

	// 4. divergence
	branches, err := rp.refs.Branches(j.Path)
	if err != nil {
		return fail(&syncerr.GitOperationError{Msg: "unable to read branches", Op: "branches", Repository: j.ID, ExitCode: -1, Err: err})
	}
	res.Diverged = rp.divergedBranches(log, j.Path, prev.Branches, branches)
	if len(res.Diverged) > 0 {
		log.Warn("branches were rewritten on source", "branches", res.Diverged)
		if j.FailOnDivergence {
			b := res.Diverged[0]
			return fail(&syncerr.SyncConflictError{
				Msg:          "branch history was rewritten on source",
				Branch:       b,
				SourceCommit: branches[b],
				TargetCommit: prev.Branches[b],
			})
		}
	}

	// 5. push
	stage = job.StagePushing
	push := rp.transport.PushMirror(ctx, j.Path, targetURL, false)
	if !push.Success {
		return failed(push)
	}
	res.RefsPushed = push.RefsPushed

	// 6. LFS push
	if lfsOut.enabled && !lfsOut.failed {
		if r := rp.lfs.PushLFSObjects(ctx, j.Path, targetURL); !r.Success {
			log.Warn("unable to push lfs objects", "err", r.Err)
			res.LFSFailed = true
		}
	}

	// 7. state
	lfsFiles := lfsOut.files
	if res.LFSFailed {
		lfsFiles = prev.LFSFiles
	}
	newState := state.RepositoryState{
		Branches: branches,
		LFSFiles: lfsFiles,
		LastSync: time.Now().UTC(),
		Source:   safeSource,
		Target:   safeTarget,
	}
	if rp.store != nil {
		if err := rp.store.Save(ctx, j.ID, newState); err != nil {
			return fail(err)
		}
	}

	res.Success = true
	res.Stage = job.StageCompleted
	res.Message = "synced"
	res.Elapsed = time.Since(start)

	log.Info("repository synced", "branches", res.Branches, "refs_pushed", res.RefsPushed,
		"lfs_fetched", res.LFSObjectsFetched, "lfs_failed", res.LFSFailed, "time", res.Elapsed)

	return res
}

type lfsOutcome struct {
	enabled bool
	failed  bool
	fetched int
	files   []string
	changes lfs.ChangeSet
}

func (rp *RepoPool) reconcileLFS(ctx context.Context, log *slog.Logger, j job.Job, sourceURL string, prev state.RepositoryState) lfsOutcome {
	if j.LFS == nil || rp.lfs == nil {
		return lfsOutcome{}
	}
	if !rp.lfs.IsLFSEnabled(ctx, j.Path) {
		log.Debug("repository doesn't use lfs")
		return lfsOutcome{}
	}

	out := lfsOutcome{enabled: true, files: prev.LFSFiles}

	if !rp.lfs.Installed(ctx) {
		log.Warn("repository uses lfs but git-lfs is not installed")
		out.failed = true
		return out
	}

	// recent fetch is only valid once the full set was fetched
	fetch := rp.lfs.SyncLFSObjects(ctx, j.Path, lfs.FetchOptions{
		Recent:  j.LFS.Recent && len(prev.LFSFiles) > 0,
		Include: j.LFS.Include,
		Remote:  sourceURL,
	})
	if !fetch.Success {
		log.Warn("unable to fetch lfs objects", "err", fetch.Err)
		out.failed = true
		return out
	}
	out.fetched = fetch.ObjectsFetched
	recordLFSFetched(j.ID, fetch.ObjectsFetched)

	files, err := rp.lfs.ListLFSFiles(ctx, j.Path, "HEAD")
	if err != nil {
		log.Warn("unable to list lfs files", "err", err)
		out.failed = true
		return out
	}

	out.changes = lfs.DetectLFSChanges(prev.LFSFiles, lfs.FilterFiles(files, j.LFS.Include))
	out.files = slices.Concat(out.changes.Added, out.changes.Unchanged)
	slices.Sort(out.files)

	if out.changes.HasChanges() {
		log.Info("lfs files changed", "added", len(out.changes.Added), "removed", len(out.changes.Removed))
	}

	if j.LFS.Prune {
		if r := rp.lfs.PruneLFSObjects(ctx, j.Path); !r.Success {
			log.Warn("unable to prune lfs objects", "err", r.Err)
		}
	}

	if j.LFS.Checkout {
		if bare, _ := rp.transport.IsBareRepo(ctx, j.Path); !bare {
			if r := rp.lfs.CheckoutLFSObjects(ctx, j.Path); !r.Success {
				log.Warn("unable to checkout lfs objects", "err", r.Err)
			}
		}
	}

	return out
}

// divergedBranches returns sorted names of previously synced branches whose
// new head doesn't contain the previously synced commit
func (rp *RepoPool) divergedBranches(log *slog.Logger, repoPath string, prev, current map[string]string) []string {
	var diverged []string
	for name, oldHash := range prev {
		newHash, ok := current[name]
		if !ok || newHash == oldHash {
			continue
		}
		ok, err := rp.refs.IsAncestor(repoPath, oldHash, newHash)
		if err != nil {
			log.Debug("unable to check branch ancestry", "branch", name, "err", err)
			continue
		}
		if !ok {
			diverged = append(diverged, name)
		}
	}
	slices.Sort(diverged)
	return diverged
}

func (rp *RepoPool) loadState(ctx context.Context, id string) (state.RepositoryState, error) {
	if rp.store == nil {
		return state.RepositoryState{}, nil
	}
	return rp.store.Load(ctx, id)
}

func (rp *RepoPool) inject(ctx context.Context, rawURL string, platform job.Platform) (string, error) {
	if rp.credentials == nil {
		return rawURL, nil
	}
	return rp.credentials.Inject(ctx, rawURL, platform)
}

func notify(progress ProgressFunc, url string, status job.Status) {
	if progress != nil {
		progress(url, status)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// FormatResult returns single line summary of a result for logs and cli output
func FormatResult(r job.Result) string {
	var b strings.Builder
	if r.Success {
		fmt.Fprintf(&b, "OK   %s -> %s (%s)", r.URL, r.Target, r.Elapsed.Round(time.Millisecond))
	} else {
		fmt.Fprintf(&b, "FAIL %s -> %s: %s", r.URL, r.Target, r.Error)
	}
	if r.LFSFailed {
		b.WriteString(" [lfs failed]")
	}
	if len(r.Diverged) > 0 {
		fmt.Fprintf(&b, " [diverged: %s]", strings.Join(r.Diverged, ","))
	}
	return b.String()
}
