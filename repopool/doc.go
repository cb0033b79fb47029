// Package repopool syncs (mirrors) repositories from a source platform to a
// target platform. Each repository is cloned as a local bare mirror, its LFS
// content is reconciled against the state of the previous run and then all
// refs are pushed to the target. Many repositories are synced concurrently
// over a bounded worker pool with retries.
//
// # Usage
//
//	pool, err := repopool.New(repopool.Options{
//		Transport:  mirror.NewTransport("git", envs, logger),
//		LFS:        lfs.NewEngine("git", envs, logger),
//		Store:      state.NewFileStore("/data/repo-sync-state.json"),
//		Log:        logger.With("logger", "repo-sync"),
//		Workers:    8,
//		MaxRetries: 3,
//	})
//	if err != nil {
//		return err
//	}
//
//	err = pool.AddJob(job.Job{
//		Source: "https://gitlab.com/group/repo.git",
//		Target: "https://github.com/org/group-repo.git",
//		Path:   "/data/repo-mirrors/gitlab.com/group/repo.git",
//		LFS:    &job.LFSOptions{Recent: true},
//	})
//
//	for _, r := range pool.SyncAll(ctx, nil) {
//		fmt.Println(repopool.FormatResult(r))
//	}
//
// # Logging
//
// package takes slog reference for logging and prints git commands at 'trace'
// level ie slog.Level(-8). credentials are never logged.
package repopool
