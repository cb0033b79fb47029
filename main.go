package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/repo-sync/auth"
	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/job"
	"github.com/utilitywarehouse/repo-sync/lfs"
	"github.com/utilitywarehouse/repo-sync/mirror"
	"github.com/utilitywarehouse/repo-sync/repopool"
	"github.com/utilitywarehouse/repo-sync/state"
)

const (
	gitExecutablePath    = "git"
	configReloadInterval = 10 * time.Second
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	// envs passed through to git commands
	passThroughEnvs = []string{
		"PATH", "HOME", "SSH_AUTH_SOCK",
		"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
		"http_proxy", "https_proxy", "no_proxy",
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("REPO_SYNC_CONFIG"),
			Value:   "/etc/repo-sync/config.yaml",
			Usage:   "Absolute path to the config file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level, one of trace, debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:    "log-format",
			Sources: cli.EnvVars("LOG_FORMAT"),
			Value:   "text",
			Usage:   "Log format, text or json",
		},
		&cli.StringFlag{
			Name:    "env-file",
			Sources: cli.EnvVars("REPO_SYNC_ENV_FILE"),
			Usage:   "Path to the env file used for config variable substitution.",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Log what would be synced without cloning or pushing anything.",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Max number of repositories synced at the same time, overrides config.",
		},
		&cli.DurationFlag{
			Name:    "interval",
			Sources: cli.EnvVars("REPO_SYNC_INTERVAL"),
			Usage:   "Time to wait between syncs, 0 syncs all repositories once and exits.",
		},
		&cli.StringFlag{
			Name:    "http-bind-address",
			Sources: cli.EnvVars("HTTP_BIND_ADDRESS"),
			Usage:   "Address for metrics and webhook endpoints, ie ':9001'. only used with interval.",
		},
		&cli.StringFlag{
			Name:    "github-webhook-secret",
			Sources: cli.EnvVars("GITHUB_WEBHOOK_SECRET"),
			Usage:   "Secret of the GitHub webhook, webhook endpoint is disabled if not set.",
		},
		&cli.StringFlag{
			Name:    "gitlab-webhook-secret",
			Sources: cli.EnvVars("GITLAB_WEBHOOK_SECRET"),
			Usage:   "Secret token of the GitLab webhook, webhook endpoint is disabled if not set.",
		},
		&cli.BoolFlag{
			Name:  "cleanup-orphans",
			Usage: "Remove local mirrors which are not referenced in config.",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(newLogHandler(os.Stderr, "text"))
}

// newLogHandler returns json handler if requested, colored handler if w is
// a terminal, text handler otherwise
func newLogHandler(w io.Writer, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: loggerLevel})
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return tint.NewHandler(w, &tint.Options{Level: loggerLevel, TimeFormat: time.TimeOnly})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: loggerLevel})
}

// gitEnvs returns environment of git commands
func gitEnvs(conf *repopool.Config) []string {
	var envs []string
	for _, key := range passThroughEnvs {
		if v, ok := os.LookupEnv(key); ok {
			envs = append(envs, key+"="+v)
		}
	}
	if conf.Defaults.SSHKeyPath != "" {
		envs = append(envs, auth.SSHCommandEnv(conf.Defaults.SSHKeyPath, conf.Defaults.SSHKnownHostsPath))
	}
	return envs
}

func newStateStore(ctx context.Context, conf *repopool.Config) (state.Store, error) {
	switch conf.State.Backend {
	case repopool.StateBackendS3:
		return state.NewS3StoreFromConfig(ctx, conf.State.S3)
	default:
		return state.NewFileStore(conf.State.Path), nil
	}
}

func newCredentialProvider(conf *repopool.Config) *auth.Provider {
	gh := conf.Platforms.GitHub

	var app *auth.GithubApp
	if gh.GithubAppID != "" {
		app = &auth.GithubApp{
			ID:             gh.GithubAppID,
			InstallationID: gh.GithubAppInstallationID,
			PrivateKeyPath: gh.GithubAppPrivateKeyPath,
		}
		// enterprise server
		if gh.URL != repopool.DefaultGithubURL {
			app.APIURL = strings.TrimSuffix(gh.URL, "/") + "/api/v3"
		}
	}

	return auth.NewProvider(gh.Token, conf.Platforms.GitLab.Token, app, logger.With("logger", "auth"))
}

func main() {
	cmd := &cli.Command{
		Name:  "repo-sync",
		Usage: "repo-sync mirrors repositories with full history and LFS content from one git platform to another.",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger = slog.New(newLogHandler(os.Stderr, c.String("log-format")))

			// set log level according to argument
			if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
				loggerLevel.Set(v)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf, err := parseConfigFile(c.String("config"), c.String("env-file"))
			if err != nil {
				return fmt.Errorf("unable to parse config file err:%w", err)
			}

			forceDryRun = c.Bool("dry-run")
			workersOverride = int(c.Int("workers"))
			applyDefaults(conf)

			if err := conf.ValidateAndApplyDefaults(); err != nil {
				return fmt.Errorf("invalid config err:%w", err)
			}

			store, err := newStateStore(ctx, conf)
			if err != nil {
				return fmt.Errorf("unable to create state store err:%w", err)
			}

			envs := gitEnvs(conf)
			transport := mirror.NewTransport(gitExecutablePath, envs, logger.With("logger", "mirror"))

			repopool.EnableMetrics("repo_sync", prometheus.DefaultRegisterer)
			prometheus.MustRegister(configSuccess, configSuccessTime)

			repoPool, err := repopool.New(repopool.Options{
				Transport:     transport,
				LFS:           lfs.NewEngine(gitExecutablePath, envs, logger.With("logger", "lfs")),
				Store:         store,
				Credentials:   newCredentialProvider(conf),
				Log:           logger.With("logger", "repo-sync"),
				Workers:       conf.Defaults.Workers,
				MaxRetries:    conf.Defaults.MaxRetries,
				RetryUnit:     conf.Defaults.RetryUnit,
				RetryIf:       conf.RetryIf(),
				MirrorTimeout: conf.Defaults.MirrorTimeout,
			})
			if err != nil {
				return fmt.Errorf("could not create repo pool err:%w", err)
			}

			for _, j := range conf.Jobs() {
				if err := repoPool.AddJob(j); err != nil {
					return fmt.Errorf("unable to add repository %s err:%w", giturl.StripCredentials(j.Source), err)
				}
			}

			if c.Bool("cleanup-orphans") && !conf.Defaults.DryRun {
				cleanupOrphanedMirrors(ctx, conf, repoPool, transport)
			}

			interval := c.Duration("interval")
			if interval == 0 {
				return runOnce(ctx, repoPool)
			}

			if addr := c.String("http-bind-address"); addr != "" {
				server := newHTTPServer(addr, repoPool, c.String("github-webhook-secret"), c.String("gitlab-webhook-secret"))
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server terminated", "err", err)
					}
				}()
				defer server.Shutdown(context.Background())
			}

			go WatchConfig(ctx, c.String("config"), c.String("env-file"), true, configReloadInterval,
				func(newConfig *repopool.Config) bool {
					return ensureConfig(repoPool, newConfig)
				})

			runLoop(ctx, repoPool, interval)
			logger.Info("Shutting down")
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

// runOnce syncs all repositories and returns error if any of them failed
func runOnce(ctx context.Context, repoPool *repopool.RepoPool) error {
	results := repoPool.SyncAll(ctx, func(url string, status job.Status) {
		logger.Debug("sync progress", "repo", url, "status", status)
	})

	for _, r := range results {
		fmt.Println(repopool.FormatResult(r))
	}

	s := job.Summarize(results)
	fmt.Printf("\ntotal: %d successful: %d failed: %d success rate: %.2f%%\n", s.Total, s.Successful, s.Failed, s.SuccessRate)

	if s.Failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to sync", s.Failed, s.Total)
	}
	return nil
}

// runLoop syncs all repositories every interval until ctx is done. syncs
// queued by webhook are run in between.
func runLoop(ctx context.Context, repoPool *repopool.RepoPool, interval time.Duration) {
	for {
		repoPool.SyncAll(ctx, nil)

		t := time.NewTimer(interval)
	wait:
		for {
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
				break wait
			case source := <-repoPool.Queued():
				repoPool.Dequeued(source)
				j, err := repoPool.Job(source)
				if err != nil {
					logger.Debug("queued repository was removed", "repo", giturl.StripCredentials(source))
					continue
				}
				repoPool.SyncMany(ctx, []job.Job{j}, 1, nil)
			}
		}
	}
}

func newHTTPServer(addr string, repoPool *repopool.RepoPool, githubSecret, gitlabSecret string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if githubSecret != "" {
		mux.Handle("/github-webhook", &GithubWebhookHandler{
			repoPool: repoPool,
			secret:   githubSecret,
			log:      logger.With("logger", "github-webhook"),
		})
	}
	if gitlabSecret != "" {
		mux.Handle("/gitlab-webhook", &GitlabWebhookHandler{
			repoPool: repoPool,
			secret:   gitlabSecret,
			log:      logger.With("logger", "gitlab-webhook"),
		})
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
