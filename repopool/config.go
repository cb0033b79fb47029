package repopool

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/job"
	"github.com/utilitywarehouse/repo-sync/naming"
	"github.com/utilitywarehouse/repo-sync/state"
	"github.com/utilitywarehouse/repo-sync/syncerr"
)

const (
	StateBackendFile = "file"
	StateBackendS3   = "s3"

	DefaultGithubURL = "https://github.com"
	DefaultGitlabURL = "https://gitlab.com"

	defaultMaxRetries    = 3
	defaultRetryUnit     = time.Second
	defaultMirrorTimeout = 30 * time.Minute
	defaultStateFile     = "repo-sync-state.json"
	mirrorsDir           = "repo-mirrors"
)

// Config is the configuration of a sync run
type Config struct {
	// default config for all the repositories if not set
	Defaults  DefaultConfig   `yaml:"defaults"`
	Platforms PlatformsConfig `yaml:"platforms"`
	// Mapping derives target names of repositories which only set target_org
	Mapping naming.Mapper `yaml:"mapping"`
	State   StateConfig   `yaml:"state"`
	// List of synced repositories.
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// DefaultConfig is the default config for repositories if not set at repo level
type DefaultConfig struct {
	// Root is the absolute path to the root dir where all local mirrors
	// will be created
	Root string `yaml:"root"`

	// Workers is the max number of repositories synced at the same time
	// defaults to number of CPUs
	Workers int `yaml:"workers"`

	MaxRetries int           `yaml:"max_retries"`
	RetryUnit  time.Duration `yaml:"retry_unit"`
	// RetryableOnly stops retrying on errors which are not transient
	RetryableOnly bool `yaml:"retryable_only"`

	// MirrorTimeout represents the total time allowed for a single sync attempt
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`

	DryRun bool `yaml:"dry_run"`

	LFS LFSConfig `yaml:"lfs"`

	// ssh key used for scp and ssh urls
	SSHKeyPath        string `yaml:"ssh_key_path"`
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`
}

// LFSConfig controls LFS sync of repositories
type LFSConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Recent   bool     `yaml:"recent"`
	Include  []string `yaml:"include"`
	Prune    bool     `yaml:"prune"`
	Checkout bool     `yaml:"checkout"`
}

type PlatformsConfig struct {
	GitHub GitHubConfig `yaml:"github"`
	GitLab GitLabConfig `yaml:"gitlab"`
}

type GitHubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	GithubAppID             string `yaml:"github_app_id"`
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

type GitLabConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// StateConfig selects where sync state is persisted
type StateConfig struct {
	Backend string `yaml:"backend"`
	// Path of the state file, defaults to file in root dir
	Path string         `yaml:"path"`
	S3   state.S3Config `yaml:"s3"`
}

// RepositoryConfig is the config of a single synced repository
type RepositoryConfig struct {
	// ID is the state key, derived from source if not set
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	// TargetOrg is used to derive target from source path if target is not set
	TargetOrg      string       `yaml:"target_org"`
	SourcePlatform job.Platform `yaml:"source_platform"`
	TargetPlatform job.Platform `yaml:"target_platform"`
	// Path of the local mirror, derived from root and id if not set
	Path             string     `yaml:"path"`
	LFS              *LFSConfig `yaml:"lfs"`
	FailOnDivergence bool       `yaml:"fail_on_divergence"`
}

// MirrorsDir returns the dir where mirrors without explicit path are placed
func MirrorsDir(root string) string {
	return filepath.Join(root, mirrorsDir)
}

// validateDefaults will verify default config
func (c *Config) validateDefaults() error {
	dc := c.Defaults

	var errs []error

	if dc.Root != "" && !filepath.IsAbs(dc.Root) {
		errs = append(errs, fmt.Errorf("repository root '%s' must be absolute", dc.Root))
	}
	if dc.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be positive"))
	}
	if dc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive"))
	}
	if dc.RetryUnit < 0 {
		errs = append(errs, fmt.Errorf("retry_unit must be positive"))
	}
	if dc.MirrorTimeout < 0 {
		errs = append(errs, fmt.Errorf("mirror_timeout must be positive"))
	}

	// if any of the github app config is set all should be set
	gh := c.Platforms.GitHub
	if gh.GithubAppID != "" ||
		gh.GithubAppInstallationID != "" ||
		gh.GithubAppPrivateKeyPath != "" {
		if gh.GithubAppID == "" ||
			gh.GithubAppInstallationID == "" ||
			gh.GithubAppPrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("all of the Github app attribute is required"))
		}
	}

	switch c.State.Backend {
	case "", StateBackendFile:
		if c.State.Path == "" && dc.Root == "" {
			errs = append(errs, fmt.Errorf("state path is required if root is not set"))
		}
	case StateBackendS3:
		if c.State.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("state bucket is required for s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q, must be one of %s, %s",
			c.State.Backend, StateBackendFile, StateBackendS3))
	}

	if err := c.Mapping.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// applyDefaults will add given default config to repository config where needed
func (c *Config) applyDefaults() {
	if c.Defaults.MaxRetries == 0 {
		c.Defaults.MaxRetries = defaultMaxRetries
	}
	if c.Defaults.RetryUnit == 0 {
		c.Defaults.RetryUnit = defaultRetryUnit
	}
	if c.Defaults.MirrorTimeout == 0 {
		c.Defaults.MirrorTimeout = defaultMirrorTimeout
	}
	if c.Platforms.GitHub.URL == "" {
		c.Platforms.GitHub.URL = DefaultGithubURL
	}
	if c.Platforms.GitLab.URL == "" {
		c.Platforms.GitLab.URL = DefaultGitlabURL
	}
	if c.State.Backend == "" {
		c.State.Backend = StateBackendFile
	}
	if c.State.Backend == StateBackendFile && c.State.Path == "" {
		c.State.Path = filepath.Join(c.Defaults.Root, defaultStateFile)
	}

	for i := range c.Repositories {
		repo := &c.Repositories[i]

		if repo.LFS == nil {
			lfs := c.Defaults.LFS
			repo.LFS = &lfs
		}
		// rest of the defaults depend on valid source
		if _, err := parseURL(repo.Source); err != nil {
			continue
		}
		if repo.ID == "" {
			repo.ID, _ = giturl.RepoID(repo.Source)
		}
		if repo.Path == "" && c.Defaults.Root != "" {
			repo.Path = filepath.Join(MirrorsDir(c.Defaults.Root), repo.ID+".git")
		}
		if repo.Target == "" && repo.TargetOrg != "" {
			repo.Target = c.deriveTarget(repo)
		}
	}
}

// deriveTarget returns target url in target org with name mapped from the
// source path
func (c *Config) deriveTarget(repo *RepositoryConfig) string {
	u, err := parseURL(repo.Source)
	if err != nil {
		return ""
	}
	sourcePath := strings.TrimSuffix(u.Repo, ".git")
	if u.Path != "" {
		sourcePath = u.Path + "/" + sourcePath
	}

	base := c.Platforms.GitHub.URL
	if repo.TargetPlatform == job.PlatformGitLab {
		base = c.Platforms.GitLab.URL
	}

	return fmt.Sprintf("%s/%s/%s.git", strings.TrimSuffix(base, "/"), repo.TargetOrg, c.Mapping.MapName(sourcePath))
}

// validateRepositories checks repositories after defaults are applied
func (c *Config) validateRepositories() error {
	var errs []error

	ids := map[string]bool{}
	targets := map[string]string{}
	paths := map[string]string{}

	for _, repo := range c.Repositories {
		if repo.Source == "" {
			errs = append(errs, fmt.Errorf("repository source is required"))
			continue
		}
		safeSource := giturl.StripCredentials(repo.Source)

		if _, err := parseURL(repo.Source); err != nil {
			errs = append(errs, fmt.Errorf("invalid source %s err:%w", safeSource, err))
			continue
		}

		switch {
		case repo.Target == "":
			errs = append(errs, fmt.Errorf("repository %s requires target or target_org", safeSource))
		case repo.TargetOrg != "":
			u, err := giturl.Parse(repo.Target)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid target of %s err:%w", safeSource, err))
				break
			}
			if err := naming.ValidateName(strings.TrimSuffix(u.Repo, ".git")); err != nil {
				errs = append(errs, fmt.Errorf("invalid target name of %s err:%w", safeSource, err))
			}
		default:
			if _, err := parseURL(repo.Target); err != nil {
				errs = append(errs, fmt.Errorf("invalid target of %s err:%w", safeSource, err))
			}
		}

		if repo.Target != "" {
			safeTarget := giturl.StripCredentials(repo.Target)
			if other, ok := targets[strings.ToLower(safeTarget)]; ok {
				errs = append(errs, fmt.Errorf("repositories %s and %s have same target %s", other, safeSource, safeTarget))
			}
			targets[strings.ToLower(safeTarget)] = safeSource
		}

		if repo.Path == "" {
			errs = append(errs, fmt.Errorf("repository %s requires path if root is not set", safeSource))
		} else if !filepath.IsAbs(repo.Path) {
			errs = append(errs, fmt.Errorf("repository path '%s' must be absolute", repo.Path))
		} else {
			// two mirrors in the same dir would overwrite each other
			path := filepath.Clean(repo.Path)
			if other, ok := paths[path]; ok {
				errs = append(errs, fmt.Errorf("repositories %s and %s have same path %s", other, safeSource, path))
			}
			paths[path] = safeSource
		}

		if ids[repo.ID] {
			errs = append(errs, fmt.Errorf("duplicate repository id %s", repo.ID))
		}
		ids[repo.ID] = true

		for _, p := range []job.Platform{repo.SourcePlatform, repo.TargetPlatform} {
			switch p {
			case job.PlatformAuto, job.PlatformGitHub, job.PlatformGitLab:
			default:
				errs = append(errs, fmt.Errorf("repository %s has unknown platform %q", safeSource, p))
			}
		}
	}

	return errors.Join(errs...)
}

// ValidateAndApplyDefaults will validate defaults, apply them to all
// repositories and then validate repositories
func (c *Config) ValidateAndApplyDefaults() error {
	if err := c.validateDefaults(); err != nil {
		return &syncerr.ConfigurationError{Msg: "invalid defaults", Field: "defaults", Err: err}
	}

	c.applyDefaults()

	if err := c.validateRepositories(); err != nil {
		return &syncerr.ConfigurationError{Msg: "invalid repositories", Field: "repositories", Err: err}
	}
	return nil
}

// Jobs returns sync jobs of all repositories. config must be validated first.
func (c *Config) Jobs() []job.Job {
	jobs := make([]job.Job, 0, len(c.Repositories))
	for _, repo := range c.Repositories {
		j := job.Job{
			ID:               repo.ID,
			Source:           repo.Source,
			Target:           repo.Target,
			Path:             repo.Path,
			SourcePlatform:   repo.SourcePlatform,
			TargetPlatform:   repo.TargetPlatform,
			FailOnDivergence: repo.FailOnDivergence,
			DryRun:           c.Defaults.DryRun,
		}
		if repo.LFS != nil && repo.LFS.Enabled {
			j.LFS = &job.LFSOptions{
				Recent:   repo.LFS.Recent,
				Include:  repo.LFS.Include,
				Prune:    repo.LFS.Prune,
				Checkout: repo.LFS.Checkout,
			}
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// RetryIf returns the retry predicate of the pool, nil means retry on any error
func (c *Config) RetryIf() func(error) bool {
	if c.Defaults.RetryableOnly {
		return syncerr.IsRetryable
	}
	return nil
}

// parseURL parses git url, absolute local paths are treated as file urls
func parseURL(raw string) (*giturl.URL, error) {
	if filepath.IsAbs(raw) {
		raw = "file://" + filepath.Clean(raw)
	}
	return giturl.Parse(raw)
}
