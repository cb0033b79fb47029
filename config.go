package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/job"
	"github.com/utilitywarehouse/repo-sync/naming"
	"github.com/utilitywarehouse/repo-sync/repopool"
	"github.com/utilitywarehouse/repo-sync/state"
	"gopkg.in/yaml.v3"
)

var (
	defaultRoot = path.Join(os.TempDir(), "repo-sync")

	// command line overrides of the config defaults
	forceDryRun     bool
	workersOverride int

	// ${VAR} or ${VAR:-default}
	envVarRgx = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repo_sync_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repo_sync_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// WatchConfig polls the config file every interval and reloads if modified
func WatchConfig(ctx context.Context, path, envFile string, watchConfig bool, interval time.Duration, onChange func(*repopool.Config) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, envFile, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfig(path, envFile string, lastModTime time.Time, onChange func(*repopool.Config) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("Error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading config file...")

	newConfig, err := parseConfigFile(path, envFile)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		return lastModTime, false
	}
	return modTime, onChange(newConfig)
}

// ensureConfig will do the diff between current repoPool state and new config
// and based on that diff it will add/remove jobs. jobs with changed config are
// replaced. pool settings like workers and retries are not reloaded.
func ensureConfig(repoPool *repopool.RepoPool, newConfig *repopool.Config) bool {
	success := true

	// add default values
	applyDefaults(newConfig)

	// validate and apply defaults to new config before compare
	if err := newConfig.ValidateAndApplyDefaults(); err != nil {
		logger.Error("failed to validate new config", "err", err)
		return false
	}

	newJobs, removedJobs := diffJobs(repoPool, newConfig.Jobs())
	for _, source := range removedJobs {
		if err := repoPool.RemoveJob(source); err != nil {
			logger.Error("failed to remove repository", "repo", giturl.StripCredentials(source), "err", err)
			success = false
		}
	}
	for _, j := range newJobs {
		if err := repoPool.AddJob(j); err != nil {
			logger.Error("failed to add new repository", "repo", giturl.StripCredentials(j.Source), "err", err)
			success = false
		}
	}

	return success
}

// applyDefaults sets default root and applies command line overrides so that
// reloaded config produces same jobs as the initial one
func applyDefaults(conf *repopool.Config) {
	if conf.Defaults.Root == "" {
		conf.Defaults.Root = defaultRoot
	}
	if forceDryRun {
		conf.Defaults.DryRun = true
	}
	if workersOverride > 0 {
		conf.Defaults.Workers = workersOverride
	}
}

// parseConfigFile reads config file, substitutes env variables and
// validates its structure
func parseConfigFile(path, envFile string) (*repopool.Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lookup, err := envLookup(envFile)
	if err != nil {
		return nil, err
	}
	yamlFile = substituteEnv(yamlFile, lookup)

	err = validateConfig(yamlFile)
	if err != nil {
		return nil, err
	}

	conf := &repopool.Config{}
	err = yaml.Unmarshal(yamlFile, conf)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

// envLookup returns lookup func of process env overlaid with values of the
// env file. process env is not modified.
func envLookup(envFile string) (func(string) (string, bool), error) {
	if envFile == "" {
		return os.LookupEnv, nil
	}

	fileEnvs, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read env file %s err:%w", envFile, err)
	}

	return func(key string) (string, bool) {
		if v, ok := fileEnvs[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}, nil
}

// substituteEnv replaces ${VAR} and ${VAR:-default} with values from lookup.
// unset variable without default is replaced with empty string.
func substituteEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envVarRgx.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envVarRgx.FindSubmatch(match)
		if v, ok := lookup(string(groups[1])); ok && v != "" {
			return []byte(v)
		}
		return groups[3]
	})
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// defaults and repositories sections are mandatory
	if _, ok := raw["defaults"]; !ok {
		return fmt.Errorf("defaults config section is missing")
	}

	if _, ok := raw["repositories"]; !ok {
		return fmt.Errorf("repositories config section is missing")
	}

	// check config sections for unexpected keys
	if key := findUnexpectedKey(raw, getAllowedKeys(repopool.Config{})); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	sections := []struct {
		path   []string
		config interface{}
	}{
		{[]string{"defaults"}, repopool.DefaultConfig{}},
		{[]string{"defaults", "lfs"}, repopool.LFSConfig{}},
		{[]string{"platforms"}, repopool.PlatformsConfig{}},
		{[]string{"platforms", "github"}, repopool.GitHubConfig{}},
		{[]string{"platforms", "gitlab"}, repopool.GitLabConfig{}},
		{[]string{"mapping"}, naming.Mapper{}},
		{[]string{"state"}, repopool.StateConfig{}},
		{[]string{"state", "s3"}, state.S3Config{}},
	}
	for _, s := range sections {
		section, err := sectionMap(raw, s.path)
		if err != nil {
			return err
		}
		if key := findUnexpectedKey(section, getAllowedKeys(s.config)); key != "" {
			return fmt.Errorf("unexpected key: .%s.%v", strings.Join(s.path, "."), key)
		}
	}

	// check each repository in "repositories" section
	repos, ok := raw["repositories"].([]interface{})
	if !ok {
		return fmt.Errorf("repositories config section is not valid")
	}
	allowedRepoKeys := getAllowedKeys(repopool.RepositoryConfig{})
	allowedLFSKeys := getAllowedKeys(repopool.LFSConfig{})
	for _, repoInterface := range repos {
		repoMap, ok := repoInterface.(map[string]interface{})
		if !ok {
			return fmt.Errorf("repositories config section is not valid")
		}

		source := giturl.StripCredentials(fmt.Sprint(repoMap["source"]))
		if key := findUnexpectedKey(repoMap, allowedRepoKeys); key != "" {
			return fmt.Errorf("unexpected key: .repositories[%v].%v", source, key)
		}

		lfsMap, err := sectionMap(repoMap, []string{"lfs"})
		if err != nil {
			return fmt.Errorf("lfs config section is not valid in .repositories[%v]", source)
		}
		if key := findUnexpectedKey(lfsMap, allowedLFSKeys); key != "" {
			return fmt.Errorf("unexpected key: .repositories[%v].lfs.%v", source, key)
		}
	}

	return nil
}

// sectionMap returns nested section of the raw config. missing or empty
// section is returned as empty map.
func sectionMap(raw map[string]interface{}, keys []string) (map[string]interface{}, error) {
	current := raw
	for i, key := range keys {
		v, ok := current[key]
		if !ok || v == nil {
			return map[string]interface{}{}, nil
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s section is not valid", strings.Join(keys[:i+1], "."))
		}
		current = next
	}
	return current, nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw interface{}, allowedKeys []string) string {
	for key := range raw.(map[string]interface{}) {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}

// diffJobs will do the diff between current jobs of the pool and new jobs and
// return jobs to add and source urls of the jobs to remove. a job whose
// config changed is in both.
func diffJobs(repoPool *repopool.RepoPool, newJobs []job.Job) (
	added []job.Job,
	removed []string,
) {
	for _, newJob := range newJobs {
		current, err := repoPool.Job(newJob.Source)
		if errors.Is(err, repopool.ErrNotExist) {
			added = append(added, newJob)
			continue
		}
		if err == nil && !reflect.DeepEqual(current, newJob) {
			removed = append(removed, current.Source)
			added = append(added, newJob)
		}
	}

	for _, current := range repoPool.Jobs() {
		found := slices.ContainsFunc(newJobs, func(j job.Job) bool {
			return j.ID == current.ID
		})
		if !found && !slices.Contains(removed, current.Source) {
			removed = append(removed, current.Source)
		}
	}

	return
}
