// Package auth injects platform credentials into repository URLs.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/internal/lock"
	"github.com/utilitywarehouse/repo-sync/job"
	"github.com/utilitywarehouse/repo-sync/syncerr"
)

const (
	githubAppUser = "x-access-token"
	gitlabUser    = "oauth2"

	// app tokens are renewed if they expire within this window
	tokenRenewWindow = 10 * time.Minute
)

// Provider returns authenticated URLs for GitHub and GitLab repositories.
// It is safe for concurrent use.
type Provider struct {
	githubToken string
	gitlabToken string
	githubApp   *GithubApp
	client      *http.Client
	log         *slog.Logger

	lock                    lock.Mutex
	githubAppToken          string
	githubAppTokenExpiresAt time.Time
}

// NewProvider returns Provider with given tokens. if app is not nil GitHub
// urls are authenticated with app installation tokens instead of githubToken.
func NewProvider(githubToken, gitlabToken string, app *GithubApp, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		githubToken: githubToken,
		gitlabToken: gitlabToken,
		githubApp:   app,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

// DetectPlatform returns the hosting platform of the given http(s) url based
// on its host name.
func DetectPlatform(rawURL string) (job.Platform, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "github"):
		return job.PlatformGitHub, true
	case strings.Contains(host, "gitlab"):
		return job.PlatformGitLab, true
	}
	return "", false
}

// Inject returns rawURL with credentials of the platform. ssh, scp like and
// local urls are returned unchanged. platform is detected from the host if
// not given.
func (p *Provider) Inject(ctx context.Context, rawURL string, platform job.Platform) (string, error) {
	if giturl.IsSCPURL(rawURL) || giturl.IsSSHURL(rawURL) ||
		strings.HasPrefix(rawURL, "file://") || filepath.IsAbs(rawURL) {
		return rawURL, nil
	}

	safeURL := giturl.StripCredentials(rawURL)

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", &syncerr.AuthenticationError{Msg: "unsupported repository url " + safeURL}
	}

	if platform == job.PlatformAuto {
		var ok bool
		if platform, ok = DetectPlatform(rawURL); !ok {
			return "", &syncerr.AuthenticationError{Msg: "unable to detect platform of " + safeURL}
		}
	}

	switch platform {
	case job.PlatformGitHub:
		if p.githubApp != nil {
			token, err := p.appToken(ctx)
			if err != nil {
				return "", &syncerr.AuthenticationError{Msg: "unable to get github app token", Platform: string(platform), Err: err}
			}
			u.User = url.UserPassword(githubAppUser, token)
			break
		}
		if p.githubToken == "" {
			return "", &syncerr.AuthenticationError{Msg: "github token not configured", Platform: string(platform)}
		}
		u.User = url.User(p.githubToken)

	case job.PlatformGitLab:
		if p.gitlabToken == "" {
			return "", &syncerr.AuthenticationError{Msg: "gitlab token not configured", Platform: string(platform)}
		}
		u.User = url.UserPassword(gitlabUser, p.gitlabToken)

	default:
		return "", &syncerr.AuthenticationError{Msg: fmt.Sprintf("unsupported platform %q", platform), Platform: string(platform)}
	}

	return u.String(), nil
}

func (p *Provider) appToken(ctx context.Context) (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	// return token if current token is valid for next 10 min
	if p.githubAppTokenExpiresAt.After(time.Now().UTC().Add(tokenRenewWindow)) {
		return p.githubAppToken, nil
	}

	// mirrors need to be pushed to the target hence write permission
	permissions := GithubAppTokenReqPermissions{
		Permissions: map[string]string{"contents": "write"},
	}

	token, err := GithubAppInstallationToken(ctx, p.client, *p.githubApp, permissions)
	if err != nil {
		return "", err
	}

	p.githubAppToken = token.Token
	p.githubAppTokenExpiresAt = token.ExpiresAt

	p.log.Debug("new github app access token created", "expires_at", token.ExpiresAt)

	return p.githubAppToken, nil
}

// SSHCommandEnv returns the environment variable to be used for configuring
// git over ssh. host keys are not verified if knownHostsPath is not set.
func SSHCommandEnv(keyPath, knownHostsPath string) string {
	if keyPath == "" {
		keyPath = "/dev/null"
	}
	knownHostsOptions := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if knownHostsPath != "" {
		knownHostsOptions = fmt.Sprintf("-o UserKnownHostsFile=%s", knownHostsPath)
	}
	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s`, keyPath, knownHostsOptions)
}
