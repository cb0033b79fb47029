package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/repopool"
)

// syncQueuer queues an immediate sync of a repository
type syncQueuer interface {
	QueueSync(source string) error
}

type GitHubEvent struct {
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		HtmlURL  string `json:"html_url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`

	// The full git ref that was pushed. Example: refs/heads/main or refs/tags/v3.14.1.
	Ref string `json:"ref"`
	// The SHA of the most recent commit on ref before the push.
	Before string `json:"before"`
	// The SHA of the most recent commit on ref after the push.
	After string `json:"after"`
}

type GitLabEvent struct {
	ObjectKind string `json:"object_kind"`
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
		WebURL            string `json:"web_url"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
}

type GithubWebhookHandler struct {
	repoPool syncQueuer
	secret   string
	log      *slog.Logger
}

func (wh *GithubWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.isValidSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		wh.log.Error("invalid signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")

	var payload GitHubEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal json payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The ping event is a confirmation from GitHub that
	// the webhook is configured correctly.
	if event == "ping" {
		w.Write([]byte("pong"))
		return
	}

	// only process 'push' event but return ok for all events to mark
	// successful delivery
	if event == "push" {
		queuePush(wh.repoPool, wh.log, payload.Repository.HtmlURL)
	}
}

func (wh *GithubWebhookHandler) isValidSignature(message []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message, wh.secret)))
}

func (wh *GithubWebhookHandler) computeHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))

	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for request", "error", err)
		return ""
	}

	// GH adds `sha256=` prefix in header value
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// GitlabWebhookHandler handles GitLab push hooks. GitLab doesn't sign the
// payload, it sends the configured secret token as is.
type GitlabWebhookHandler struct {
	repoPool syncQueuer
	secret   string
	log      *slog.Logger
}

func (wh *GitlabWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !hmac.Equal([]byte(r.Header.Get("X-Gitlab-Token")), []byte(wh.secret)) {
		wh.log.Error("invalid token")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var payload GitLabEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal json payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if r.Header.Get("X-Gitlab-Event") == "Push Hook" || payload.ObjectKind == "push" {
		queuePush(wh.repoPool, wh.log, payload.Project.WebURL)
	}
}

// queuePush queues sync of the pushed repository, push for repository which
// is not mirrored is ignored
func queuePush(q syncQueuer, log *slog.Logger, repoURL string) {
	if repoURL == "" {
		return
	}
	err := q.QueueSync(repoURL)
	if err != nil {
		if errors.Is(err, repopool.ErrNotExist) {
			log.Debug("push event for unknown repository", "repo", giturl.StripCredentials(repoURL))
			return
		}
		log.Error("unable to process push event", "repo", giturl.StripCredentials(repoURL), "err", err)
		return
	}
	log.Debug("sync queued", "repo", giturl.StripCredentials(repoURL))
}
