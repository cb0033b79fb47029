package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/repo-sync/repopool"
)

type fakeQueuer struct {
	known  []string
	queued []string
}

func (f *fakeQueuer) QueueSync(source string) error {
	for _, k := range f.known {
		if k == source {
			f.queued = append(f.queued, source)
			return nil
		}
	}
	return repopool.ErrNotExist
}

func Test_webhook(t *testing.T) {
	wh := &GithubWebhookHandler{
		secret: "a1b2c3d4e5",
		log:    slog.Default(),
	}

	body := []byte(`{"foo":"bar", "action": "foo"}`)
	signature := wh.computeHMAC(body, wh.secret)

	t.Run("validate signature", func(t *testing.T) {

		if !wh.isValidSignature(body, signature) {
			t.Errorf("isValidSignature() expected true")
		}

		invalidSig := wh.computeHMAC(body, "invalid-secret")

		if wh.isValidSignature(body, invalidSig) {
			t.Errorf("isValidSignature() expected false")
		}

		if wh.isValidSignature([]byte{}, "") {
			t.Errorf("isValidSignature() expected false for emtpy signature")
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		server := httptest.NewServer(http.Handler(wh))
		defer server.Close()

		req, err := http.NewRequest("GET", server.URL, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("Failed to make a request: %v", err)
		}
		req.Header.Set("X-Hub-Signature-256", signature)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status %v, got %v", http.StatusBadRequest, resp.StatusCode)
		}
	})

	t.Run("ping event", func(t *testing.T) {
		server := httptest.NewServer(http.Handler(wh))
		defer server.Close()

		req, err := http.NewRequest("POST", server.URL, strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("Failed to make a request: %v", err)
		}
		req.Header.Set("X-Hub-Signature-256", signature)
		req.Header.Set("X-GitHub-Event", "ping")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status %v, got %v", http.StatusOK, resp.StatusCode)
		}

		reply, _ := io.ReadAll(resp.Body)
		if string(reply) != "pong" {
			t.Errorf("Expected pong for ping event")
		}
	})

	t.Run("push event", func(t *testing.T) {
		queuer := &fakeQueuer{known: []string{"https://github.com/org/repo1"}}
		wh := &GithubWebhookHandler{secret: "a1b2c3d4e5", repoPool: queuer, log: slog.Default()}

		for _, repo := range []string{"https://github.com/org/repo1", "https://github.com/org/unknown"} {
			payload := []byte(`{"ref":"refs/heads/main","repository":{"name":"repo","html_url":"` + repo + `"}}`)

			req := httptest.NewRequest(http.MethodPost, "/github-webhook", strings.NewReader(string(payload)))
			req.Header.Set("X-Hub-Signature-256", wh.computeHMAC(payload, wh.secret))
			req.Header.Set("X-GitHub-Event", "push")

			rec := httptest.NewRecorder()
			wh.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("Expected status %v, got %v", http.StatusOK, rec.Code)
			}
		}

		if diff := cmp.Diff([]string{"https://github.com/org/repo1"}, queuer.queued); diff != "" {
			t.Errorf("queued mismatch (-want +got):\n%s", diff)
		}
	})
}

func Test_gitlabWebhook(t *testing.T) {
	payload := `{"object_kind":"push","ref":"refs/heads/main","project":{"path_with_namespace":"group/repo1","web_url":"https://gitlab.com/group/repo1"}}`

	tests := []struct {
		name       string
		method     string
		token      string
		body       string
		wantStatus int
		wantQueued []string
	}{
		{"push", http.MethodPost, "secret-token", payload, http.StatusOK, []string{"https://gitlab.com/group/repo1"}},
		{"invalid_method", http.MethodGet, "secret-token", payload, http.StatusBadRequest, nil},
		{"invalid_token", http.MethodPost, "wrong", payload, http.StatusUnauthorized, nil},
		{"invalid_body", http.MethodPost, "secret-token", `{"project":`, http.StatusBadRequest, nil},
		{"other_event", http.MethodPost, "secret-token", `{"object_kind":"issue","project":{"web_url":"https://gitlab.com/group/repo1"}}`, http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queuer := &fakeQueuer{known: []string{"https://gitlab.com/group/repo1"}}
			wh := &GitlabWebhookHandler{secret: "secret-token", repoPool: queuer, log: slog.Default()}

			req := httptest.NewRequest(tt.method, "/gitlab-webhook", strings.NewReader(tt.body))
			req.Header.Set("X-Gitlab-Token", tt.token)

			rec := httptest.NewRecorder()
			wh.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %v, got %v", tt.wantStatus, rec.Code)
			}
			if diff := cmp.Diff(tt.wantQueued, queuer.queued); diff != "" {
				t.Errorf("queued mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
