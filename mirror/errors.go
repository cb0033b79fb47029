package mirror

import (
	"context"
	"errors"
	"strings"

	"github.com/utilitywarehouse/repo-sync/giturl"
	"github.com/utilitywarehouse/repo-sync/internal/utils"
	"github.com/utilitywarehouse/repo-sync/syncerr"
)

var (
	authFailures = []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"http basic: access denied",
		"permission denied (publickey",
		"returned error: 401",
		"returned error: 403",
	}

	notFoundFailures = []string{
		"repository not found",
		"does not appear to be a git repository",
		"returned error: 404",
	}

	transientFailures = []string{
		"could not resolve host",
		"connection timed out",
		"operation timed out",
		"connection reset",
		"connection refused",
		"early eof",
		"the remote end hung up unexpectedly",
		"rate limit",
		"returned error: 429",
		"returned error: 500",
		"returned error: 502",
		"returned error: 503",
		"returned error: 504",
		"tls handshake timeout",
		"gnutls_handshake",
	}
)

// redactedError hides credentials from the message but keeps the error chain
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// classify converts git command error into one of the sync error kinds based
// on the stderr of the command. given secret urls are redacted from messages.
func classify(op, repo string, err error, secretURLs ...string) error {
	var stderr string
	exitCode := -1

	var cmdErr *utils.CommandError
	if errors.As(err, &cmdErr) {
		stderr = strings.ToLower(cmdErr.Stderr)
		exitCode = cmdErr.ExitCode()
	}

	rErr := &redactedError{msg: giturl.Redact(err.Error(), secretURLs...), err: err}

	switch {
	case containsAny(stderr, authFailures):
		return &syncerr.AuthenticationError{Msg: op + " rejected by remote", Err: rErr}
	case containsAny(stderr, notFoundFailures):
		return &syncerr.NetworkError{Msg: op + " failed: repository not reachable", Repository: repo, Retryable: false, Err: rErr}
	case containsAny(stderr, transientFailures),
		errors.Is(err, context.DeadlineExceeded):
		return &syncerr.NetworkError{Msg: op + " failed", Repository: repo, Retryable: true, Err: rErr}
	default:
		return &syncerr.GitOperationError{Msg: op + " failed", Op: op, Repository: repo, ExitCode: exitCode, Err: rErr}
	}
}

func containsAny(s string, subs []string) bool {
	if s == "" {
		return false
	}
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
