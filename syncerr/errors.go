// Package syncerr defines the error kinds shared by all sync components.
//
// Every error type carries a fixed set of context fields and matches
// ErrSync via errors.Is, so callers can handle them as one category:
//
//	if errors.Is(err, syncerr.ErrSync) { ... }
//
//	var netErr *syncerr.NetworkError
//	if errors.As(err, &netErr) && netErr.Retryable { ... }
package syncerr

import (
	"errors"
	"fmt"
)

// ErrSync is the catch-all category matched by every error of this package
var ErrSync = errors.New("sync error")

// Kind identifies the kind of a sync error
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindConfiguration  Kind = "configuration"
	KindGitOperation   Kind = "git_operation"
	KindNetwork        Kind = "network"
	KindStorage        Kind = "storage"
	KindArchive        Kind = "archive"
	KindSyncConflict   Kind = "sync_conflict"
)

// Error is implemented by all error types of this package
type Error interface {
	error
	Kind() Kind
}

// AuthenticationError is returned when credentials are missing, invalid,
// expired or have insufficient permissions.
type AuthenticationError struct {
	Msg      string
	Platform string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return format(e.Msg, e.Err, "platform", e.Platform)
}
func (e *AuthenticationError) Unwrap() error        { return e.Err }
func (e *AuthenticationError) Is(target error) bool { return target == ErrSync }
func (e *AuthenticationError) Kind() Kind           { return KindAuthentication }

// ConfigurationError is returned for invalid or missing configuration
type ConfigurationError struct {
	Msg   string
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return format(e.Msg, e.Err, "field", e.Field)
}
func (e *ConfigurationError) Unwrap() error        { return e.Err }
func (e *ConfigurationError) Is(target error) bool { return target == ErrSync }
func (e *ConfigurationError) Kind() Kind           { return KindConfiguration }

// GitOperationError is returned when a git command (clone, fetch, push...)
// fails for a reason other than network or authentication.
type GitOperationError struct {
	Msg        string
	Op         string
	Repository string
	// ExitCode of the git process, -1 if it didn't exit normally
	ExitCode int
	Err      error
}

func (e *GitOperationError) Error() string {
	return format(e.Msg, e.Err, "op", e.Op, "repo", e.Repository, "exit_code", fmt.Sprint(e.ExitCode))
}
func (e *GitOperationError) Unwrap() error        { return e.Err }
func (e *GitOperationError) Is(target error) bool { return target == ErrSync }
func (e *GitOperationError) Kind() Kind           { return KindGitOperation }

// NetworkError is returned for connectivity failures. Retryable is set for
// transient failures like timeouts or rate limits.
type NetworkError struct {
	Msg        string
	Repository string
	Retryable  bool
	Err        error
}

func (e *NetworkError) Error() string {
	return format(e.Msg, e.Err, "repo", e.Repository, "retryable", fmt.Sprint(e.Retryable))
}
func (e *NetworkError) Unwrap() error        { return e.Err }
func (e *NetworkError) Is(target error) bool { return target == ErrSync }
func (e *NetworkError) Kind() Kind           { return KindNetwork }

// StorageError is returned when durable state or large object storage fails
type StorageError struct {
	Msg     string
	Backend string
	Key     string
	Err     error
}

func (e *StorageError) Error() string {
	return format(e.Msg, e.Err, "backend", e.Backend, "key", e.Key)
}
func (e *StorageError) Unwrap() error        { return e.Err }
func (e *StorageError) Is(target error) bool { return target == ErrSync }
func (e *StorageError) Kind() Kind           { return KindStorage }

// ArchiveError is returned by archival operations
type ArchiveError struct {
	Msg     string
	Archive string
	Err     error
}

func (e *ArchiveError) Error() string {
	return format(e.Msg, e.Err, "archive", e.Archive)
}
func (e *ArchiveError) Unwrap() error        { return e.Err }
func (e *ArchiveError) Is(target error) bool { return target == ErrSync }
func (e *ArchiveError) Kind() Kind           { return KindArchive }

// SyncConflictError is returned when the history of a branch diverged and
// can't be reconciled automatically.
type SyncConflictError struct {
	Msg          string
	Branch       string
	SourceCommit string
	TargetCommit string
}

func (e *SyncConflictError) Error() string {
	return format(e.Msg, nil, "branch", e.Branch, "source", e.SourceCommit, "target", e.TargetCommit)
}
func (e *SyncConflictError) Is(target error) bool { return target == ErrSync }
func (e *SyncConflictError) Kind() Kind           { return KindSyncConflict }

// KindOf returns the kind of the first sync error found in err's chain
func KindOf(err error) (Kind, bool) {
	var sErr Error
	if errors.As(err, &sErr) {
		return sErr.Kind(), true
	}
	return "", false
}

// IsRetryable reports whether err is a NetworkError marked as retryable
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Retryable
}

// format renders "msg [k:v ...]: err" skipping empty values
func format(msg string, err error, kv ...string) string {
	s := msg
	var ctx string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		if ctx != "" {
			ctx += " "
		}
		ctx += kv[i] + ":" + kv[i+1]
	}
	if ctx != "" {
		s += " [" + ctx + "]"
	}
	if err != nil {
		s += ": " + err.Error()
	}
	return s
}
