//go:build deadlock_test

package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	// git commands can legitimately hold a lock for a while
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute
}

type Mutex = deadlock.Mutex

type RWMutex = deadlock.RWMutex
