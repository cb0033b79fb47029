//go:build !deadlock_test

// Package lock provides the mutex types used across the module. Building with
// the deadlock_test tag swaps them for go-deadlock implementations.
package lock

import "sync"

type Mutex = sync.Mutex

type RWMutex = sync.RWMutex
