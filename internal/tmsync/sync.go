//go:build !deadlock

// Package tmsync provides the mutex types used anywhere MeshServer state
// crosses from the Reactor thread to another goroutine (currently: the
// debug server's read-only snapshots). It mirrors the teacher's own
// libs/sync fork: a plain build selects stdlib sync, the "deadlock" build
// tag swaps in github.com/sasha-s/go-deadlock so CI can catch an
// accidental double-lock without paying its overhead in production.
package tmsync

import "sync"

// Mutex is sync.Mutex, swapped for a deadlock-checked implementation under
// the "deadlock" build tag.
type Mutex = sync.Mutex

// RWMutex is sync.RWMutex, swapped for a deadlock-checked implementation
// under the "deadlock" build tag.
type RWMutex = sync.RWMutex
