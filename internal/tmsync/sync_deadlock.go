//go:build deadlock

package tmsync

import "github.com/sasha-s/go-deadlock"

// Mutex is go-deadlock's Mutex when built with -tags deadlock.
type Mutex = deadlock.Mutex

// RWMutex is go-deadlock's RWMutex when built with -tags deadlock.
type RWMutex = deadlock.RWMutex
