// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a time source that tests can pin.
package clock

import (
	"sync"
	"time"
)

var (
	mu    sync.RWMutex
	nowFn = time.Now
)

// Now returns the current time from the active source.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFn()
}

// Set replaces the time source and returns a restore function.
// Intended for tests only.
func Set(fn func() time.Time) func() {
	mu.Lock()
	nowFn = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		nowFn = time.Now
		mu.Unlock()
	}
}
