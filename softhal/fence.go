// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package softhal

import (
	"sync"
	"time"
)

// Fence is a software timeline fence. Its value only moves forward.
type Fence struct {
	mu        sync.Mutex
	cond      *sync.Cond
	value     uint64
	destroyed bool
}

func newFence() *Fence {
	f := &Fence{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Value returns the highest signaled value.
func (f *Fence) Value() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *Fence) signal(value uint64) {
	f.mu.Lock()
	if value > f.value {
		f.value = value
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

func (f *Fence) destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		panic("softhal: fence destroyed twice")
	}
	f.destroyed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// wait blocks until the fence reaches value or timeout expires.
// A timeout of zero polls.
func (f *Fence) wait(value uint64, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.value >= value {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}
	deadline := time.Now().Add(timeout)
	for f.value < value && !f.destroyed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		// sync.Cond has no timed wait; a timer broadcast bounds it.
		t := time.AfterFunc(remaining, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		})
		f.cond.Wait()
		t.Stop()
	}
	return f.value >= value, nil
}
