// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import "sync/atomic"

// lifeGuard tracks when a resource was last handed to the GPU and how
// many external references it still holds. Both fields are atomic so
// that lastUse can be read by maintenance passes without the device
// lock.
//
// lastUse never decreases. A resource is reclaimable once its refcount
// is zero and every submission up to lastUse has completed.
type lifeGuard struct {
	lastUse atomic.Uint64
	refs    atomic.Int32
}

// init stores the creator's single reference. Called once, before the
// resource is published.
func (g *lifeGuard) init() {
	g.refs.Store(1)
}

// useAt raises lastUse to index (never lowering it) and reports whether
// the resource still holds external references. A false result means
// the resource should be suspected for reclamation once index completes.
func (g *lifeGuard) useAt(index SubmissionIndex) bool {
	for {
		old := g.lastUse.Load()
		if uint64(index) <= old {
			break
		}
		if g.lastUse.CompareAndSwap(old, uint64(index)) {
			break
		}
	}
	return g.refs.Load() > 0
}

// lastUsed returns the highest submission index the resource was
// handed to.
func (g *lifeGuard) lastUsed() SubmissionIndex {
	return SubmissionIndex(g.lastUse.Load())
}

// ref adds an external reference.
func (g *lifeGuard) ref() { g.refs.Add(1) }

// unref drops an external reference and reports whether it was the last.
func (g *lifeGuard) unref() bool {
	n := g.refs.Add(-1)
	if n < 0 {
		panic("gpuqueue: resource reference count went negative")
	}
	return n == 0
}

// alive reports whether any external reference remains.
func (g *lifeGuard) alive() bool { return g.refs.Load() > 0 }
