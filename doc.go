// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpuqueue implements the submission and resource-lifetime core
// of a GPU command execution engine.
//
// The package owns the bookkeeping a raw hardware abstraction (package
// hal) refuses to do: per-resource usage-state tracking with minimal
// barrier generation, submission indexing, deferred host writes staged
// through temporary buffers, and fence-ordered deferred reclamation of
// resources that are still referenced by in-flight GPU work.
//
// The central type is Device. Typical flow:
//
//	dev := gpuqueue.New(halDevice, halQueue)
//	buf, _ := dev.CreateBuffer(&gpuqueue.BufferDescriptor{Size: 256, Usage: ...})
//	dev.WriteBuffer(buf, 0, data)          // deferred, staged
//	enc, _ := dev.CreateCommandEncoder("frame")
//	enc.CopyBufferToBuffer(buf, dst, 0, 0, 256)
//	cb, _ := enc.Finish()
//	dev.Submit([]gpuqueue.CommandBufferID{cb})
//	dev.Poll(false)                        // reap completed work
//
// Errors follow two regimes. Breaking the caller contract (unknown id,
// missing usage flag, submitting a host-mapped buffer) panics with a
// descriptive message. Hardware failures (fence creation, submission)
// are returned as errors wrapping ErrDeviceLost; the device is then
// unusable and no retry is attempted.
//
// All Device methods are safe for concurrent use.
package gpuqueue
