// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package hal defines the hardware abstraction layer driven by gpuqueue.
//
// The interfaces mirror the shape of a wgpu-style HAL: an unsafe, explicit
// layer where the caller is responsible for synchronization, resource state
// transitions, and object lifetimes. gpuqueue is exactly that caller — it
// owns the bookkeeping (usage tracking, submission indices, deferred
// reclamation) so that HAL implementations can stay thin.
//
// Handles (Buffer, Texture, CommandBuffer, Fence) are opaque: a HAL
// implementation returns its own concrete types and receives them back
// unchanged. gpuqueue never inspects a handle.
//
// Fences are timeline values: Queue.Submit signals a value on a fence and
// Device.Wait blocks (or polls, with a zero timeout) until the fence has
// reached a value.
package hal
