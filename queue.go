// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"

	"github.com/gogpu/gpuqueue/hal"
)

// Submit hands the recorded command buffers to the hardware queue as
// one submission, in order, behind any pending deferred writes.
//
// For every resource the command buffers touch, Submit advances the
// resource's last-use index and moves its global usage state to the
// command buffer's states, emitting the minimal transit barriers in a
// command buffer of its own ahead of each user recording. Resources
// whose reference count reached zero are queued for reclamation once
// this submission's fence signals.
//
// Submitting a host-mapped buffer panics before anything reaches the
// hardware. A fence creation or queue failure is a device loss.
// Submit(nil) is valid: it flushes pending writes and advances the
// submission index.
func (d *Device) Submit(ids []CommandBufferID) error {
	var callbacks []mapCallback
	err := d.submitLocked(ids, &callbacks)
	fireMapCallbacks(callbacks)
	return err
}

func (d *Device) submitLocked(ids []CommandBufferID, callbacks *[]mapCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDeviceDestroyed
	}

	pendingCB, hasPending, err := d.pending.take()
	if err != nil {
		return fmt.Errorf("%w: pending writes encoding: %v", ErrDeviceLost, err)
	}

	// Resources dropped after a deferred write were parked for this
	// submission; it now owns their reclamation.
	d.suspected = d.suspectedNext.take()
	index := SubmissionIndex(d.submitIndex.Add(1))

	var submitRaws []hal.CommandBuffer
	var internalRaws []hal.CommandBuffer
	if hasPending {
		submitRaws = append(submitRaws, pendingCB)
		internalRaws = append(internalRaws, pendingCB)
	}

	var presented []SurfaceID
	var userCBs []*commandBuffer
	for _, id := range ids {
		cb, ok := d.commandBuffers[id]
		if !ok {
			panic(fmt.Sprintf("gpuqueue: submit of unknown or already consumed command buffer %d", id))
		}
		// Consuming the id here makes a duplicate in the same call hit
		// the panic above.
		delete(d.commandBuffers, id)
		userCBs = append(userCBs, cb)

		if cb.presents != InvalidID {
			s := d.surfaceLocked(cb.presents)
			if s.acquiredView == InvalidID {
				panic(fmt.Sprintf("gpuqueue: surface %d lost its acquired view before submit", cb.presents))
			}
			s.pendingFrames++
			s.acquiredView = InvalidID
			presented = append(presented, cb.presents)
		}

		cb.trackers.optimize()

		for bid := range cb.trackers.buffers.used() {
			buf := d.bufferLocked(bid)
			if buf.mapState == BufferMapStateMapped {
				panic(fmt.Sprintf("gpuqueue: buffer %d submitted while host-mapped", bid))
			}
			if !buf.life.useAt(index) {
				if buf.mapState == BufferMapStatePending {
					Logger().Warn("gpuqueue: dropped buffer has a pending map request, unmapping",
						"buffer", bid, "submission", index)
					if mc, ok := cancelMapLocked(buf, BufferMapAsyncStatusUnmappedBeforeCallback); ok {
						*callbacks = append(*callbacks, mc)
					}
				}
				d.suspected.buffers = append(d.suspected.buffers, bid)
			}
		}
		for tid := range cb.trackers.textures.used() {
			if !d.textureLocked(tid).life.useAt(index) {
				d.suspected.textures = append(d.suspected.textures, tid)
			}
		}
		for vid := range cb.trackers.views.used() {
			if !d.viewLocked(vid).life.useAt(index) {
				d.suspected.views = append(d.suspected.views, vid)
			}
		}
		for gid := range cb.trackers.bindGroups.used() {
			if !d.bindGroupLocked(gid).life.useAt(index) {
				d.suspected.bindGroups = append(d.suspected.bindGroups, gid)
			}
		}
		for sid := range cb.trackers.samplers.used() {
			if !d.samplerLocked(sid).life.useAt(index) {
				d.suspected.samplers = append(d.suspected.samplers, sid)
			}
		}
		for pid := range cb.trackers.computePipelines.used() {
			if !d.computePipelineLocked(pid).life.useAt(index) {
				d.suspected.computePipelines = append(d.suspected.computePipelines, pid)
			}
		}
		for pid := range cb.trackers.renderPipelines.used() {
			if !d.renderPipelineLocked(pid).life.useAt(index) {
				d.suspected.renderPipelines = append(d.suspected.renderPipelines, pid)
			}
		}

		bufBarriers := d.trackers.mergeBuffers(cb.trackers.buffers, d.bufferLocked)
		texBarriers := d.trackers.mergeTextures(cb.trackers.textures, d.textureLocked)
		if len(bufBarriers)+len(texBarriers) > 0 {
			enc, err := d.pool.allocate("transit")
			if err != nil {
				return fmt.Errorf("%w: transit encoder: %v", ErrDeviceLost, err)
			}
			if len(bufBarriers) > 0 {
				enc.TransitionBuffers(bufBarriers)
			}
			if len(texBarriers) > 0 {
				enc.TransitionTextures(texBarriers)
			}
			transit, err := enc.EndEncoding()
			if err != nil {
				return fmt.Errorf("%w: transit encoding: %v", ErrDeviceLost, err)
			}
			internalRaws = append(internalRaws, transit)
			submitRaws = append(submitRaws, transit)
		}
		submitRaws = append(submitRaws, cb.raw...)
	}

	fence, err := d.raw.CreateFence()
	if err != nil {
		return fmt.Errorf("%w: fence creation: %v", ErrDeviceLost, err)
	}
	if err := d.queue.Submit(submitRaws, fence, submitFenceValue); err != nil {
		d.raw.DestroyFence(fence)
		return fmt.Errorf("%w: queue submit: %v", ErrDeviceLost, err)
	}

	d.pool.afterSubmit(internalRaws, index)

	// Maintenance runs before the new record is tracked, so a fence
	// signaling instantly cannot reclaim this submission's resources
	// within the same call.
	cbs, merr := d.maintainLocked(false)
	*callbacks = append(*callbacks, cbs...)

	d.life.track(&submissionRecord{
		index:       index,
		fence:       fence,
		suspected:   d.suspected.take(),
		tempBuffers: d.pending.drainTemp(),
		surfaces:    presented,
	})

	for _, cb := range userCBs {
		d.pool.afterSubmit(cb.raw, index)
	}

	Logger().Debug("gpuqueue: submitted", "index", index,
		"commandBuffers", len(ids), "pendingWrites", hasPending)
	return merr
}
