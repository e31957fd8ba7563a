// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"
	"time"

	"github.com/gogpu/gpuqueue/hal"
)

// submitFenceValue is the timeline value signaled by every submission
// on its dedicated fence.
const submitFenceValue = 1

// maintainWaitTimeout bounds a blocking maintenance pass. A fence that
// stays unsignaled this long is treated as a lost device.
const maintainWaitTimeout = 5 * time.Second

// suspectedResources collects ids whose reference count reached zero
// while the owning submission was being processed. They are reclaimed
// when that submission's fence signals.
type suspectedResources struct {
	buffers          []BufferID
	textures         []TextureID
	views            []TextureViewID
	bindGroups       []BindGroupID
	samplers         []SamplerID
	computePipelines []ComputePipelineID
	renderPipelines  []RenderPipelineID
}

func (s *suspectedResources) clear() {
	*s = suspectedResources{}
}

// take moves the collected ids out, leaving the set empty.
func (s *suspectedResources) take() suspectedResources {
	out := *s
	*s = suspectedResources{}
	return out
}

// submissionRecord is everything owed to one in-flight submission:
// the fence that reports its completion, resources to reclaim, staging
// buffers to destroy, and surface presentations to complete.
type submissionRecord struct {
	index       SubmissionIndex
	fence       hal.Fence
	suspected   suspectedResources
	tempBuffers []hal.Buffer
	surfaces    []SurfaceID
}

// lifeTracker orders in-flight submissions oldest first. Completion is
// only ever observed at the head: a signaled fence behind an unsignaled
// one waits its turn, which keeps reclamation in submission order.
type lifeTracker struct {
	records []*submissionRecord

	// done is the highest submission index known to be complete.
	done SubmissionIndex
}

func (lt *lifeTracker) track(rec *submissionRecord) {
	lt.records = append(lt.records, rec)
}

// completed returns the highest fully reaped submission index.
func (lt *lifeTracker) completed() SubmissionIndex { return lt.done }

// inFlight reports the number of submissions not yet reaped.
func (lt *lifeTracker) inFlight() int { return len(lt.records) }

// recordFor returns the oldest record that completes at or after index,
// or nil when every such submission has already been reaped.
func (lt *lifeTracker) recordFor(index SubmissionIndex) *submissionRecord {
	for _, rec := range lt.records {
		if rec.index >= index {
			return rec
		}
	}
	return nil
}

// maintainLocked reaps completed submissions from the head of the life
// tracker. With wait set it blocks until at least the oldest in-flight
// submission completes. Returns map callbacks that must be fired after
// the device lock is released.
func (d *Device) maintainLocked(wait bool) ([]mapCallback, error) {
	var callbacks []mapCallback

	for len(d.life.records) > 0 {
		head := d.life.records[0]

		var timeout time.Duration
		if wait {
			timeout = maintainWaitTimeout
		}
		signaled, err := d.raw.Wait(head.fence, submitFenceValue, timeout)
		if err != nil {
			return callbacks, fmt.Errorf("%w: fence wait failed: %v", ErrDeviceLost, err)
		}
		if !signaled {
			if wait {
				return callbacks, fmt.Errorf("%w: submission %d fence not signaled after %v",
					ErrDeviceLost, head.index, maintainWaitTimeout)
			}
			break
		}
		wait = false

		d.raw.DestroyFence(head.fence)
		for _, t := range head.tempBuffers {
			d.raw.DestroyBuffer(t)
		}
		callbacks = append(callbacks, d.reapSuspectedLocked(head)...)
		for _, sid := range head.surfaces {
			if s, ok := d.surfaces[sid]; ok {
				s.pendingFrames--
				s.presented++
			}
		}

		d.life.done = head.index
		d.life.records = d.life.records[1:]

		Logger().Debug("gpuqueue: reaped submission", "index", head.index)
	}

	callbacks = append(callbacks, d.flushPendingMapsLocked()...)
	d.pool.maintain(d.life.done)
	return callbacks, nil
}

// reapSuspectedLocked reclaims the record's suspected resources. A
// resource that picked up new references or new GPU work since it was
// suspected is skipped or re-suspected instead of destroyed.
func (d *Device) reapSuspectedLocked(rec *submissionRecord) []mapCallback {
	var cbs []mapCallback

	for _, id := range rec.suspected.bindGroups {
		g, ok := d.bindGroups[id]
		if !ok || g.life.alive() {
			continue
		}
		if g.life.lastUsed() > rec.index {
			set := d.suspectLater(g.life.lastUsed())
			set.bindGroups = append(set.bindGroups, id)
			continue
		}
		cbs = append(cbs, d.finalizeBindGroupLocked(g)...)
	}
	for _, id := range rec.suspected.views {
		v, ok := d.views[id]
		if !ok || v.life.alive() {
			continue
		}
		if v.life.lastUsed() > rec.index {
			set := d.suspectLater(v.life.lastUsed())
			set.views = append(set.views, id)
			continue
		}
		d.finalizeViewLocked(v)
	}
	for _, id := range rec.suspected.buffers {
		buf, ok := d.buffers[id]
		if !ok || buf.life.alive() {
			continue
		}
		if buf.life.lastUsed() > rec.index {
			set := d.suspectLater(buf.life.lastUsed())
			set.buffers = append(set.buffers, id)
			continue
		}
		cbs = append(cbs, d.finalizeBufferLocked(buf)...)
	}
	for _, id := range rec.suspected.textures {
		t, ok := d.textures[id]
		if !ok || t.life.alive() {
			continue
		}
		if t.life.lastUsed() > rec.index {
			set := d.suspectLater(t.life.lastUsed())
			set.textures = append(set.textures, id)
			continue
		}
		d.finalizeTextureLocked(t)
	}
	for _, id := range rec.suspected.samplers {
		s, ok := d.samplers[id]
		if !ok || s.life.alive() || s.life.lastUsed() > rec.index {
			continue
		}
		delete(d.samplers, id)
	}
	for _, id := range rec.suspected.computePipelines {
		p, ok := d.computePipelines[id]
		if !ok || p.life.alive() || p.life.lastUsed() > rec.index {
			continue
		}
		delete(d.computePipelines, id)
	}
	for _, id := range rec.suspected.renderPipelines {
		p, ok := d.renderPipelines[id]
		if !ok || p.life.alive() || p.life.lastUsed() > rec.index {
			continue
		}
		delete(d.renderPipelines, id)
	}
	return cbs
}

// suspectLater finds the suspected set covering index: the record of
// the submission that completes it, or the device's next-submission
// set when that submission has not been issued yet. Appending to the
// record currently being reaped is never correct (its sets are being
// drained), and lastUse can legitimately exceed every tracked record
// between a deferred write and the Submit that carries it.
func (d *Device) suspectLater(index SubmissionIndex) *suspectedResources {
	if rec := d.life.recordFor(index); rec != nil {
		return &rec.suspected
	}
	return &d.suspectedNext
}

// flushPendingMapsLocked completes map requests whose GPU work has
// fully drained.
func (d *Device) flushPendingMapsLocked() []mapCallback {
	var cbs []mapCallback
	kept := d.pendingMaps[:0]
	for _, id := range d.pendingMaps {
		buf, ok := d.buffers[id]
		if !ok || buf.mapState != BufferMapStatePending {
			continue
		}
		if buf.life.lastUsed() > d.life.done {
			kept = append(kept, id)
			continue
		}
		if cb, ok := d.finishMapLocked(buf); ok {
			cbs = append(cbs, cb)
		}
	}
	d.pendingMaps = kept
	return cbs
}

// finalizeBufferLocked unregisters and destroys a buffer now. A still
// pending map request is cancelled; its callback is returned.
func (d *Device) finalizeBufferLocked(buf *Buffer) []mapCallback {
	var cbs []mapCallback
	if cb, ok := cancelMapLocked(buf, BufferMapAsyncStatusDestroyedBeforeCallback); ok {
		cbs = append(cbs, cb)
	}
	if buf.mapState == BufferMapStateMapped {
		if err := d.raw.UnmapBuffer(buf.raw); err != nil {
			Logger().Warn("gpuqueue: unmap during buffer reclamation failed",
				"buffer", buf.id, "error", err)
		}
		buf.mapState = BufferMapStateUnmapped
		buf.mapData = nil
	}
	delete(d.buffers, buf.id)
	d.trackers.forgetBuffer(buf.id)
	d.raw.DestroyBuffer(buf.raw)
	return cbs
}

func (d *Device) finalizeTextureLocked(t *Texture) {
	delete(d.textures, t.id)
	d.trackers.forgetTexture(t.id)
	d.raw.DestroyTexture(t.raw)
}

// finalizeViewLocked unregisters a view and releases its reference on
// the underlying texture, which may in turn become reclaimable.
func (d *Device) finalizeViewLocked(v *TextureView) {
	delete(d.views, v.id)
	if tex, ok := d.textures[v.texture]; ok && tex.life.unref() {
		d.suspectTextureLocked(tex)
	}
}

// finalizeBindGroupLocked unregisters a bind group and releases its
// references on everything it bound.
func (d *Device) finalizeBindGroupLocked(g *BindGroup) []mapCallback {
	var cbs []mapCallback
	delete(d.bindGroups, g.id)
	for _, b := range g.buffers {
		if buf, ok := d.buffers[b.Buffer]; ok && buf.life.unref() {
			cbs = append(cbs, d.suspectBufferLocked(buf)...)
		}
	}
	for _, vid := range g.views {
		if v, ok := d.views[vid]; ok && v.life.unref() {
			d.suspectViewLocked(v)
		}
	}
	for _, sid := range g.samplers {
		if s, ok := d.samplers[sid]; ok && s.life.unref() {
			d.suspectSamplerLocked(s)
		}
	}
	return cbs
}

// suspectBufferLocked queues an unreferenced buffer for reclamation,
// destroying it immediately when no GPU work remains on it. GPU work
// includes a deferred write not yet carried by a submission; the buffer
// is then parked until Submit issues it.
func (d *Device) suspectBufferLocked(buf *Buffer) []mapCallback {
	last := buf.life.lastUsed()
	if last <= d.life.done {
		return d.finalizeBufferLocked(buf)
	}
	set := d.suspectLater(last)
	set.buffers = append(set.buffers, buf.id)
	return nil
}

func (d *Device) suspectTextureLocked(t *Texture) {
	last := t.life.lastUsed()
	if last <= d.life.done {
		d.finalizeTextureLocked(t)
		return
	}
	set := d.suspectLater(last)
	set.textures = append(set.textures, t.id)
}

func (d *Device) suspectViewLocked(v *TextureView) {
	last := v.life.lastUsed()
	if last <= d.life.done {
		d.finalizeViewLocked(v)
		return
	}
	set := d.suspectLater(last)
	set.views = append(set.views, v.id)
}

func (d *Device) suspectSamplerLocked(s *Sampler) {
	last := s.life.lastUsed()
	if last <= d.life.done {
		delete(d.samplers, s.id)
		return
	}
	set := d.suspectLater(last)
	set.samplers = append(set.samplers, s.id)
}

// suspectBindGroupLocked queues an unreferenced bind group, cascading
// immediately when no GPU work remains.
func (d *Device) suspectBindGroupLocked(g *BindGroup) []mapCallback {
	last := g.life.lastUsed()
	if last <= d.life.done {
		return d.finalizeBindGroupLocked(g)
	}
	set := d.suspectLater(last)
	set.bindGroups = append(set.bindGroups, g.id)
	return nil
}
