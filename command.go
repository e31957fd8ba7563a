// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuqueue/hal"
)

// CommandEncoder records GPU commands and tracks every resource they
// touch. Finish produces a CommandBufferID for Device.Submit.
//
// Encoders serialize through the device lock but are not otherwise
// synchronized; record from one goroutine at a time.
type CommandEncoder struct {
	dev      *Device
	label    string
	enc      hal.CommandEncoder
	trackers *trackerSet
	presents SurfaceID
	finished bool
}

// CreateCommandEncoder opens a new recording.
func (d *Device) CreateCommandEncoder(label string) (*CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, ErrDeviceDestroyed
	}
	enc, err := d.pool.allocate(label)
	if err != nil {
		return nil, fmt.Errorf("%w: command encoder: %v", ErrDeviceLost, err)
	}
	return &CommandEncoder{
		dev:      d,
		label:    label,
		enc:      enc,
		trackers: newTrackerSet(),
		presents: InvalidID,
	}, nil
}

// useBuffer declares the next access to buf and encodes the in-stream
// barrier when the buffer changes state mid-recording.
func (e *CommandEncoder) useBuffer(buf *Buffer, usage gputypes.BufferUsage) {
	if tr := e.trackers.buffers.use(buf.id, usage); tr != nil {
		e.enc.TransitionBuffers([]hal.BufferBarrier{{Buffer: buf.raw, Usage: *tr}})
	}
}

func (e *CommandEncoder) useTexture(tex *Texture, usage gputypes.TextureUsage) {
	if tr := e.trackers.textures.use(tex.id, usage); tr != nil {
		e.enc.TransitionTextures([]hal.TextureBarrier{{Texture: tex.raw, Usage: *tr}})
	}
}

// CopyBufferToBuffer records a copy of size bytes. Source needs CopySrc
// usage and destination CopyDst; missing usage panics. Out-of-bounds
// regions return ErrCopyRangeOutOfBounds.
func (e *CommandEncoder) CopyBufferToBuffer(src, dst BufferID, srcOffset, dstOffset, size uint64) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	s := d.bufferLocked(src)
	t := d.bufferLocked(dst)
	if !s.usage.Contains(gputypes.BufferUsageCopySrc) {
		panic(fmt.Sprintf("gpuqueue: CopyBufferToBuffer: buffer %d lacks CopySrc usage (has %v)", src, s.usage))
	}
	if !t.usage.Contains(gputypes.BufferUsageCopyDst) {
		panic(fmt.Sprintf("gpuqueue: CopyBufferToBuffer: buffer %d lacks CopyDst usage (has %v)", dst, t.usage))
	}
	if srcOffset+size > s.size || dstOffset+size > t.size {
		return fmt.Errorf("%w: %d bytes from %d@%d to %d@%d", ErrCopyRangeOutOfBounds, size, src, srcOffset, dst, dstOffset)
	}
	if size == 0 {
		return nil
	}

	e.useBuffer(s, gputypes.BufferUsageCopySrc)
	e.useBuffer(t, gputypes.BufferUsageCopyDst)
	e.enc.CopyBufferToBuffer(s.raw, t.raw, []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	return nil
}

// CopyBufferToTexture records an upload of tightly packed texel rows.
func (e *CommandEncoder) CopyBufferToTexture(src BufferID, srcOffset uint64, bytesPerRow uint32, dst TextureID, size gputypes.Extent3D) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	s := d.bufferLocked(src)
	t := d.textureLocked(dst)
	if !s.usage.Contains(gputypes.BufferUsageCopySrc) {
		panic(fmt.Sprintf("gpuqueue: CopyBufferToTexture: buffer %d lacks CopySrc usage (has %v)", src, s.usage))
	}
	if t.usage&gputypes.TextureUsageCopyDst == 0 {
		panic(fmt.Sprintf("gpuqueue: CopyBufferToTexture: texture %d lacks CopyDst usage (has %v)", dst, t.usage))
	}

	e.useBuffer(s, gputypes.BufferUsageCopySrc)
	e.useTexture(t, gputypes.TextureUsageCopyDst)
	e.enc.CopyBufferToTexture(s.raw, t.raw, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: srcOffset, BytesPerRow: bytesPerRow},
		Size: hal.Extent3D{
			Width:              size.Width,
			Height:             size.Height,
			DepthOrArrayLayers: size.DepthOrArrayLayers,
		},
	}})
	return nil
}

// CopyTextureToBuffer records a readback of tightly packed texel rows.
func (e *CommandEncoder) CopyTextureToBuffer(src TextureID, dst BufferID, dstOffset uint64, bytesPerRow uint32, size gputypes.Extent3D) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	s := d.textureLocked(src)
	t := d.bufferLocked(dst)
	if s.usage&gputypes.TextureUsageCopySrc == 0 {
		panic(fmt.Sprintf("gpuqueue: CopyTextureToBuffer: texture %d lacks CopySrc usage (has %v)", src, s.usage))
	}
	if !t.usage.Contains(gputypes.BufferUsageCopyDst) {
		panic(fmt.Sprintf("gpuqueue: CopyTextureToBuffer: buffer %d lacks CopyDst usage (has %v)", dst, t.usage))
	}

	e.useTexture(s, gputypes.TextureUsageCopySrc)
	e.useBuffer(t, gputypes.BufferUsageCopyDst)
	e.enc.CopyTextureToBuffer(s.raw, t.raw, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: dstOffset, BytesPerRow: bytesPerRow},
		Size: hal.Extent3D{
			Width:              size.Width,
			Height:             size.Height,
			DepthOrArrayLayers: size.DepthOrArrayLayers,
		},
	}})
	return nil
}

// UseBindGroup declares that the recorded work binds group, tracking
// the group and everything it references.
func (e *CommandEncoder) UseBindGroup(id BindGroupID) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	g := d.bindGroupLocked(id)
	e.trackers.bindGroups.use(id)
	for _, b := range g.buffers {
		buf := d.bufferLocked(b.Buffer)
		usage := gputypes.BufferUsageStorage
		if b.ReadOnly {
			usage = gputypes.BufferUsageUniform
		}
		e.useBuffer(buf, usage)
	}
	for _, vid := range g.views {
		v := d.viewLocked(vid)
		e.trackers.views.use(vid)
		e.useTexture(d.textureLocked(v.texture), gputypes.TextureUsageTextureBinding)
	}
	for _, sid := range g.samplers {
		d.samplerLocked(sid)
		e.trackers.samplers.use(sid)
	}
	return nil
}

// UseTextureView declares a sampled read through the view.
func (e *CommandEncoder) UseTextureView(id TextureViewID) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	v := d.viewLocked(id)
	e.trackers.views.use(id)
	e.useTexture(d.textureLocked(v.texture), gputypes.TextureUsageTextureBinding)
	return nil
}

// UseComputePipeline declares the recorded work runs the pipeline.
func (e *CommandEncoder) UseComputePipeline(id ComputePipelineID) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	d.computePipelineLocked(id)
	e.trackers.computePipelines.use(id)
	return nil
}

// UseRenderPipeline declares the recorded work runs the pipeline.
func (e *CommandEncoder) UseRenderPipeline(id RenderPipelineID) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	d.renderPipelineLocked(id)
	e.trackers.renderPipelines.use(id)
	return nil
}

// PresentSurface marks the recording as presenting the surface's
// acquired frame. The acquired view is rendered to as an attachment.
func (e *CommandEncoder) PresentSurface(id SurfaceID) error {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return ErrEncoderFinished
	}
	s := d.surfaceLocked(id)
	if s.acquiredView == InvalidID {
		return ErrSurfaceNotAcquired
	}
	v := d.viewLocked(s.acquiredView)
	e.trackers.views.use(s.acquiredView)
	e.useTexture(d.textureLocked(v.texture), gputypes.TextureUsageRenderAttachment)
	e.presents = id
	return nil
}

// Finish closes the recording and registers it for submission.
func (e *CommandEncoder) Finish() (CommandBufferID, error) {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return InvalidID, ErrEncoderFinished
	}
	e.finished = true
	raw, err := e.enc.EndEncoding()
	if err != nil {
		return InvalidID, fmt.Errorf("%w: end encoding: %v", ErrDeviceLost, err)
	}
	e.enc = nil

	id := CommandBufferID(d.nextID.Add(1))
	d.commandBuffers[id] = &commandBuffer{
		id:       id,
		raw:      []hal.CommandBuffer{raw},
		trackers: e.trackers,
		presents: e.presents,
	}
	return id, nil
}

// Discard abandons an unfinished recording.
func (e *CommandEncoder) Discard() {
	d := e.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.finished {
		return
	}
	e.finished = true
	d.pool.discard(e.enc)
	e.enc = nil
}

// DestroyCommandBuffer releases a recorded command buffer without
// submitting it.
func (d *Device) DestroyCommandBuffer(id CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.commandBuffers[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown command buffer id %d", id))
	}
	delete(d.commandBuffers, id)
	for _, raw := range cb.raw {
		d.raw.FreeCommandBuffer(raw)
	}
}
