// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuqueue/hal"
)

// BufferDescriptor describes a buffer created through Device.CreateBuffer.
type BufferDescriptor struct {
	// Label is attached to the underlying hal buffer for debugging.
	Label string

	// Size in bytes.
	Size uint64

	// Usage declares every state the buffer may be used in. Operations
	// requiring a usage the buffer was not created with panic.
	Usage gputypes.BufferUsage

	// MappedAtCreation makes the buffer host-mappable immediately.
	MappedAtCreation bool
}

// TextureDescriptor describes a texture created through Device.CreateTexture.
type TextureDescriptor struct {
	Label         string
	Size          gputypes.Extent3D
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	MipLevelCount uint32
	SampleCount   uint32
}

// BufferBinding references one buffer from a bind group.
type BufferBinding struct {
	Buffer BufferID

	// ReadOnly binds the buffer for shader reads (uniform); otherwise
	// it is bound as writable storage.
	ReadOnly bool
}

// BindGroupDescriptor describes a bind group. A bind group holds
// references on everything it binds; the referenced resources stay
// alive at least as long as the group.
type BindGroupDescriptor struct {
	Label    string
	Buffers  []BufferBinding
	Views    []TextureViewID
	Samplers []SamplerID
}

// Buffer is the tracked wrapper around a hal buffer. All fields except
// the life guard are guarded by the device lock.
type Buffer struct {
	id    BufferID
	raw   hal.Buffer
	size  uint64
	usage gputypes.BufferUsage
	life  lifeGuard

	mapState    BufferMapState
	mapMode     gputypes.MapMode
	mapOffset   uint64
	mapSize     uint64
	mapData     []byte
	mapCallback func(BufferMapAsyncStatus)
}

// Texture is the tracked wrapper around a hal texture.
type Texture struct {
	id    TextureID
	raw   hal.Texture
	size  gputypes.Extent3D
	usage gputypes.TextureUsage
	life  lifeGuard
}

// TextureView is a view onto a texture. The view holds a reference on
// its texture.
type TextureView struct {
	id      TextureViewID
	texture TextureID
	life    lifeGuard
}

// BindGroup holds references on the resources it binds. The references
// are released when the group itself is reclaimed.
type BindGroup struct {
	id       BindGroupID
	life     lifeGuard
	buffers  []BufferBinding
	views    []TextureViewID
	samplers []SamplerID
}

// Sampler is a tracked sampler handle.
type Sampler struct {
	id   SamplerID
	life lifeGuard
}

// ComputePipeline is a tracked compute pipeline handle.
type ComputePipeline struct {
	id    ComputePipelineID
	label string
	life  lifeGuard
}

// RenderPipeline is a tracked render pipeline handle.
type RenderPipeline struct {
	id    RenderPipelineID
	label string
	life  lifeGuard
}

// Surface is a presentable output. Between AcquireSurfaceView and the
// submit that presents it, the surface holds an acquired view; a
// submission presenting the surface when no acquired view remains is a
// fatal caller error.
type Surface struct {
	id   SurfaceID
	life lifeGuard

	// acquiredView is the texture view of the current frame, or
	// InvalidID when none is acquired.
	acquiredView TextureViewID

	// pendingFrames counts presentations submitted but not yet
	// completed on the device.
	pendingFrames int

	// presented counts completed presentations.
	presented uint64
}

// commandBuffer is a finished recording waiting for Submit. It owns
// its raw hal command buffers until they are handed to the pool.
type commandBuffer struct {
	id       CommandBufferID
	raw      []hal.CommandBuffer
	trackers *trackerSet

	// presents is the surface this command buffer presents, or
	// InvalidID.
	presents SurfaceID
}
