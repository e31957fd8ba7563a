// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hal

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Buffer is an opaque handle to a device buffer.
type Buffer interface{}

// Texture is an opaque handle to a device texture.
type Texture interface{}

// CommandBuffer is an opaque handle to a finished, submittable
// command buffer.
type CommandBuffer interface{}

// Fence is an opaque handle to a timeline fence.
type Fence interface{}

// Extent3D describes the size of a texture.
type Extent3D struct {
	Width              uint32
	Height             uint32
	DepthOrArrayLayers uint32
}

// Origin3D is a texel offset into a texture.
type Origin3D struct {
	X uint32
	Y uint32
	Z uint32
}

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// MappedAtCreation requests the buffer be host-visible and
	// mappable immediately, before any device use.
	MappedAtCreation bool
}

// TextureDescriptor describes a texture allocation.
type TextureDescriptor struct {
	Label         string
	Size          Extent3D
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	MipLevelCount uint32
	SampleCount   uint32
}

// CommandEncoderDescriptor names a command encoder.
type CommandEncoderDescriptor struct {
	Label string
}

// BufferCopy is a region copied between two buffers.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// ImageDataLayout describes the memory layout of texel data in a buffer.
type ImageDataLayout struct {
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

// BufferTextureCopy is a region copied between a buffer and a texture.
type BufferTextureCopy struct {
	BufferLayout ImageDataLayout
	MipLevel     uint32
	Origin       Origin3D
	Size         Extent3D
}

// BufferUsageTransition is a buffer state change requiring a barrier.
type BufferUsageTransition struct {
	OldUsage gputypes.BufferUsage
	NewUsage gputypes.BufferUsage
}

// BufferBarrier transitions one buffer between usage states.
type BufferBarrier struct {
	Buffer Buffer
	Usage  BufferUsageTransition
}

// TextureUsageTransition is a texture state change requiring a barrier.
type TextureUsageTransition struct {
	OldUsage gputypes.TextureUsage
	NewUsage gputypes.TextureUsage
}

// TextureBarrier transitions one texture between usage states.
type TextureBarrier struct {
	Texture Texture
	Usage   TextureUsageTransition
}

// Device creates and destroys raw resources. All synchronization and
// state tracking is the caller's responsibility.
type Device interface {
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	DestroyBuffer(buf Buffer)

	// MapBuffer exposes size bytes of a host-visible buffer starting at
	// offset. The returned slice aliases device memory and stays valid
	// until UnmapBuffer.
	MapBuffer(buf Buffer, offset, size uint64) ([]byte, error)
	UnmapBuffer(buf Buffer) error

	CreateTexture(desc *TextureDescriptor) (Texture, error)
	DestroyTexture(tex Texture)

	CreateCommandEncoder(desc *CommandEncoderDescriptor) (CommandEncoder, error)
	FreeCommandBuffer(cb CommandBuffer)

	CreateFence() (Fence, error)
	DestroyFence(fence Fence)

	// Wait blocks until the fence reaches value or the timeout expires.
	// A zero timeout polls. Reports whether the value was reached.
	Wait(fence Fence, value uint64, timeout time.Duration) (bool, error)
}

// Queue accepts finished command buffers for execution.
type Queue interface {
	// Submit enqueues buffers in order and signals value on fence once
	// all of them have completed on the device.
	Submit(buffers []CommandBuffer, fence Fence, signalValue uint64) error
}

// CommandEncoder records device commands between BeginEncoding and
// EndEncoding. Encoders are not safe for concurrent use.
type CommandEncoder interface {
	BeginEncoding(label string) error

	TransitionBuffers(barriers []BufferBarrier)
	TransitionTextures(barriers []TextureBarrier)

	CopyBufferToBuffer(src, dst Buffer, regions []BufferCopy)
	CopyBufferToTexture(src Buffer, dst Texture, regions []BufferTextureCopy)
	CopyTextureToBuffer(src Texture, dst Buffer, regions []BufferTextureCopy)

	// EndEncoding closes the encoder and returns the recorded commands.
	// The encoder must not be reused afterwards.
	EndEncoding() (CommandBuffer, error)

	// DiscardEncoding abandons the recording without producing a
	// command buffer.
	DiscardEncoding()
}
