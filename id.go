// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

// InvalidID is the zero value of every ID type and never names a
// live resource.
const InvalidID = 0

// BufferID identifies a buffer registered with a Device.
type BufferID uint64

// TextureID identifies a texture registered with a Device.
type TextureID uint64

// TextureViewID identifies a texture view.
type TextureViewID uint64

// BindGroupID identifies a bind group.
type BindGroupID uint64

// SamplerID identifies a sampler.
type SamplerID uint64

// ComputePipelineID identifies a compute pipeline.
type ComputePipelineID uint64

// RenderPipelineID identifies a render pipeline.
type RenderPipelineID uint64

// SurfaceID identifies a presentable surface.
type SurfaceID uint64

// CommandBufferID identifies a finished, not yet submitted command buffer.
type CommandBufferID uint64

// SubmissionIndex orders queue submissions. The device-wide counter
// starts at zero and is incremented once per Submit; index 0 means
// "never used by the GPU". Completion is monotonic: when submission n
// is observed complete, every submission up to n is complete.
type SubmissionIndex uint64
