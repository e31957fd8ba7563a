// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuqueue/hal"
)

// pendingWrites batches deferred host writes recorded between
// submissions. The encoder is opened lazily on the first write and
// consumed by the next Submit, which places it ahead of every user
// command buffer. Temp staging buffers live until that submission's
// fence signals.
type pendingWrites struct {
	encoder    hal.CommandEncoder
	hasEncoder bool

	tempBuffers []hal.Buffer
}

// open returns the active encoder, creating one if needed.
func (pw *pendingWrites) open(pool *commandPool) (hal.CommandEncoder, error) {
	if !pw.hasEncoder {
		enc, err := pool.allocate("pending-writes")
		if err != nil {
			return nil, err
		}
		pw.encoder = enc
		pw.hasEncoder = true
	}
	return pw.encoder, nil
}

// take closes the active encoder and returns its command buffer.
// Reports false when no writes were recorded since the last take.
func (pw *pendingWrites) take() (hal.CommandBuffer, bool, error) {
	if !pw.hasEncoder {
		return nil, false, nil
	}
	enc := pw.encoder
	pw.encoder = nil
	pw.hasEncoder = false
	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, false, err
	}
	return cb, true, nil
}

// drainTemp hands the accumulated staging buffers to the caller, who
// must keep them alive until the consuming submission completes.
func (pw *pendingWrites) drainTemp() []hal.Buffer {
	t := pw.tempBuffers
	pw.tempBuffers = nil
	return t
}

// dispose abandons unconsumed state at device teardown.
func (pw *pendingWrites) dispose(dev hal.Device, pool *commandPool) {
	if pw.hasEncoder {
		pool.discard(pw.encoder)
		pw.encoder = nil
		pw.hasEncoder = false
	}
	for _, b := range pw.tempBuffers {
		dev.DestroyBuffer(b)
	}
	pw.tempBuffers = nil
}

// WriteBuffer schedules a host-to-device write of data into dst at
// offset. It returns immediately; the copy executes at the start of the
// next Submit, before any user command buffer, via an internal staging
// buffer. Data is captured by copy, so the caller may reuse it.
//
// The destination must have CopyDst usage and the write must lie within
// it; offset and length must be multiples of 4. Violations panic.
// A staging allocation failure is a device loss.
func (d *Device) WriteBuffer(dst BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDeviceDestroyed
	}
	buf := d.bufferLocked(dst)
	if !buf.usage.Contains(gputypes.BufferUsageCopyDst) {
		panic(fmt.Sprintf("gpuqueue: WriteBuffer: buffer %d lacks CopyDst usage (has %v)", dst, buf.usage))
	}
	size := uint64(len(data))
	if offset%copyBufferAlignment != 0 || size%copyBufferAlignment != 0 {
		panic(fmt.Sprintf("gpuqueue: WriteBuffer: offset %d and size %d must be multiples of %d", offset, size, copyBufferAlignment))
	}
	if offset+size > buf.size {
		panic(fmt.Sprintf("gpuqueue: WriteBuffer: [%d, %d) exceeds buffer %d size %d", offset, offset+size, dst, buf.size))
	}
	if size == 0 {
		return nil
	}

	// The write lands in the submission about to happen, so the
	// destination's lifetime extends to the next index.
	next := SubmissionIndex(d.submitIndex.Load() + 1)
	buf.life.useAt(next)
	transition := d.trackers.useReplaceBuffer(buf, gputypes.BufferUsageCopyDst)

	staging, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label:            "write-staging",
		Size:             size,
		Usage:            gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
		MappedAtCreation: true,
	})
	if err != nil {
		return fmt.Errorf("%w: staging allocation failed: %v", ErrDeviceLost, err)
	}
	mapped, err := d.raw.MapBuffer(staging, 0, size)
	if err != nil {
		d.raw.DestroyBuffer(staging)
		return fmt.Errorf("%w: staging map failed: %v", ErrDeviceLost, err)
	}
	copy(mapped, data)
	if err := d.raw.UnmapBuffer(staging); err != nil {
		d.raw.DestroyBuffer(staging)
		return fmt.Errorf("%w: staging unmap failed: %v", ErrDeviceLost, err)
	}

	enc, err := d.pending.open(&d.pool)
	if err != nil {
		d.raw.DestroyBuffer(staging)
		return fmt.Errorf("%w: pending-writes encoder: %v", ErrDeviceLost, err)
	}

	// The staging transition is chained with the destination's so both
	// land in one barrier batch.
	barriers := []hal.BufferBarrier{{
		Buffer: staging,
		Usage: hal.BufferUsageTransition{
			OldUsage: gputypes.BufferUsageMapWrite,
			NewUsage: gputypes.BufferUsageCopySrc,
		},
	}}
	if transition != nil {
		barriers = append(barriers, *transition)
	}
	enc.TransitionBuffers(barriers)
	enc.CopyBufferToBuffer(staging, buf.raw, []hal.BufferCopy{{
		SrcOffset: 0,
		DstOffset: offset,
		Size:      size,
	}})

	d.pending.tempBuffers = append(d.pending.tempBuffers, staging)
	return nil
}
