// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Alignment requirements for buffer operations.
const (
	// copyBufferAlignment: buffer sizes are rounded up to this.
	copyBufferAlignment = 4

	// mapOffsetAlignment: map offsets must be multiples of this.
	mapOffsetAlignment = 8

	// mapSizeAlignment: map sizes must be multiples of this.
	mapSizeAlignment = 4
)

// BufferMapState represents the mapping state of a buffer.
type BufferMapState int

const (
	// BufferMapStateUnmapped means the buffer is not mapped.
	BufferMapStateUnmapped BufferMapState = iota
	// BufferMapStatePending means a map request waits for in-flight
	// GPU work on the buffer to complete.
	BufferMapStatePending
	// BufferMapStateMapped means host memory is exposed.
	BufferMapStateMapped
)

// String returns the string representation of BufferMapState.
func (s BufferMapState) String() string {
	switch s {
	case BufferMapStateUnmapped:
		return "Unmapped"
	case BufferMapStatePending:
		return "Pending"
	case BufferMapStateMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("BufferMapState(%d)", int(s))
	}
}

// BufferMapAsyncStatus represents the result of an async map operation.
type BufferMapAsyncStatus int

const (
	// BufferMapAsyncStatusSuccess indicates mapping completed successfully.
	BufferMapAsyncStatusSuccess BufferMapAsyncStatus = iota
	// BufferMapAsyncStatusValidationError indicates a validation error.
	BufferMapAsyncStatusValidationError
	// BufferMapAsyncStatusUnknown indicates an unknown error.
	BufferMapAsyncStatusUnknown
	// BufferMapAsyncStatusDeviceLost indicates the device was lost.
	BufferMapAsyncStatusDeviceLost
	// BufferMapAsyncStatusDestroyedBeforeCallback indicates the buffer
	// was destroyed before the mapping completed.
	BufferMapAsyncStatusDestroyedBeforeCallback
	// BufferMapAsyncStatusUnmappedBeforeCallback indicates the buffer
	// was unmapped before the mapping completed.
	BufferMapAsyncStatusUnmappedBeforeCallback
	// BufferMapAsyncStatusMappingAlreadyPending indicates another map
	// is pending.
	BufferMapAsyncStatusMappingAlreadyPending
	// BufferMapAsyncStatusOffsetOutOfRange indicates offset is out of range.
	BufferMapAsyncStatusOffsetOutOfRange
	// BufferMapAsyncStatusSizeOutOfRange indicates size is out of range.
	BufferMapAsyncStatusSizeOutOfRange
)

// String returns the string representation of BufferMapAsyncStatus.
func (s BufferMapAsyncStatus) String() string {
	switch s {
	case BufferMapAsyncStatusSuccess:
		return "Success"
	case BufferMapAsyncStatusValidationError:
		return "ValidationError"
	case BufferMapAsyncStatusUnknown:
		return "Unknown"
	case BufferMapAsyncStatusDeviceLost:
		return "DeviceLost"
	case BufferMapAsyncStatusDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	case BufferMapAsyncStatusUnmappedBeforeCallback:
		return "UnmappedBeforeCallback"
	case BufferMapAsyncStatusMappingAlreadyPending:
		return "MappingAlreadyPending"
	case BufferMapAsyncStatusOffsetOutOfRange:
		return "OffsetOutOfRange"
	case BufferMapAsyncStatusSizeOutOfRange:
		return "SizeOutOfRange"
	default:
		return fmt.Sprintf("BufferMapAsyncStatus(%d)", int(s))
	}
}

// mapCallback pairs a user callback with the status to deliver.
// Callbacks are collected under the device lock and fired after it is
// released, so a callback may re-enter the device freely.
type mapCallback struct {
	fn     func(BufferMapAsyncStatus)
	status BufferMapAsyncStatus
}

func fireMapCallbacks(cbs []mapCallback) {
	for _, cb := range cbs {
		if cb.fn != nil {
			cb.fn(cb.status)
		}
	}
}

// MapBufferAsync requests host access to size bytes of the buffer at
// offset. The callback fires from a later Poll or Submit once all
// in-flight GPU work using the buffer has completed; on validation
// failure it fires before MapBufferAsync returns, together with a
// non-nil error.
//
// The mode must match the buffer's MapRead/MapWrite usage. Offset must
// be a multiple of 8 and size a multiple of 4. A size of zero maps the
// remainder of the buffer.
func (d *Device) MapBufferAsync(id BufferID, mode gputypes.MapMode, offset, size uint64, callback func(BufferMapAsyncStatus)) error {
	if callback == nil {
		return ErrCallbackNil
	}

	d.mu.Lock()
	buf := d.bufferLocked(id)
	status, err := d.mapAsyncLocked(buf, mode, offset, size, callback)
	d.mu.Unlock()

	if err != nil {
		callback(status)
	}
	return err
}

func (d *Device) mapAsyncLocked(buf *Buffer, mode gputypes.MapMode, offset, size uint64, callback func(BufferMapAsyncStatus)) (BufferMapAsyncStatus, error) {
	if d.destroyed {
		return BufferMapAsyncStatusDeviceLost, ErrDeviceDestroyed
	}
	if buf.mapState != BufferMapStateUnmapped {
		return BufferMapAsyncStatusMappingAlreadyPending, ErrBufferAlreadyMapped
	}
	switch mode {
	case gputypes.MapModeRead:
		if !buf.usage.Contains(gputypes.BufferUsageMapRead) {
			return BufferMapAsyncStatusValidationError, ErrMapUsageMismatch
		}
	case gputypes.MapModeWrite:
		if !buf.usage.Contains(gputypes.BufferUsageMapWrite) {
			return BufferMapAsyncStatusValidationError, ErrMapUsageMismatch
		}
	default:
		return BufferMapAsyncStatusValidationError, ErrMapUsageMismatch
	}
	if offset > buf.size {
		return BufferMapAsyncStatusOffsetOutOfRange, ErrInvalidMapRange
	}
	if size == 0 {
		size = buf.size - offset
	}
	if offset+size > buf.size {
		return BufferMapAsyncStatusSizeOutOfRange, ErrInvalidMapRange
	}
	if offset%mapOffsetAlignment != 0 || size%mapSizeAlignment != 0 {
		return BufferMapAsyncStatusValidationError, ErrInvalidMapRange
	}

	buf.mapState = BufferMapStatePending
	buf.mapMode = mode
	buf.mapOffset = offset
	buf.mapSize = size
	buf.mapCallback = callback
	d.pendingMaps = append(d.pendingMaps, buf.id)
	return BufferMapAsyncStatusSuccess, nil
}

// UnmapBuffer releases host access to a mapped buffer. Unmapping a
// buffer with a pending map request cancels the request; its callback
// fires with UnmappedBeforeCallback before UnmapBuffer returns.
func (d *Device) UnmapBuffer(id BufferID) error {
	d.mu.Lock()
	buf := d.bufferLocked(id)

	var cb mapCallback
	var hasCB bool
	var err error
	switch buf.mapState {
	case BufferMapStatePending:
		cb, hasCB = cancelMapLocked(buf, BufferMapAsyncStatusUnmappedBeforeCallback)
	case BufferMapStateMapped:
		err = d.raw.UnmapBuffer(buf.raw)
		buf.mapState = BufferMapStateUnmapped
		buf.mapData = nil
		buf.mapOffset = 0
		buf.mapSize = 0
	default:
		err = ErrBufferNotMapped
	}
	d.mu.Unlock()

	if hasCB {
		fireMapCallbacks([]mapCallback{cb})
	}
	return err
}

// MappedRange returns the mapped bytes of the buffer in [offset,
// offset+size), in buffer coordinates. A size of zero extends to the
// end of the mapped range. The slice is valid until UnmapBuffer.
func (d *Device) MappedRange(id BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := d.bufferLocked(id)
	if buf.mapState != BufferMapStateMapped {
		return nil, fmt.Errorf("%w: state %s", ErrBufferNotMapped, buf.mapState)
	}
	if offset < buf.mapOffset {
		return nil, fmt.Errorf("%w: offset %d before mapped range start %d", ErrInvalidMapRange, offset, buf.mapOffset)
	}
	rel := offset - buf.mapOffset
	if size == 0 {
		if rel > buf.mapSize {
			return nil, fmt.Errorf("%w: offset %d past mapped range", ErrInvalidMapRange, offset)
		}
		size = buf.mapSize - rel
	}
	if rel+size > buf.mapSize {
		return nil, fmt.Errorf("%w: [%d, %d) exceeds mapped range", ErrInvalidMapRange, offset, offset+size)
	}
	return buf.mapData[rel : rel+size : rel+size], nil
}

// BufferMapState reports the current mapping state of a buffer.
func (d *Device) BufferMapState(id BufferID) BufferMapState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferLocked(id).mapState
}

// cancelMapLocked aborts a pending map request, returning the callback
// to fire once the device lock is released.
func cancelMapLocked(buf *Buffer, status BufferMapAsyncStatus) (mapCallback, bool) {
	if buf.mapState != BufferMapStatePending {
		return mapCallback{}, false
	}
	fn := buf.mapCallback
	buf.mapCallback = nil
	buf.mapState = BufferMapStateUnmapped
	buf.mapOffset = 0
	buf.mapSize = 0
	return mapCallback{fn: fn, status: status}, true
}

// finishMapLocked completes a pending map request whose GPU work has
// drained, returning the callback to fire after unlock.
func (d *Device) finishMapLocked(buf *Buffer) (mapCallback, bool) {
	if buf.mapState != BufferMapStatePending {
		return mapCallback{}, false
	}
	fn := buf.mapCallback
	buf.mapCallback = nil

	data, err := d.raw.MapBuffer(buf.raw, buf.mapOffset, buf.mapSize)
	if err != nil {
		Logger().Warn("gpuqueue: deferred buffer map failed",
			"buffer", buf.id, "error", err)
		buf.mapState = BufferMapStateUnmapped
		return mapCallback{fn: fn, status: BufferMapAsyncStatusUnknown}, true
	}
	buf.mapState = BufferMapStateMapped
	buf.mapData = data
	return mapCallback{fn: fn, status: BufferMapAsyncStatusSuccess}, true
}
