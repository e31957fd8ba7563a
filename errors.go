package gpuqueue

import "errors"

// Device and submission errors.
var (
	// ErrDeviceLost indicates an unrecoverable hardware failure. Every
	// error returned from a failed fence creation or queue submission
	// wraps ErrDeviceLost; the device must not be used afterwards.
	ErrDeviceLost = errors.New("gpuqueue: device lost")

	// ErrDeviceDestroyed is returned when operating on a destroyed device.
	ErrDeviceDestroyed = errors.New("gpuqueue: device destroyed")
)

// Buffer mapping errors.
var (
	// ErrBufferAlreadyMapped is returned when mapping a buffer that is
	// already mapped or has a mapping request in flight.
	ErrBufferAlreadyMapped = errors.New("gpuqueue: buffer already mapped or mapping pending")

	// ErrBufferNotMapped is returned when accessing mapped data of an
	// unmapped buffer.
	ErrBufferNotMapped = errors.New("gpuqueue: buffer not mapped")

	// ErrMapUsageMismatch is returned when the map mode does not match
	// the buffer's usage flags (MapRead/MapWrite).
	ErrMapUsageMismatch = errors.New("gpuqueue: map mode does not match buffer usage")

	// ErrInvalidMapRange is returned when the requested map range is
	// out of bounds or misaligned.
	ErrInvalidMapRange = errors.New("gpuqueue: invalid map range")

	// ErrCallbackNil is returned when MapBufferAsync is called without
	// a callback.
	ErrCallbackNil = errors.New("gpuqueue: map callback is nil")
)

// Recording errors.
var (
	// ErrCopyRangeOutOfBounds is returned when a recorded copy region
	// exceeds the bounds of a source or destination resource.
	ErrCopyRangeOutOfBounds = errors.New("gpuqueue: copy range out of bounds")

	// ErrEncoderFinished is returned when recording into an encoder
	// after Finish.
	ErrEncoderFinished = errors.New("gpuqueue: command encoder already finished")

	// ErrSurfaceNotAcquired is returned when presenting a surface that
	// has no acquired view.
	ErrSurfaceNotAcquired = errors.New("gpuqueue: surface has no acquired view")
)
