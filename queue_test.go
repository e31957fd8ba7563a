package gpuqueue

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuqueue/softhal"
)

// newTestDevice wraps a fresh software device. Cleanup releases any
// fences still held back by manual signaling before tearing down.
func newTestDevice(t *testing.T) (*Device, *softhal.Device) {
	t.Helper()
	soft := softhal.New()
	dev := New(soft, soft.Queue())
	t.Cleanup(func() {
		soft.SignalAll()
		_ = dev.Destroy()
	})
	return dev, soft
}

func TestWriteBufferRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Label: "dst",
		Size:  16,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := dev.WriteBuffer(buf, 0, data); err != nil {
		t.Fatalf("WriteBuffer() = %v", err)
	}
	if err := dev.Submit(nil); err != nil {
		t.Fatalf("Submit(nil) = %v", err)
	}
	if err := dev.Poll(true); err != nil {
		t.Fatalf("Poll(true) = %v", err)
	}

	status := BufferMapAsyncStatus(-1)
	if err := dev.MapBufferAsync(buf, gputypes.MapModeRead, 0, 0, func(s BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		t.Fatalf("MapBufferAsync() = %v", err)
	}
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll(false) = %v", err)
	}
	if status != BufferMapAsyncStatusSuccess {
		t.Fatalf("map status = %v, want Success", status)
	}

	got, err := dev.MappedRange(buf, 0, 0)
	if err != nil {
		t.Fatalf("MappedRange() = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("mapped contents = %v, want %v", got, data)
	}
	if err := dev.UnmapBuffer(buf); err != nil {
		t.Errorf("UnmapBuffer() = %v", err)
	}
}

func TestWriteBufferDisjointWritesOneSubmission(t *testing.T) {
	dev, soft := newTestDevice(t)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  12,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	writes := []struct {
		offset uint64
		data   []byte
	}{
		{0, []byte{1, 1, 1, 1}},
		{4, []byte{2, 2, 2, 2}},
		{8, []byte{3, 3, 3, 3}},
	}
	for _, w := range writes {
		if err := dev.WriteBuffer(buf, w.offset, w.data); err != nil {
			t.Fatalf("WriteBuffer(%d) = %v", w.offset, err)
		}
	}
	if err := dev.Submit(nil); err != nil {
		t.Fatalf("Submit(nil) = %v", err)
	}
	if got := soft.Submits(); got != 1 {
		t.Errorf("hardware submissions = %d, want 1", got)
	}
	if err := dev.Poll(true); err != nil {
		t.Fatalf("Poll(true) = %v", err)
	}

	var status BufferMapAsyncStatus
	dev.MapBufferAsync(buf, gputypes.MapModeRead, 0, 0, func(s BufferMapAsyncStatus) { status = s })
	dev.Poll(false)
	if status != BufferMapAsyncStatusSuccess {
		t.Fatalf("map status = %v, want Success", status)
	}
	got, err := dev.MappedRange(buf, 0, 0)
	if err != nil {
		t.Fatalf("MappedRange() = %v", err)
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if !bytes.Equal(got, want) {
		t.Errorf("contents = %v, want %v", got, want)
	}
	dev.UnmapBuffer(buf)

	// A second maintenance pass must be a no-op.
	live := soft.LiveBuffers()
	if err := dev.Poll(false); err != nil {
		t.Fatalf("repeated Poll() = %v", err)
	}
	if soft.LiveBuffers() != live {
		t.Errorf("repeated Poll changed live buffers: %d -> %d", live, soft.LiveBuffers())
	}
}

func TestWriteBufferStagingSurvivesUntilFence(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 1 {
		t.Fatalf("live buffers = %d, want 1", got)
	}

	if err := dev.WriteBuffer(buf, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("WriteBuffer() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 2 {
		t.Fatalf("live buffers after write = %d, want 2 (dst + staging)", got)
	}

	if err := dev.Submit(nil); err != nil {
		t.Fatalf("Submit(nil) = %v", err)
	}
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 2 {
		t.Errorf("staging freed before fence signal: live buffers = %d, want 2", got)
	}

	soft.Signal(0)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() after signal = %v", err)
	}
	if got := soft.LiveBuffers(); got != 1 {
		t.Errorf("live buffers after reap = %d, want 1", got)
	}
}

func TestWriteBufferThenDestroyDefersReclamation(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	if err := dev.WriteBuffer(buf, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("WriteBuffer() = %v", err)
	}

	// The deferred copy still targets the buffer, so dropping the
	// handle must not destroy it before the carrying submission
	// completes on the device.
	dev.DestroyBuffer(buf)
	if got := soft.LiveBuffers(); got != 2 {
		t.Fatalf("live buffers after drop = %d, want 2 (dst + staging)", got)
	}

	if err := dev.Submit(nil); err != nil {
		t.Fatalf("Submit(nil) after drop = %v", err)
	}
	if got := soft.LiveBuffers(); got != 2 {
		t.Fatalf("live buffers while in flight = %d, want 2", got)
	}

	soft.Signal(0)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 0 {
		t.Errorf("live buffers after reap = %d, want 0", got)
	}
}

func TestMaintainReapsInSubmissionOrder(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	// Two submissions, each owning one staging buffer.
	for i := 0; i < 2; i++ {
		if err := dev.WriteBuffer(buf, 0, []byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("WriteBuffer() = %v", err)
		}
		if err := dev.Submit(nil); err != nil {
			t.Fatalf("Submit(nil) = %v", err)
		}
	}
	if got := dev.InFlightSubmissions(); got != 2 {
		t.Fatalf("in flight = %d, want 2", got)
	}
	if got := soft.LiveBuffers(); got != 3 {
		t.Fatalf("live buffers = %d, want 3", got)
	}

	// Signal the SECOND submission's fence first. The head is still
	// unsignaled, so nothing may be reaped.
	soft.Signal(1)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := dev.InFlightSubmissions(); got != 2 {
		t.Errorf("in flight after out-of-order signal = %d, want 2", got)
	}
	if got := soft.LiveBuffers(); got != 3 {
		t.Errorf("live buffers after out-of-order signal = %d, want 3", got)
	}
	if got := dev.CompletedSubmissionIndex(); got != 0 {
		t.Errorf("completed index = %d, want 0", got)
	}

	// Signaling the head releases both in one pass.
	soft.Signal(0)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := dev.InFlightSubmissions(); got != 0 {
		t.Errorf("in flight after head signal = %d, want 0", got)
	}
	if got := soft.LiveBuffers(); got != 1 {
		t.Errorf("live buffers after reap = %d, want 1", got)
	}
	if got := dev.CompletedSubmissionIndex(); got != 2 {
		t.Errorf("completed index = %d, want 2", got)
	}
}

func TestSubmitMappedBufferPanics(t *testing.T) {
	dev, soft := newTestDevice(t)

	src, err := dev.CreateBuffer(&BufferDescriptor{
		Size:             16,
		Usage:            gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
		MappedAtCreation: true,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	dst, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	enc, err := dev.CreateCommandEncoder("mapped-submit")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() = %v", err)
	}
	if err := enc.CopyBufferToBuffer(src, dst, 0, 0, 16); err != nil {
		t.Fatalf("CopyBufferToBuffer() = %v", err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Submit of a host-mapped buffer did not panic")
		}
		if got := soft.Submits(); got != 0 {
			t.Errorf("hardware submissions = %d, want 0 (panic must precede submit)", got)
		}
	}()
	dev.Submit([]CommandBufferID{cb})
}

func TestSubmitDroppedBufferWithPendingMap(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	var logBuf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&logBuf, nil)))
	t.Cleanup(func() { SetLogger(nil) })

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	dst, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	record := func() CommandBufferID {
		enc, err := dev.CreateCommandEncoder("user")
		if err != nil {
			t.Fatalf("CreateCommandEncoder() = %v", err)
		}
		if err := enc.CopyBufferToBuffer(buf, dst, 0, 0, 16); err != nil {
			t.Fatalf("CopyBufferToBuffer() = %v", err)
		}
		cb, err := enc.Finish()
		if err != nil {
			t.Fatalf("Finish() = %v", err)
		}
		return cb
	}

	// First submission puts GPU work in flight on the buffer.
	if err := dev.Submit([]CommandBufferID{record()}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	cb2 := record()

	// Map request cannot complete while work is in flight.
	status := BufferMapAsyncStatus(-1)
	if err := dev.MapBufferAsync(buf, gputypes.MapModeRead, 0, 0, func(s BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		t.Fatalf("MapBufferAsync() = %v", err)
	}

	// Drop the buffer, then submit the recording that still uses it.
	// This is tolerated: the request is cancelled with a warning.
	dev.DestroyBuffer(buf)
	if err := dev.Submit([]CommandBufferID{cb2}); err != nil {
		t.Fatalf("Submit() after drop = %v", err)
	}

	if status != BufferMapAsyncStatusUnmappedBeforeCallback {
		t.Errorf("map status = %v, want UnmappedBeforeCallback", status)
	}
	if !strings.Contains(logBuf.String(), "pending map") {
		t.Errorf("expected warning about pending map, log: %s", logBuf.String())
	}

	// Both submissions complete; the dropped buffer is reclaimed.
	soft.SignalAll()
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 1 {
		t.Errorf("live buffers after reap = %d, want 1 (dst only)", got)
	}
}

func TestCommandBufferPoolReclamation(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	src, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopySrc,
	})
	dst, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopyDst,
	})

	enc, err := dev.CreateCommandEncoder("pooled")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() = %v", err)
	}
	if err := enc.CopyBufferToBuffer(src, dst, 0, 0, 8); err != nil {
		t.Fatalf("CopyBufferToBuffer() = %v", err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() = %v", err)
	}
	if got := soft.LiveCommandBuffers(); got == 0 {
		t.Fatal("finished recording produced no live command buffer")
	}

	if err := dev.Submit([]CommandBufferID{cb}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := soft.LiveCommandBuffers(); got == 0 {
		t.Error("command buffers freed before fence signal")
	}

	soft.Signal(0)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := soft.LiveCommandBuffers(); got != 0 {
		t.Errorf("live command buffers after reap = %d, want 0", got)
	}
}

func TestSubmitHardwareFailureIsDeviceLost(t *testing.T) {
	t.Run("fence creation", func(t *testing.T) {
		dev, soft := newTestDevice(t)
		soft.SetFenceError(errors.New("out of fences"))
		err := dev.Submit(nil)
		if !errors.Is(err, ErrDeviceLost) {
			t.Errorf("Submit() = %v, want ErrDeviceLost", err)
		}
	})
	t.Run("queue submit", func(t *testing.T) {
		dev, soft := newTestDevice(t)
		soft.SetSubmitError(errors.New("ring buffer full"))
		err := dev.Submit(nil)
		if !errors.Is(err, ErrDeviceLost) {
			t.Errorf("Submit() = %v, want ErrDeviceLost", err)
		}
	})
}

func TestBarrierMinimalityAcrossSubmissions(t *testing.T) {
	dev, soft := newTestDevice(t)

	src, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopySrc,
	})
	dst, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  8,
		Usage: gputypes.BufferUsageCopyDst,
	})

	submitCopy := func() {
		enc, err := dev.CreateCommandEncoder("copy")
		if err != nil {
			t.Fatalf("CreateCommandEncoder() = %v", err)
		}
		if err := enc.CopyBufferToBuffer(src, dst, 0, 0, 8); err != nil {
			t.Fatalf("CopyBufferToBuffer() = %v", err)
		}
		cb, err := enc.Finish()
		if err != nil {
			t.Fatalf("Finish() = %v", err)
		}
		if err := dev.Submit([]CommandBufferID{cb}); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
	}

	// First submission initializes both states: two barriers.
	submitCopy()
	if got := soft.BufferBarriers(); got != 2 {
		t.Fatalf("barriers after first submit = %d, want 2", got)
	}

	// Same copy again: the read state matches and stays barrier-free,
	// only the written destination hazards against itself.
	submitCopy()
	if got := soft.BufferBarriers(); got != 3 {
		t.Errorf("barriers after second submit = %d, want 3", got)
	}
}

func TestMapBufferAsyncValidation(t *testing.T) {
	dev, _ := newTestDevice(t)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  32,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	if err := dev.MapBufferAsync(buf, gputypes.MapModeRead, 0, 0, nil); !errors.Is(err, ErrCallbackNil) {
		t.Errorf("nil callback: err = %v, want ErrCallbackNil", err)
	}

	tests := []struct {
		name       string
		mode       gputypes.MapMode
		offset     uint64
		size       uint64
		wantErr    error
		wantStatus BufferMapAsyncStatus
	}{
		{"mode mismatch", gputypes.MapModeWrite, 0, 0, ErrMapUsageMismatch, BufferMapAsyncStatusValidationError},
		{"offset misaligned", gputypes.MapModeRead, 4, 8, ErrInvalidMapRange, BufferMapAsyncStatusValidationError},
		{"offset out of range", gputypes.MapModeRead, 64, 0, ErrInvalidMapRange, BufferMapAsyncStatusOffsetOutOfRange},
		{"size out of range", gputypes.MapModeRead, 16, 32, ErrInvalidMapRange, BufferMapAsyncStatusSizeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := BufferMapAsyncStatus(-1)
			err := dev.MapBufferAsync(buf, tt.mode, tt.offset, tt.size, func(s BufferMapAsyncStatus) {
				status = s
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %v, want %v", status, tt.wantStatus)
			}
		})
	}

	t.Run("already pending", func(t *testing.T) {
		if err := dev.MapBufferAsync(buf, gputypes.MapModeRead, 0, 0, func(BufferMapAsyncStatus) {}); err != nil {
			t.Fatalf("first MapBufferAsync() = %v", err)
		}
		status := BufferMapAsyncStatus(-1)
		err := dev.MapBufferAsync(buf, gputypes.MapModeRead, 0, 0, func(s BufferMapAsyncStatus) { status = s })
		if !errors.Is(err, ErrBufferAlreadyMapped) {
			t.Errorf("err = %v, want ErrBufferAlreadyMapped", err)
		}
		if status != BufferMapAsyncStatusMappingAlreadyPending {
			t.Errorf("status = %v, want MappingAlreadyPending", status)
		}
	})
}

func TestMapBufferAsyncWaitsForDrain(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	src, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopySrc,
	})
	dst, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})

	enc, _ := dev.CreateCommandEncoder("drain")
	if err := enc.CopyBufferToBuffer(src, dst, 0, 0, 16); err != nil {
		t.Fatalf("CopyBufferToBuffer() = %v", err)
	}
	cb, _ := enc.Finish()
	if err := dev.Submit([]CommandBufferID{cb}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	status := BufferMapAsyncStatus(-1)
	if err := dev.MapBufferAsync(dst, gputypes.MapModeRead, 0, 0, func(s BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		t.Fatalf("MapBufferAsync() = %v", err)
	}

	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if status != BufferMapAsyncStatus(-1) {
		t.Fatalf("map completed while GPU work in flight: status = %v", status)
	}
	if got := dev.BufferMapState(dst); got != BufferMapStatePending {
		t.Fatalf("map state = %v, want Pending", got)
	}

	soft.Signal(0)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if status != BufferMapAsyncStatusSuccess {
		t.Errorf("map status after drain = %v, want Success", status)
	}
	if got := dev.BufferMapState(dst); got != BufferMapStateMapped {
		t.Errorf("map state = %v, want Mapped", got)
	}
}

func TestBindGroupKeepsBufferAlive(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	buf, err := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	group, err := dev.CreateBindGroup(&BindGroupDescriptor{
		Buffers: []BufferBinding{{Buffer: buf}},
	})
	if err != nil {
		t.Fatalf("CreateBindGroup() = %v", err)
	}

	// Dropping the user handle must not reclaim the buffer while the
	// bind group references it.
	dev.DestroyBuffer(buf)
	if got := soft.LiveBuffers(); got != 1 {
		t.Fatalf("live buffers after handle drop = %d, want 1", got)
	}

	enc, _ := dev.CreateCommandEncoder("bound")
	if err := enc.UseBindGroup(group); err != nil {
		t.Fatalf("UseBindGroup() = %v", err)
	}
	cb, _ := enc.Finish()
	if err := dev.Submit([]CommandBufferID{cb}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	dev.DestroyBindGroup(group)

	// Still in flight.
	if got := soft.LiveBuffers(); got != 1 {
		t.Fatalf("live buffers while in flight = %d, want 1", got)
	}

	soft.Signal(0)
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 0 {
		t.Errorf("live buffers after cascade reclamation = %d, want 0", got)
	}
}

func TestSurfacePresentation(t *testing.T) {
	dev, _ := newTestDevice(t)

	tex, err := dev.CreateTexture(&TextureDescriptor{
		Size:   gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatalf("CreateTexture() = %v", err)
	}
	view, err := dev.CreateTextureView(tex)
	if err != nil {
		t.Fatalf("CreateTextureView() = %v", err)
	}
	surf, err := dev.CreateSurface()
	if err != nil {
		t.Fatalf("CreateSurface() = %v", err)
	}

	enc, _ := dev.CreateCommandEncoder("frame")
	if err := enc.PresentSurface(surf); !errors.Is(err, ErrSurfaceNotAcquired) {
		t.Errorf("PresentSurface before acquire = %v, want ErrSurfaceNotAcquired", err)
	}

	if err := dev.AcquireSurfaceView(surf, view); err != nil {
		t.Fatalf("AcquireSurfaceView() = %v", err)
	}
	if err := enc.PresentSurface(surf); err != nil {
		t.Fatalf("PresentSurface() = %v", err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() = %v", err)
	}
	if err := dev.Submit([]CommandBufferID{cb}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if err := dev.Poll(true); err != nil {
		t.Fatalf("Poll(true) = %v", err)
	}
	if got := dev.SurfacePresented(surf); got != 1 {
		t.Errorf("SurfacePresented() = %d, want 1", got)
	}
}

func TestSurfaceTwoFramesInFlight(t *testing.T) {
	dev, soft := newTestDevice(t)
	soft.SetManualFences(true)

	tex, _ := dev.CreateTexture(&TextureDescriptor{
		Size:   gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	view, _ := dev.CreateTextureView(tex)
	surf, _ := dev.CreateSurface()

	frame := func() {
		if err := dev.AcquireSurfaceView(surf, view); err != nil {
			t.Fatalf("AcquireSurfaceView() = %v", err)
		}
		enc, _ := dev.CreateCommandEncoder("frame")
		if err := enc.PresentSurface(surf); err != nil {
			t.Fatalf("PresentSurface() = %v", err)
		}
		cb, err := enc.Finish()
		if err != nil {
			t.Fatalf("Finish() = %v", err)
		}
		if err := dev.Submit([]CommandBufferID{cb}); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
	}
	frame()
	frame()

	if got := dev.SurfacePresented(surf); got != 0 {
		t.Fatalf("SurfacePresented() before signal = %d, want 0", got)
	}

	// Both frames complete; each must be accounted for.
	soft.SignalAll()
	if err := dev.Poll(false); err != nil {
		t.Fatalf("Poll() = %v", err)
	}
	if got := dev.SurfacePresented(surf); got != 2 {
		t.Errorf("SurfacePresented() = %d, want 2", got)
	}
}

func TestSubmitDuplicateCommandBufferPanics(t *testing.T) {
	dev, _ := newTestDevice(t)

	enc, err := dev.CreateCommandEncoder("dup")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() = %v", err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Submit with a duplicated command buffer id did not panic")
		}
	}()
	dev.Submit([]CommandBufferID{cb, cb})
}

func TestSubmitReleasedSurfaceViewPanics(t *testing.T) {
	dev, _ := newTestDevice(t)

	tex, _ := dev.CreateTexture(&TextureDescriptor{
		Size:   gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	view, _ := dev.CreateTextureView(tex)
	surf, _ := dev.CreateSurface()
	if err := dev.AcquireSurfaceView(surf, view); err != nil {
		t.Fatalf("AcquireSurfaceView() = %v", err)
	}

	enc, _ := dev.CreateCommandEncoder("frame")
	if err := enc.PresentSurface(surf); err != nil {
		t.Fatalf("PresentSurface() = %v", err)
	}
	cb, _ := enc.Finish()

	dev.ReleaseSurfaceView(surf)

	defer func() {
		if recover() == nil {
			t.Error("Submit presenting a released surface view did not panic")
		}
	}()
	dev.Submit([]CommandBufferID{cb})
}

func TestWriteBufferContractPanics(t *testing.T) {
	dev, _ := newTestDevice(t)

	noCopy, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageVertex,
	})
	ok, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopyDst,
	})

	tests := []struct {
		name string
		call func()
	}{
		{"missing CopyDst usage", func() { dev.WriteBuffer(noCopy, 0, []byte{1, 2, 3, 4}) }},
		{"misaligned offset", func() { dev.WriteBuffer(ok, 2, []byte{1, 2, 3, 4}) }},
		{"misaligned size", func() { dev.WriteBuffer(ok, 0, []byte{1, 2, 3}) }},
		{"out of bounds", func() { dev.WriteBuffer(ok, 16, []byte{1, 2, 3, 4}) }},
		{"unknown buffer", func() { dev.WriteBuffer(BufferID(9999), 0, []byte{1, 2, 3, 4}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.call()
		})
	}
}

func TestDeviceDestroy(t *testing.T) {
	dev, soft := newTestDevice(t)

	buf, _ := dev.CreateBuffer(&BufferDescriptor{
		Size:  16,
		Usage: gputypes.BufferUsageCopyDst,
	})
	if err := dev.WriteBuffer(buf, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer() = %v", err)
	}
	if err := dev.Submit(nil); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	if err := dev.Destroy(); err != nil {
		t.Fatalf("Destroy() = %v", err)
	}
	if got := soft.LiveBuffers(); got != 0 {
		t.Errorf("live buffers after Destroy = %d, want 0", got)
	}
	if got := soft.LiveCommandBuffers(); got != 0 {
		t.Errorf("live command buffers after Destroy = %d, want 0", got)
	}

	if _, err := dev.CreateBuffer(&BufferDescriptor{Size: 4}); !errors.Is(err, ErrDeviceDestroyed) {
		t.Errorf("CreateBuffer after Destroy = %v, want ErrDeviceDestroyed", err)
	}
	if err := dev.Poll(false); !errors.Is(err, ErrDeviceDestroyed) {
		t.Errorf("Poll after Destroy = %v, want ErrDeviceDestroyed", err)
	}
	if err := dev.Destroy(); !errors.Is(err, ErrDeviceDestroyed) {
		t.Errorf("second Destroy = %v, want ErrDeviceDestroyed", err)
	}
}
