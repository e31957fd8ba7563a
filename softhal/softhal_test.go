package softhal

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpuqueue/hal"
)

func mustBuffer(t *testing.T, d *Device, size uint64, init []byte) hal.Buffer {
	t.Helper()
	buf, err := d.CreateBuffer(&hal.BufferDescriptor{Size: size})
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}
	if init != nil {
		data, err := d.MapBuffer(buf, 0, uint64(len(init)))
		if err != nil {
			t.Fatalf("MapBuffer() = %v", err)
		}
		copy(data, init)
		if err := d.UnmapBuffer(buf); err != nil {
			t.Fatalf("UnmapBuffer() = %v", err)
		}
	}
	return buf
}

func recordCopy(t *testing.T, d *Device, src, dst hal.Buffer, size uint64) hal.CommandBuffer {
	t.Helper()
	enc, err := d.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "copy"})
	if err != nil {
		t.Fatalf("CreateCommandEncoder() = %v", err)
	}
	if err := enc.BeginEncoding("copy"); err != nil {
		t.Fatalf("BeginEncoding() = %v", err)
	}
	enc.CopyBufferToBuffer(src, dst, []hal.BufferCopy{{Size: size}})
	cb, err := enc.EndEncoding()
	if err != nil {
		t.Fatalf("EndEncoding() = %v", err)
	}
	return cb
}

func TestSubmitExecutesCopies(t *testing.T) {
	d := New()
	want := []byte{9, 8, 7, 6}
	src := mustBuffer(t, d, 4, want)
	dst := mustBuffer(t, d, 4, nil)

	cb := recordCopy(t, d, src, dst, 4)
	fence, err := d.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence() = %v", err)
	}
	if err := d.Queue().Submit([]hal.CommandBuffer{cb}, fence, 1); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	ok, err := d.Wait(fence, 1, 0)
	if err != nil || !ok {
		t.Fatalf("Wait() = (%v, %v), want signaled", ok, err)
	}
	if got := dst.(*Buffer).Bytes(); !bytes.Equal(got, want) {
		t.Errorf("dst = %v, want %v", got, want)
	}
}

func TestManualFenceOrdering(t *testing.T) {
	d := New()
	d.SetManualFences(true)

	var fences []hal.Fence
	for i := 0; i < 2; i++ {
		f, err := d.CreateFence()
		if err != nil {
			t.Fatalf("CreateFence() = %v", err)
		}
		if err := d.Queue().Submit(nil, f, 1); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
		fences = append(fences, f)
	}
	if got := d.PendingSignals(); got != 2 {
		t.Fatalf("PendingSignals() = %d, want 2", got)
	}

	// Out-of-order delivery: second fence first.
	d.Signal(1)
	if ok, _ := d.Wait(fences[1], 1, 0); !ok {
		t.Error("second fence not signaled after Signal(1)")
	}
	if ok, _ := d.Wait(fences[0], 1, 0); ok {
		t.Error("first fence signaled before Signal(0)")
	}

	d.Signal(0)
	if ok, _ := d.Wait(fences[0], 1, 0); !ok {
		t.Error("first fence not signaled after Signal(0)")
	}
}

func TestWaitTimeout(t *testing.T) {
	d := New()
	d.SetManualFences(true)

	f, err := d.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence() = %v", err)
	}
	if err := d.Queue().Submit(nil, f, 1); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	start := time.Now()
	ok, err := d.Wait(f, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if ok {
		t.Error("Wait() reported signaled without a signal")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Wait() returned before the timeout elapsed")
	}
}

func TestWaitUnblocksOnSignal(t *testing.T) {
	d := New()
	d.SetManualFences(true)

	f, err := d.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence() = %v", err)
	}
	if err := d.Queue().Submit(nil, f, 1); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.Signal(0)
	}()
	ok, err := d.Wait(f, 1, time.Second)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if !ok {
		t.Error("Wait() timed out despite signal")
	}
}

func TestFaultInjection(t *testing.T) {
	t.Run("submit error", func(t *testing.T) {
		d := New()
		boom := errors.New("boom")
		d.SetSubmitError(boom)
		if err := d.Queue().Submit(nil, nil, 0); !errors.Is(err, boom) {
			t.Errorf("Submit() = %v, want injected error", err)
		}
		d.SetSubmitError(nil)
		if err := d.Queue().Submit(nil, nil, 0); err != nil {
			t.Errorf("Submit() after clearing = %v, want nil", err)
		}
	})
	t.Run("fence error", func(t *testing.T) {
		d := New()
		boom := errors.New("boom")
		d.SetFenceError(boom)
		if _, err := d.CreateFence(); !errors.Is(err, boom) {
			t.Errorf("CreateFence() = %v, want injected error", err)
		}
	})
}

func TestBufferLifecycleCounters(t *testing.T) {
	d := New()
	a := mustBuffer(t, d, 8, nil)
	b := mustBuffer(t, d, 8, nil)
	if got := d.LiveBuffers(); got != 2 {
		t.Fatalf("LiveBuffers() = %d, want 2", got)
	}
	d.DestroyBuffer(a)
	if got := d.LiveBuffers(); got != 1 {
		t.Errorf("LiveBuffers() = %d, want 1", got)
	}
	if !a.(*Buffer).Destroyed() {
		t.Error("Destroyed() = false after DestroyBuffer")
	}
	if b.(*Buffer).Destroyed() {
		t.Error("Destroyed() = true for live buffer")
	}
}

func TestBarrierCounting(t *testing.T) {
	d := New()
	a := mustBuffer(t, d, 4, nil)

	enc, _ := d.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "t"})
	if err := enc.BeginEncoding("t"); err != nil {
		t.Fatalf("BeginEncoding() = %v", err)
	}
	enc.TransitionBuffers([]hal.BufferBarrier{{Buffer: a}, {Buffer: a}})
	cb, err := enc.EndEncoding()
	if err != nil {
		t.Fatalf("EndEncoding() = %v", err)
	}

	// Barriers count at execution, not at record time.
	if got := d.BufferBarriers(); got != 0 {
		t.Fatalf("BufferBarriers() before submit = %d, want 0", got)
	}
	if err := d.Queue().Submit([]hal.CommandBuffer{cb}, nil, 0); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if got := d.BufferBarriers(); got != 2 {
		t.Errorf("BufferBarriers() = %d, want 2", got)
	}
}

func TestCopyOutOfRangeFailsSubmit(t *testing.T) {
	d := New()
	src := mustBuffer(t, d, 4, nil)
	dst := mustBuffer(t, d, 4, nil)

	cb := recordCopy(t, d, src, dst, 16)
	err := d.Queue().Submit([]hal.CommandBuffer{cb}, nil, 0)
	if !errors.Is(err, ErrCopyOutOfRange) {
		t.Errorf("Submit() = %v, want ErrCopyOutOfRange", err)
	}
}
