// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package softhal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpuqueue/hal"
)

// Errors reported by the software device.
var (
	// ErrBufferDestroyed is returned when accessing a destroyed buffer.
	ErrBufferDestroyed = errors.New("softhal: buffer destroyed")

	// ErrMapOutOfRange is returned when a map request exceeds the buffer.
	ErrMapOutOfRange = errors.New("softhal: map range out of bounds")

	// ErrCopyOutOfRange is returned when a recorded copy exceeds a resource.
	ErrCopyOutOfRange = errors.New("softhal: copy region out of bounds")

	// ErrEncoderState is returned on encoder misuse.
	ErrEncoderState = errors.New("softhal: encoder not recording")
)

// Device is the software implementation of hal.Device. The zero value
// is not usable; construct with New.
//
// Device is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	manualFences bool
	pending      []pendingSignal

	// Fault injection for device-loss paths.
	submitErr error
	fenceErr  error

	// Observability for tests.
	liveBuffers int
	liveCmdBufs int
	bufBarriers int
	texBarriers int
	submitCount int
}

type pendingSignal struct {
	fence *Fence
	value uint64
}

// New creates an empty software device.
func New() *Device {
	return &Device{}
}

// SetManualFences controls fence signaling. When enabled, Submit queues
// the signal instead of delivering it; test code releases signals with
// Signal or SignalAll.
func (d *Device) SetManualFences(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manualFences = on
}

// SetSubmitError makes every subsequent Submit fail with err.
// Pass nil to restore normal operation.
func (d *Device) SetSubmitError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErr = err
}

// SetFenceError makes every subsequent CreateFence fail with err.
// Pass nil to restore normal operation.
func (d *Device) SetFenceError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fenceErr = err
}

// PendingSignals reports how many fence signals are queued in manual mode.
func (d *Device) PendingSignals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Signal delivers the i-th queued fence signal (0 is the oldest) and
// removes it from the queue. Signals may be delivered in any order.
func (d *Device) Signal(i int) {
	d.mu.Lock()
	if i < 0 || i >= len(d.pending) {
		d.mu.Unlock()
		panic(fmt.Sprintf("softhal: Signal(%d) with %d pending", i, len(d.pending)))
	}
	p := d.pending[i]
	d.pending = append(d.pending[:i], d.pending[i+1:]...)
	d.mu.Unlock()

	p.fence.signal(p.value)
}

// SignalAll delivers every queued fence signal in queue order.
func (d *Device) SignalAll() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range pending {
		p.fence.signal(p.value)
	}
}

// LiveBuffers reports the number of created, not yet destroyed buffers.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveBuffers
}

// LiveCommandBuffers reports finished command buffers not yet freed.
func (d *Device) LiveCommandBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveCmdBufs
}

// BufferBarriers reports the total buffer barriers executed by submits.
func (d *Device) BufferBarriers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufBarriers
}

// TextureBarriers reports the total texture barriers executed by submits.
func (d *Device) TextureBarriers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.texBarriers
}

// Submits reports how many submissions the queue has accepted.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitCount
}

// Queue returns the device's single submission queue.
func (d *Device) Queue() hal.Queue { return &Queue{dev: d} }

// Buffer is a software buffer backed by a byte slice.
type Buffer struct {
	label     string
	data      []byte
	mapped    bool
	destroyed bool
}

// Label returns the creation label.
func (b *Buffer) Label() string { return b.label }

// Destroyed reports whether DestroyBuffer has been called.
func (b *Buffer) Destroyed() bool { return b.destroyed }

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Texture is a software texture backed by a tightly packed byte slice,
// four bytes per texel.
type Texture struct {
	label     string
	size      hal.Extent3D
	data      []byte
	destroyed bool
}

// Destroyed reports whether DestroyTexture has been called.
func (t *Texture) Destroyed() bool { return t.destroyed }

type commandBuffer struct {
	label string
	cmds  []func(d *Device) error
	freed bool
}

// CreateBuffer implements hal.Device.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveBuffers++
	return &Buffer{label: desc.Label, data: make([]byte, desc.Size)}, nil
}

// DestroyBuffer implements hal.Device.
func (d *Device) DestroyBuffer(buf hal.Buffer) {
	b := buf.(*Buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.destroyed {
		panic("softhal: buffer destroyed twice")
	}
	b.destroyed = true
	d.liveBuffers--
}

// MapBuffer implements hal.Device. The returned slice aliases the
// buffer contents directly.
func (d *Device) MapBuffer(buf hal.Buffer, offset, size uint64) ([]byte, error) {
	b := buf.(*Buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.destroyed {
		return nil, ErrBufferDestroyed
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrMapOutOfRange, offset, offset+size, len(b.data))
	}
	b.mapped = true
	return b.data[offset : offset+size : offset+size], nil
}

// UnmapBuffer implements hal.Device.
func (d *Device) UnmapBuffer(buf hal.Buffer) error {
	b := buf.(*Buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.destroyed {
		return ErrBufferDestroyed
	}
	b.mapped = false
	return nil
}

// CreateTexture implements hal.Device.
func (d *Device) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	size := desc.Size
	if size.DepthOrArrayLayers == 0 {
		size.DepthOrArrayLayers = 1
	}
	n := uint64(size.Width) * uint64(size.Height) * uint64(size.DepthOrArrayLayers) * 4
	return &Texture{label: desc.Label, size: size, data: make([]byte, n)}, nil
}

// DestroyTexture implements hal.Device.
func (d *Device) DestroyTexture(tex hal.Texture) {
	t := tex.(*Texture)
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.destroyed {
		panic("softhal: texture destroyed twice")
	}
	t.destroyed = true
}

// CreateCommandEncoder implements hal.Device.
func (d *Device) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return &Encoder{dev: d, label: desc.Label}, nil
}

// FreeCommandBuffer implements hal.Device.
func (d *Device) FreeCommandBuffer(cb hal.CommandBuffer) {
	c := cb.(*commandBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.freed {
		panic("softhal: command buffer freed twice")
	}
	c.freed = true
	c.cmds = nil
	d.liveCmdBufs--
}

// CreateFence implements hal.Device.
func (d *Device) CreateFence() (hal.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fenceErr != nil {
		return nil, d.fenceErr
	}
	return newFence(), nil
}

// DestroyFence implements hal.Device.
func (d *Device) DestroyFence(fence hal.Fence) {
	fence.(*Fence).destroy()
}

// Wait implements hal.Device.
func (d *Device) Wait(fence hal.Fence, value uint64, timeout time.Duration) (bool, error) {
	return fence.(*Fence).wait(value, timeout)
}

// Queue is the software implementation of hal.Queue.
type Queue struct {
	dev *Device
}

// Submit executes the recorded commands of each buffer in order, then
// signals value on fence (or queues the signal in manual mode).
func (q *Queue) Submit(buffers []hal.CommandBuffer, fence hal.Fence, signalValue uint64) error {
	d := q.dev
	d.mu.Lock()
	if d.submitErr != nil {
		err := d.submitErr
		d.mu.Unlock()
		return err
	}
	d.submitCount++
	for _, cb := range buffers {
		c := cb.(*commandBuffer)
		if c.freed {
			d.mu.Unlock()
			return fmt.Errorf("softhal: submit of freed command buffer %q", c.label)
		}
		for _, cmd := range c.cmds {
			if err := cmd(d); err != nil {
				d.mu.Unlock()
				return err
			}
		}
	}
	var f *Fence
	if fence != nil {
		f = fence.(*Fence)
		if d.manualFences {
			d.pending = append(d.pending, pendingSignal{fence: f, value: signalValue})
			f = nil
		}
	}
	d.mu.Unlock()

	if f != nil {
		f.signal(signalValue)
	}
	return nil
}

// Encoder is the software implementation of hal.CommandEncoder.
type Encoder struct {
	dev       *Device
	label     string
	recording bool
	cmds      []func(d *Device) error
}

// BeginEncoding implements hal.CommandEncoder.
func (e *Encoder) BeginEncoding(label string) error {
	if e.recording {
		return ErrEncoderState
	}
	if label != "" {
		e.label = label
	}
	e.recording = true
	e.cmds = nil
	return nil
}

// TransitionBuffers implements hal.CommandEncoder. Barriers are
// counted at execution time.
func (e *Encoder) TransitionBuffers(barriers []hal.BufferBarrier) {
	n := len(barriers)
	if n == 0 {
		return
	}
	e.cmds = append(e.cmds, func(d *Device) error {
		d.bufBarriers += n
		return nil
	})
}

// TransitionTextures implements hal.CommandEncoder.
func (e *Encoder) TransitionTextures(barriers []hal.TextureBarrier) {
	n := len(barriers)
	if n == 0 {
		return
	}
	e.cmds = append(e.cmds, func(d *Device) error {
		d.texBarriers += n
		return nil
	})
}

// CopyBufferToBuffer implements hal.CommandEncoder.
func (e *Encoder) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	s, t := src.(*Buffer), dst.(*Buffer)
	rs := append([]hal.BufferCopy(nil), regions...)
	e.cmds = append(e.cmds, func(d *Device) error {
		if s.destroyed || t.destroyed {
			return ErrBufferDestroyed
		}
		for _, r := range rs {
			if r.SrcOffset+r.Size > uint64(len(s.data)) || r.DstOffset+r.Size > uint64(len(t.data)) {
				return fmt.Errorf("%w: buffer copy %+v", ErrCopyOutOfRange, r)
			}
			copy(t.data[r.DstOffset:r.DstOffset+r.Size], s.data[r.SrcOffset:r.SrcOffset+r.Size])
		}
		return nil
	})
}

// CopyBufferToTexture implements hal.CommandEncoder. Texel data is
// assumed four bytes per texel, rows packed per BytesPerRow.
func (e *Encoder) CopyBufferToTexture(src hal.Buffer, dst hal.Texture, regions []hal.BufferTextureCopy) {
	s, t := src.(*Buffer), dst.(*Texture)
	rs := append([]hal.BufferTextureCopy(nil), regions...)
	e.cmds = append(e.cmds, func(d *Device) error {
		if s.destroyed {
			return ErrBufferDestroyed
		}
		for _, r := range rs {
			if err := copyRows(t, s.data, r, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// CopyTextureToBuffer implements hal.CommandEncoder.
func (e *Encoder) CopyTextureToBuffer(src hal.Texture, dst hal.Buffer, regions []hal.BufferTextureCopy) {
	s, t := src.(*Texture), dst.(*Buffer)
	rs := append([]hal.BufferTextureCopy(nil), regions...)
	e.cmds = append(e.cmds, func(d *Device) error {
		if t.destroyed {
			return ErrBufferDestroyed
		}
		for _, r := range rs {
			if err := copyRows(s, t.data, r, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// copyRows moves texel rows between buf and tex. toTexture selects the
// direction. Only mip 0 at origin 0 with a full-width row pitch is
// modeled; anything else is rejected.
func copyRows(tex *Texture, buf []byte, r hal.BufferTextureCopy, toTexture bool) error {
	if tex.destroyed {
		return fmt.Errorf("softhal: texture %q destroyed", tex.label)
	}
	rowBytes := uint64(r.Size.Width) * 4
	pitch := uint64(r.BufferLayout.BytesPerRow)
	if pitch == 0 {
		pitch = rowBytes
	}
	texPitch := uint64(tex.size.Width) * 4
	rows := uint64(r.Size.Height)
	if r.Size.DepthOrArrayLayers > 1 {
		rows *= uint64(r.Size.DepthOrArrayLayers)
	}
	for row := uint64(0); row < rows; row++ {
		bufOff := r.BufferLayout.Offset + row*pitch
		texOff := (uint64(r.Origin.Y)+row)*texPitch + uint64(r.Origin.X)*4
		if bufOff+rowBytes > uint64(len(buf)) || texOff+rowBytes > uint64(len(tex.data)) {
			return fmt.Errorf("%w: texture copy row %d", ErrCopyOutOfRange, row)
		}
		if toTexture {
			copy(tex.data[texOff:texOff+rowBytes], buf[bufOff:bufOff+rowBytes])
		} else {
			copy(buf[bufOff:bufOff+rowBytes], tex.data[texOff:texOff+rowBytes])
		}
	}
	return nil
}

// EndEncoding implements hal.CommandEncoder.
func (e *Encoder) EndEncoding() (hal.CommandBuffer, error) {
	if !e.recording {
		return nil, ErrEncoderState
	}
	e.recording = false
	cb := &commandBuffer{label: e.label, cmds: e.cmds}
	e.cmds = nil

	e.dev.mu.Lock()
	e.dev.liveCmdBufs++
	e.dev.mu.Unlock()
	return cb, nil
}

// DiscardEncoding implements hal.CommandEncoder.
func (e *Encoder) DiscardEncoding() {
	e.recording = false
	e.cmds = nil
}
