// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuqueue/hal"
)

// Device owns every tracked resource and the single submission queue.
// One coarse mutex guards all storages, the trackers, the pending
// writes, and the life tracker; the submission index and per-resource
// life guards are atomic so maintenance can read them cheaply.
//
// Device is safe for concurrent use.
type Device struct {
	mu    sync.Mutex
	raw   hal.Device
	queue hal.Queue

	// submitIndex is the device-wide submission counter. Zero means
	// no submission has happened.
	submitIndex atomic.Uint64

	// nextID feeds all id categories from one sequence, so an id used
	// for the wrong category can never alias a live resource.
	nextID atomic.Uint64

	trackers *deviceTracker
	pending  pendingWrites
	pool     commandPool
	life     lifeTracker

	buffers          map[BufferID]*Buffer
	textures         map[TextureID]*Texture
	views            map[TextureViewID]*TextureView
	bindGroups       map[BindGroupID]*BindGroup
	samplers         map[SamplerID]*Sampler
	computePipelines map[ComputePipelineID]*ComputePipeline
	renderPipelines  map[RenderPipelineID]*RenderPipeline
	surfaces         map[SurfaceID]*Surface
	commandBuffers   map[CommandBufferID]*commandBuffer

	// suspected collects resources dropped during the submission
	// currently being assembled.
	suspected suspectedResources

	// suspectedNext holds resources whose last use is the submission
	// that has not been issued yet (a deferred write records into it).
	// Submit moves them into the new submission's record.
	suspectedNext suspectedResources

	// pendingMaps lists buffers with a map request awaiting GPU drain.
	pendingMaps []BufferID

	destroyed bool
}

// New wraps a hal device and its queue in a tracked Device.
func New(raw hal.Device, queue hal.Queue) *Device {
	d := &Device{
		raw:              raw,
		queue:            queue,
		trackers:         newDeviceTracker(),
		buffers:          make(map[BufferID]*Buffer),
		textures:         make(map[TextureID]*Texture),
		views:            make(map[TextureViewID]*TextureView),
		bindGroups:       make(map[BindGroupID]*BindGroup),
		samplers:         make(map[SamplerID]*Sampler),
		computePipelines: make(map[ComputePipelineID]*ComputePipeline),
		renderPipelines:  make(map[RenderPipelineID]*RenderPipeline),
		surfaces:         make(map[SurfaceID]*Surface),
		commandBuffers:   make(map[CommandBufferID]*commandBuffer),
	}
	d.pool.dev = raw
	return d
}

// SubmissionIndex returns the index of the most recent submission.
func (d *Device) SubmissionIndex() SubmissionIndex {
	return SubmissionIndex(d.submitIndex.Load())
}

// CompletedSubmissionIndex returns the highest submission index known
// to have completed on the device.
func (d *Device) CompletedSubmissionIndex() SubmissionIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.life.completed()
}

// InFlightSubmissions reports submissions issued but not yet reaped.
func (d *Device) InFlightSubmissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.life.inFlight()
}

// Lookup helpers. An unknown id is a broken caller contract and panics;
// every id handed out by a Create call stays valid until the matching
// Destroy.

func (d *Device) bufferLocked(id BufferID) *Buffer {
	buf, ok := d.buffers[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown buffer id %d", id))
	}
	return buf
}

func (d *Device) textureLocked(id TextureID) *Texture {
	t, ok := d.textures[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown texture id %d", id))
	}
	return t
}

func (d *Device) viewLocked(id TextureViewID) *TextureView {
	v, ok := d.views[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown texture view id %d", id))
	}
	return v
}

func (d *Device) bindGroupLocked(id BindGroupID) *BindGroup {
	g, ok := d.bindGroups[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown bind group id %d", id))
	}
	return g
}

func (d *Device) samplerLocked(id SamplerID) *Sampler {
	s, ok := d.samplers[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown sampler id %d", id))
	}
	return s
}

func (d *Device) computePipelineLocked(id ComputePipelineID) *ComputePipeline {
	p, ok := d.computePipelines[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown compute pipeline id %d", id))
	}
	return p
}

func (d *Device) renderPipelineLocked(id RenderPipelineID) *RenderPipeline {
	p, ok := d.renderPipelines[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown render pipeline id %d", id))
	}
	return p
}

func (d *Device) surfaceLocked(id SurfaceID) *Surface {
	s, ok := d.surfaces[id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: unknown surface id %d", id))
	}
	return s
}

// CreateBuffer allocates a tracked buffer. Sizes are rounded up to the
// copy alignment. With MappedAtCreation the buffer starts out mapped
// for writing across its whole range.
func (d *Device) CreateBuffer(desc *BufferDescriptor) (BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	size := desc.Size
	if size == 0 {
		size = copyBufferAlignment
	}
	size = (size + copyBufferAlignment - 1) &^ (copyBufferAlignment - 1)

	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label:            desc.Label,
		Size:             size,
		Usage:            desc.Usage,
		MappedAtCreation: desc.MappedAtCreation,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("gpuqueue: create buffer: %w", err)
	}

	id := BufferID(d.nextID.Add(1))
	buf := &Buffer{id: id, raw: raw, size: size, usage: desc.Usage}
	buf.life.init()

	if desc.MappedAtCreation {
		data, err := d.raw.MapBuffer(raw, 0, size)
		if err != nil {
			d.raw.DestroyBuffer(raw)
			return InvalidID, fmt.Errorf("gpuqueue: map at creation: %w", err)
		}
		buf.mapState = BufferMapStateMapped
		buf.mapMode = gputypes.MapModeWrite
		buf.mapSize = size
		buf.mapData = data
	}

	d.buffers[id] = buf
	d.trackers.registerBuffer(id)
	return id, nil
}

// DestroyBuffer drops the caller's reference. The buffer is reclaimed
// once no bind group references it and all its GPU work has completed.
// A pending map request is cancelled; its callback fires with
// DestroyedBeforeCallback before DestroyBuffer returns.
func (d *Device) DestroyBuffer(id BufferID) {
	d.mu.Lock()
	buf := d.bufferLocked(id)
	var cbs []mapCallback
	if buf.life.unref() {
		cbs = d.suspectBufferLocked(buf)
	}
	d.mu.Unlock()
	fireMapCallbacks(cbs)
}

// CreateTexture allocates a tracked texture.
func (d *Device) CreateTexture(desc *TextureDescriptor) (TextureID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	mips := desc.MipLevelCount
	if mips == 0 {
		mips = 1
	}
	samples := desc.SampleCount
	if samples == 0 {
		samples = 1
	}
	raw, err := d.raw.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Size.Width,
			Height:             desc.Size.Height,
			DepthOrArrayLayers: desc.Size.DepthOrArrayLayers,
		},
		Format:        desc.Format,
		Usage:         desc.Usage,
		MipLevelCount: mips,
		SampleCount:   samples,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("gpuqueue: create texture: %w", err)
	}

	id := TextureID(d.nextID.Add(1))
	t := &Texture{id: id, raw: raw, size: desc.Size, usage: desc.Usage}
	t.life.init()
	d.textures[id] = t
	d.trackers.registerTexture(id)
	return id, nil
}

// DestroyTexture drops the caller's reference.
func (d *Device) DestroyTexture(id TextureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.textureLocked(id)
	if t.life.unref() {
		d.suspectTextureLocked(t)
	}
}

// CreateTextureView creates a view onto a texture. The view holds a
// reference keeping the texture alive.
func (d *Device) CreateTextureView(tex TextureID) (TextureViewID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	t := d.textureLocked(tex)
	t.life.ref()

	id := TextureViewID(d.nextID.Add(1))
	v := &TextureView{id: id, texture: tex}
	v.life.init()
	d.views[id] = v
	return id, nil
}

// DestroyTextureView drops the caller's reference.
func (d *Device) DestroyTextureView(id TextureViewID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.viewLocked(id)
	if v.life.unref() {
		d.suspectViewLocked(v)
	}
}

// CreateBindGroup registers a bind group holding references on every
// resource it binds.
func (d *Device) CreateBindGroup(desc *BindGroupDescriptor) (BindGroupID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	for _, b := range desc.Buffers {
		d.bufferLocked(b.Buffer).life.ref()
	}
	for _, vid := range desc.Views {
		d.viewLocked(vid).life.ref()
	}
	for _, sid := range desc.Samplers {
		d.samplerLocked(sid).life.ref()
	}

	id := BindGroupID(d.nextID.Add(1))
	g := &BindGroup{
		id:       id,
		buffers:  append([]BufferBinding(nil), desc.Buffers...),
		views:    append([]TextureViewID(nil), desc.Views...),
		samplers: append([]SamplerID(nil), desc.Samplers...),
	}
	g.life.init()
	d.bindGroups[id] = g
	return id, nil
}

// DestroyBindGroup drops the caller's reference. The group's own
// references on bound resources are released when it is reclaimed.
func (d *Device) DestroyBindGroup(id BindGroupID) {
	d.mu.Lock()
	g := d.bindGroupLocked(id)
	var cbs []mapCallback
	if g.life.unref() {
		cbs = d.suspectBindGroupLocked(g)
	}
	d.mu.Unlock()
	fireMapCallbacks(cbs)
}

// CreateSampler registers a sampler handle.
func (d *Device) CreateSampler() (SamplerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	id := SamplerID(d.nextID.Add(1))
	s := &Sampler{id: id}
	s.life.init()
	d.samplers[id] = s
	return id, nil
}

// DestroySampler drops the caller's reference.
func (d *Device) DestroySampler(id SamplerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.samplerLocked(id)
	if s.life.unref() {
		d.suspectSamplerLocked(s)
	}
}

// CreateComputePipeline registers a compute pipeline handle.
func (d *Device) CreateComputePipeline(label string) (ComputePipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	id := ComputePipelineID(d.nextID.Add(1))
	p := &ComputePipeline{id: id, label: label}
	p.life.init()
	d.computePipelines[id] = p
	return id, nil
}

// DestroyComputePipeline drops the caller's reference.
func (d *Device) DestroyComputePipeline(id ComputePipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.computePipelineLocked(id)
	if p.life.unref() {
		if p.life.lastUsed() <= d.life.done {
			delete(d.computePipelines, id)
			return
		}
		set := d.suspectLater(p.life.lastUsed())
		set.computePipelines = append(set.computePipelines, id)
	}
}

// CreateRenderPipeline registers a render pipeline handle.
func (d *Device) CreateRenderPipeline(label string) (RenderPipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	id := RenderPipelineID(d.nextID.Add(1))
	p := &RenderPipeline{id: id, label: label}
	p.life.init()
	d.renderPipelines[id] = p
	return id, nil
}

// DestroyRenderPipeline drops the caller's reference.
func (d *Device) DestroyRenderPipeline(id RenderPipelineID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.renderPipelineLocked(id)
	if p.life.unref() {
		if p.life.lastUsed() <= d.life.done {
			delete(d.renderPipelines, id)
			return
		}
		set := d.suspectLater(p.life.lastUsed())
		set.renderPipelines = append(set.renderPipelines, id)
	}
}

// CreateSurface registers a presentable surface.
func (d *Device) CreateSurface() (SurfaceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return InvalidID, ErrDeviceDestroyed
	}
	id := SurfaceID(d.nextID.Add(1))
	s := &Surface{id: id, acquiredView: InvalidID}
	s.life.init()
	d.surfaces[id] = s
	return id, nil
}

// AcquireSurfaceView attaches the surface's next frame to view. The
// view must stay acquired until a submission presents the surface;
// releasing it earlier makes that submission panic.
func (d *Device) AcquireSurfaceView(id SurfaceID, view TextureViewID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDeviceDestroyed
	}
	s := d.surfaceLocked(id)
	d.viewLocked(view)
	s.acquiredView = view
	return nil
}

// ReleaseSurfaceView drops the surface's acquired view without
// presenting it. A submission already recorded against the view will
// panic; release only frames that were never handed to Submit.
func (d *Device) ReleaseSurfaceView(id SurfaceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.surfaceLocked(id).acquiredView = InvalidID
}

// SurfacePresented reports completed presentations of the surface.
func (d *Device) SurfacePresented(id SurfaceID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.surfaceLocked(id).presented
}

// DestroySurface unregisters a surface.
func (d *Device) DestroySurface(id SurfaceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.surfaceLocked(id)
	if s.life.unref() {
		delete(d.surfaces, id)
	}
}

// Poll runs one maintenance pass: it inspects the oldest in-flight
// submissions, reclaims everything owed to the completed ones, and
// fires ready map callbacks. With wait set it blocks until at least
// the oldest in-flight submission completes. Poll with no submissions
// in flight still completes drained map requests.
func (d *Device) Poll(wait bool) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDeviceDestroyed
	}
	if len(d.life.records) == 0 {
		wait = false
	}
	cbs, err := d.maintainLocked(wait)
	d.mu.Unlock()

	fireMapCallbacks(cbs)
	return err
}

// Destroy drains all in-flight work, releases every remaining tracked
// resource, and marks the device unusable. Outstanding map requests
// fire with DestroyedBeforeCallback.
func (d *Device) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDeviceDestroyed
	}

	var callbacks []mapCallback
	wait := len(d.life.records) > 0
	cbs, err := d.maintainLocked(wait)
	callbacks = append(callbacks, cbs...)
	if err != nil {
		// Device loss during teardown: drop the records, the hardware
		// is gone anyway.
		d.life.records = nil
	}

	d.pending.dispose(d.raw, &d.pool)

	for id, buf := range d.buffers {
		if cb, ok := cancelMapLocked(buf, BufferMapAsyncStatusDestroyedBeforeCallback); ok {
			callbacks = append(callbacks, cb)
		}
		if buf.mapState == BufferMapStateMapped {
			_ = d.raw.UnmapBuffer(buf.raw)
		}
		d.raw.DestroyBuffer(buf.raw)
		delete(d.buffers, id)
	}
	for id, t := range d.textures {
		d.raw.DestroyTexture(t.raw)
		delete(d.textures, id)
	}
	clear(d.views)
	clear(d.bindGroups)
	clear(d.samplers)
	clear(d.computePipelines)
	clear(d.renderPipelines)
	clear(d.surfaces)
	for id, cb := range d.commandBuffers {
		d.pool.afterSubmit(cb.raw, 0)
		delete(d.commandBuffers, id)
	}
	d.pool.maintain(SubmissionIndex(d.submitIndex.Load()))
	d.pendingMaps = nil
	d.suspected.clear()
	d.suspectedNext.clear()
	d.destroyed = true
	d.mu.Unlock()

	fireMapCallbacks(callbacks)
	return err
}
