// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpuqueue

import (
	"fmt"
	"iter"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpuqueue/hal"
)

// bufferWriteUsages are the buffer states that modify contents. Any
// state containing one of these bits hazards against itself, so equal
// writable states still need a barrier between uses.
const bufferWriteUsages = gputypes.BufferUsageMapWrite |
	gputypes.BufferUsageCopyDst |
	gputypes.BufferUsageStorage

// textureWriteUsages are the texture states that modify contents.
const textureWriteUsages = gputypes.TextureUsageCopyDst |
	gputypes.TextureUsageRenderAttachment

// bufferUsageReadOnly reports whether u only reads buffer contents.
// The zero usage is "uninitialized", not read-only.
func bufferUsageReadOnly(u gputypes.BufferUsage) bool {
	return u != 0 && u&bufferWriteUsages == 0
}

// textureUsageReadOnly reports whether u only reads texture contents.
func textureUsageReadOnly(u gputypes.TextureUsage) bool {
	return u != 0 && u&textureWriteUsages == 0
}

// bufferState is one buffer's usage history inside a command buffer:
// the state it must be in when the command buffer starts (first), the
// state it is left in (last), and any transitions recorded in between.
type bufferState struct {
	first       gputypes.BufferUsage
	last        gputypes.BufferUsage
	transitions []hal.BufferUsageTransition
}

// bufferTracker accumulates buffer usage during command recording.
// Iteration order over tracked buffers is first-use order.
type bufferTracker struct {
	states map[BufferID]*bufferState
	order  []BufferID
}

func newBufferTracker() *bufferTracker {
	return &bufferTracker{states: make(map[BufferID]*bufferState)}
}

// use declares that the buffer is next accessed in state usage. It
// returns the transition the recorder must encode at the current point
// in the command stream, or nil when none is needed. Compatible
// read-only states merge without a transition.
func (t *bufferTracker) use(id BufferID, usage gputypes.BufferUsage) *hal.BufferUsageTransition {
	s, ok := t.states[id]
	if !ok {
		t.states[id] = &bufferState{first: usage, last: usage}
		t.order = append(t.order, id)
		return nil
	}
	if s.last == usage {
		return nil
	}
	if bufferUsageReadOnly(s.last) && bufferUsageReadOnly(usage) {
		s.last |= usage
		return nil
	}
	tr := hal.BufferUsageTransition{OldUsage: s.last, NewUsage: usage}
	s.transitions = append(s.transitions, tr)
	s.last = usage
	return &tr
}

// used yields tracked buffer ids in first-use order.
func (t *bufferTracker) used() iter.Seq[BufferID] {
	return func(yield func(BufferID) bool) {
		for _, id := range t.order {
			if !yield(id) {
				return
			}
		}
	}
}

// pendingTransitions counts intermediate transitions not yet coalesced.
func (t *bufferTracker) pendingTransitions() int {
	n := 0
	for _, s := range t.states {
		n += len(s.transitions)
	}
	return n
}

// optimize coalesces each buffer's history to its entry/exit pair. A
// purely read-only history collapses to the combined read state, so
// the submission barrier moves the buffer there in one step.
func (t *bufferTracker) optimize() {
	for _, s := range t.states {
		if len(s.transitions) == 0 && bufferUsageReadOnly(s.last) {
			s.first = s.last
		}
		s.transitions = nil
	}
}

// textureState mirrors bufferState for textures.
type textureState struct {
	first       gputypes.TextureUsage
	last        gputypes.TextureUsage
	transitions []hal.TextureUsageTransition
}

// textureTracker accumulates texture usage during command recording.
type textureTracker struct {
	states map[TextureID]*textureState
	order  []TextureID
}

func newTextureTracker() *textureTracker {
	return &textureTracker{states: make(map[TextureID]*textureState)}
}

func (t *textureTracker) use(id TextureID, usage gputypes.TextureUsage) *hal.TextureUsageTransition {
	s, ok := t.states[id]
	if !ok {
		t.states[id] = &textureState{first: usage, last: usage}
		t.order = append(t.order, id)
		return nil
	}
	if s.last == usage {
		return nil
	}
	if textureUsageReadOnly(s.last) && textureUsageReadOnly(usage) {
		s.last |= usage
		return nil
	}
	tr := hal.TextureUsageTransition{OldUsage: s.last, NewUsage: usage}
	s.transitions = append(s.transitions, tr)
	s.last = usage
	return &tr
}

func (t *textureTracker) used() iter.Seq[TextureID] {
	return func(yield func(TextureID) bool) {
		for _, id := range t.order {
			if !yield(id) {
				return
			}
		}
	}
}

func (t *textureTracker) optimize() {
	for _, s := range t.states {
		if len(s.transitions) == 0 && textureUsageReadOnly(s.last) {
			s.first = s.last
		}
		s.transitions = nil
	}
}

// idSet tracks stateless resource categories (views, bind groups,
// samplers, pipelines) where only "was it used" matters.
type idSet[T ~uint64] struct {
	seen  map[T]struct{}
	order []T
}

func (s *idSet[T]) use(id T) {
	if s.seen == nil {
		s.seen = make(map[T]struct{})
	}
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *idSet[T]) used() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, id := range s.order {
			if !yield(id) {
				return
			}
		}
	}
}

// trackerSet is the full per-command-buffer tracker across all seven
// resource categories.
type trackerSet struct {
	buffers          *bufferTracker
	textures         *textureTracker
	views            idSet[TextureViewID]
	bindGroups       idSet[BindGroupID]
	samplers         idSet[SamplerID]
	computePipelines idSet[ComputePipelineID]
	renderPipelines  idSet[RenderPipelineID]
}

func newTrackerSet() *trackerSet {
	return &trackerSet{
		buffers:  newBufferTracker(),
		textures: newTextureTracker(),
	}
}

// optimize coalesces recorded state histories before merging into the
// device tracker.
func (t *trackerSet) optimize() {
	t.buffers.optimize()
	t.textures.optimize()
}

// deviceTracker holds the authoritative current usage state of every
// live buffer and texture. Guarded by the device lock.
type deviceTracker struct {
	buffers  map[BufferID]gputypes.BufferUsage
	textures map[TextureID]gputypes.TextureUsage
}

func newDeviceTracker() *deviceTracker {
	return &deviceTracker{
		buffers:  make(map[BufferID]gputypes.BufferUsage),
		textures: make(map[TextureID]gputypes.TextureUsage),
	}
}

// registerBuffer seeds the uninitialized state for a new buffer.
func (dt *deviceTracker) registerBuffer(id BufferID) { dt.buffers[id] = 0 }

// registerTexture seeds the uninitialized state for a new texture.
func (dt *deviceTracker) registerTexture(id TextureID) { dt.textures[id] = 0 }

func (dt *deviceTracker) forgetBuffer(id BufferID)   { delete(dt.buffers, id) }
func (dt *deviceTracker) forgetTexture(id TextureID) { delete(dt.textures, id) }

// needBufferBarrier decides whether moving a buffer from old to next
// requires a barrier. Equal read-only states do not; equal writable
// states do (write-after-write hazard).
func needBufferBarrier(old, next gputypes.BufferUsage) bool {
	if old == next {
		return old != 0 && !bufferUsageReadOnly(old)
	}
	return true
}

func needTextureBarrier(old, next gputypes.TextureUsage) bool {
	if old == next {
		return old != 0 && !textureUsageReadOnly(old)
	}
	return true
}

// useReplaceBuffer forces the buffer into state usage immediately,
// returning the barrier to encode or nil. It panics when the tracker
// holds no state for the buffer; that means the id never passed
// through CreateBuffer or was already reclaimed.
func (dt *deviceTracker) useReplaceBuffer(buf *Buffer, usage gputypes.BufferUsage) *hal.BufferBarrier {
	cur, ok := dt.buffers[buf.id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: no tracked state for buffer %d", buf.id))
	}
	dt.buffers[buf.id] = usage
	if !needBufferBarrier(cur, usage) {
		return nil
	}
	return &hal.BufferBarrier{
		Buffer: buf.raw,
		Usage:  hal.BufferUsageTransition{OldUsage: cur, NewUsage: usage},
	}
}

// useReplaceTexture is useReplaceBuffer for textures.
func (dt *deviceTracker) useReplaceTexture(tex *Texture, usage gputypes.TextureUsage) *hal.TextureBarrier {
	cur, ok := dt.textures[tex.id]
	if !ok {
		panic(fmt.Sprintf("gpuqueue: no tracked state for texture %d", tex.id))
	}
	dt.textures[tex.id] = usage
	if !needTextureBarrier(cur, usage) {
		return nil
	}
	return &hal.TextureBarrier{
		Texture: tex.raw,
		Usage:   hal.TextureUsageTransition{OldUsage: cur, NewUsage: usage},
	}
}

// mergeBuffers computes the barriers that move global buffer states
// into the command buffer's entry states, then adopts its exit states.
// lookup resolves ids to live buffers and panics on unknown ids.
func (dt *deviceTracker) mergeBuffers(ct *bufferTracker, lookup func(BufferID) *Buffer) []hal.BufferBarrier {
	var barriers []hal.BufferBarrier
	for _, id := range ct.order {
		s := ct.states[id]
		buf := lookup(id)
		cur, ok := dt.buffers[id]
		if !ok {
			panic(fmt.Sprintf("gpuqueue: no tracked state for buffer %d", id))
		}
		if needBufferBarrier(cur, s.first) {
			barriers = append(barriers, hal.BufferBarrier{
				Buffer: buf.raw,
				Usage:  hal.BufferUsageTransition{OldUsage: cur, NewUsage: s.first},
			})
		}
		dt.buffers[id] = s.last
	}
	return barriers
}

// mergeTextures is mergeBuffers for textures.
func (dt *deviceTracker) mergeTextures(ct *textureTracker, lookup func(TextureID) *Texture) []hal.TextureBarrier {
	var barriers []hal.TextureBarrier
	for _, id := range ct.order {
		s := ct.states[id]
		tex := lookup(id)
		cur, ok := dt.textures[id]
		if !ok {
			panic(fmt.Sprintf("gpuqueue: no tracked state for texture %d", id))
		}
		if needTextureBarrier(cur, s.first) {
			barriers = append(barriers, hal.TextureBarrier{
				Texture: tex.raw,
				Usage:   hal.TextureUsageTransition{OldUsage: cur, NewUsage: s.first},
			})
		}
		dt.textures[id] = s.last
	}
	return barriers
}
