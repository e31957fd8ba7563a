package gpuqueue

import (
	"github.com/gogpu/gpuqueue/hal"
)

// pooledBuffers are raw command buffers consumed by the submission with
// the given index. They can be freed once that submission completes.
type pooledBuffers struct {
	index SubmissionIndex
	raws  []hal.CommandBuffer
}

// commandPool hands out encoders and parks finished hardware command
// buffers until the GPU is done with them. Guarded by the device lock.
type commandPool struct {
	dev     hal.Device
	pending []pooledBuffers
}

// allocate opens a fresh encoder ready for recording. Used for user
// recordings, the pending-writes encoder, and per-submission transit
// command buffers alike.
func (p *commandPool) allocate(label string) (hal.CommandEncoder, error) {
	enc, err := p.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, err
	}
	if err := enc.BeginEncoding(label); err != nil {
		return nil, err
	}
	return enc, nil
}

// discard abandons an open encoder without producing a command buffer.
func (p *commandPool) discard(enc hal.CommandEncoder) {
	enc.DiscardEncoding()
}

// afterSubmit parks raw command buffers consumed by submission index.
func (p *commandPool) afterSubmit(raws []hal.CommandBuffer, index SubmissionIndex) {
	if len(raws) == 0 {
		return
	}
	p.pending = append(p.pending, pooledBuffers{index: index, raws: raws})
}

// maintain frees every parked command buffer whose submission has
// completed. Returns the number freed.
func (p *commandPool) maintain(done SubmissionIndex) int {
	freed := 0
	kept := p.pending[:0]
	for _, pb := range p.pending {
		if pb.index <= done {
			for _, raw := range pb.raws {
				p.dev.FreeCommandBuffer(raw)
				freed++
			}
		} else {
			kept = append(kept, pb)
		}
	}
	p.pending = kept
	return freed
}

// inFlight counts parked command buffers not yet reclaimed.
func (p *commandPool) inFlight() int {
	n := 0
	for _, pb := range p.pending {
		n += len(pb.raws)
	}
	return n
}
