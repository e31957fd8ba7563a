// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package softhal is a pure-Go, in-memory implementation of the hal
// interfaces. Buffers and textures are byte slices, command buffers are
// recorded closures executed at submit time, and fences are timeline
// values signaled either automatically on submit or manually from test
// code.
//
// softhal exists so that gpuqueue's submission, tracking, and lifetime
// machinery can run and be observed without a GPU. It is not fast and
// it is not a rendering backend.
package softhal
