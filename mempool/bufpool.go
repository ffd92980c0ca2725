// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the buffers used to encode outgoing packets.
package mempool

import (
	"bytes"
	"sync"
)

// DefaultMaxRetained is the largest buffer capacity the default pool keeps.
// Buffers grown past it by an unusually large packet are left to the collector.
const DefaultMaxRetained = 1 << 16

var bufPool = NewBuffer(DefaultMaxRetained)

// GetBuffer takes an empty buffer from the default pool.
func GetBuffer() *bytes.Buffer { return bufPool.Get() }

// PutBuffer returns a buffer to the default pool. The buffer must not be
// used again by the caller, including any slice taken from Bytes.
func PutBuffer(x *bytes.Buffer) { bufPool.Put(x) }

// BufferPool hands out reusable byte buffers.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(x *bytes.Buffer)
}

// NewBuffer returns a buffer pool. Buffers whose capacity grows beyond max are
// not returned to the pool. If max <= 0 no limit is enforced.
func NewBuffer(max int) BufferPool {
	if max > 0 {
		return newBufferWithCap(max)
	}

	return newBuffer()
}

// Buffer is an unbounded buffer pool.
type Buffer struct {
	pool *sync.Pool
}

func newBuffer() *Buffer {
	return &Buffer{
		pool: &sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Get a buffer from the pool.
func (b *Buffer) Get() *bytes.Buffer {
	return b.pool.Get().(*bytes.Buffer)
}

// Put resets the buffer and returns it to the pool.
func (b *Buffer) Put(x *bytes.Buffer) {
	x.Reset()
	b.pool.Put(x)
}

// BufferWithCap is a buffer pool which drops buffers larger than max.
type BufferWithCap struct {
	bp  *Buffer
	max int
}

func newBufferWithCap(max int) *BufferWithCap {
	return &BufferWithCap{
		bp:  newBuffer(),
		max: max,
	}
}

// Get a buffer from the pool.
func (b *BufferWithCap) Get() *bytes.Buffer {
	return b.bp.Get()
}

// Put resets the buffer and returns it to the pool if its capacity is
// within the limit.
func (b *BufferWithCap) Put(x *bytes.Buffer) {
	if x.Cap() > b.max {
		return
	}
	b.bp.Put(x)
}
