// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Buffer holds key material in a locked, non-dumpable mapping. It must
// not be copied. Reading after Close panics.
type Buffer struct {
	region []byte
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New maps a zero-filled Buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	region, err := mapLocked(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{region: region}, nil
}

// mapLocked maps an anonymous region, locks it into RAM and excludes it
// from core dumps. A failure at any step undoes the earlier ones.
func mapLocked(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise: %w", err)
	}
	return region, nil
}

// NewFromBytes moves source into a new Buffer: the contents are copied
// and source is zeroed, whether or not the copy succeeds.
func NewFromBytes(source []byte) (*Buffer, error) {
	defer Zero(source)
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	return buffer, nil
}

// Bytes returns the locked region itself. The slice is invalid after
// Close.
func (b *Buffer) Bytes() []byte {
	if b.closed.Load() {
		panic("secret: read from closed buffer")
	}
	return b.region
}

// Reader returns a reader over the contents, for parsers that take an
// io.Reader. It must be drained before Close.
func (b *Buffer) Reader() *bytes.Reader {
	return bytes.NewReader(b.Bytes())
}

// Len returns the size of the contents, or 0 after Close.
func (b *Buffer) Len() int {
	if b.closed.Load() {
		return 0
	}
	return len(b.region)
}

// Close wipes and releases the region. Later calls return the first
// call's result.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		Zero(b.region)
		b.closeErr = errors.Join(unix.Munlock(b.region), unix.Munmap(b.region))
		b.region = nil
	})
	return b.closeErr
}

// Zero overwrites data with zeroes.
func Zero(data []byte) {
	clear(data)
}
