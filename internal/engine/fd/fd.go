// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package fd contains a reference counted container for a file descriptor.
//
// To prevent misuse, never store raw operating system file descriptor
// numbers. It's too easy to close a file descriptor with lingering
// references still in memory, which can have catastrophic consequences on
// unrelated files and sockets since OS file descriptor numbers are recycled.
// Using this struct and calling (*FD).FD() within IncRef/DecRef guards to
// access the underlying value is safer.
package fd

import (
	"fmt"
	"sync/atomic"
	_ "unsafe"
)

const debug = false

const (
	flagClosed = 1 << 31
	maxRefs    = 1 << 24
)

// FD is a reference counted file descriptor.
type FD struct {
	fd   uint32
	refs uint32
	sema uint32

	origFD int // logging only

	_ func() // no copy
}

// NewFD returns an FD with the reference counter initialized to 1.
func NewFD(fd int) *FD {
	return &FD{fd: uint32(fd), refs: 1, origFD: fd}
}

func (f *FD) String() string {
	n := atomic.LoadUint32(&f.fd)
	if n == ^uint32(0) {
		return fmt.Sprintf("fd_%d[closed]", f.origFD)
	}
	return fmt.Sprintf("fd_%d", n)
}

// IncRef increments the ref counter. If f was closed, it's a no-op and
// returns false.
func (f *FD) IncRef() bool {
	refs := atomic.AddUint32(&f.refs, 1)
	left := refs &^ uint32(flagClosed)
	if debug {
		fmt.Printf("%p: %s: IncRef: left=%d, closed=%v\n", f, f.String(), left, refs&flagClosed)
	}
	if refs&flagClosed != 0 {
		f.decRef(true)
		return false
	}
	if refs >= maxRefs {
		panic(fmt.Sprintf("too many concurrent file descriptor references (max %d)", maxRefs))
	}
	return true
}

// MustIncRef adds a reference to f. It panics when f is closed.
func (f *FD) MustIncRef() {
	if !f.IncRef() {
		panic("file closed")
	}
}

// FD returns the underlying operating system file descriptor number.
func (f *FD) FD() int {
	val := atomic.LoadUint32(&f.fd)
	if val == ^uint32(0) {
		panic("file descriptor misuse outside IncRef/DecRef guards: file closed")
	}
	return int(val)
}

func (f *FD) decRef(internal bool) {
	refs := atomic.AddUint32(&f.refs, ^uint32(0))
	left := refs &^ uint32(flagClosed)
	if debug {
		fmt.Printf("%p: %s: DecRef: left=%d, closed=%v\n", f, f.String(), left, refs&flagClosed)
	}
	if left >= maxRefs {
		panic(fmt.Sprintf("ref counter underflow: %08x", left))
	}
	if refs&flagClosed != 0 {
		switch left {
		case 1:
			// Last non-closing DecRef: wake a pending semacquire, if any.
			semrelease(&f.sema, false, 0)
		case 0:
			val := atomic.SwapUint32(&f.fd, ^uint32(0))
			if val == ^uint32(0) && !internal {
				panic("invalid closed file descriptor state: found fd=-1 in DecRef to zero")
			}
		}
	}
}

// DecRef decrements the ref counter.
//
// If this call corresponds to a ClosingIncRef, future f.FD() calls will
// panic, so remember to call Lock between ClosingIncRef and DecRef.
func (f *FD) DecRef() {
	f.decRef(false)
}

// ClosingIncRef tries to increment the ref counter and mark f as closed
// atomically. If f was already closed or is being closed by a different
// goroutine, it returns false; otherwise, it returns true.
//
// Neither ClosingIncRef nor its DecRef closes the underlying OS file
// descriptor; the caller must close(2) it between ClosingIncRef and the
// final DecRef.
func (f *FD) ClosingIncRef() bool {
	for {
		refs := atomic.LoadUint32(&f.refs)
		if refs&flagClosed != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&f.refs, refs, flagClosed|(refs+1)) {
			return true
		}
	}
}

// Lock waits until there is exactly one pending ref (the caller's). It
// panics if f isn't already marked closed. Call it after ClosingIncRef and
// before the close(2) syscall.
func (f *FD) Lock() {
	refs := atomic.LoadUint32(&f.refs)
	left := refs &^ uint32(flagClosed)
	if refs&flagClosed == 0 {
		panic("Lock called without marking file as closed")
	}
	if debug {
		fmt.Printf("%p: %s: Lock: left=%d, closed=%v\n", f, f.String(), left, refs&flagClosed)
	}
	if left > 1 {
		semacquire(&f.sema)
	}
}

//go:linkname semacquire sync.runtime_Semacquire
func semacquire(addr *uint32)

//go:linkname semrelease sync.runtime_Semrelease
func semrelease(addr *uint32, handoff bool, skipframes int)
