/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import "golang.org/x/sys/unix"

// An FD owns a file descriptor and guarantees it is closed at most
// once. Every socket and pipe end in the server is held by one of
// these; Release moves ownership out without closing.
type FD struct {
	fd int
}

// NewFD takes ownership of fd. A negative fd yields an invalid owner.
func NewFD(fd int) FD {
	return FD{fd: fd}
}

// Get returns the descriptor, or -1 when the owner is empty.
func (f *FD) Get() int {
	if f.fd < 0 {
		return -1
	}
	return f.fd
}

// Valid reports whether the owner still holds a descriptor.
func (f *FD) Valid() bool { return f.fd >= 0 }

// Close releases the descriptor. Safe to call repeatedly.
func (f *FD) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

// Release hands the descriptor to the caller and empties the owner.
func (f *FD) Release() int {
	fd := f.fd
	f.fd = -1
	return fd
}
