// Copyright (c) 2023 The Evsock Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || darwin || dragonfly || freebsd

// Package sys wraps the raw read/write/close system calls used by evsock.
//
// The wrappers surface partial counts and transient errors (EAGAIN, EINTR)
// verbatim; retry policy belongs to the caller.
package sys

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Read reads up to len(buf) bytes from fd into buf. It returns the number of
// bytes read; n == 0 with a nil error means end-of-file.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, os.NewSyscallError("read", err)
}

// Write writes the bytes of buf to fd. The returned count may be smaller than
// len(buf) when the kernel accepts only part of the buffer.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, os.NewSyscallError("write", err)
}

// WouldBlock reports whether err is the kernel's would-block error. On the
// supported platforms EWOULDBLOCK and EAGAIN are the same errno.
func WouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}

// Close closes fd.
func Close(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return os.NewSyscallError("setnonblock", unix.SetNonblock(fd, true))
}

// SocketPair returns a connected pair of non-blocking unix-domain stream
// descriptors.
func SocketPair() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, os.NewSyscallError("socketpair", err)
	}
	for _, fd := range fds {
		if err = SetNonblock(fd); err != nil {
			_ = Close(fds[0])
			_ = Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}
