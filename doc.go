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

/*
Package evsock is the non-blocking socket primitive at the bottom of an
event-driven I/O stack: a per-file-descriptor Socket that turns kernel
readiness notifications (epoll on Linux, kqueue on *BSD/Darwin) into at most
one outstanding asynchronous read and one outstanding asynchronous write,
each completed by invoking a caller-supplied callback on the event-loop
goroutine.

A Socket never buffers, frames, or multiplexes; it exchanges exactly one
operation per direction at a time and hands syscall results, including
partial counts and transient errors, verbatim to the completion callback.
Pending operations can be interrupted, in which case the callback still
fires asynchronously with errors.ErrInterrupted, or abandoned, in which case
it never fires at all.

	loop, err := evsock.NewLoop()
	if err != nil {
		// handle error
	}
	go func() {
		if err := loop.Run(); err != nil {
			// handle error
		}
	}()

	// All socket traffic happens on the event-loop goroutine.
	err = loop.Execute(func() error {
		s, err := evsock.NewSocket(loop, fd)
		if err != nil {
			return err
		}
		buf := make([]byte, 4096)
		return s.Read(buf, func(n int, err error) {
			// consume buf[:n], issue the next operation, or close.
		})
	})
*/
package evsock
