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

package evsock

import (
	"github.com/evloop-io/evsock/internal/netpoll"
	"github.com/evloop-io/evsock/internal/sys"
	"github.com/evloop-io/evsock/pkg/errors"
)

// Callback is the completion function of a read or write operation. It
// receives the byte count and error reported by the kernel, or
// errors.ErrInterrupted when the operation was interrupted before its
// descriptor became ready. A callback may immediately issue a new operation
// or close the socket; the pending state is always cleared before it runs.
type Callback func(n int, err error)

// operation is a pending read or write: the caller's buffer and callback,
// waiting for a readiness edge or for a deferred completion task.
type operation struct {
	buf         []byte
	cb          Callback
	interrupted bool
	scheduled   bool // a deferred completion task has been enqueued for this operation
}

// Socket is the non-blocking socket primitive of the event loop: it owns one
// file descriptor and its poller registration, and carries at most one
// pending read and one pending write at any time.
//
// A Socket is not safe for concurrent use; every method must be called from
// the event-loop goroutine, either inside a callback or through Loop.Execute.
// Completion callbacks are never invoked inline from Read, Write,
// InterruptRead or InterruptWrite; they run from event dispatch or from a
// deferred task on the loop.
type Socket struct {
	fd           int
	loop         *Loop
	pa           *netpoll.PollAttachment // poller registration handle, present iff the socket is open
	readyRead    bool                    // cached readiness, refreshed by edges and syscall outcomes
	readyWrite   bool
	pendingRead  *operation
	pendingWrite *operation
	closed       bool
}

// NewSocket takes ownership of fd and registers it with the loop's poller for
// both readiness directions. It panics on a negative descriptor; a failed
// poller registration is returned as an error, in which case the caller
// retains ownership of fd and must not use the socket.
func NewSocket(loop *Loop, fd int) (*Socket, error) {
	if fd < 0 {
		panic("evsock: NewSocket with invalid file descriptor")
	}
	s := &Socket{fd: fd, loop: loop}
	s.pa = netpoll.GetPollAttachment()
	s.pa.FD = fd
	if err := loop.register(s); err != nil {
		netpoll.PutPollAttachment(s.pa)
		s.pa = nil
		s.closed = true
		return nil, err
	}
	return s, nil
}

// Fd returns the underlying file descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// Loop returns the event loop this socket is registered with.
func (s *Socket) Loop() *Loop {
	return s.loop
}

// IsClosed indicates whether the socket has been closed. Closing is terminal;
// a closed socket cannot be reopened.
func (s *Socket) IsClosed() bool {
	return s.closed
}

// Read issues an asynchronous read into buf. cb is invoked exactly once, with
// the syscall result once the descriptor reports readable, or with
// errors.ErrInterrupted, unless the operation is abandoned. buf is borrowed
// until then and must stay valid.
//
// Only one read may be in flight at a time; a second one is rejected with
// errors.ErrReadPending and leaves the in-flight read untouched.
func (s *Socket) Read(buf []byte, cb Callback) error {
	if s.closed {
		return errors.ErrSocketClosed
	}
	if cb == nil {
		return errors.ErrNilCallback
	}
	if s.pendingRead != nil {
		return errors.ErrReadPending
	}
	op := &operation{buf: buf, cb: cb}
	s.pendingRead = op
	if s.readyRead {
		// The readable edge already arrived; consume it and defer the
		// completion so that cb never runs inside the caller's stack frame.
		s.readyRead = false
		op.scheduled = true
		s.loop.poller.Defer(func() { s.completeRead(op) })
	}
	return nil
}

// Write issues an asynchronous write of buf. The completion may report a
// partial count; resuming is the caller's responsibility. See Read for the
// callback and single-operation contract, with errors.ErrWritePending as the
// rejection.
func (s *Socket) Write(buf []byte, cb Callback) error {
	if s.closed {
		return errors.ErrSocketClosed
	}
	if cb == nil {
		return errors.ErrNilCallback
	}
	if s.pendingWrite != nil {
		return errors.ErrWritePending
	}
	op := &operation{buf: buf, cb: cb}
	s.pendingWrite = op
	if s.readyWrite {
		s.readyWrite = false
		op.scheduled = true
		s.loop.poller.Defer(func() { s.completeWrite(op) })
	}
	return nil
}

// InterruptRead cancels the wait of the pending read but not its
// notification: the callback still fires, asynchronously, with
// errors.ErrInterrupted and without touching the descriptor. Calling it
// repeatedly schedules exactly one completion; without a pending read it is
// a no-op.
func (s *Socket) InterruptRead() {
	op := s.pendingRead
	if op == nil {
		return
	}
	op.interrupted = true
	if !op.scheduled {
		op.scheduled = true
		s.loop.poller.Defer(func() { s.completeRead(op) })
	}
}

// InterruptWrite is the write-side counterpart of InterruptRead.
func (s *Socket) InterruptWrite() {
	op := s.pendingWrite
	if op == nil {
		return
	}
	op.interrupted = true
	if !op.scheduled {
		op.scheduled = true
		s.loop.poller.Defer(func() { s.completeWrite(op) })
	}
}

// InterruptAndAbandonRead discards the pending read without ever invoking its
// callback, reporting whether there was one to abandon. It exists for callers
// that are about to destroy the state a completion would touch.
func (s *Socket) InterruptAndAbandonRead() bool {
	op := s.pendingRead
	if op == nil {
		return false
	}
	s.pendingRead = nil
	op.buf, op.cb = nil, nil
	return true
}

// InterruptAndAbandonWrite is the write-side counterpart of
// InterruptAndAbandonRead.
func (s *Socket) InterruptAndAbandonWrite() bool {
	op := s.pendingWrite
	if op == nil {
		return false
	}
	s.pendingWrite = nil
	op.buf, op.cb = nil, nil
	return true
}

// Close releases the poller registration and the descriptor. It panics when
// the socket is already closed, and when an operation is still pending: the
// caller must have obtained the completion, abandoned it, or gone through
// InterruptAndClose.
func (s *Socket) Close() error {
	if s.closed {
		panic("evsock: close of closed socket")
	}
	if s.pendingRead != nil || s.pendingWrite != nil {
		panic("evsock: close of socket with pending I/O")
	}
	return s.teardown()
}

// Release is the idempotent variant of Close for teardown paths: a no-op on
// an already-closed socket. It still panics when an operation is pending.
func (s *Socket) Release() {
	if s.closed {
		return
	}
	if s.pendingRead != nil || s.pendingWrite != nil {
		panic("evsock: release of socket with pending I/O")
	}
	if err := s.teardown(); err != nil {
		s.loop.getLogger().Errorf("error occurs while releasing socket fd=%d, %v", s.fd, err)
	}
}

// InterruptAndClose interrupts both pending operations and then closes the
// socket. It is the only close path that is safe with operations in flight:
// their callbacks still fire later with errors.ErrInterrupted and never
// touch the by-then-closed descriptor. It panics when the socket is already
// closed.
func (s *Socket) InterruptAndClose() error {
	if s.closed {
		panic("evsock: close of closed socket")
	}
	s.InterruptRead()
	s.InterruptWrite()
	return s.teardown()
}

// teardown releases the poller registration first and the descriptor second.
func (s *Socket) teardown() error {
	s.closed = true
	s.readyRead, s.readyWrite = false, false
	err := s.loop.unregister(s)
	netpoll.PutPollAttachment(s.pa)
	s.pa = nil
	if cerr := sys.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}

// onEvent caches the readiness edges reported by the poller and dispatches
// pending operations.
func (s *Socket) onEvent(ev netpoll.IOEvent, flags netpoll.IOFlags) {
	if netpoll.IsErrorEvent(ev, flags) {
		// Wake both directions so the syscall surfaces the socket error.
		s.readyRead, s.readyWrite = true, true
	} else {
		if netpoll.IsReadEvent(ev) {
			s.readyRead = true
		}
		if netpoll.IsWriteEvent(ev) {
			s.readyWrite = true
		}
	}
	s.onPoll()
}

// onPoll consumes the cached readiness edges of directions with a pending
// operation and completes them in place: this already runs inside event-loop
// dispatch, so no reentrancy hazard exists. Edges without a pending operation
// stay cached for the next Read/Write call to consume.
func (s *Socket) onPoll() {
	if op := s.pendingRead; op != nil && s.readyRead {
		s.readyRead = false
		s.completeRead(op)
	}
	if op := s.pendingWrite; op != nil && s.readyWrite {
		s.readyWrite = false
		s.completeWrite(op)
	}
}

// completeRead finishes op: interrupted operations get errors.ErrInterrupted
// without a syscall, the rest get the verbatim syscall result. The pending
// state is cleared before the callback so that a callback reissuing a read
// sees no stale state. A completion whose operation has already been
// finished or abandoned is a no-op.
func (s *Socket) completeRead(op *operation) {
	if s.pendingRead != op {
		return
	}
	s.pendingRead = nil
	buf, cb := op.buf, op.cb
	interrupted := op.interrupted
	op.buf, op.cb = nil, nil
	if interrupted {
		cb(0, errors.ErrInterrupted)
		return
	}
	n, err := sys.Read(s.fd, buf)
	s.readyRead = readinessAfter(n, len(buf), err)
	cb(n, err)
}

// completeWrite is the write-side counterpart of completeRead.
func (s *Socket) completeWrite(op *operation) {
	if s.pendingWrite != op {
		return
	}
	s.pendingWrite = nil
	buf, cb := op.buf, op.cb
	interrupted := op.interrupted
	op.buf, op.cb = nil, nil
	if interrupted {
		cb(0, errors.ErrInterrupted)
		return
	}
	n, err := sys.Write(s.fd, buf)
	s.readyWrite = readinessAfter(n, len(buf), err)
	cb(n, err)
}

// readinessAfter reports whether a direction is still ready once a syscall
// has completed on it. The poller reports readiness edge-triggered, so the
// socket must track when a fresh edge is actually required: only a
// would-block result or a partial transfer (buffer drained, or filled to
// the brim) means the kernel has nothing more to offer until the next edge.
// Full transfers may leave more behind, and end-of-file and hard errors are
// sticky conditions that no further edge will announce.
func readinessAfter(n, size int, err error) bool {
	if err != nil {
		return !sys.WouldBlock(err)
	}
	if n == 0 && size > 0 { // end-of-file
		return true
	}
	return n == size
}
