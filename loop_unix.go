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
	"net"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/evloop-io/evsock/internal/netpoll"
	"github.com/evloop-io/evsock/internal/sys"
	"github.com/evloop-io/evsock/pkg/errors"
	"github.com/evloop-io/evsock/pkg/pool/goroutine"
)

// Loop is a single-threaded event loop: it polls readiness events for the
// sockets registered on it, dispatches them, and drains the deferred-task
// queue the sockets schedule their completions on.
type Loop struct {
	poller     *netpoll.Poller
	sockets    map[int]*Socket // all opened sockets, keyed by descriptor
	opts       *Options
	inShutdown int32 // whether the loop is in shutdown, 1 yes, 0 no
}

// NewLoop instantiates a Loop along with its poller.
func NewLoop(opt ...Option) (*Loop, error) {
	options := loadOptions(opt...)
	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		poller:  poller,
		sockets: make(map[int]*Socket),
		opts:    options,
	}, nil
}

func (l *Loop) getLogger() Logger {
	return l.opts.Logger
}

func (l *Loop) isShutdown() bool {
	return atomic.LoadInt32(&l.inShutdown) == 1
}

// Run blocks the calling goroutine polling and dispatching events; that
// goroutine becomes the event-loop goroutine all socket methods and
// callbacks run on. It returns nil after Stop, or the poller error that
// broke the loop.
func (l *Loop) Run() error {
	if l.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer atomic.StoreInt32(&l.inShutdown, 1)
	err := l.poller.Polling(l.dispatch)
	if err == errors.ErrLoopShutdown {
		l.getLogger().Debugf("event loop is being shutdown...")
		return nil
	}
	return err
}

// dispatch hands a readiness event to the socket owning the descriptor.
func (l *Loop) dispatch(fd int, ev netpoll.IOEvent, flags netpoll.IOFlags) error {
	s := l.sockets[fd]
	if s == nil {
		// Stale event for a descriptor closed earlier in this round.
		return nil
	}
	s.onEvent(ev, flags)
	return nil
}

// Defer schedules fn to run on the event-loop goroutine after the in-flight
// dispatch returns, in FIFO order, never inline. It must only be called from
// the event-loop goroutine; use Execute everywhere else.
func (l *Loop) Defer(fn func()) {
	l.poller.Defer(fn)
}

// Execute submits fn to run on the event-loop goroutine. It is safe to call
// from any goroutine and is the way to reach sockets of a running loop from
// the outside.
func (l *Loop) Execute(fn func() error) error {
	if l.isShutdown() {
		return errors.ErrLoopInShutdown
	}
	if fn == nil {
		return errors.ErrNilTask
	}
	return l.poller.Trigger(func(any) error { return fn() }, nil)
}

// Stop makes Run return after the current poll round. Sockets left on the
// loop are not torn down until Close.
func (l *Loop) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.inShutdown, 0, 1) {
		return errors.ErrLoopInShutdown
	}
	return l.poller.Trigger(func(any) error { return errors.ErrLoopShutdown }, nil)
}

// Close releases the poller and every socket still registered, interrupting
// their pending operations. It must only be called after Run has returned.
func (l *Loop) Close() error {
	remaining := make([]*Socket, 0, len(l.sockets))
	for _, s := range l.sockets {
		remaining = append(remaining, s)
	}
	for _, s := range remaining {
		if err := s.InterruptAndClose(); err != nil {
			l.getLogger().Errorf("error occurs while closing socket fd=%d, %v", s.fd, err)
		}
	}
	return l.poller.Close()
}

// Registered is the result of enrolling a net.Conn on a Loop. Exactly one
// Registered is delivered per Enroll call.
type Registered struct {
	Socket *Socket
	Err    error
}

// Enroll duplicates the descriptor of c off the event-loop goroutine, on the
// shared worker pool, and registers a Socket over the duplicate. c remains
// owned by the caller and may be closed once the result is delivered. The
// loop must be running for the result to arrive.
func (l *Loop) Enroll(c net.Conn) (<-chan Registered, error) {
	if l.isShutdown() {
		return nil, errors.ErrLoopInShutdown
	}
	if c == nil {
		return nil, errors.ErrInvalidConn
	}
	resCh := make(chan Registered, 1)
	err := goroutine.DefaultWorkerPool.Submit(func() {
		sc, ok := c.(syscall.Conn)
		if !ok {
			resCh <- Registered{Err: errors.ErrInvalidConn}
			return
		}
		rc, err := sc.SyscallConn()
		if err != nil {
			resCh <- Registered{Err: err}
			return
		}
		var (
			dupFD  int
			dupErr error
		)
		if err = rc.Control(func(fd uintptr) {
			dupFD, dupErr = unix.Dup(int(fd))
		}); err != nil {
			resCh <- Registered{Err: err}
			return
		}
		if dupErr != nil {
			resCh <- Registered{Err: os.NewSyscallError("dup", dupErr)}
			return
		}
		if err = sys.SetNonblock(dupFD); err != nil {
			_ = sys.Close(dupFD)
			resCh <- Registered{Err: err}
			return
		}
		if err = l.Execute(func() error {
			s, err := NewSocket(l, dupFD)
			if err != nil {
				_ = sys.Close(dupFD)
			}
			resCh <- Registered{Socket: s, Err: err}
			return nil
		}); err != nil {
			_ = sys.Close(dupFD)
			resCh <- Registered{Err: err}
		}
	})
	if err != nil {
		return nil, err
	}
	return resCh, nil
}

// register adds s to the poller and the loop's socket table.
func (l *Loop) register(s *Socket) error {
	if err := l.poller.AddReadWrite(s.pa); err != nil {
		return err
	}
	l.sockets[s.fd] = s
	return nil
}

// unregister removes s from the socket table and the poller; it must run
// before the descriptor is closed.
func (l *Loop) unregister(s *Socket) error {
	delete(l.sockets, s.fd)
	return l.poller.Delete(s.fd)
}
