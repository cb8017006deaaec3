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
	goerrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/evloop-io/evsock/internal/sys"
	"github.com/evloop-io/evsock/pkg/errors"
	"github.com/evloop-io/evsock/pkg/pool/bytebuffer"
)

type ioResult struct {
	n   int
	err error
}

// startTestLoop runs a loop on its own goroutine and tears it down with the test.
func startTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- l.Run()
	}()
	t.Cleanup(func() {
		_ = l.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("event loop did not stop in time")
			return
		}
		assert.NoError(t, l.Close())
	})
	return l
}

// onLoop runs fn on the event-loop goroutine and returns its error.
func onLoop(t *testing.T, l *Loop, fn func() error) error {
	t.Helper()
	errCh := make(chan error, 1)
	require.NoError(t, l.Execute(func() error {
		errCh <- fn()
		return nil
	}))
	select {
	case err := <-errCh:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the event loop")
		return nil
	}
}

// newSocketPair registers a Socket over one end of a unix-domain socket pair
// and hands the peer descriptor to the test.
func newSocketPair(t *testing.T, l *Loop) (*Socket, int) {
	t.Helper()
	fd0, fd1, err := sys.SocketPair()
	require.NoError(t, err)
	var s *Socket
	require.NoError(t, onLoop(t, l, func() error {
		var err error
		s, err = NewSocket(l, fd0)
		return err
	}))
	t.Cleanup(func() {
		_ = unix.Close(fd1)
	})
	return s, fd1
}

func waitResult(t *testing.T, ch <-chan ioResult) ioResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a completion")
		return ioResult{}
	}
}

func expectNoResult(t *testing.T, ch <-chan ioResult) {
	t.Helper()
	select {
	case res := <-ch:
		t.Fatalf("unexpected completion: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

// readPeer reads exactly want bytes from the non-blocking peer descriptor.
func readPeer(t *testing.T, fd, want int) []byte {
	t.Helper()
	buf := make([]byte, want)
	read := 0
	deadline := time.Now().Add(time.Second)
	for read < want {
		n, err := unix.Read(fd, buf[read:])
		if err == unix.EAGAIN {
			require.False(t, time.Now().After(deadline), "timed out reading from peer")
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		require.NotZero(t, n, "unexpected EOF from peer")
		read += n
	}
	return buf
}

// fillSendBuffer writes to the raw descriptor until the kernel refuses more.
func fillSendBuffer(t *testing.T, fd int) {
	t.Helper()
	chunk := make([]byte, 64*1024)
	for i := 0; i < 1<<12; i++ {
		if _, err := unix.Write(fd, chunk); err != nil {
			require.Equal(t, unix.EAGAIN, err)
			return
		}
	}
	t.Fatal("send buffer never filled up")
}

// drainPeer consumes whatever is queued on the peer descriptor.
func drainPeer(t *testing.T, fd int) {
	t.Helper()
	buf := make([]byte, 64*1024)
	for {
		if _, err := unix.Read(fd, buf); err != nil {
			require.Equal(t, unix.EAGAIN, err)
			return
		}
	}
}

func TestReadCompletesWhenDataArrives(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	buf := make([]byte, 16)
	results := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(buf, func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))

	_, err := unix.Write(peer, []byte("hello"))
	require.NoError(t, err)

	res := waitResult(t, results)
	require.NoError(t, res.err)
	require.Equal(t, 5, res.n)
	require.Equal(t, "hello", string(buf[:res.n]))
}

func TestWriteReportsKernelCount(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	payload := []byte("hello")
	results := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Write(payload, func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))

	res := waitResult(t, results)
	require.NoError(t, res.err)
	require.Greater(t, res.n, 0)
	require.LessOrEqual(t, res.n, len(payload))
	require.Equal(t, payload[:res.n], readPeer(t, peer, res.n))
}

func TestSecondReadRejectedWhilePending(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	buf := make([]byte, 16)
	results := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(buf, func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))

	err := onLoop(t, l, func() error {
		return s.Read(make([]byte, 16), func(int, error) {
			t.Error("rejected read must never complete")
		})
	})
	require.ErrorIs(t, err, errors.ErrReadPending)

	// The first pending read is untouched by the rejection.
	_, err = unix.Write(peer, []byte("ping"))
	require.NoError(t, err)
	res := waitResult(t, results)
	require.NoError(t, res.err)
	require.Equal(t, "ping", string(buf[:res.n]))
}

func TestWriteBackpressure(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	// A fully accepted warm-up write pins the writable state, regardless of
	// when the registration edge is dispatched.
	warmup := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Write([]byte("warm"), func(n int, err error) {
			warmup <- ioResult{n, err}
		})
	}))
	res0 := waitResult(t, warmup)
	require.NoError(t, res0.err)
	require.Equal(t, 4, res0.n)

	fillSendBuffer(t, s.Fd())

	// The cached writable state leads straight to the syscall, which
	// surfaces EAGAIN verbatim.
	first := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Write([]byte("more"), func(n int, err error) {
			first <- ioResult{n, err}
		})
	}))
	res := waitResult(t, first)
	require.ErrorIs(t, res.err, unix.EAGAIN)
	require.Zero(t, res.n)

	// No fresh edge arrives while the buffer stays full, so this one waits.
	second := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Write([]byte("wait"), func(n int, err error) {
			second <- ioResult{n, err}
		})
	}))
	expectNoResult(t, second)

	err := onLoop(t, l, func() error {
		return s.Write([]byte("x"), func(int, error) {
			t.Error("rejected write must never complete")
		})
	})
	require.ErrorIs(t, err, errors.ErrWritePending)

	drainPeer(t, peer)
	res = waitResult(t, second)
	require.NoError(t, res.err)
	require.Equal(t, 4, res.n)
	require.Equal(t, []byte("wait"), readPeer(t, peer, 4))
}

func TestInterruptReadDeliversInterrupted(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	results := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(make([]byte, 16), func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))

	require.NoError(t, onLoop(t, l, func() error {
		s.InterruptRead()
		return nil
	}))

	res := waitResult(t, results)
	require.ErrorIs(t, res.err, errors.ErrInterrupted)
	require.Zero(t, res.n)

	// The socket is immediately reusable for a fresh read.
	buf := make([]byte, 16)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(buf, func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))
	_, err := unix.Write(peer, []byte("later"))
	require.NoError(t, err)
	res = waitResult(t, results)
	require.NoError(t, res.err)
	require.Equal(t, "later", string(buf[:res.n]))
}

func TestInterruptIsIdempotent(t *testing.T) {
	l := startTestLoop(t)
	s, _ := newSocketPair(t, l)

	results := make(chan ioResult, 8)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(make([]byte, 16), func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))

	require.NoError(t, onLoop(t, l, func() error {
		for i := 0; i < 5; i++ {
			s.InterruptRead()
		}
		return nil
	}))

	res := waitResult(t, results)
	require.ErrorIs(t, res.err, errors.ErrInterrupted)
	expectNoResult(t, results)
}

func TestAbandonSuppressesCallback(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	require.NoError(t, onLoop(t, l, func() error {
		if s.InterruptAndAbandonRead() {
			t.Error("nothing to abandon yet")
		}
		return s.Read(make([]byte, 16), func(int, error) {
			t.Error("abandoned read must never complete")
		})
	}))

	require.NoError(t, onLoop(t, l, func() error {
		if !s.InterruptAndAbandonRead() {
			t.Error("a pending read was there to abandon")
		}
		if s.InterruptAndAbandonRead() {
			t.Error("abandoning twice found a second pending read")
		}
		return nil
	}))

	// Data arriving afterwards must not resurrect the callback.
	_, err := unix.Write(peer, []byte("too late"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
}

// parkPendingWrite issues writes against a socket with a full send buffer
// until one stays pending: early attempts may still consume the registration
// edge and complete with EAGAIN.
func parkPendingWrite(t *testing.T, l *Loop, s *Socket) chan ioResult {
	t.Helper()
	results := make(chan ioResult, 1)
	for i := 0; i < 8; i++ {
		err := onLoop(t, l, func() error {
			return s.Write([]byte("pending"), func(n int, err error) {
				results <- ioResult{n, err}
			})
		})
		if goerrors.Is(err, errors.ErrWritePending) {
			return results
		}
		require.NoError(t, err)
		select {
		case res := <-results:
			require.ErrorIs(t, res.err, unix.EAGAIN)
		case <-time.After(200 * time.Millisecond):
			return results
		}
	}
	t.Fatal("could not park a pending write")
	return nil
}

func TestInterruptAndCloseWithBothPending(t *testing.T) {
	l := startTestLoop(t)
	s, _ := newSocketPair(t, l)

	fillSendBuffer(t, s.Fd())

	readResults := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(make([]byte, 16), func(n int, err error) {
			readResults <- ioResult{n, err}
		})
	}))
	writeResults := parkPendingWrite(t, l, s)

	require.NoError(t, onLoop(t, l, func() error {
		return s.InterruptAndClose()
	}))

	readRes := waitResult(t, readResults)
	require.ErrorIs(t, readRes.err, errors.ErrInterrupted)
	writeRes := waitResult(t, writeResults)
	require.ErrorIs(t, writeRes.err, errors.ErrInterrupted)

	require.True(t, s.IsClosed())
	require.ErrorIs(t, s.Read(make([]byte, 1), func(int, error) {}), errors.ErrSocketClosed)
	require.ErrorIs(t, s.Write([]byte("x"), func(int, error) {}), errors.ErrSocketClosed)
}

func TestCloseWithPendingOperationPanics(t *testing.T) {
	l := startTestLoop(t)
	s, _ := newSocketPair(t, l)

	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(make([]byte, 16), func(int, error) {})
	}))

	require.Panics(t, func() { _ = s.Close() })
	require.Panics(t, func() { s.Release() })
	require.False(t, s.IsClosed())
}

func TestCloseIsTerminal(t *testing.T) {
	l := startTestLoop(t)
	s, _ := newSocketPair(t, l)

	require.NoError(t, onLoop(t, l, func() error {
		return s.Close()
	}))
	require.True(t, s.IsClosed())

	require.Panics(t, func() { _ = s.Close() })
	require.Panics(t, func() { _ = s.InterruptAndClose() })
	require.NotPanics(t, func() { s.Release() })
	require.ErrorIs(t, s.Read(make([]byte, 1), func(int, error) {}), errors.ErrSocketClosed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := startTestLoop(t)
	s, _ := newSocketPair(t, l)

	require.NoError(t, onLoop(t, l, func() error {
		s.Release()
		s.Release()
		return nil
	}))
	require.True(t, s.IsClosed())
}

func TestNewSocketRejectsInvalidDescriptor(t *testing.T) {
	l := startTestLoop(t)
	require.Panics(t, func() { _, _ = NewSocket(l, -1) })
}

func TestNilCallbackRejected(t *testing.T) {
	l := startTestLoop(t)
	s, _ := newSocketPair(t, l)

	require.NoError(t, onLoop(t, l, func() error {
		if err := s.Read(make([]byte, 1), nil); err != errors.ErrNilCallback {
			return err
		}
		if err := s.Write([]byte("x"), nil); err != errors.ErrNilCallback {
			return err
		}
		return nil
	}))
}

func TestCallbackMayReissueImmediately(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	acc := bytebuffer.Get()
	defer bytebuffer.Put(acc)

	buf := make([]byte, 16)
	done := make(chan struct{})
	var issue func() error
	issue = func() error {
		return s.Read(buf, func(n int, err error) {
			if !assert.NoError(t, err) {
				close(done)
				return
			}
			_, _ = acc.Write(buf[:n])
			if acc.Len() >= 8 {
				close(done)
				return
			}
			assert.NoError(t, issue())
		})
	}
	require.NoError(t, onLoop(t, l, issue))

	_, err := unix.Write(peer, []byte("one,"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = unix.Write(peer, []byte("two!"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chained reads")
	}
	require.Equal(t, "one,two!", acc.String())
}

func TestReadDeliversEOF(t *testing.T) {
	l := startTestLoop(t)
	s, peer := newSocketPair(t, l)

	results := make(chan ioResult, 1)
	require.NoError(t, onLoop(t, l, func() error {
		return s.Read(make([]byte, 16), func(n int, err error) {
			results <- ioResult{n, err}
		})
	}))

	require.NoError(t, unix.Close(peer))

	res := waitResult(t, results)
	require.NoError(t, res.err)
	require.Zero(t, res.n)
}
