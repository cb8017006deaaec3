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

// Package errors defines common errors for evsock.
package errors

import "errors"

var (
	// ErrInterrupted is delivered to a pending operation's callback when the
	// operation is interrupted before its descriptor becomes ready.
	ErrInterrupted = errors.New("evsock: operation interrupted")
	// ErrReadPending occurs when a read is issued while another read is still in flight.
	ErrReadPending = errors.New("evsock: a read operation is already pending")
	// ErrWritePending occurs when a write is issued while another write is still in flight.
	ErrWritePending = errors.New("evsock: a write operation is already pending")
	// ErrSocketClosed occurs when issuing an operation on a closed socket.
	ErrSocketClosed = errors.New("evsock: socket is closed")
	// ErrNilCallback occurs when issuing an operation without a completion callback.
	ErrNilCallback = errors.New("evsock: nil completion callback")
	// ErrNilTask occurs when submitting a nil task to the event loop.
	ErrNilTask = errors.New("evsock: nil task is not allowed")
	// ErrInvalidConn occurs when enrolling an empty or non-syscall net.Conn.
	ErrInvalidConn = errors.New("evsock: invalid net.Conn")
	// ErrLoopShutdown occurs when the event loop is going to be shut down.
	ErrLoopShutdown = errors.New("evsock: event loop is going to be shutdown")
	// ErrLoopInShutdown occurs when attempting to use an event loop that is already in shutdown.
	ErrLoopInShutdown = errors.New("evsock: event loop is already in shutdown")
)
