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

package evsock

import "github.com/evloop-io/evsock/pkg/logging"

// Logger is the alias of logging.Logger.
type Logger = logging.Logger

// Option is a function that will set up an option of the Loop.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	return opts
}

// Options are configurations of the event loop.
type Options struct {
	// LockOSThread is used to determine whether Run locks the event-loop
	// goroutine to its OS thread.
	LockOSThread bool

	// Logger is the customized logger for logging information, if it is not
	// set, the default logger from pkg/logging is used.
	Logger logging.Logger
}

// WithLockOSThread sets up the LockOSThread mode of the event loop.
func WithLockOSThread(lockOSThread bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lockOSThread
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}
