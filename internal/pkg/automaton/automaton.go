// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package automaton implements a generic state automaton (state machine).
package automaton

import (
	"context"

	"github.com/siderolabs/gen/xerrors"
	"go.uber.org/zap"
)

// StateFunc is a function that implements a state in the automaton.
//
// Each state in the automaton is implemented by a function which returns the next state and an error.
// If the state returns an error, the automaton stops and returns the error, unless the error is tagged with Halt.
// If the returned next state is nil, the automaton terminates.
type StateFunc[T any] func(ctx context.Context, logger *zap.Logger, v T) (StateFunc[T], error)

// Automaton is a state automaton.
//
// Type T holds a context value that is passed to each state function.
type Automaton[T any] struct {
	state StateFunc[T]
	value T
}

// New creates a new automaton with the specified initialState and value.
func New[T any](initialState StateFunc[T], v T) *Automaton[T] {
	return &Automaton[T]{
		state: initialState,
		value: v,
	}
}

// Halt is an error tag that stops the automaton with nil error.
type Halt struct{}

// RunOptions is a struct that holds options for the Run function.
type RunOptions struct {
	AfterFunc func() error
}

// RunOption is a function that configures the RunOptions.
type RunOption func(*RunOptions)

// WithAfterFunc sets the AfterFunc option.
//
// AfterFunc is called when the automaton terminates without an error.
func WithAfterFunc(afterFunc func() error) RunOption {
	return func(options *RunOptions) {
		options.AfterFunc = afterFunc
	}
}

// Run is the entrypoint to the state automaton.
//
// Run returns when a state returns nil next state or an error.
func (automaton *Automaton[T]) Run(ctx context.Context, logger *zap.Logger, options ...RunOption) error {
	opts := &RunOptions{}
	for _, opt := range options {
		opt(opts)
	}

	for {
		if automaton.state == nil {
			if opts.AfterFunc != nil {
				return opts.AfterFunc()
			}

			return nil
		}

		nextState, err := automaton.state(ctx, logger, automaton.value)
		if err != nil {
			if xerrors.TagIs[Halt](err) {
				automaton.state = nil

				continue
			}

			return err
		}

		automaton.state = nextState
	}
}
