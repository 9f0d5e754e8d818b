// Copyright 2026 The gVisor Authors.
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

package sync

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut is returned by Event.WaitTimeout when the deadline passes before
// the event is signalled.
var ErrTimedOut = errors.New("timed out waiting for event")

// Event is a one-shot completion carrying a value of type T. Any number of
// waiters may block on it; Signal wakes all of them, and later waiters return
// immediately.
//
// The zero value is not usable; use NewEvent.
type Event[T any] struct {
	done chan struct{}
	once Once

	// val and err are written once, before done is closed.
	val T
	err error
}

// NewEvent returns an unsignalled Event.
func NewEvent[T any]() *Event[T] {
	return &Event[T]{done: make(chan struct{})}
}

// Signal completes the event with the given value and error. Only the first
// call has any effect; it reports whether this call completed the event.
func (e *Event[T]) Signal(val T, err error) bool {
	signalled := false
	e.once.Do(func() {
		e.val = val
		e.err = err
		close(e.done)
		signalled = true
	})
	return signalled
}

// Done returns a channel closed once the event is signalled.
func (e *Event[T]) Done() <-chan struct{} {
	return e.done
}

// Ready returns true if the event has been signalled.
func (e *Event[T]) Ready() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event is signalled or ctx is done.
func (e *Event[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-e.done:
		return e.val, e.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks until the event is signalled or d elapses, in which case
// it returns ErrTimedOut.
func (e *Event[T]) WaitTimeout(d time.Duration) (T, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.done:
		return e.val, e.err
	case <-t.C:
		var zero T
		return zero, ErrTimedOut
	}
}
