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

// Package queue implements the bidirectional message queue that connects the
// kernel and the pager.
//
// A Queue carries fixed-size submissions one way and fixed-size completions
// the other. Each entry is tagged with a 32-bit id chosen by the submitter;
// completions echo the id of the submission they answer. Entries from one
// submitter are delivered in order. Completions may be sent in any order and
// must be matched by id.
package queue

import (
	"context"
	"fmt"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/sync"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New(errors.CodeShutdown, "queue closed")

type entry struct {
	id   uint32
	data []byte
}

// Queue is a pair of bounded rings: submissions and completions.
type Queue struct {
	name    string
	subSize int
	cmpSize int

	subs chan entry
	cmps chan entry

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a queue holding up to depth entries in each direction, with
// submissions of subSize bytes and completions of cmpSize bytes.
func New(name string, depth, subSize, cmpSize int) *Queue {
	if depth <= 0 || subSize <= 0 || cmpSize <= 0 {
		panic(fmt.Sprintf("invalid queue %q: depth %d, entry sizes %d/%d", name, depth, subSize, cmpSize))
	}
	return &Queue{
		name:    name,
		subSize: subSize,
		cmpSize: cmpSize,
		subs:    make(chan entry, depth),
		cmps:    make(chan entry, depth),
		closed:  make(chan struct{}),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string {
	return q.name
}

// Close closes the queue. Blocked and later operations fail with ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

func (q *Queue) put(ctx context.Context, ch chan entry, size int, id uint32, data []byte) error {
	if len(data) != size {
		return errors.Newf(errors.CodeInvalid, "queue %q: entry of %d bytes, want %d", q.name, len(data), size)
	}
	e := entry{id: id, data: append([]byte(nil), data...)}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case ch <- e:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) get(ctx context.Context, ch chan entry) (uint32, []byte, error) {
	select {
	case e := <-ch:
		return e.id, e.data, nil
	case <-q.closed:
		return 0, nil, ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Submit enqueues a submission, waiting while the ring is full.
func (q *Queue) Submit(ctx context.Context, id uint32, data []byte) error {
	return q.put(ctx, q.subs, q.subSize, id, data)
}

// Receive dequeues the next submission, waiting while there is none.
func (q *Queue) Receive(ctx context.Context) (uint32, []byte, error) {
	return q.get(ctx, q.subs)
}

// Complete enqueues the completion of submission id.
func (q *Queue) Complete(ctx context.Context, id uint32, data []byte) error {
	return q.put(ctx, q.cmps, q.cmpSize, id, data)
}

// RecvCompletion dequeues the next completion, waiting while there is none.
func (q *Queue) RecvCompletion(ctx context.Context) (uint32, []byte, error) {
	return q.get(ctx, q.cmps)
}
