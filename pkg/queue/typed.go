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

package queue

import (
	"context"
	"fmt"

	"objmem.dev/objmem/pkg/marshal"
)

// Typed is a view of a Queue whose submissions are S and completions are C,
// marshalled through their pointer types PS and PC.
type Typed[S, C any, PS marshal.Ptr[S], PC marshal.Ptr[C]] struct {
	q *Queue
}

// NewTyped returns a new queue carrying S and C.
func NewTyped[S, C any, PS marshal.Ptr[S], PC marshal.Ptr[C]](name string, depth int) *Typed[S, C, PS, PC] {
	var s S
	var c C
	return &Typed[S, C, PS, PC]{q: New(name, depth, PS(&s).SizeBytes(), PC(&c).SizeBytes())}
}

// Wrap returns a typed view of q. The entry sizes of q must match S and C.
func Wrap[S, C any, PS marshal.Ptr[S], PC marshal.Ptr[C]](q *Queue) (*Typed[S, C, PS, PC], error) {
	var s S
	var c C
	if PS(&s).SizeBytes() != q.subSize || PC(&c).SizeBytes() != q.cmpSize {
		return nil, fmt.Errorf("queue %q carries %d/%d byte entries, want %d/%d", q.name, q.subSize, q.cmpSize, PS(&s).SizeBytes(), PC(&c).SizeBytes())
	}
	return &Typed[S, C, PS, PC]{q: q}, nil
}

// Queue returns the underlying queue.
func (t *Typed[S, C, PS, PC]) Queue() *Queue {
	return t.q
}

// Submit enqueues s tagged with id.
func (t *Typed[S, C, PS, PC]) Submit(ctx context.Context, id uint32, s S) error {
	return t.q.Submit(ctx, id, marshal.Marshal(PS(&s)))
}

// Receive dequeues the next submission.
func (t *Typed[S, C, PS, PC]) Receive(ctx context.Context) (uint32, S, error) {
	var s S
	id, data, err := t.q.Receive(ctx)
	if err != nil {
		return 0, s, err
	}
	PS(&s).UnmarshalBytes(data)
	return id, s, nil
}

// Complete enqueues c as the completion of submission id.
func (t *Typed[S, C, PS, PC]) Complete(ctx context.Context, id uint32, c C) error {
	return t.q.Complete(ctx, id, marshal.Marshal(PC(&c)))
}

// RecvCompletion dequeues the next completion.
func (t *Typed[S, C, PS, PC]) RecvCompletion(ctx context.Context) (uint32, C, error) {
	var c C
	id, data, err := t.q.RecvCompletion(ctx)
	if err != nil {
		return 0, c, err
	}
	PC(&c).UnmarshalBytes(data)
	return id, c, nil
}

// Close closes the underlying queue.
func (t *Typed[S, C, PS, PC]) Close() {
	t.q.Close()
}
