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

// Package requester implements a generic engine for queue-backed
// request/response exchanges with a device or service.
//
// A driver supplies the transport. The requester allocates request ids from
// a fixed pool, submits batches, and matches responses, which may arrive in
// any order, back to the batch that issued them.
package requester

import (
	"context"
	"fmt"
	"sync/atomic"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/sync"
)

// ErrShutdown is returned for requests made to or outstanding in a requester
// that has shut down.
var ErrShutdown = errors.New(errors.CodeShutdown, "requester is shut down")

// SubmitRequest is a request and the id the requester assigned it.
type SubmitRequest[T any] struct {
	id   uint64
	Data T
}

// NewRequest returns a request carrying data.
func NewRequest[T any](data T) SubmitRequest[T] {
	return SubmitRequest[T]{Data: data}
}

// ID returns the id assigned at submission.
func (r SubmitRequest[T]) ID() uint64 {
	return r.id
}

// ResponseInfo is a driver's response to the request with the given id.
type ResponseInfo[R any] struct {
	ID   uint64
	Data R
	Err  error
}

// NewResponse returns a response to request id.
func NewResponse[R any](id uint64, data R, err error) ResponseInfo[R] {
	return ResponseInfo[R]{ID: id, Data: data, Err: err}
}

// Driver is the transport under a Requester.
type Driver[T any] interface {
	// NumIDs is the number of requests the driver can have outstanding.
	NumIDs() int

	// Submit hands requests to the device in order and returns how many it
	// accepted. Only accepted requests get responses, which are later
	// delivered through Requester.Finish. A count short of len(reqs)
	// comes with an error.
	Submit(ctx context.Context, reqs []SubmitRequest[T]) (int, error)
}

// Requester manages requests of type T and responses of type R for a driver.
type Requester[T, R any] struct {
	driver Driver[T]
	ids    *IDPool[uint64]

	shutdown atomic.Bool

	mu sync.Mutex

	// +checklocks:mu
	inflights map[uint64]*InFlight[R]
}

// New returns a requester for driver.
func New[T, R any](driver Driver[T]) *Requester[T, R] {
	return &Requester[T, R]{
		driver:    driver,
		ids:       NewIDPool[uint64](driver.NumIDs()),
		inflights: make(map[uint64]*InFlight[R]),
	}
}

// Driver returns the underlying driver.
func (r *Requester[T, R]) Driver() Driver[T] {
	return r.driver
}

// IsShutdown returns true once Shutdown has been called.
func (r *Requester[T, R]) IsShutdown() bool {
	return r.shutdown.Load()
}

// allocateIDs assigns ids to a prefix of reqs, waiting only for the first,
// and returns the length of the prefix.
func (r *Requester[T, R]) allocateIDs(ctx context.Context, reqs []SubmitRequest[T]) (int, error) {
	for i := range reqs {
		if i == 0 {
			id, err := r.ids.Next(ctx)
			if err != nil {
				return 0, err
			}
			reqs[i].id = id
			continue
		}
		id, ok := r.ids.TryNext()
		if !ok {
			return i, nil
		}
		reqs[i].id = id
	}
	return len(reqs), nil
}

func (r *Requester[T, R]) mapInFlight(f *InFlight[R], reqs []SubmitRequest[T], off int) {
	r.mu.Lock()
	for _, req := range reqs {
		if _, ok := r.inflights[req.id]; ok {
			r.mu.Unlock()
			panic(fmt.Sprintf("request id %d is already in flight", req.id))
		}
		r.inflights[req.id] = f
	}
	r.mu.Unlock()
	for i, req := range reqs {
		f.insert(req.id, off+i)
	}
}

// unmap returns the ids of requests the driver never accepted.
func (r *Requester[T, R]) unmap(reqs []SubmitRequest[T]) {
	for _, req := range reqs {
		if r.take(req.id) != nil {
			r.ids.Release(req.id)
		}
	}
}

// Submit submits reqs as one batch and returns its in-flight handle. It
// returns once every request has been handed to the driver, which may
// require waiting for ids to be released. If the driver rejects a request,
// the ids of the rejected requests are released and an error is returned;
// requests accepted before it still hold their ids until their responses
// arrive.
func (r *Requester[T, R]) Submit(ctx context.Context, reqs []SubmitRequest[T]) (*InFlight[R], error) {
	if r.IsShutdown() {
		return nil, ErrShutdown
	}
	f := newInFlight[R](len(reqs))
	for idx := 0; idx < len(reqs); {
		n, err := r.allocateIDs(ctx, reqs[idx:])
		if err != nil {
			return nil, err
		}
		chunk := reqs[idx : idx+n]
		r.mapInFlight(f, chunk, idx)
		accepted, err := r.driver.Submit(ctx, chunk)
		if err != nil || accepted < n {
			r.unmap(chunk[min(max(accepted, 0), n):])
			if err == nil {
				err = fmt.Errorf("driver accepted %d of %d requests", accepted, n)
			}
			return nil, fmt.Errorf("submitting %d requests: %w", n, err)
		}
		idx += n
	}
	return f, nil
}

// Shutdown fails every outstanding batch with ErrShutdown and rejects new
// submissions.
func (r *Requester[T, R]) Shutdown() {
	r.shutdown.Store(true)
	r.mu.Lock()
	inflights := r.inflights
	r.inflights = make(map[uint64]*InFlight[R])
	r.mu.Unlock()
	for _, f := range inflights {
		f.abort(ErrShutdown)
	}
}

func (r *Requester[T, R]) take(id uint64) *InFlight[R] {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.inflights[id]
	if !ok {
		return nil
	}
	delete(r.inflights, id)
	return f
}

// Finish delivers responses from the driver. Responses need not be in id
// order nor belong to the same batch. Each batch completes when its last
// response is delivered.
func (r *Requester[T, R]) Finish(resps []ResponseInfo[R]) {
	if r.IsShutdown() {
		return
	}
	for _, resp := range resps {
		if f := r.take(resp.ID); f != nil {
			f.handle(resp)
		}
		r.ids.Release(resp.ID)
	}
}
