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

package requester

import (
	"context"

	"objmem.dev/objmem/pkg/sync"
)

// Summary is the outcome of a batch of requests.
type Summary[R any] struct {
	// Responses holds the response to each request, in submission order.
	Responses []R

	// ErrIndex is the submission index of the first failed request, or -1.
	ErrIndex int

	// Err is the error of the request at ErrIndex.
	Err error
}

// Failed returns true if any request failed.
func (s Summary[R]) Failed() bool {
	return s.ErrIndex >= 0
}

// InFlight tracks a submitted batch. It completes once every request in the
// batch has a response.
type InFlight[R any] struct {
	ev *sync.Event[Summary[R]]

	mu sync.Mutex

	// +checklocks:mu
	count int

	// index maps request ids to submission indices.
	//
	// +checklocks:mu
	index map[uint64]int

	// +checklocks:mu
	summary Summary[R]
}

func newInFlight[R any](n int) *InFlight[R] {
	f := &InFlight[R]{
		ev:    sync.NewEvent[Summary[R]](),
		index: make(map[uint64]int, n),
		summary: Summary[R]{
			Responses: make([]R, n),
			ErrIndex:  -1,
		},
	}
	if n == 0 {
		f.ev.Signal(f.summary, nil)
	}
	return f
}

func (f *InFlight[R]) insert(id uint64, idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[id] = idx
}

// handle records resp and completes f once all responses are in.
func (f *InFlight[R]) handle(resp ResponseInfo[R]) {
	f.mu.Lock()
	idx, ok := f.index[resp.ID]
	if !ok {
		f.mu.Unlock()
		panic("response for a request not in this batch")
	}
	delete(f.index, resp.ID)
	f.count++
	f.summary.Responses[idx] = resp.Data
	if resp.Err != nil && (f.summary.ErrIndex < 0 || idx < f.summary.ErrIndex) {
		f.summary.ErrIndex = idx
		f.summary.Err = resp.Err
	}
	done := f.count == len(f.summary.Responses)
	summary := f.summary
	f.mu.Unlock()

	if done {
		f.ev.Signal(summary, nil)
	}
}

func (f *InFlight[R]) abort(err error) {
	f.ev.Signal(Summary[R]{ErrIndex: -1}, err)
}

// Wait waits for the batch to complete. The error is non-nil only if the
// requester shut down or ctx expired; failed requests are reported in the
// summary.
func (f *InFlight[R]) Wait(ctx context.Context) (Summary[R], error) {
	return f.ev.Wait(ctx)
}

// Done is closed when the batch completes.
func (f *InFlight[R]) Done() <-chan struct{} {
	return f.ev.Done()
}
