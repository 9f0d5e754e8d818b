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

package boot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/log"
	"objmem.dev/objmem/pkg/sentry/kernel"
)

// Workload describes a demand paging exercise: fill an object, push it out
// to the pager, fault it back in and check it.
type Workload struct {
	// Pages is the size of the object.
	Pages uint64

	// Rounds is the number of evict and refault cycles.
	Rounds int

	// Keep leaves the object on storage instead of deleting it.
	Keep bool
}

// WorkloadResult is the outcome of a Workload.
type WorkloadResult struct {
	ID       pager.ObjID
	Rounds   int
	Elapsed  time.Duration
	Faults   uint64
	Restarts uint64
}

func fill(b []byte, round int) {
	for i := range b {
		b[i] = byte(i>>hostarch.PageShift) ^ byte(i*31) ^ byte(round)
	}
}

// Run runs w on k.
func (w Workload) Run(ctx context.Context, k *kernel.Kernel) (WorkloadResult, error) {
	if w.Pages == 0 || w.Rounds <= 0 {
		return WorkloadResult{}, fmt.Errorf("workload of %d pages and %d rounds", w.Pages, w.Rounds)
	}
	start := time.Now()
	o, err := k.CreateObject(ctx, pager.LifetimePersistent, pager.ProtRead|pager.ProtWrite)
	if err != nil {
		return WorkloadResult{}, err
	}
	res := WorkloadResult{ID: o.ID()}
	mc, err := k.NewContext()
	if err != nil {
		return res, err
	}
	defer k.ReleaseContext(mc)
	size := w.Pages << hostarch.PageShift
	r, err := k.Map(mc, o, 0, 0, size, hostarch.ReadWrite)
	if err != nil {
		return res, err
	}
	th := k.NewThread(mc, 0)

	want := make([]byte, size)
	got := make([]byte, size)
	for round := 0; round < w.Rounds; round++ {
		fill(want, round)
		if err := th.Write(ctx, r.Range.Start, want); err != nil {
			return res, fmt.Errorf("round %d: writing: %w", round, err)
		}
		if err := k.EvictObject(ctx, o.ID()); err != nil {
			return res, fmt.Errorf("round %d: evicting: %w", round, err)
		}
		if err := th.Read(ctx, r.Range.Start, got); err != nil {
			return res, fmt.Errorf("round %d: reading: %w", round, err)
		}
		if !bytes.Equal(got, want) {
			return res, fmt.Errorf("round %d: object %v read back differs from what was written", round, o.ID())
		}
		res.Rounds++
		log.Debugf("Workload round %d of %v done", round, o.ID())
	}
	st := mc.Stats()
	res.Faults, res.Restarts = st.Faults, st.Restarts
	if !w.Keep {
		if err := k.DeleteObject(ctx, o.ID()); err != nil {
			return res, fmt.Errorf("deleting %v: %w", o.ID(), err)
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
