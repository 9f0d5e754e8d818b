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

package pagerd

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/hostarch"
)

func TestMemoryAllocOrder(t *testing.T) {
	m := NewMemory()
	m.Add(pager.PhysRange{Start: 0x10000, End: 0x13000})
	m.Add(pager.PhysRange{Start: 0x20000, End: 0x21000})
	if got := m.Available(); got != 4 {
		t.Fatalf("Available() = %d, want 4", got)
	}

	var got []uint64
	for i := 0; i < 4; i++ {
		a, err := m.Alloc(context.Background(), 0)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		got = append(got, a)
	}
	// Single frames are reused before fresh ranges are split.
	want := []uint64{0x20000, 0x10000, 0x11000, 0x12000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("allocated frames mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.Alloc(context.Background(), 0); !stderrors.Is(err, ErrNoMemory) {
		t.Errorf("Alloc from empty memory = %v, want %v", err, ErrNoMemory)
	}

	m.Free(0x11000)
	a, err := m.Alloc(context.Background(), 0)
	if err != nil || a != 0x11000 {
		t.Errorf("Alloc after Free = %#x, %v, want %#x", a, err, 0x11000)
	}
}

func TestMemoryAllocWaits(t *testing.T) {
	m := NewMemory()
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Add(pager.PhysRange{Start: 0x5000, End: 0x5000 + hostarch.PageSize})
	}()
	a, err := m.Alloc(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != 0x5000 {
		t.Errorf("Alloc = %#x, want %#x", a, 0x5000)
	}
}

func TestMemoryAllocTimesOut(t *testing.T) {
	m := NewMemory()
	start := time.Now()
	if _, err := m.Alloc(context.Background(), 20*time.Millisecond); !stderrors.Is(err, ErrNoMemory) {
		t.Fatalf("Alloc = %v, want %v", err, ErrNoMemory)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("Alloc gave up after %v", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Alloc(ctx, time.Hour); !stderrors.Is(err, context.Canceled) {
		t.Errorf("Alloc with canceled context = %v, want %v", err, context.Canceled)
	}
}
