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

package pagetables

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/sentry/pgalloc"
)

func TestContiguousProvider(t *testing.T) {
	p, err := NewContiguousProvider(0x1000, 0x4000, rw)
	if err != nil {
		t.Fatalf("NewContiguousProvider failed: %v", err)
	}
	type step struct {
		Addr hostarch.PhysAddr
		Rem  uint64
	}
	var got []step
	for i := 0; i < 4; i++ {
		f, s, err := p.Peek()
		if err != nil {
			t.Fatalf("Peek %d failed: %v", i, err)
		}
		if s != rw {
			t.Errorf("Peek %d settings = %v, want %v", i, s, rw)
		}
		got = append(got, step{f.Addr, f.Len})
		p.Consume(0x1000)
	}
	want := []step{{0x1000, 0x4000}, {0x2000, 0x3000}, {0x3000, 0x2000}, {0x4000, 0x1000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("provider steps mismatch (-want +got):\n%s", diff)
	}
	if p.Remaining() != 0 {
		t.Errorf("Remaining() = %#x, want 0", p.Remaining())
	}
	if _, _, err := p.Peek(); !errors.Is(err, ErrProviderExhausted) {
		t.Errorf("Peek on an empty provider returned %v, want %v", err, ErrProviderExhausted)
	}
}

func TestContiguousProviderInvalid(t *testing.T) {
	for _, tc := range []struct {
		start  hostarch.PhysAddr
		length uint64
	}{
		{0x1001, 0x1000},
		{0x1000, 0x800},
		{hostarch.MaxPhysAddr - 0x1000, 0x2000},
	} {
		if _, err := NewContiguousProvider(tc.start, tc.length, rw); err == nil {
			t.Errorf("NewContiguousProvider(%v, %#x) succeeded", tc.start, tc.length)
		}
	}
}

func TestFrameProvider(t *testing.T) {
	p := NewFrameProvider(0x7000, ro)
	f, s, err := p.Peek()
	if err != nil || f.Addr != 0x7000 || f.Len != hostarch.PageSize || s != ro {
		t.Fatalf("Peek() = %v, %v, %v", f, s, err)
	}
	p.Consume(hostarch.PageSize)
	if _, _, err := p.Peek(); !errors.Is(err, ErrProviderExhausted) {
		t.Errorf("second Peek returned %v, want %v", err, ErrProviderExhausted)
	}
}

func TestZeroPageProviderRelease(t *testing.T) {
	mem, err := pgalloc.New(pgalloc.Options{Frames: 2, Base: 0x100000})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	defer mem.Close()

	z := NewZeroPageProvider(mem, rw)
	f1, _, err := z.Peek()
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	// Peeking again without consuming returns the same frame.
	if f2, _, _ := z.Peek(); f2 != f1 {
		t.Errorf("second Peek = %v, want %v", f2, f1)
	}
	z.Consume(hostarch.PageSize)
	if _, _, err := z.Peek(); err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if got := mem.Stats().Free; got != 0 {
		t.Fatalf("free frames = %d, want 0", got)
	}
	z.Release()
	if got := mem.Stats().Free; got != 1 {
		t.Errorf("free frames after Release = %d, want 1", got)
	}
	if got := len(z.Consumed()); got != 1 {
		t.Errorf("consumed %d frames, want 1", got)
	}
}
