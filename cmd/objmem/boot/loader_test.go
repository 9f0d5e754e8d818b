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
	"path/filepath"
	"testing"
	"time"

	"objmem.dev/objmem/pkg/config"
	"objmem.dev/objmem/pkg/hostarch"
)

func testConfig(t *testing.T) *config.Config {
	conf := config.Default()
	conf.Frames = 256
	conf.PagerFrames = 64
	conf.Cores = 2
	conf.DiskBlocks = 512
	conf.PagerWorkers = 2
	conf.ProbeTimeout = 5 * time.Second
	return conf
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBootAndRunWorkload(t *testing.T) {
	ctx := testContext(t)
	l, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Destroy()

	res, err := Workload{Pages: 8, Rounds: 3}.Run(ctx, l.Kernel())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", res.Rounds)
	}
	if res.Faults == 0 {
		t.Errorf("workload took no faults")
	}
	total := l.Pager().Stats().Total()
	if total.PagesWritten < 3*8 {
		t.Errorf("pager wrote %d pages, want at least %d", total.PagesWritten, 3*8)
	}
	if total.PagesAllocated != 8 {
		t.Errorf("pager allocated %d blocks, want 8", total.PagesAllocated)
	}
	if _, err := l.Data().LookupObjectInfo(ctx, res.ID); err == nil {
		t.Errorf("workload object still stored after the workload deleted it")
	}
}

func TestWorkloadArguments(t *testing.T) {
	ctx := testContext(t)
	l, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Destroy()
	if _, err := (Workload{Pages: 0, Rounds: 1}).Run(ctx, l.Kernel()); err == nil {
		t.Errorf("empty workload succeeded")
	}
}

func TestObjectsSurviveReboot(t *testing.T) {
	ctx := testContext(t)
	conf := testConfig(t)
	conf.Disk = filepath.Join(t.TempDir(), "disk.img")

	l, err := New(ctx, conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := Workload{Pages: 4, Rounds: 2, Keep: true}.Run(ctx, l.Kernel())
	if err != nil {
		l.Destroy()
		t.Fatalf("Run: %v", err)
	}
	// The disk image stays locked while the machine runs.
	if _, err := New(ctx, conf); err == nil {
		t.Errorf("second machine booted on a disk image in use")
	}
	l.Destroy()

	l, err = New(ctx, conf)
	if err != nil {
		t.Fatalf("New after reboot: %v", err)
	}
	defer l.Destroy()
	k := l.Kernel()
	o, err := k.LookupObject(ctx, res.ID)
	if err != nil {
		t.Fatalf("LookupObject: %v", err)
	}
	if got := o.Info().Pages; got != 4 {
		t.Errorf("object has %d pages after reboot, want 4", got)
	}
	mc, err := k.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	size := uint64(4) << hostarch.PageShift
	r, err := k.Map(mc, o, 0, 0, size, hostarch.Read)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	got := make([]byte, size)
	if err := k.NewThread(mc, 1).Read(ctx, r.Range.Start, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := make([]byte, size)
	fill(want, 1)
	if !bytes.Equal(got, want) {
		t.Errorf("object contents lost across reboot")
	}
}
