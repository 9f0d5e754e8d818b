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
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/pagerd/kvlog"
	"objmem.dev/objmem/pkg/pagerd/nvme"
)

func TestNewLayout(t *testing.T) {
	for _, tc := range []struct {
		blocks uint64
		want   Layout
		ok     bool
	}{
		{blocks: 16},
		{blocks: 32, want: Layout{KVRegions: 16, DataStart: 16, DataEnd: 32}, ok: true},
		{blocks: 1024, want: Layout{KVRegions: 128, DataStart: 128, DataEnd: 1024}, ok: true},
	} {
		got, err := NewLayout(tc.blocks)
		if (err == nil) != tc.ok {
			t.Errorf("NewLayout(%d) error = %v, want ok %t", tc.blocks, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("NewLayout(%d) = %v, want %v", tc.blocks, got, tc.want)
		}
	}
}

func TestStorageWrite(t *testing.T) {
	ctx := context.Background()
	disk := newTestDisk(t, 64)
	s := NewStorage(disk.ctrl, disk.layout)

	if err := s.EraseRegion(ctx, 1); err != nil {
		t.Fatalf("EraseRegion: %v", err)
	}
	// Straddles the boundary between regions 1 and 2.
	p := bytes.Repeat([]byte{0xab}, 100)
	if err := s.Write(ctx, 2*nvme.BlockSize-50, p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, nvme.BlockSize)
	if err := s.ReadRegion(ctx, 1, buf); err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(buf[:nvme.BlockSize-50], bytes.Repeat([]byte{0xff}, nvme.BlockSize-50)) {
		t.Errorf("erased bytes of region 1 overwritten")
	}
	if !bytes.Equal(buf[nvme.BlockSize-50:], p[:50]) {
		t.Errorf("tail of region 1 = %x, want %x", buf[nvme.BlockSize-50:], p[:50])
	}
	if err := s.ReadRegion(ctx, 2, buf); err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if !bytes.Equal(buf[:50], p[50:]) {
		t.Errorf("head of region 2 = %x, want %x", buf[:50], p[50:])
	}

	if err := s.ReadRegion(ctx, disk.layout.KVRegions, buf); err == nil {
		t.Errorf("ReadRegion past the log succeeded")
	}
	if err := s.Write(ctx, int64(disk.layout.KVRegions)*nvme.BlockSize-1, []byte{1, 2}); err == nil {
		t.Errorf("Write past the log succeeded")
	}
}

func TestMount(t *testing.T) {
	ctx := context.Background()
	disk := newTestDisk(t, 64)
	if _, err := Mount(ctx, disk.ctrl, false); err != kvlog.ErrNotFormatted {
		t.Fatalf("Mount of blank storage = %v, want %v", err, kvlog.ErrNotFormatted)
	}
	dm, err := Mount(ctx, disk.ctrl, true)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	id := pager.NewObjID()
	if err := dm.CreateObject(ctx, id, pager.ObjectInfo{Lifetime: pager.LifetimePersistent}); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	dm, err = Mount(ctx, disk.ctrl, false)
	if err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	if _, err := dm.LookupObjectInfo(ctx, id); err != nil {
		t.Errorf("LookupObjectInfo after remount: %v", err)
	}

	layout, err := Format(ctx, disk.ctrl)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if layout != disk.layout {
		t.Errorf("Format layout = %v, want %v", layout, disk.layout)
	}
	dm, err = Mount(ctx, disk.ctrl, false)
	if err != nil {
		t.Fatalf("Mount after Format: %v", err)
	}
	if _, err := dm.LookupObjectInfo(ctx, id); !stderrors.Is(err, errors.ErrNoSuchObject) {
		t.Errorf("LookupObjectInfo after Format = %v, want %v", err, errors.ErrNoSuchObject)
	}
}
