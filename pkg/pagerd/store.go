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
	"fmt"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/pagerd/kvlog"
	"objmem.dev/objmem/pkg/pagerd/nvme"
)

// minKVRegions is the smallest key/value log a disk is given.
const minKVRegions = 16

// Layout divides a disk between the key/value log and page data.
type Layout struct {
	// KVRegions is the number of blocks, from block 0, holding the log.
	KVRegions int

	// DataStart and DataEnd bound the blocks holding page data.
	DataStart uint64
	DataEnd   uint64
}

// NewLayout returns the layout of a disk of the given number of blocks. An
// eighth of the disk holds the log.
func NewLayout(blocks uint64) (Layout, error) {
	kv := max(uint64(minKVRegions), blocks/8)
	if blocks < 2*kv {
		return Layout{}, errors.Newf(errors.CodeInvalid, "disk of %d blocks is too small", blocks)
	}
	return Layout{KVRegions: int(kv), DataStart: kv, DataEnd: blocks}, nil
}

// DataBlocks returns the number of page data blocks.
func (l Layout) DataBlocks() uint64 {
	return l.DataEnd - l.DataStart
}

func (l Layout) String() string {
	return fmt.Sprintf("log [0, %d), data [%d, %d)", l.KVRegions, l.DataStart, l.DataEnd)
}

// Storage is the flash under the key/value log: the first blocks of a disk
// behind a controller, one block per region.
type Storage struct {
	ctrl    *nvme.Controller
	regions int
}

var _ kvlog.FlashController = (*Storage)(nil)

// NewStorage returns the log storage of layout on ctrl.
func NewStorage(ctrl *nvme.Controller, layout Layout) *Storage {
	return &Storage{ctrl: ctrl, regions: layout.KVRegions}
}

func (s *Storage) check(region int) error {
	if region < 0 || region >= s.regions {
		return errors.Newf(errors.CodeInvalid, "region %d of %d", region, s.regions)
	}
	return nil
}

// ReadRegion implements kvlog.FlashController.ReadRegion.
func (s *Storage) ReadRegion(ctx context.Context, region int, buf []byte) error {
	if err := s.check(region); err != nil {
		return err
	}
	return s.ctrl.Read(ctx, uint64(region), buf)
}

// Write implements kvlog.FlashController.Write. Partial blocks are read,
// modified and written back.
func (s *Storage) Write(ctx context.Context, addr int64, p []byte) error {
	blk := make([]byte, nvme.BlockSize)
	for len(p) > 0 {
		region, off := int(addr/nvme.BlockSize), int(addr%nvme.BlockSize)
		if err := s.check(region); err != nil {
			return err
		}
		n := min(nvme.BlockSize-off, len(p))
		if n < nvme.BlockSize {
			if err := s.ctrl.Read(ctx, uint64(region), blk); err != nil {
				return err
			}
		}
		copy(blk[off:], p[:n])
		if err := s.ctrl.Write(ctx, uint64(region), blk); err != nil {
			return err
		}
		p = p[n:]
		addr += int64(n)
	}
	return nil
}

// EraseRegion implements kvlog.FlashController.EraseRegion.
func (s *Storage) EraseRegion(ctx context.Context, region int) error {
	if err := s.check(region); err != nil {
		return err
	}
	blk := make([]byte, nvme.BlockSize)
	for i := range blk {
		blk[i] = 0xff
	}
	return s.ctrl.Write(ctx, uint64(region), blk)
}

// Mount opens the key/value log and data manager on the disk behind ctrl.
// Unformatted storage is formatted if format is set, and is an error
// otherwise.
func Mount(ctx context.Context, ctrl *nvme.Controller, format bool) (*DataManager, error) {
	layout, err := NewLayout(ctrl.Device().NumBlocks())
	if err != nil {
		return nil, err
	}
	kv := kvlog.New(NewStorage(ctrl, layout), layout.KVRegions)
	if format {
		formatted, err := kv.Init(ctx)
		if err != nil {
			return nil, err
		}
		if formatted {
			plog.Infof("Formatted blank storage: %v", layout)
		}
	} else if err := kv.Open(ctx); err != nil {
		return nil, err
	}
	return NewDataManager(ctx, kv, layout)
}

// Format erases the key/value log on the disk behind ctrl, discarding every
// object.
func Format(ctx context.Context, ctrl *nvme.Controller) (Layout, error) {
	layout, err := NewLayout(ctrl.Device().NumBlocks())
	if err != nil {
		return Layout{}, err
	}
	kv := kvlog.New(NewStorage(ctrl, layout), layout.KVRegions)
	if err := kv.Format(ctx); err != nil {
		return Layout{}, err
	}
	return layout, ctrl.Flush(ctx)
}
