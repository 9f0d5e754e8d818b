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
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/pagerd/kvlog"
	"objmem.dev/objmem/pkg/sync"
)

// ErrNoSpace is returned when every page data block is in use.
var ErrNoSpace = errors.New(errors.CodeIO, "no free data blocks")

// KeyKind distinguishes the records kept for an object.
type KeyKind uint8

// Key kinds.
const (
	KindObjectInfo KeyKind = iota + 1
	KindPageEntry
	KindAllocator
)

// Key names a record in the key/value log.
type Key struct {
	ID   pager.ObjID
	Page uint64
	Kind KeyKind
}

// Hash returns the log key of k. The values 0 and MaxUint64 are reserved by
// the log and never returned.
func (k Key) Hash() uint64 {
	var b [25]byte
	copy(b[:16], k.ID[:])
	hostarch.ByteOrder.PutUint64(b[16:], k.Page)
	b[24] = byte(k.Kind)
	switch h := xxhash.Sum64(b[:]); h {
	case 0:
		return 2
	case math.MaxUint64:
		return math.MaxUint64 - 2
	default:
		return h
	}
}

// allocatorKey holds the end of the data blocks handed to the allocator so
// far. Blocks are claimed allocBatch at a time, so the record is rewritten
// once per batch rather than once per block.
var allocatorKey = Key{Kind: KindAllocator}

// allocBatch is the number of blocks claimed per allocator record update.
const allocBatch = 64

// PageEntry locates the stored contents of a page.
type PageEntry struct {
	Block uint64
}

// DataStats holds DataManager counters.
type DataStats struct {
	Keys       int
	NextBlock  uint64
	Claimed    uint64
	FreeBlocks int
}

// DataManager maps object pages to storage blocks and keeps object info,
// both in a key/value log.
type DataManager struct {
	mu sync.Mutex

	// +checklocks:mu
	kv *kvlog.Log

	layout Layout

	// next is the lowest data block never allocated.
	//
	// +checklocks:mu
	next uint64

	// claimed is the persisted allocator record. Blocks in [next, claimed)
	// are free in this run and lost if the pager restarts.
	//
	// +checklocks:mu
	claimed uint64

	// free holds blocks released by deleted objects.
	//
	// +checklocks:mu
	free []uint64
}

// NewDataManager returns a data manager over an opened log.
func NewDataManager(ctx context.Context, kv *kvlog.Log, layout Layout) (*DataManager, error) {
	d := &DataManager{kv: kv, layout: layout, next: layout.DataStart, claimed: layout.DataStart}
	v, err := kv.Get(ctx, allocatorKey.Hash())
	switch {
	case err == nil:
		if len(v) != 8 {
			return nil, errors.Newf(errors.CodeIO, "allocator record of %d bytes", len(v))
		}
		d.next = hostarch.ByteOrder.Uint64(v)
		d.claimed = d.next
	case err != kvlog.ErrKeyNotFound:
		return nil, fmt.Errorf("reading allocator: %w", err)
	}
	if d.next < layout.DataStart || d.next > layout.DataEnd {
		return nil, errors.Newf(errors.CodeIO, "allocator at block %d outside %v", d.next, layout)
	}
	return d, nil
}

// replaceLocked writes value for key, replacing any existing entry.
//
// +checklocks:d.mu
func (d *DataManager) replaceLocked(ctx context.Context, k Key, value []byte) error {
	h := k.Hash()
	if err := d.kv.Del(ctx, h); err != nil && err != kvlog.ErrKeyNotFound {
		return err
	}
	return d.kv.Put(ctx, h, value)
}

// +checklocks:d.mu
func (d *DataManager) objectInfoLocked(ctx context.Context, id pager.ObjID) (pager.ObjectInfo, error) {
	var info pager.ObjectInfo
	v, err := d.kv.Get(ctx, Key{ID: id, Kind: KindObjectInfo}.Hash())
	if err == kvlog.ErrKeyNotFound {
		return info, fmt.Errorf("object %v: %w", id, errors.ErrNoSuchObject)
	}
	if err != nil {
		return info, err
	}
	if len(v) != info.SizeBytes() {
		return info, errors.Newf(errors.CodeIO, "info of %v has %d bytes", id, len(v))
	}
	info.UnmarshalBytes(v)
	return info, nil
}

// +checklocks:d.mu
func (d *DataManager) writeObjectInfoLocked(ctx context.Context, id pager.ObjID, info pager.ObjectInfo) error {
	buf := make([]byte, info.SizeBytes())
	info.MarshalBytes(buf)
	return d.replaceLocked(ctx, Key{ID: id, Kind: KindObjectInfo}, buf)
}

// LookupObjectInfo returns the info of object id.
func (d *DataManager) LookupObjectInfo(ctx context.Context, id pager.ObjID) (pager.ObjectInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objectInfoLocked(ctx, id)
}

// WriteObjectInfo records the info of object id.
func (d *DataManager) WriteObjectInfo(ctx context.Context, id pager.ObjID, info pager.ObjectInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeObjectInfoLocked(ctx, id, info)
}

// +checklocks:d.mu
func (d *DataManager) pageEntryLocked(ctx context.Context, id pager.ObjID, pn uint64) (PageEntry, error) {
	v, err := d.kv.Get(ctx, Key{ID: id, Page: pn, Kind: KindPageEntry}.Hash())
	if err != nil {
		return PageEntry{}, err
	}
	if len(v) != 8 {
		return PageEntry{}, errors.Newf(errors.CodeIO, "page entry %d of %v has %d bytes", pn, id, len(v))
	}
	return PageEntry{Block: hostarch.ByteOrder.Uint64(v)}, nil
}

// LookupPageEntry returns the entry of page pn of object id, or
// kvlog.ErrKeyNotFound if the page was never written.
func (d *DataManager) LookupPageEntry(ctx context.Context, id pager.ObjID, pn uint64) (PageEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageEntryLocked(ctx, id, pn)
}

// WritePageEntry records the entry of page pn of object id.
func (d *DataManager) WritePageEntry(ctx context.Context, id pager.ObjID, pn uint64, e PageEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writePageEntryLocked(ctx, id, pn, e)
}

// +checklocks:d.mu
func (d *DataManager) writePageEntryLocked(ctx context.Context, id pager.ObjID, pn uint64, e PageEntry) error {
	var v [8]byte
	hostarch.ByteOrder.PutUint64(v[:], e.Block)
	return d.replaceLocked(ctx, Key{ID: id, Page: pn, Kind: KindPageEntry}, v[:])
}

// +checklocks:d.mu
func (d *DataManager) allocLocked(ctx context.Context) (uint64, error) {
	if n := len(d.free); n > 0 {
		b := d.free[n-1]
		d.free = d.free[:n-1]
		return b, nil
	}
	if d.next >= d.layout.DataEnd {
		return 0, ErrNoSpace
	}
	if d.next == d.claimed {
		claim := min(d.next+allocBatch, d.layout.DataEnd)
		var v [8]byte
		hostarch.ByteOrder.PutUint64(v[:], claim)
		if err := d.replaceLocked(ctx, allocatorKey, v[:]); err != nil {
			return 0, fmt.Errorf("persisting allocator: %w", err)
		}
		d.claimed = claim
	}
	b := d.next
	d.next++
	return b, nil
}

// PageBlock returns the block holding page pn of object id, allocating one
// and recording it if the page was never written.
func (d *DataManager) PageBlock(ctx context.Context, id pager.ObjID, pn uint64) (block uint64, allocated bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.objectInfoLocked(ctx, id); err != nil {
		return 0, false, err
	}
	e, err := d.pageEntryLocked(ctx, id, pn)
	if err == nil {
		return e.Block, false, nil
	}
	if err != kvlog.ErrKeyNotFound {
		return 0, false, err
	}
	b, err := d.allocLocked(ctx)
	if err != nil {
		return 0, false, err
	}
	if err := d.writePageEntryLocked(ctx, id, pn, PageEntry{Block: b}); err != nil {
		d.free = append(d.free, b)
		return 0, false, err
	}
	return b, true, nil
}

// ExtendObject records that object id has data up to page pages.
func (d *DataManager) ExtendObject(ctx context.Context, id pager.ObjID, pages uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.objectInfoLocked(ctx, id)
	if err != nil {
		return err
	}
	if pages <= info.Pages {
		return nil
	}
	info.Pages = pages
	return d.writeObjectInfoLocked(ctx, id, info)
}

// CreateObject records a new object, discarding any object with the same id.
func (d *DataManager) CreateObject(ctx context.Context, id pager.ObjID, info pager.ObjectInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deleteLocked(ctx, id); err != nil && !stderrors.Is(err, errors.ErrNoSuchObject) {
		return err
	}
	info.Pages = 0
	return d.writeObjectInfoLocked(ctx, id, info)
}

// DeleteObject removes object id and its page entries. Its blocks are
// reused by later allocations.
func (d *DataManager) DeleteObject(ctx context.Context, id pager.ObjID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deleteLocked(ctx, id); err != nil {
		return err
	}
	if n, err := d.kv.GarbageCollect(ctx); err != nil {
		plog.Warningf("Collecting log garbage: %v", err)
	} else if n > 0 {
		plog.Debugf("Collected %d bytes of log garbage", n)
	}
	return nil
}

// +checklocks:d.mu
func (d *DataManager) deleteLocked(ctx context.Context, id pager.ObjID) error {
	info, err := d.objectInfoLocked(ctx, id)
	if err != nil {
		return err
	}
	for pn := uint64(0); pn < info.Pages; pn++ {
		k := Key{ID: id, Page: pn, Kind: KindPageEntry}
		e, err := d.pageEntryLocked(ctx, id, pn)
		if err == kvlog.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := d.kv.Del(ctx, k.Hash()); err != nil {
			return err
		}
		d.free = append(d.free, e.Block)
	}
	return d.kv.Del(ctx, Key{ID: id, Kind: KindObjectInfo}.Hash())
}

// Layout returns the layout of the disk.
func (d *DataManager) Layout() Layout {
	return d.layout
}

// Stats returns the manager's counters.
func (d *DataManager) Stats() DataStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DataStats{Keys: d.kv.Len(), NextBlock: d.next, Claimed: d.claimed, FreeBlocks: len(d.free)}
}
