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

// Package kvlog implements an append-only key/value log over flash-like
// storage.
//
// Storage is divided into RegionSize regions. A key's home region is its
// hash modulo the number of regions; a full region spills to the next. Each
// entry is a header, the value and a checksum:
//
//	+---------+-------+--------+----------+-------+----------+
//	| version | flags | length | key hash | value | checksum |
//	|   1     |   1   |   2    |    8     |  ...  |    8     |
//	+---------+-------+--------+----------+-------+----------+
//
// Erased storage reads as 0xff. Deleting an entry clears its valid flag in
// place, which only clears bits. An entry whose checksum does not match was
// torn by a crash and is skipped.
package kvlog

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/log"
)

const (
	// RegionSize is the size of a region, the unit of erasure.
	RegionSize = 4096

	headerSize   = 12
	checksumSize = 8

	// MaxValueSize is the largest value an entry can hold.
	MaxValueSize = RegionSize - headerSize - checksumSize

	entryVersion = 1
	erased       = 0xff
	flagValid    = 0x01
	flagDeleted  = 0x00
)

// MainKey is the key Init writes to mark formatted storage.
var MainKey = xxhash.Sum64String("objmem kvlog v1")

var mainValue = []byte("objmem")

var (
	// ErrKeyNotFound is returned by Get and Del for keys with no valid
	// entry.
	ErrKeyNotFound = errors.New(errors.CodeNoSuchObject, "key not found")

	// ErrKeyExists is returned by Put for keys that already have a valid
	// entry.
	ErrKeyExists = errors.New(errors.CodeInvalid, "key exists")

	// ErrFull is returned when no region has room for an entry.
	ErrFull = errors.New(errors.CodeIO, "log full")

	// ErrValueTooLarge is returned for values over MaxValueSize.
	ErrValueTooLarge = errors.New(errors.CodeInvalid, "value too large")

	// ErrNotFormatted is returned by Open for storage that lacks the main
	// key.
	ErrNotFormatted = errors.New(errors.CodeInvalid, "storage not formatted")
)

// FlashController is the storage under a Log.
type FlashController interface {
	// ReadRegion reads region into buf, which is RegionSize bytes.
	ReadRegion(ctx context.Context, region int, buf []byte) error

	// Write writes p at byte address addr. Writes only clear bits of
	// erased storage.
	Write(ctx context.Context, addr int64, p []byte) error

	// EraseRegion sets every byte of region to 0xff.
	EraseRegion(ctx context.Context, region int) error
}

type location struct {
	region int
	offset int
	length int
}

// Log is a key/value log. It is not safe for concurrent use.
type Log struct {
	fc      FlashController
	regions int

	// used is the number of bytes written in each region, torn entries
	// included.
	used []int

	// live is the number of valid entries in each region.
	live []int

	// index locates the valid entry for each key.
	index map[uint64]location
}

// New returns a log over regions regions of fc. It must be initialized with
// Init, Open or Format before use.
func New(fc FlashController, regions int) *Log {
	if regions <= 0 {
		panic(fmt.Sprintf("kvlog with %d regions", regions))
	}
	return &Log{
		fc:      fc,
		regions: regions,
		used:    make([]int, regions),
		live:    make([]int, regions),
		index:   make(map[uint64]location),
	}
}

// Regions returns the number of regions.
func (l *Log) Regions() int {
	return l.regions
}

// Len returns the number of valid keys, the main key included.
func (l *Log) Len() int {
	return len(l.index)
}

// Init opens formatted storage, or formats it if the main key is missing.
// It reports whether the storage was formatted.
func (l *Log) Init(ctx context.Context) (bool, error) {
	err := l.Open(ctx)
	if err == nil {
		return false, nil
	}
	if err != ErrNotFormatted {
		return false, err
	}
	return true, l.Format(ctx)
}

// Open scans storage and rebuilds the index. It fails with ErrNotFormatted
// if the main key is missing.
func (l *Log) Open(ctx context.Context) error {
	clear(l.index)
	torn := 0
	buf := make([]byte, RegionSize)
	for r := 0; r < l.regions; r++ {
		if err := l.fc.ReadRegion(ctx, r, buf); err != nil {
			return fmt.Errorf("reading region %d: %w", r, err)
		}
		l.used[r], l.live[r] = 0, 0
		for e := range entries(buf) {
			l.used[r] = e.off + e.length
			if !e.ok {
				torn++
				continue
			}
			if !e.valid {
				continue
			}
			l.index[e.hash] = location{region: r, offset: e.off, length: e.length}
			l.live[r]++
		}
		// A header too damaged to parse leaves the rest of the region
		// unusable until it is erased.
		if u := l.used[r]; u < RegionSize && buf[u] != erased {
			l.used[r] = RegionSize
			torn++
		}
	}
	if torn > 0 {
		log.Warningf("kvlog: skipped %d torn entries", torn)
	}
	if _, ok := l.index[MainKey]; !ok {
		return ErrNotFormatted
	}
	return nil
}

// Format erases every region and writes the main key.
func (l *Log) Format(ctx context.Context) error {
	for r := 0; r < l.regions; r++ {
		if err := l.fc.EraseRegion(ctx, r); err != nil {
			return fmt.Errorf("erasing region %d: %w", r, err)
		}
		l.used[r], l.live[r] = 0, 0
	}
	clear(l.index)
	if err := l.Put(ctx, MainKey, mainValue); err != nil {
		return fmt.Errorf("writing main key: %w", err)
	}
	log.Infof("kvlog: formatted %d regions", l.regions)
	return nil
}

// Get returns the value of key.
func (l *Log) Get(ctx context.Context, key uint64) ([]byte, error) {
	loc, ok := l.index[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	buf := make([]byte, RegionSize)
	if err := l.fc.ReadRegion(ctx, loc.region, buf); err != nil {
		return nil, fmt.Errorf("reading region %d: %w", loc.region, err)
	}
	e, ok := parse(buf, loc.offset)
	if !ok || !e.ok || !e.valid || e.hash != key {
		return nil, errors.Newf(errors.CodeIO, "entry for key %#x in region %d changed underfoot", key, loc.region)
	}
	return e.value, nil
}

// Put appends an entry for key. It fails with ErrKeyExists if key has a
// valid entry.
func (l *Log) Put(ctx context.Context, key uint64, value []byte) error {
	if _, ok := l.index[key]; ok {
		return ErrKeyExists
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%d bytes: %w", len(value), ErrValueTooLarge)
	}
	ent := encode(key, value)
	home := int(key % uint64(l.regions))
	for i := 0; i < l.regions; i++ {
		r := (home + i) % l.regions
		if l.used[r]+len(ent) > RegionSize {
			continue
		}
		off := l.used[r]
		if err := l.fc.Write(ctx, l.addr(r, off), ent); err != nil {
			// The write may have landed partially.
			l.used[r] = RegionSize
			return fmt.Errorf("writing key %#x to region %d: %w", key, r, err)
		}
		l.used[r] = off + len(ent)
		l.live[r]++
		l.index[key] = location{region: r, offset: off, length: len(ent)}
		return nil
	}
	return ErrFull
}

// Del invalidates the entry for key.
func (l *Log) Del(ctx context.Context, key uint64) error {
	loc, ok := l.index[key]
	if !ok {
		return ErrKeyNotFound
	}
	if err := l.fc.Write(ctx, l.addr(loc.region, loc.offset)+1, []byte{flagDeleted}); err != nil {
		return fmt.Errorf("invalidating key %#x: %w", key, err)
	}
	delete(l.index, key)
	l.live[loc.region]--
	return nil
}

// GarbageCollect erases every written region that holds no valid entry and
// returns the number of bytes reclaimed.
func (l *Log) GarbageCollect(ctx context.Context) (int, error) {
	freed := 0
	for r := 0; r < l.regions; r++ {
		if l.live[r] > 0 || l.used[r] == 0 {
			continue
		}
		if err := l.fc.EraseRegion(ctx, r); err != nil {
			return freed, fmt.Errorf("erasing region %d: %w", r, err)
		}
		freed += l.used[r]
		l.used[r] = 0
	}
	return freed, nil
}

func (l *Log) addr(region, off int) int64 {
	return int64(region)*RegionSize + int64(off)
}

func encode(key uint64, value []byte) []byte {
	n := headerSize + len(value) + checksumSize
	b := make([]byte, n)
	b[0] = entryVersion
	b[1] = flagValid
	binary.LittleEndian.PutUint16(b[2:], uint16(n))
	binary.LittleEndian.PutUint64(b[4:], key)
	copy(b[headerSize:], value)
	binary.LittleEndian.PutUint64(b[n-checksumSize:], checksum(b[:n-checksumSize]))
	return b
}

// checksum covers an entry as written, with its valid flag set.
func checksum(b []byte) uint64 {
	d := xxhash.New()
	d.Write(b[:1])
	d.Write([]byte{flagValid})
	d.Write(b[2:])
	return d.Sum64()
}

type entry struct {
	off    int
	length int
	hash   uint64
	value  []byte
	valid  bool

	// ok is false for a torn entry.
	ok bool
}

// parse decodes the entry at off. It returns false at the end of the
// region's entries.
func parse(buf []byte, off int) (entry, bool) {
	if off+headerSize > len(buf) || buf[off] == erased {
		return entry{}, false
	}
	n := int(binary.LittleEndian.Uint16(buf[off+2:]))
	if buf[off] != entryVersion || n < headerSize+checksumSize || off+n > len(buf) {
		return entry{}, false
	}
	b := buf[off : off+n]
	e := entry{
		off:    off,
		length: n,
		hash:   binary.LittleEndian.Uint64(b[4:]),
		value:  append([]byte(nil), b[headerSize:n-checksumSize]...),
		valid:  b[1] == flagValid,
	}
	e.ok = checksum(b[:n-checksumSize]) == binary.LittleEndian.Uint64(b[n-checksumSize:])
	return e, true
}

// entries iterates over the entries of a region.
func entries(buf []byte) func(yield func(entry) bool) {
	return func(yield func(entry) bool) {
		for off := 0; ; {
			e, ok := parse(buf, off)
			if !ok || !yield(e) {
				return
			}
			off += e.length
		}
	}
}
