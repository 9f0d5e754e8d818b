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

// Package nvme provides the block storage under the pager: block devices and
// a controller that drives one through a queue pair, in the manner of an
// NVMe submission and completion queue.
package nvme

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/sync"
)

// BlockSize is the size of a logical block.
const BlockSize = 4096

// ErrOutOfRange is returned for accesses past the end of a device.
var ErrOutOfRange = errors.New(errors.CodeInvalid, "block out of range")

// BlockDevice is a device addressed in BlockSize blocks.
type BlockDevice interface {
	// NumBlocks returns the number of blocks on the device.
	NumBlocks() uint64

	// ReadBlock reads block lba into p, which is BlockSize bytes.
	ReadBlock(lba uint64, p []byte) error

	// WriteBlock writes p, which is BlockSize bytes, to block lba.
	WriteBlock(lba uint64, p []byte) error

	// Flush makes completed writes durable.
	Flush() error

	// Close releases the device.
	Close() error
}

func checkBlock(d BlockDevice, lba uint64, p []byte) error {
	if len(p) != BlockSize {
		return errors.Newf(errors.CodeInvalid, "buffer of %d bytes for a block", len(p))
	}
	if lba >= d.NumBlocks() {
		return fmt.Errorf("block %d of %d: %w", lba, d.NumBlocks(), ErrOutOfRange)
	}
	return nil
}

// Op is a device operation, passed to fault injectors.
type Op int

// Operations.
const (
	OpRead Op = iota + 1
	OpWrite
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// MemDevice is a BlockDevice in memory.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	inject func(Op, uint64) error
}

// NewMemDevice returns a zeroed device of n blocks.
func NewMemDevice(n uint64) *MemDevice {
	return &MemDevice{data: make([]byte, n*BlockSize)}
}

// InjectFault makes every operation first call fn; a non-nil result fails
// the operation. A nil fn removes the injector.
func (d *MemDevice) InjectFault(fn func(op Op, lba uint64) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inject = fn
}

func (d *MemDevice) fault(op Op, lba uint64) error {
	if d.inject == nil {
		return nil
	}
	if err := d.inject(op, lba); err != nil {
		return fmt.Errorf("%v of block %d: %w", op, lba, err)
	}
	return nil
}

// NumBlocks implements BlockDevice.NumBlocks.
func (d *MemDevice) NumBlocks() uint64 {
	return uint64(len(d.data)) / BlockSize
}

// ReadBlock implements BlockDevice.ReadBlock.
func (d *MemDevice) ReadBlock(lba uint64, p []byte) error {
	if err := checkBlock(d, lba, p); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.fault(OpRead, lba); err != nil {
		return err
	}
	copy(p, d.data[lba*BlockSize:])
	return nil
}

// WriteBlock implements BlockDevice.WriteBlock.
func (d *MemDevice) WriteBlock(lba uint64, p []byte) error {
	if err := checkBlock(d, lba, p); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpWrite, lba); err != nil {
		return err
	}
	copy(d.data[lba*BlockSize:], p)
	return nil
}

// Flush implements BlockDevice.Flush.
func (d *MemDevice) Flush() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fault(OpFlush, 0)
}

// Close implements BlockDevice.Close.
func (d *MemDevice) Close() error {
	return nil
}

// FileOptions control OpenFile.
type FileOptions struct {
	// Create creates or truncates the image to Blocks blocks.
	Create bool

	// Blocks is the size of an image being created.
	Blocks uint64

	// ReadOnly opens the image for reading under a shared lock.
	ReadOnly bool
}

// FileDevice is a BlockDevice backed by a disk image. The image is locked
// for as long as the device is open.
type FileDevice struct {
	f        *os.File
	lock     *flock.Flock
	blocks   uint64
	readOnly bool
}

// OpenFile opens the disk image at path.
func OpenFile(path string, opts FileOptions) (*FileDevice, error) {
	lock := flock.New(path + ".lock")
	var (
		locked bool
		err    error
	)
	if opts.ReadOnly {
		locked, err = lock.TryRLock()
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("locking disk image %q: %w", path, err)
	}
	if !locked {
		return nil, errors.Newf(errors.CodeInvalid, "disk image %q is in use", path)
	}

	flags := os.O_RDWR
	switch {
	case opts.ReadOnly:
		flags = os.O_RDONLY
	case opts.Create:
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening disk image: %w", err)
	}
	fail := func(err error) (*FileDevice, error) {
		f.Close()
		lock.Unlock()
		return nil, err
	}
	if opts.Create && !opts.ReadOnly {
		if opts.Blocks == 0 {
			return fail(errors.Newf(errors.CodeInvalid, "creating empty disk image %q", path))
		}
		if err := f.Truncate(int64(opts.Blocks * BlockSize)); err != nil {
			return fail(fmt.Errorf("sizing disk image: %w", err))
		}
	}
	fi, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat disk image: %w", err))
	}
	if fi.Size()%BlockSize != 0 || fi.Size() == 0 {
		return fail(errors.Newf(errors.CodeInvalid, "disk image %q has size %d, not a positive multiple of %d", path, fi.Size(), BlockSize))
	}
	return &FileDevice{
		f:        f,
		lock:     lock,
		blocks:   uint64(fi.Size()) / BlockSize,
		readOnly: opts.ReadOnly,
	}, nil
}

// NumBlocks implements BlockDevice.NumBlocks.
func (d *FileDevice) NumBlocks() uint64 {
	return d.blocks
}

// ReadBlock implements BlockDevice.ReadBlock.
func (d *FileDevice) ReadBlock(lba uint64, p []byte) error {
	if err := checkBlock(d, lba, p); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		n, err := unix.Pread(int(d.f.Fd()), p[done:], int64(lba*BlockSize)+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Newf(errors.CodeIO, "reading block %d: %v", lba, err)
		}
		if n == 0 {
			return errors.Newf(errors.CodeIO, "reading block %d: short read", lba)
		}
		done += n
	}
	return nil
}

// WriteBlock implements BlockDevice.WriteBlock.
func (d *FileDevice) WriteBlock(lba uint64, p []byte) error {
	if err := checkBlock(d, lba, p); err != nil {
		return err
	}
	if d.readOnly {
		return errors.Newf(errors.CodeNotSupported, "writing block %d of a read-only image", lba)
	}
	for done := 0; done < len(p); {
		n, err := unix.Pwrite(int(d.f.Fd()), p[done:], int64(lba*BlockSize)+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Newf(errors.CodeIO, "writing block %d: %v", lba, err)
		}
		done += n
	}
	return nil
}

// Flush implements BlockDevice.Flush.
func (d *FileDevice) Flush() error {
	if d.readOnly {
		return nil
	}
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		return errors.Newf(errors.CodeIO, "syncing disk image: %v", err)
	}
	return nil
}

// Close implements BlockDevice.Close.
func (d *FileDevice) Close() error {
	err := d.f.Close()
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
