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

package pager

import (
	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
	"objmem.dev/objmem/pkg/marshal"
)

// Marshallable types used by this file.
var _ marshal.Marshallable = (*ObjID)(nil)
var _ marshal.Marshallable = (*ObjectRange)(nil)
var _ marshal.Marshallable = (*PhysRange)(nil)
var _ marshal.Marshallable = (*ObjectInfo)(nil)
var _ marshal.Marshallable = (*KernelCommand)(nil)
var _ marshal.Marshallable = (*RequestFromKernel)(nil)
var _ marshal.Marshallable = (*KernelCompletionData)(nil)
var _ marshal.Marshallable = (*CompletionToKernel)(nil)
var _ marshal.Marshallable = (*PagerRequest)(nil)
var _ marshal.Marshallable = (*RequestFromPager)(nil)
var _ marshal.Marshallable = (*CompletionToPager)(nil)

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (id *ObjID) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (id *ObjID) MarshalBytes(dst []byte) []byte {
	copy(dst[:16], id[:])
	return dst[16:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (id *ObjID) UnmarshalBytes(src []byte) []byte {
	copy(id[:], src[:16])
	return src[16:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *ObjectRange) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *ObjectRange) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], r.Start)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], r.End)
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *ObjectRange) UnmarshalBytes(src []byte) []byte {
	r.Start = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	r.End = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *PhysRange) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PhysRange) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], r.Start)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], r.End)
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PhysRange) UnmarshalBytes(src []byte) []byte {
	r.Start = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	r.End = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (i *ObjectInfo) SizeBytes() int {
	return 16
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (i *ObjectInfo) MarshalBytes(dst []byte) []byte {
	dst[0] = byte(i.Lifetime)
	dst[1] = byte(i.DefProt)
	clear(dst[2:8])
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], i.Pages)
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (i *ObjectInfo) UnmarshalBytes(src []byte) []byte {
	i.Lifetime = Lifetime(src[0])
	i.DefProt = Protections(src[1])
	src = src[8:]
	i.Pages = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *KernelCommand) SizeBytes() int {
	return 8 + (*ObjID)(nil).SizeBytes() + (*ObjectRange)(nil).SizeBytes() +
		(*PhysRange)(nil).SizeBytes() + (*ObjectInfo)(nil).SizeBytes() + 8
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *KernelCommand) MarshalBytes(dst []byte) []byte {
	dst[0] = byte(c.Kind)
	clear(dst[1:8])
	dst = dst[8:]
	dst = c.ID.MarshalBytes(dst)
	dst = c.Range.MarshalBytes(dst)
	dst = c.Phys.MarshalBytes(dst)
	dst = c.Info.MarshalBytes(dst)
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(c.Flags))
	clear(dst[4:8])
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *KernelCommand) UnmarshalBytes(src []byte) []byte {
	c.Kind = KernelCommandKind(src[0])
	src = src[8:]
	src = c.ID.UnmarshalBytes(src)
	src = c.Range.UnmarshalBytes(src)
	src = c.Phys.UnmarshalBytes(src)
	src = c.Info.UnmarshalBytes(src)
	c.Flags = EvictFlags(hostarch.ByteOrder.Uint32(src[:4]))
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *RequestFromKernel) SizeBytes() int {
	return r.Cmd.SizeBytes()
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *RequestFromKernel) MarshalBytes(dst []byte) []byte {
	return r.Cmd.MarshalBytes(dst)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *RequestFromKernel) UnmarshalBytes(src []byte) []byte {
	return r.Cmd.UnmarshalBytes(src)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (d *KernelCompletionData) SizeBytes() int {
	return 8 + (*ObjID)(nil).SizeBytes() + (*ObjectRange)(nil).SizeBytes() +
		(*PhysRange)(nil).SizeBytes() + (*ObjectInfo)(nil).SizeBytes() + 8
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (d *KernelCompletionData) MarshalBytes(dst []byte) []byte {
	dst[0] = byte(d.Kind)
	clear(dst[1:4])
	hostarch.ByteOrder.PutUint32(dst[4:8], uint32(d.Code))
	dst = dst[8:]
	dst = d.ID.MarshalBytes(dst)
	dst = d.Range.MarshalBytes(dst)
	dst = d.Phys.MarshalBytes(dst)
	dst = d.Info.MarshalBytes(dst)
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(d.Flags))
	clear(dst[4:8])
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (d *KernelCompletionData) UnmarshalBytes(src []byte) []byte {
	d.Kind = KernelCompletionKind(src[0])
	d.Code = errors.Code(hostarch.ByteOrder.Uint32(src[4:8]))
	src = src[8:]
	src = d.ID.UnmarshalBytes(src)
	src = d.Range.UnmarshalBytes(src)
	src = d.Phys.UnmarshalBytes(src)
	src = d.Info.UnmarshalBytes(src)
	d.Flags = PageFlags(hostarch.ByteOrder.Uint32(src[:4]))
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *CompletionToKernel) SizeBytes() int {
	return c.Data.SizeBytes() + 8
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *CompletionToKernel) MarshalBytes(dst []byte) []byte {
	dst = c.Data.MarshalBytes(dst)
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(c.Flags))
	clear(dst[4:8])
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *CompletionToKernel) UnmarshalBytes(src []byte) []byte {
	src = c.Data.UnmarshalBytes(src)
	c.Flags = CompletionFlags(hostarch.ByteOrder.Uint32(src[:4]))
	return src[8:]
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *PagerRequest) SizeBytes() int {
	return 8 + (*ObjID)(nil).SizeBytes() + 16 + (*PhysRange)(nil).SizeBytes()
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PagerRequest) MarshalBytes(dst []byte) []byte {
	dst[0] = byte(r.Kind)
	dst[1] = 0
	if r.WritePhys {
		dst[1] = 1
	}
	clear(dst[2:8])
	dst = dst[8:]
	dst = r.Target.MarshalBytes(dst)
	hostarch.ByteOrder.PutUint64(dst[:8], r.Offset)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], r.Len)
	dst = dst[8:]
	return r.Phys.MarshalBytes(dst)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PagerRequest) UnmarshalBytes(src []byte) []byte {
	r.Kind = PagerRequestKind(src[0])
	r.WritePhys = src[1] != 0
	src = src[8:]
	src = r.Target.UnmarshalBytes(src)
	r.Offset = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	r.Len = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	return r.Phys.UnmarshalBytes(src)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *RequestFromPager) SizeBytes() int {
	return r.Req.SizeBytes()
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *RequestFromPager) MarshalBytes(dst []byte) []byte {
	return r.Req.MarshalBytes(dst)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *RequestFromPager) UnmarshalBytes(src []byte) []byte {
	return r.Req.UnmarshalBytes(src)
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *CompletionToPager) SizeBytes() int {
	return 8
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *CompletionToPager) MarshalBytes(dst []byte) []byte {
	dst[0] = byte(c.Data.Kind)
	clear(dst[1:4])
	hostarch.ByteOrder.PutUint32(dst[4:8], uint32(c.Data.Code))
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *CompletionToPager) UnmarshalBytes(src []byte) []byte {
	c.Data.Kind = PagerCompletionKind(src[0])
	c.Data.Code = errors.Code(hostarch.ByteOrder.Uint32(src[4:8]))
	return src[8:]
}
