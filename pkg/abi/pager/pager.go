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

// Package pager defines the messages exchanged between the kernel and the
// pager over their two queues.
//
// The kernel sends RequestFromKernel on the kernel-to-pager queue and the
// pager answers each with one or more CompletionToKernel, the last of which
// carries CompletionDone. The pager sends RequestFromPager on the
// pager-to-kernel queue for work only the kernel can do, such as touching
// physical memory, and the kernel answers each with one CompletionToPager.
//
// Every message has a fixed size on the wire; see the marshal methods.
package pager

import (
	"fmt"

	"github.com/google/uuid"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/hostarch"
)

// ObjID identifies an object.
type ObjID uuid.UUID

// NewObjID returns a new random object ID.
func NewObjID() ObjID {
	return ObjID(uuid.New())
}

// ParseObjID parses the textual form of an object ID.
func ParseObjID(s string) (ObjID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ObjID{}, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return ObjID(u), nil
}

// IsZero returns true for the zero ID, which never names an object.
func (id ObjID) IsZero() bool {
	return id == ObjID{}
}

// String implements fmt.Stringer.
func (id ObjID) String() string {
	return uuid.UUID(id).String()
}

// Compare orders IDs bytewise.
func (id ObjID) Compare(other ObjID) int {
	for i := range id {
		switch {
		case id[i] < other[i]:
			return -1
		case id[i] > other[i]:
			return 1
		}
	}
	return 0
}

// ObjectRange is a byte range [Start, End) within an object.
type ObjectRange struct {
	Start uint64
	End   uint64
}

// PageRange returns the byte range covering n pages from page first.
func PageRange(first, n uint64) ObjectRange {
	return ObjectRange{Start: first * hostarch.PageSize, End: (first + n) * hostarch.PageSize}
}

// Len returns the length of the range in bytes.
func (r ObjectRange) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// FirstPage returns the page number containing Start.
func (r ObjectRange) FirstPage() uint64 {
	return r.Start / hostarch.PageSize
}

// PageCount returns the number of pages the range touches.
func (r ObjectRange) PageCount() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return (r.End+hostarch.PageSize-1)/hostarch.PageSize - r.FirstPage()
}

func (r ObjectRange) String() string {
	return fmt.Sprintf("O[%#x, %#x)", r.Start, r.End)
}

// PhysRange is a physical address range [Start, End).
type PhysRange struct {
	Start uint64
	End   uint64
}

// Len returns the length of the range in bytes.
func (r PhysRange) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// PageCount returns the number of whole or partial pages in the range.
func (r PhysRange) PageCount() uint64 {
	return (r.Len() + hostarch.PageSize - 1) / hostarch.PageSize
}

// Page returns the physical address of the i'th page of the range.
func (r PhysRange) Page(i uint64) hostarch.PhysAddr {
	return hostarch.PhysAddr(r.Start + i*hostarch.PageSize)
}

func (r PhysRange) String() string {
	return fmt.Sprintf("P[%#x, %#x)", r.Start, r.End)
}

// Lifetime says whether an object survives a reboot.
type Lifetime uint8

// Lifetimes.
const (
	LifetimeVolatile Lifetime = iota
	LifetimePersistent
)

func (l Lifetime) String() string {
	if l == LifetimePersistent {
		return "persistent"
	}
	return "volatile"
}

// Protections are the default access rights of an object's pages.
type Protections uint8

// Protection bits.
const (
	ProtRead Protections = 1 << iota
	ProtWrite
	ProtExec
)

// AccessType converts p to an access type.
func (p Protections) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    p&ProtRead != 0,
		Write:   p&ProtWrite != 0,
		Execute: p&ProtExec != 0,
	}
}

// ObjectInfo describes an object.
type ObjectInfo struct {
	Lifetime Lifetime
	DefProt  Protections

	// Pages is one past the highest page ever written to storage.
	Pages uint64
}

// KernelCommandKind selects a KernelCommand variant.
type KernelCommandKind uint8

// Kernel commands.
const (
	CmdEcho KernelCommandKind = iota + 1
	CmdPageData
	CmdObjectInfo
	CmdObjectCreate
	CmdObjectDel
	CmdObjectEvict
	CmdDramPages
)

var cmdNames = map[KernelCommandKind]string{
	CmdEcho:         "EchoReq",
	CmdPageData:     "PageDataReq",
	CmdObjectInfo:   "ObjectInfoReq",
	CmdObjectCreate: "ObjectCreate",
	CmdObjectDel:    "ObjectDel",
	CmdObjectEvict:  "ObjectEvict",
	CmdDramPages:    "DramPages",
}

func (k KernelCommandKind) String() string {
	if s, ok := cmdNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KernelCommandKind(%d)", uint8(k))
}

// EvictFlags modify an ObjectEvict command.
type EvictFlags uint32

// Evict flags.
const (
	// EvictSync asks the pager to write the pages to storage.
	EvictSync EvictFlags = 1 << iota

	// EvictFence asks the pager to make the write durable before it
	// completes the command.
	EvictFence
)

// EvictInfo is the argument of an ObjectEvict command: the pages of Range
// are held in the physical memory Phys.
type EvictInfo struct {
	ID    ObjID
	Range ObjectRange
	Phys  PhysRange
	Flags EvictFlags
}

// KernelCommand is a tagged union of the commands the kernel sends. Only the
// fields used by Kind are meaningful.
type KernelCommand struct {
	Kind  KernelCommandKind
	ID    ObjID
	Range ObjectRange
	Phys  PhysRange
	Info  ObjectInfo
	Flags EvictFlags
}

// EchoReq returns a command the pager answers with an echo.
func EchoReq() KernelCommand {
	return KernelCommand{Kind: CmdEcho}
}

// PageDataReq asks for the pages of r in object id.
func PageDataReq(id ObjID, r ObjectRange) KernelCommand {
	return KernelCommand{Kind: CmdPageData, ID: id, Range: r}
}

// ObjectInfoReq asks for the description of object id.
func ObjectInfoReq(id ObjID) KernelCommand {
	return KernelCommand{Kind: CmdObjectInfo, ID: id}
}

// ObjectCreate asks the pager to persist a new object.
func ObjectCreate(id ObjID, info ObjectInfo) KernelCommand {
	return KernelCommand{Kind: CmdObjectCreate, ID: id, Info: info}
}

// ObjectDel asks the pager to delete an object and all its pages.
func ObjectDel(id ObjID) KernelCommand {
	return KernelCommand{Kind: CmdObjectDel, ID: id}
}

// ObjectEvict hands the pager pages of an object held in physical memory.
func ObjectEvict(info EvictInfo) KernelCommand {
	return KernelCommand{Kind: CmdObjectEvict, ID: info.ID, Range: info.Range, Phys: info.Phys, Flags: info.Flags}
}

// DramPages gives the pager a range of physical memory to fill pages into.
func DramPages(r PhysRange) KernelCommand {
	return KernelCommand{Kind: CmdDramPages, Phys: r}
}

// EvictInfo returns the argument of an ObjectEvict command.
func (c KernelCommand) EvictInfo() EvictInfo {
	return EvictInfo{ID: c.ID, Range: c.Range, Phys: c.Phys, Flags: c.Flags}
}

func (c KernelCommand) String() string {
	switch c.Kind {
	case CmdPageData:
		return fmt.Sprintf("%v(%v, %v)", c.Kind, c.ID, c.Range)
	case CmdObjectInfo, CmdObjectDel:
		return fmt.Sprintf("%v(%v)", c.Kind, c.ID)
	case CmdObjectCreate:
		return fmt.Sprintf("%v(%v, %+v)", c.Kind, c.ID, c.Info)
	case CmdObjectEvict:
		return fmt.Sprintf("%v(%v, %v, %v, %#x)", c.Kind, c.ID, c.Range, c.Phys, uint32(c.Flags))
	case CmdDramPages:
		return fmt.Sprintf("%v(%v)", c.Kind, c.Phys)
	default:
		return c.Kind.String()
	}
}

// RequestFromKernel is an entry on the kernel-to-pager queue.
type RequestFromKernel struct {
	Cmd KernelCommand
}

// KernelCompletionKind selects a KernelCompletionData variant.
type KernelCompletionKind uint8

// Kernel completions.
const (
	ComplOkay KernelCompletionKind = iota + 1
	ComplError
	ComplNoSuchObject
	ComplEcho
	ComplPageData
	ComplObjectInfo
)

var complNames = map[KernelCompletionKind]string{
	ComplOkay:         "Okay",
	ComplError:        "Error",
	ComplNoSuchObject: "NoSuchObject",
	ComplEcho:         "EchoResp",
	ComplPageData:     "PageDataCompletion",
	ComplObjectInfo:   "ObjectInfoCompletion",
}

func (k KernelCompletionKind) String() string {
	if s, ok := complNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KernelCompletionKind(%d)", uint8(k))
}

// PageFlags describe the memory of a PageDataCompletion.
type PageFlags uint32

// Page flags.
const (
	// PageWired memory is not pager DRAM and is never returned to the
	// frame allocator.
	PageWired PageFlags = 1 << iota
)

// KernelCompletionData is a tagged union of the pager's answers.
type KernelCompletionData struct {
	Kind  KernelCompletionKind
	Code  errors.Code
	ID    ObjID
	Range ObjectRange
	Phys  PhysRange
	Info  ObjectInfo
	Flags PageFlags
}

// Okay completes a command without data.
func Okay() KernelCompletionData {
	return KernelCompletionData{Kind: ComplOkay}
}

// Error completes a command with an error.
func Error(err error) KernelCompletionData {
	c := errors.CodeOf(err)
	if c == errors.CodeNoSuchObject {
		return NoSuchObject()
	}
	return KernelCompletionData{Kind: ComplError, Code: c}
}

// NoSuchObject reports that the object does not exist.
func NoSuchObject() KernelCompletionData {
	return KernelCompletionData{Kind: ComplNoSuchObject, Code: errors.CodeNoSuchObject}
}

// EchoResp answers an EchoReq.
func EchoResp() KernelCompletionData {
	return KernelCompletionData{Kind: ComplEcho}
}

// PageDataCompletion reports that the pages of r are held in phys.
func PageDataCompletion(id ObjID, r ObjectRange, phys PhysRange, flags PageFlags) KernelCompletionData {
	return KernelCompletionData{Kind: ComplPageData, ID: id, Range: r, Phys: phys, Flags: flags}
}

// ObjectInfoCompletion answers an ObjectInfoReq or ObjectCreate.
func ObjectInfoCompletion(id ObjID, info ObjectInfo) KernelCompletionData {
	return KernelCompletionData{Kind: ComplObjectInfo, ID: id, Info: info}
}

// Err returns the error the completion carries, if any.
func (d KernelCompletionData) Err() error {
	switch d.Kind {
	case ComplError:
		if err := errors.FromCode(d.Code); err != nil {
			return err
		}
		return errors.New(errors.CodeUnknown, "pager error")
	case ComplNoSuchObject:
		return errors.ErrNoSuchObject
	}
	return nil
}

func (d KernelCompletionData) String() string {
	switch d.Kind {
	case ComplError:
		return fmt.Sprintf("%v(%v)", d.Kind, d.Code)
	case ComplPageData:
		return fmt.Sprintf("%v(%v, %v, %v, %#x)", d.Kind, d.ID, d.Range, d.Phys, uint32(d.Flags))
	case ComplObjectInfo:
		return fmt.Sprintf("%v(%v, %+v)", d.Kind, d.ID, d.Info)
	default:
		return d.Kind.String()
	}
}

// CompletionFlags modify a CompletionToKernel.
type CompletionFlags uint32

// CompletionDone marks the last completion of a request.
const CompletionDone CompletionFlags = 1

// CompletionToKernel is an entry on the completion side of the
// kernel-to-pager queue.
type CompletionToKernel struct {
	Data  KernelCompletionData
	Flags CompletionFlags
}

// Done returns true if this is the last completion of its request.
func (c CompletionToKernel) Done() bool {
	return c.Flags&CompletionDone != 0
}

// PagerRequestKind selects a PagerRequest variant.
type PagerRequestKind uint8

// Pager requests.
const (
	PReqReady PagerRequestKind = iota + 1
	PReqCopyUserPhys
	PReqRegisterPhys
)

func (k PagerRequestKind) String() string {
	switch k {
	case PReqReady:
		return "Ready"
	case PReqCopyUserPhys:
		return "CopyUserPhys"
	case PReqRegisterPhys:
		return "RegisterPhys"
	}
	return fmt.Sprintf("PagerRequestKind(%d)", uint8(k))
}

// PagerRequest is a tagged union of the requests the pager makes.
type PagerRequest struct {
	Kind PagerRequestKind

	// Target and Offset locate the object memory of a CopyUserPhys.
	Target ObjID
	Offset uint64

	// Len is the number of bytes of object memory to copy.
	Len uint64

	// Phys is the physical side of a CopyUserPhys, or the range announced
	// by RegisterPhys.
	Phys PhysRange

	// WritePhys copies from object memory into Phys rather than the other
	// way around.
	WritePhys bool
}

// Ready tells the kernel the pager is running.
func Ready() PagerRequest {
	return PagerRequest{Kind: PReqReady}
}

// CopyUserPhys copies between len bytes of object target at offset and the
// physical range phys. Whatever part of the destination is not covered by
// the copy is zero filled.
func CopyUserPhys(target ObjID, offset, length uint64, phys PhysRange, writePhys bool) PagerRequest {
	return PagerRequest{Kind: PReqCopyUserPhys, Target: target, Offset: offset, Len: length, Phys: phys, WritePhys: writePhys}
}

// RegisterPhys announces device memory the pager serves pages from.
func RegisterPhys(start, length uint64) PagerRequest {
	return PagerRequest{Kind: PReqRegisterPhys, Phys: PhysRange{Start: start, End: start + length}}
}

func (r PagerRequest) String() string {
	switch r.Kind {
	case PReqCopyUserPhys:
		return fmt.Sprintf("%v(%v+%#x, %#x, %v, write_phys=%t)", r.Kind, r.Target, r.Offset, r.Len, r.Phys, r.WritePhys)
	case PReqRegisterPhys:
		return fmt.Sprintf("%v(%v)", r.Kind, r.Phys)
	}
	return r.Kind.String()
}

// RequestFromPager is an entry on the pager-to-kernel queue.
type RequestFromPager struct {
	Req PagerRequest
}

// PagerCompletionKind selects a PagerCompletionData variant.
type PagerCompletionKind uint8

// Pager completions.
const (
	PComplOkay PagerCompletionKind = iota + 1
	PComplError
	PComplNoSuchObject
)

// PagerCompletionData is the kernel's answer to a PagerRequest.
type PagerCompletionData struct {
	Kind PagerCompletionKind
	Code errors.Code
}

// PagerCompletion returns the answer for the outcome err.
func PagerCompletion(err error) PagerCompletionData {
	switch c := errors.CodeOf(err); c {
	case errors.CodeOK:
		return PagerCompletionData{Kind: PComplOkay}
	case errors.CodeNoSuchObject:
		return PagerCompletionData{Kind: PComplNoSuchObject, Code: c}
	default:
		return PagerCompletionData{Kind: PComplError, Code: c}
	}
}

// Err returns the error the completion carries, if any.
func (d PagerCompletionData) Err() error {
	switch d.Kind {
	case PComplOkay:
		return nil
	case PComplNoSuchObject:
		return errors.ErrNoSuchObject
	}
	if err := errors.FromCode(d.Code); err != nil {
		return err
	}
	return errors.New(errors.CodeUnknown, "kernel error")
}

// CompletionToPager is an entry on the completion side of the
// pager-to-kernel queue.
type CompletionToPager struct {
	Data PagerCompletionData
}
