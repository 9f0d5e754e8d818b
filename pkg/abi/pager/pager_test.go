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
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"objmem.dev/objmem/pkg/errors"
	"objmem.dev/objmem/pkg/marshal"
)

func TestWireSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		m    marshal.Marshallable
		want int
	}{
		{"RequestFromKernel", &RequestFromKernel{}, 80},
		{"CompletionToKernel", &CompletionToKernel{}, 88},
		{"RequestFromPager", &RequestFromPager{}, 56},
		{"CompletionToPager", &CompletionToPager{}, 8},
	} {
		if got := tc.m.SizeBytes(); got != tc.want {
			t.Errorf("%s.SizeBytes() = %d, want %d", tc.name, got, tc.want)
		}
		buf := make([]byte, tc.m.SizeBytes())
		if rest := tc.m.MarshalBytes(buf); len(rest) != 0 {
			t.Errorf("%s.MarshalBytes left %d bytes", tc.name, len(rest))
		}
	}
}

func TestMessagesSurviveTheWire(t *testing.T) {
	id := NewObjID()
	info := ObjectInfo{Lifetime: LifetimePersistent, DefProt: ProtRead | ProtWrite, Pages: 12}

	reqs := []RequestFromKernel{
		{Cmd: PageDataReq(id, PageRange(3, 2))},
		{Cmd: ObjectCreate(id, info)},
		{Cmd: ObjectEvict(EvictInfo{ID: id, Range: PageRange(1, 1), Phys: PhysRange{0x5000, 0x6000}, Flags: EvictSync | EvictFence})},
	}
	for _, want := range reqs {
		var got RequestFromKernel
		got.UnmarshalBytes(marshal.Marshal(&want))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v mismatch (-want +got):\n%s", want.Cmd, diff)
		}
	}

	compls := []CompletionToKernel{
		{Data: PageDataCompletion(id, PageRange(0, 1), PhysRange{0x1000, 0x2000}, PageWired), Flags: CompletionDone},
		{Data: ObjectInfoCompletion(id, info)},
		{Data: Error(errors.ErrIO), Flags: CompletionDone},
	}
	for _, want := range compls {
		var got CompletionToKernel
		got.UnmarshalBytes(marshal.Marshal(&want))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v mismatch (-want +got):\n%s", want.Data, diff)
		}
	}

	preq := RequestFromPager{Req: CopyUserPhys(id, 0x2000, 0x1000, PhysRange{0x9000, 0xa000}, true)}
	var gotReq RequestFromPager
	gotReq.UnmarshalBytes(marshal.Marshal(&preq))
	if diff := cmp.Diff(preq, gotReq); diff != "" {
		t.Errorf("CopyUserPhys mismatch (-want +got):\n%s", diff)
	}
}

func TestCompletionErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data KernelCompletionData
		want error
	}{
		{"okay", Okay(), nil},
		{"no such object", Error(errors.Newf(errors.CodeNoSuchObject, "object %v", ObjID{})), errors.ErrNoSuchObject},
		{"io", Error(errors.ErrIO), errors.ErrIO},
		{"unclassified", Error(stderrors.New("boom")), errors.New(errors.CodeUnknown, "")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.data.Err()
			if tc.want == nil {
				if err != nil {
					t.Errorf("Err() = %v, want nil", err)
				}
				return
			}
			if !stderrors.Is(err, tc.want) {
				t.Errorf("Err() = %v, want %v", err, tc.want)
			}
		})
	}
	if got := Error(errors.ErrNoSuchObject).Kind; got != ComplNoSuchObject {
		t.Errorf("missing object completes with %v, want %v", got, ComplNoSuchObject)
	}
	if err := PagerCompletion(errors.ErrFault).Err(); !stderrors.Is(err, errors.ErrFault) {
		t.Errorf("PagerCompletion(ErrFault).Err() = %v", err)
	}
}

func TestRanges(t *testing.T) {
	r := ObjectRange{Start: 0, End: 4096}
	if r.PageCount() != 1 || r.FirstPage() != 0 {
		t.Errorf("%v: PageCount %d FirstPage %d", r, r.PageCount(), r.FirstPage())
	}
	r = ObjectRange{Start: 0x1800, End: 0x3001}
	if r.PageCount() != 3 || r.FirstPage() != 1 {
		t.Errorf("%v: PageCount %d FirstPage %d", r, r.PageCount(), r.FirstPage())
	}
	p := PhysRange{Start: 0x10000, End: 0x12000}
	if p.PageCount() != 2 || p.Page(1) != 0x11000 {
		t.Errorf("%v: PageCount %d Page(1) %v", p, p.PageCount(), p.Page(1))
	}

	id := NewObjID()
	parsed, err := ParseObjID(id.String())
	if err != nil || parsed != id {
		t.Errorf("ParseObjID(%q) = %v, %v", id, parsed, err)
	}
	if _, err := ParseObjID("not-an-id"); err == nil {
		t.Errorf("ParseObjID accepted garbage")
	}
}
