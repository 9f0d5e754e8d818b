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

package pagerctx

import (
	"objmem.dev/objmem/pkg/abi/pager"
	"objmem.dev/objmem/pkg/queue"
)

// KernelQueue carries kernel commands to the pager and the pager's
// completions back.
type KernelQueue = queue.Typed[pager.RequestFromKernel, pager.CompletionToKernel, *pager.RequestFromKernel, *pager.CompletionToKernel]

// PagerQueue carries pager requests to the kernel and the kernel's
// completions back.
type PagerQueue = queue.Typed[pager.RequestFromPager, pager.CompletionToPager, *pager.RequestFromPager, *pager.CompletionToPager]

// NewKernelQueue returns a kernel-to-pager queue of the given depth.
func NewKernelQueue(depth int) *KernelQueue {
	return queue.NewTyped[pager.RequestFromKernel, pager.CompletionToKernel, *pager.RequestFromKernel, *pager.CompletionToKernel]("kernel-to-pager", depth)
}

// NewPagerQueue returns a pager-to-kernel queue of the given depth.
func NewPagerQueue(depth int) *PagerQueue {
	return queue.NewTyped[pager.RequestFromPager, pager.CompletionToPager, *pager.RequestFromPager, *pager.CompletionToPager]("pager-to-kernel", depth)
}

// WrapKernelQueue returns the kernel-to-pager view of q.
func WrapKernelQueue(q *queue.Queue) (*KernelQueue, error) {
	return queue.Wrap[pager.RequestFromKernel, pager.CompletionToKernel, *pager.RequestFromKernel, *pager.CompletionToKernel](q)
}

// WrapPagerQueue returns the pager-to-kernel view of q.
func WrapPagerQueue(q *queue.Queue) (*PagerQueue, error) {
	return queue.Wrap[pager.RequestFromPager, pager.CompletionToPager, *pager.RequestFromPager, *pager.CompletionToPager](q)
}
