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

// Package marshal defines the Marshallable interface for fixed-size
// structures that cross a queue or live on disk.
package marshal

// Marshallable represents a type that can be marshalled to and from a fixed
// number of bytes.
type Marshallable interface {
	// SizeBytes is the size of the marshalled form in bytes.
	SizeBytes() int

	// MarshalBytes serializes a copy of the type to dst and returns the
	// remaining part of dst. dst must be at least SizeBytes() long.
	MarshalBytes(dst []byte) []byte

	// UnmarshalBytes deserializes the type from src and returns the
	// remaining part of src. src must be at least SizeBytes() long.
	UnmarshalBytes(src []byte) []byte
}

// Ptr is satisfied by *T when *T is Marshallable. Generic code takes a value
// type T together with its pointer type P.
type Ptr[T any] interface {
	*T
	Marshallable
}

// Marshal returns the marshalled form of m in a new buffer.
func Marshal(m Marshallable) []byte {
	buf := make([]byte, m.SizeBytes())
	m.MarshalBytes(buf)
	return buf
}
