// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

// entryStack is a LIFO stack on a circular buffer.
//
// # Description
//
// With a positive limit, pushing onto a full stack overwrites the oldest
// element, giving O(1) capacity enforcement. With limit 0 the buffer grows
// as needed.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type entryStack[T any] struct {
	data  []T
	tail  int // Oldest element position
	count int // Current number of elements
	limit int // Maximum elements, 0 for unbounded
}

func newEntryStack[T any](limit int) *entryStack[T] {
	if limit < 0 {
		limit = 0
	}
	return &entryStack[T]{limit: limit}
}

// push adds item as the newest element.
//
// # Outputs
//
//   - T: The element dropped to make room, if any.
//   - bool: True if an element was dropped.
func (s *entryStack[T]) push(item T) (T, bool) {
	var zero T
	if s.limit > 0 && s.count == s.limit {
		dropped := s.data[s.tail]
		s.data[s.tail] = item
		s.tail = (s.tail + 1) % len(s.data)
		return dropped, true
	}
	if s.count == len(s.data) {
		s.grow()
	}
	s.data[(s.tail+s.count)%len(s.data)] = item
	s.count++
	return zero, false
}

func (s *entryStack[T]) grow() {
	size := max(4, 2*len(s.data))
	if s.limit > 0 {
		size = min(size, s.limit)
	}
	data := make([]T, size)
	copy(data, s.slice())
	s.data = data
	s.tail = 0
}

// pop removes and returns the newest element.
func (s *entryStack[T]) pop() (T, bool) {
	var zero T
	if s.count == 0 {
		return zero, false
	}
	idx := (s.tail + s.count - 1) % len(s.data)
	item := s.data[idx]
	s.data[idx] = zero // Clear reference
	s.count--
	return item, true
}

// peek returns the newest element without removing it.
func (s *entryStack[T]) peek() (T, bool) {
	var zero T
	if s.count == 0 {
		return zero, false
	}
	return s.data[(s.tail+s.count-1)%len(s.data)], true
}

// slice returns all elements from oldest to newest as a copy.
func (s *entryStack[T]) slice() []T {
	out := make([]T, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.data[(s.tail+i)%len(s.data)])
	}
	return out
}

func (s *entryStack[T]) len() int { return s.count }

func (s *entryStack[T]) clear() {
	var zero T
	for i := range s.data {
		s.data[i] = zero
	}
	s.tail = 0
	s.count = 0
}
