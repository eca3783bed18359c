// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

// Package deque provides a double-ended queue type.
package deque

import "slices"

// A Deque is a queue with two ends: the front and the back.
// The zero value is an empty deque.
type Deque[T any] struct {
	slice []T
	start int
	n     int
}

// Len returns the number of elements in the deque.
func (d *Deque[T]) Len() int {
	if d == nil {
		return 0
	}
	return d.n
}

func (d *Deque[T]) index(i int) int {
	i += d.start
	if i >= len(d.slice) {
		i -= len(d.slice)
	}
	return i
}

// Front returns the element at the front of the deque.
// ok is true if and only if the deque is non-empty.
func (d *Deque[T]) Front() (_ T, ok bool) {
	if d == nil || d.n == 0 {
		var zero T
		return zero, false
	}
	return d.slice[d.start], true
}

// PushBack appends the given elements to the back of the deque.
func (d *Deque[T]) PushBack(elems ...T) {
	d.grow(len(elems))
	for _, x := range elems {
		d.slice[d.index(d.n)] = x
		d.n++
	}
}

// PopFront removes and returns the element at the front of the deque.
// ok is true if and only if the deque was non-empty.
func (d *Deque[T]) PopFront() (_ T, ok bool) {
	if d == nil || d.n == 0 {
		var zero T
		return zero, false
	}
	x := d.slice[d.start]
	var zero T
	d.slice[d.start] = zero
	d.start++
	if d.start == len(d.slice) {
		d.start = 0
	}
	d.n--
	if d.n == 0 {
		d.start = 0
	}
	return x, true
}

// grow increases the deque's capacity, if necessary,
// to guarantee space for another n elements.
func (d *Deque[T]) grow(n int) {
	if d.n+n <= len(d.slice) {
		return
	}
	unrolled := make([]T, 0, d.n+n)
	for i := 0; i < d.n; i++ {
		unrolled = append(unrolled, d.slice[d.index(i)])
	}
	unrolled = slices.Grow(unrolled, n)
	d.slice = unrolled[:cap(unrolled)]
	d.start = 0
}
