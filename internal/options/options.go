// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package options provides the shared iterator used to flatten and resolve
// functional-option slices across the runtime's constructors.
package options

import "iter"

// Apply filters and yields every option in opts and rest (in order) that
// implements type O, so callers can resolve a typed option set from a mixed
// slice of the broader Option interface.
func Apply[O any, T any](opts []T, rest ...T) iter.Seq[O] {
	return func(yield func(O) bool) {
		for _, o := range opts {
			if t, ok := any(o).(O); ok {
				if !yield(t) {
					return
				}
			}
		}
		for _, o := range rest {
			if t, ok := any(o).(O); ok {
				if !yield(t) {
					return
				}
			}
		}
	}
}
