// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package hlc implements a Hybrid Logical Clock: a (wall, counter, node)
// triple with a merge rule that provides monotonic, causally-consistent
// timestamps across a distributed system without relying on synchronized
// clocks.
package hlc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/options"
	"github.com/aio-protocol/rpcruntime/internal/wallclock"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/google/uuid"
)

type (
	// HybridLogicalClock is an immutable (wall, counter, node) value.
	HybridLogicalClock struct {
		wall    time.Time
		counter uint64
		node    string
	}

	// Global provides a single shared, mutex-guarded HLC instance. Only one
	// should be created per application/process.
	Global struct {
		mu  sync.Mutex
		hlc HybridLogicalClock
		opt Options
	}

	// Option represents a single HLC option.
	Option interface{ hlc(*Options) }

	// Options are the resolved HLC options.
	Options struct {
		MaxClockDrift time.Duration
	}

	// WithMaxClockDrift specifies how far an HLC's wall component may drift
	// ahead of the local wall clock before Update fails.
	WithMaxClockDrift time.Duration
)

// DefaultMaxClockDrift is applied when no WithMaxClockDrift option is given.
const DefaultMaxClockDrift = time.Minute

// New creates a new shared HLC instance, seeded with a fresh node id and the
// current wall time.
func New(opt ...Option) *Global {
	var o Options
	o.Apply(opt)
	if o.MaxClockDrift == 0 {
		o.MaxClockDrift = DefaultMaxClockDrift
	}

	return &Global{
		hlc: HybridLogicalClock{
			wall: now(),
			node: uuid.Must(uuid.NewV7()).String(),
		},
		opt: o,
	}
}

// Get advances the shared HLC to reflect the current wall time and returns
// the result ("now" without merging any remote value).
func (g *Global) Get() (HybridLogicalClock, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	updated, err := g.hlc.Update(HybridLogicalClock{node: g.hlc.node}, g.opt.MaxClockDrift)
	if err != nil {
		return HybridLogicalClock{}, err
	}
	g.hlc = updated
	return g.hlc, nil
}

// Set merges the shared HLC with a remote value, guarding the merge so
// concurrent callers serialize.
func (g *Global) Set(remote HybridLogicalClock) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	updated, err := g.hlc.Update(remote, g.opt.MaxClockDrift)
	if err != nil {
		return err
	}
	g.hlc = updated
	return nil
}

// Node returns the node identifier this clock tags its timestamps with.
func (hlc HybridLogicalClock) Node() string { return hlc.node }

// Wall returns the physical clock component, in UTC.
func (hlc HybridLogicalClock) Wall() time.Time { return hlc.wall }

// Counter returns the logical counter component.
func (hlc HybridLogicalClock) Counter() uint64 { return hlc.counter }

// IsZero reports whether hlc is the zero value.
func (hlc HybridLogicalClock) IsZero() bool { return hlc.wall.IsZero() }

// Compare orders two HLC values lexicographically on (wall, counter, node).
func (hlc HybridLogicalClock) Compare(other HybridLogicalClock) int {
	if !hlc.wall.Equal(other.wall) {
		return hlc.wall.Compare(other.wall)
	}
	switch {
	case hlc.counter > other.counter:
		return 1
	case hlc.counter < other.counter:
		return -1
	default:
		return strings.Compare(hlc.node, other.node)
	}
}

// Update merges hlc with other per spec: new_wall is the max of both inputs
// and the current wall clock, and new_counter follows the tie-breaking rule
// over which input(s) produced new_wall. It fails with StateInvalid if either
// input's wall is more than maxDrift ahead of now. A clock never merges with
// itself: when a non-zero other shares this clock's node id, hlc is returned
// unchanged.
func (hlc HybridLogicalClock) Update(
	other HybridLogicalClock,
	maxDrift time.Duration,
) (HybridLogicalClock, error) {
	if other.node == hlc.node && !other.IsZero() {
		return hlc, nil
	}

	if maxDrift == 0 {
		maxDrift = DefaultMaxClockDrift
	}

	wall := now()

	if err := validateDrift(hlc.wall, wall, maxDrift, "local"); err != nil {
		return HybridLogicalClock{}, err
	}
	if err := validateDrift(other.wall, wall, maxDrift, "remote"); err != nil {
		return HybridLogicalClock{}, err
	}
	if hlc.counter == math.MaxUint64 || other.counter == math.MaxUint64 {
		return HybridLogicalClock{}, &errors.Client{
			Message: "integer overflow in HLC counter",
			Kind:    errors.InternalLogicError{PropertyName: "Counter"},
		}
	}

	maxInputWall := hlc.wall
	if other.wall.After(maxInputWall) {
		maxInputWall = other.wall
	}

	updated := HybridLogicalClock{node: hlc.node}

	switch {
	case wall.After(maxInputWall):
		updated.wall = wall
		updated.counter = 0

	case hlc.wall.Equal(other.wall):
		updated.wall = maxInputWall
		updated.counter = max(hlc.counter, other.counter) + 1

	case hlc.wall.Equal(maxInputWall):
		updated.wall = maxInputWall
		updated.counter = hlc.counter + 1

	default:
		updated.wall = maxInputWall
		updated.counter = other.counter + 1
	}

	return updated, nil
}

func validateDrift(wall, now time.Time, maxDrift time.Duration, which string) error {
	if wall.IsZero() {
		return nil
	}
	if wall.Sub(now) > maxDrift {
		return &errors.Client{
			Message: fmt.Sprintf("%s clock drift exceeds maximum", which),
			Kind:    errors.StateInvalid{PropertyName: "MaxClockDrift"},
		}
	}
	return nil
}

// String returns the fixed-width, lexicographically sortable wire encoding
// "<15-digit-ms-since-epoch>:<5-digit-counter>:<node-id>".
func (hlc HybridLogicalClock) String() string {
	return fmt.Sprintf("%015d:%05d:%s", hlc.wall.UnixMilli(), hlc.counter, hlc.node)
}

// Parse decodes the wire encoding produced by String. name identifies the
// header/property the value came from, for error reporting.
func Parse(name, value string) (HybridLogicalClock, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return HybridLogicalClock{}, &errors.Remote{
			Message: "HLC must contain three non-empty segments separated by ':'",
			Kind:    errors.HeaderInvalid{HeaderName: name, HeaderValue: value},
		}
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HybridLogicalClock{}, &errors.Remote{
			Message: "HLC wall-clock segment is not a valid integer",
			Kind:    errors.HeaderInvalid{HeaderName: name, HeaderValue: value},
		}
	}

	counter, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return HybridLogicalClock{}, &errors.Remote{
			Message: "HLC counter segment is not a valid integer",
			Kind:    errors.HeaderInvalid{HeaderName: name, HeaderValue: value},
		}
	}

	return HybridLogicalClock{
		wall:    time.UnixMilli(ms).UTC(),
		counter: counter,
		node:    parts[2],
	}, nil
}

func now() time.Time {
	return wallclock.Instance.Now().UTC().Truncate(time.Millisecond)
}

// Apply resolves the provided list of options.
func (o *Options) Apply(opts []Option) {
	for opt := range options.Apply[Option](opts) {
		opt.hlc(o)
	}
}

func (o WithMaxClockDrift) hlc(opt *Options) { opt.MaxClockDrift = time.Duration(o) }
