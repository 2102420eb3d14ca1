// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package hlc_test

import (
	"context"
	"testing"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/wallclock"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringParseRoundTrip(t *testing.T) {
	g := hlc.New()
	h, err := g.Get()
	require.NoError(t, err)

	parsed, err := hlc.Parse("__ts", h.String())
	require.NoError(t, err)

	assert.Equal(t, h.Wall().UnixMilli(), parsed.Wall().UnixMilli())
	assert.Equal(t, h.Counter(), parsed.Counter())
	assert.Equal(t, h.Node(), parsed.Node())
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"12345",
		"12345:00001",
		"12345:00001:",
		":00001:node",
		"abc:00001:node",
		"12345:xyz:node",
	}
	for _, c := range cases {
		_, err := hlc.Parse("__ts", c)
		require.Error(t, err, c)
		var remote *errors.Remote
		require.ErrorAs(t, err, &remote)
		var kind errors.HeaderInvalid
		assert.IsType(t, kind, remote.Kind)
	}
}

func TestCompareOrdering(t *testing.T) {
	earlier := must(hlc.Parse("t", "000000000001000:00000:node-a"))
	later := must(hlc.Parse("t", "000000000002000:00000:node-a"))
	sameWallHigherCounter := must(hlc.Parse("t", "000000000001000:00001:node-a"))
	sameWallSameCounterOtherNode := must(hlc.Parse("t", "000000000001000:00000:node-b"))

	assert.Negative(t, earlier.Compare(later))
	assert.Positive(t, later.Compare(earlier))
	assert.Negative(t, earlier.Compare(sameWallHigherCounter))
	assert.Negative(t, earlier.Compare(sameWallSameCounterOtherNode))
	assert.Zero(t, earlier.Compare(earlier))
}

func TestUpdateAdvancesWallWhenAheadOfInputs(t *testing.T) {
	orig := wallclock.Instance
	wallclock.Instance = newFakeClock(time.UnixMilli(4000).UTC())
	defer func() { wallclock.Instance = orig }()

	g := hlc.New()
	wallclock.Instance = newFakeClock(time.UnixMilli(5000).UTC())
	first, err := g.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), first.Wall().UnixMilli())
	assert.Zero(t, first.Counter())
}

func TestUpdateBumpsCounterOnSameWall(t *testing.T) {
	local := must(hlc.Parse("t", "000000000005000:00003:node-a"))
	remote := must(hlc.Parse("t", "000000000005000:00007:node-b"))

	fake := newFakeClock(time.UnixMilli(1000).UTC())
	orig := wallclock.Instance
	wallclock.Instance = fake
	defer func() { wallclock.Instance = orig }()

	updated, err := local.Update(remote, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.Wall().UnixMilli())
	assert.Equal(t, uint64(8), updated.Counter())
	assert.Equal(t, "node-a", updated.Node())
}

func TestUpdateRejectsExcessiveDrift(t *testing.T) {
	remote := must(hlc.Parse("t", "000000000100000:00000:node-b"))
	local := hlc.HybridLogicalClock{}

	fake := newFakeClock(time.UnixMilli(1000).UTC())
	orig := wallclock.Instance
	wallclock.Instance = fake
	defer func() { wallclock.Instance = orig }()

	_, err := local.Update(remote, time.Second)
	require.Error(t, err)
	var client *errors.Client
	require.ErrorAs(t, err, &client)
	assert.IsType(t, errors.StateInvalid{}, client.Kind)
}

func must(h hlc.HybridLogicalClock, err error) hlc.HybridLogicalClock {
	if err != nil {
		panic(err)
	}
	return h
}

type fakeClock struct{ t time.Time }

func newFakeClock(t time.Time) fakeClock { return fakeClock{t: t} }

func (f fakeClock) Now() time.Time { return f.t }

func (f fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.t.Add(d)
	return ch
}

func (f fakeClock) NewTimer(d time.Duration) wallclock.Timer { return nil }

func (f fakeClock) WithTimeoutCause(
	parent context.Context,
	timeout time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, timeout, cause)
}
