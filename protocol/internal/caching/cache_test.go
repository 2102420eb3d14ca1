// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package caching_test

import (
	"context"
	"testing"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/wallclock"
	"github.com/aio-protocol/rpcruntime/protocol/internal/caching"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupWithinTTL(t *testing.T) {
	c := caching.New()
	c.Start()
	defer c.Stop()

	payload := []byte(`{"x":1}`)

	fut1, err := c.Retrieve("cmd", "inv", "corr-1", payload, false, false)
	require.NoError(t, err)
	assert.Nil(t, fut1)

	fut2, err := c.Retrieve("cmd", "inv", "corr-1", payload, false, false)
	require.NoError(t, err)
	require.NotNil(t, fut2)

	now := time.Now().UTC()
	err = c.Store(
		"cmd", "inv", "corr-1", payload,
		caching.Response{Payload: []byte("result")},
		false, now.Add(time.Hour), now.Add(2*time.Hour), 5*time.Millisecond,
	)
	require.NoError(t, err)

	resp := fut2.Wait()
	assert.Equal(t, []byte("result"), resp.Payload)

	fut3, err := c.Retrieve("cmd", "inv", "corr-1", payload, false, false)
	require.NoError(t, err)
	require.NotNil(t, fut3)
	assert.Equal(t, []byte("result"), fut3.Wait().Payload)
}

func TestIdempotentReuseAcrossCorrelations(t *testing.T) {
	c := caching.New()
	c.Start()
	defer c.Stop()

	payload := []byte(`{"x":1}`)
	now := time.Now().UTC()

	_, err := c.Retrieve("cmd", "inv", "corr-a", payload, true, false)
	require.NoError(t, err)
	err = c.Store(
		"cmd", "inv", "corr-a", payload,
		caching.Response{Payload: []byte("shared-result")},
		true, now.Add(30*time.Second), now.Add(time.Hour), time.Millisecond,
	)
	require.NoError(t, err)

	fut, err := c.Retrieve("cmd", "inv", "corr-b", payload, true, false)
	require.NoError(t, err)
	require.NotNil(t, fut)
	assert.Equal(t, []byte("shared-result"), fut.Wait().Payload)
}

func TestStoreOnUnstartedCacheFails(t *testing.T) {
	c := caching.New()
	now := time.Now().UTC()
	err := c.Store(
		"cmd", "inv", "corr", []byte("p"),
		caching.Response{Payload: []byte("r")},
		false, now.Add(time.Minute), now.Add(time.Minute), 0,
	)
	require.Error(t, err)
}

func TestDoubleStoreFails(t *testing.T) {
	c := caching.New()
	c.Start()
	defer c.Stop()

	now := time.Now().UTC()
	payload := []byte("p")
	_, err := c.Retrieve("cmd", "inv", "corr", payload, false, false)
	require.NoError(t, err)
	require.NoError(t, c.Store(
		"cmd", "inv", "corr", payload,
		caching.Response{Payload: []byte("r")},
		false, now.Add(time.Minute), now.Add(time.Minute), 0,
	))

	err = c.Store(
		"cmd", "inv", "corr", payload,
		caching.Response{Payload: []byte("r2")},
		false, now.Add(time.Minute), now.Add(time.Minute), 0,
	)
	assert.Error(t, err)
}

func TestEvictionPrefersLowestBenefit(t *testing.T) {
	c := caching.New(
		caching.WithMaxEntryCount(1),
		caching.WithBenefitFunc(func(payloadBytes, requestBytes int, exec time.Duration) float64 {
			return float64(payloadBytes)
		}),
	)
	c.Start()
	defer c.Stop()

	now := time.Now().UTC()

	_, err := c.Retrieve("cmd", "inv", "corr-1", []byte("a"), false, false)
	require.NoError(t, err)
	require.NoError(t, c.Store(
		"cmd", "inv", "corr-1", []byte("a"),
		caching.Response{Payload: make([]byte, 10)},
		false, now.Add(-time.Second), now.Add(time.Hour), 0,
	))

	_, err = c.Retrieve("cmd", "inv", "corr-2", []byte("b"), false, false)
	require.NoError(t, err)
	require.NoError(t, c.Store(
		"cmd", "inv", "corr-2", []byte("b"),
		caching.Response{Payload: make([]byte, 1)},
		false, now.Add(-time.Second), now.Add(time.Hour), 0,
	))

	// Both entries are expired but not yet stale, so both are eviction
	// candidates. Storing corr-2 exceeds the one-entry bound; corr-2 (benefit
	// 1) is the lowest-benefit candidate, so the new entry itself is evicted
	// and corr-1 (benefit 10) survives.
	fut1, err := c.Retrieve("cmd", "inv", "corr-1", []byte("a"), false, false)
	require.NoError(t, err)
	require.NotNil(t, fut1)
}

func TestStaleEntryStopsReuseForDifferentCorrelation(t *testing.T) {
	orig := wallclock.Instance
	defer func() { wallclock.Instance = orig }()

	c := caching.New()
	c.Start()
	defer c.Stop()

	payload := []byte("p")
	base := time.Now().UTC()
	wallclock.Instance = fixedClock{base}

	_, err := c.Retrieve("cmd", "inv", "corr-1", payload, true, false)
	require.NoError(t, err)
	require.NoError(t, c.Store(
		"cmd", "inv", "corr-1", payload,
		caching.Response{Payload: []byte("r")},
		true, base.Add(time.Hour), base.Add(time.Minute), 0,
	))

	wallclock.Instance = fixedClock{base.Add(2 * time.Minute)}

	fut, err := c.Retrieve("cmd", "inv", "corr-different", payload, true, false)
	require.NoError(t, err)
	assert.Nil(t, fut)
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }
func (f fixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.t.Add(d)
	return ch
}
func (f fixedClock) NewTimer(d time.Duration) wallclock.Timer { return noopTimer{} }
func (f fixedClock) WithTimeoutCause(
	parent context.Context,
	timeout time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, timeout, cause)
}

type noopTimer struct{}

func (noopTimer) C() <-chan time.Time        { return make(chan time.Time) }
func (noopTimer) Reset(d time.Duration) bool { return true }
func (noopTimer) Stop() bool                 { return true }
