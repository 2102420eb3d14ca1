// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package caching implements the command response cache: a bounded,
// cost/benefit-ranked store that deduplicates in-flight requests sharing a
// correlation, optionally reuses a response across correlations for
// idempotent commands, and evicts by ascending caching benefit once its
// size bounds are exceeded.
package caching

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/wallclock"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal/container"
)

type (
	// Response is a resolved cache result: either a response payload (with
	// its wire content type and payload format), or an error the original
	// handler invocation produced.
	Response struct {
		Payload       []byte
		ContentType   string
		PayloadFormat byte
		Metadata      map[string]string
		Err           error
	}

	// Future resolves to a Response once the first arrival's Store call
	// completes. Multiple Retrieve calls racing for the same key all
	// observe the same Future and the same eventual Response.
	Future struct {
		done chan struct{}
		resp Response
	}

	dedupKey struct {
		command     string
		invoker     string
		correlation string
		payload     [32]byte
	}

	reuseKey struct {
		command string
		invoker string // the storing invoker; Store never writes "", so Retrieve's any-invoker lookup finds nothing
		payload [32]byte
	}

	entry struct {
		future       *Future
		dedup        dedupKey
		reuse        reuseKey
		hasReuse     bool
		isIdempotent bool
		resolved     bool
		start        time.Time
		expiresAt    time.Time
		staleAt      time.Time
		size         int
		benefit      float64
	}

	// Cache is the bounded command response cache. The zero value is not
	// usable; construct with New.
	Cache struct {
		mu      sync.Mutex
		started bool
		stopCh  chan struct{}

		maxEntryCount            int
		maxAggregatePayloadBytes int
		expirationPoll           time.Duration

		benefit func(payloadBytes, requestBytes int, execDuration time.Duration) float64

		dedupIndex map[dedupKey]*entry
		reuseIndex map[reuseKey]*entry
		timeStore  container.PriorityMap[dedupKey, *entry, int64]
		costStore  container.PriorityMap[dedupKey, *entry, float64]

		bytes int
	}

	// Option configures a Cache at construction.
	Option interface{ cache(*Cache) }

	// WithMaxEntryCount overrides the default maximum entry count.
	WithMaxEntryCount int

	// WithMaxAggregatePayloadBytes overrides the default maximum aggregate
	// payload byte count.
	WithMaxAggregatePayloadBytes int

	// WithExpirationPoll overrides the default expirer poll interval.
	WithExpirationPoll time.Duration

	// WithBenefitFunc overrides the default caching-benefit formula; used by
	// tests to make eviction order deterministic.
	WithBenefitFunc func(payloadBytes, requestBytes int, execDuration time.Duration) float64
)

// Defaults for the cost-weighted-benefit formula and bounds, as observed on
// the wire in the reference implementation's cache sizing.
const (
	FixedProcessingOverheadMs = 10
	FixedStorageOverheadBytes = 100
	DefaultMaxEntryCount      = 10000
	DefaultMaxAggregateBytes  = 10000000
	DefaultExpirationPoll     = time.Second
)

// New creates a Cache. It must be started with Start before Store succeeds.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxEntryCount:            DefaultMaxEntryCount,
		maxAggregatePayloadBytes: DefaultMaxAggregateBytes,
		expirationPoll:           DefaultExpirationPoll,
		benefit:                  defaultBenefit,
		dedupIndex:               map[dedupKey]*entry{},
		reuseIndex:               map[reuseKey]*entry{},
		timeStore:                container.NewPriorityMap[dedupKey, *entry, int64](),
		costStore:                container.NewPriorityMap[dedupKey, *entry, float64](),
	}
	for _, o := range opts {
		o.cache(c)
	}
	return c
}

func (o WithMaxEntryCount) cache(c *Cache)            { c.maxEntryCount = int(o) }
func (o WithMaxAggregatePayloadBytes) cache(c *Cache) { c.maxAggregatePayloadBytes = int(o) }
func (o WithExpirationPoll) cache(c *Cache)            { c.expirationPoll = time.Duration(o) }
func (o WithBenefitFunc) cache(c *Cache)              { c.benefit = o }

func defaultBenefit(payloadBytes, _ int, execDuration time.Duration) float64 {
	executionBypassBenefit := float64(FixedProcessingOverheadMs + execDuration.Milliseconds())
	storageCost := float64(FixedStorageOverheadBytes + payloadBytes)
	return executionBypassBenefit / storageCost
}

// HashPayload produces the payload-equality key Retrieve/Store use to
// identify identical request bodies without retaining them wholesale.
func HashPayload(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// Start spins up the background expirer. Calling Start on an already
// started cache is a no-op.
func (c *Cache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	go c.expireLoop(c.stopCh)
}

// Stop halts the expirer and drops all entries.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	close(c.stopCh)
	c.started = false
	c.dedupIndex = map[dedupKey]*entry{}
	c.reuseIndex = map[reuseKey]*entry{}
	c.timeStore = container.NewPriorityMap[dedupKey, *entry, int64]()
	c.costStore = container.NewPriorityMap[dedupKey, *entry, float64]()
	c.bytes = 0
}

// Retrieve looks up an existing or in-flight response for this request. A
// nil Future with a nil error means the caller is the first arrival and
// must call Store once it has computed the response. A non-nil Future
// means either a dedup or a cacheable-reuse hit.
func (c *Cache) Retrieve(
	command, invoker, correlation string,
	requestPayload []byte,
	isCacheable, canReuseAcrossInvokers bool,
) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := wallclock.Instance.Now().UTC()
	hash := HashPayload(requestPayload)
	dk := dedupKey{command, invoker, correlation, hash}

	if e, ok := c.dedupIndex[dk]; ok {
		if !e.resolved || !now.After(e.staleAt) {
			return e.future, nil
		}
		// Overly stale: drop it so this caller becomes the first arrival.
		c.removeLocked(dk, e)
	}

	if isCacheable {
		rk := reuseKey{command, invoker, hash}
		if e, ok := c.reuseIndex[rk]; ok && reusable(e, now) {
			return e.future, nil
		}
		if canReuseAcrossInvokers {
			rkAny := reuseKey{command, "", hash}
			if e, ok := c.reuseIndex[rkAny]; ok && reusable(e, now) {
				return e.future, nil
			}
		}
	}

	e := &entry{
		future: &Future{done: make(chan struct{})},
		dedup:  dk,
		start:  now,
	}
	c.dedupIndex[dk] = e
	c.timeStore.Set(dk, e, now.Add(time.Hour).UnixNano())
	return nil, nil
}

// Store completes the pending Future a matching Retrieve created, installs
// the resolved entry, and applies eviction.
func (c *Cache) Store(
	command, invoker, correlation string,
	requestPayload []byte,
	response Response,
	isIdempotent bool,
	expiresAt, staleAt time.Time,
	executionDuration time.Duration,
) error {
	c.mu.Lock()

	if !c.started {
		c.mu.Unlock()
		return &errors.Client{
			Message: "cache is not started",
			Kind:    errors.StateInvalid{PropertyName: "Cache"},
		}
	}

	hash := HashPayload(requestPayload)
	dk := dedupKey{command, invoker, correlation, hash}

	e, ok := c.dedupIndex[dk]
	if !ok {
		e = &entry{future: &Future{done: make(chan struct{})}, dedup: dk}
		c.dedupIndex[dk] = e
	} else if e.resolved {
		c.mu.Unlock()
		return &errors.Client{
			Message: "duplicate store for the same cache key",
			Kind:    errors.StateInvalid{PropertyName: "Correlation"},
		}
	}

	now := wallclock.Instance.Now().UTC()

	if staleAt.Before(now) && !staleAt.IsZero() && !expiresAt.After(now) {
		c.removeLocked(dk, e)
		e.resolved = true
		c.mu.Unlock()
		e.future.resolve(response)
		return nil
	}

	e.resolved = true
	e.expiresAt = expiresAt
	e.staleAt = staleAt
	e.isIdempotent = isIdempotent
	e.size = len(response.Payload)
	e.benefit = c.benefit(len(response.Payload), len(requestPayload), executionDuration)
	c.bytes += e.size

	c.timeStore.Set(dk, e, expiresAt.UnixNano())
	c.costStore.Set(dk, e, e.benefit)

	if isIdempotent && response.Err == nil {
		rk := reuseKey{command, invoker, hash}
		e.reuse = rk
		e.hasReuse = true
		c.reuseIndex[rk] = e
	}

	c.evictLocked(now, dk, e)

	c.mu.Unlock()
	e.future.resolve(response)
	return nil
}

// evictLocked applies the eviction policy after a Store. c.mu must be held.
func (c *Cache) evictLocked(now time.Time, newKey dedupKey, newEntry *entry) {
	for len(c.dedupIndex) > c.maxEntryCount || c.bytes > c.maxAggregatePayloadBytes {
		victimKey, victim, ok := c.lowestBenefitEvictable(now)
		if !ok {
			return
		}
		if victim == newEntry {
			c.removeLocked(newKey, newEntry)
			return
		}
		if victim.benefit >= newEntry.benefit {
			c.removeLocked(newKey, newEntry)
			return
		}
		c.removeLocked(victimKey, victim)
	}
}

func (c *Cache) lowestBenefitEvictable(now time.Time) (dedupKey, *entry, bool) {
	var (
		bestKey  dedupKey
		best     *entry
		hasBest  bool
	)
	for k, e := range c.dedupIndex {
		if !c.evictable(e, now) {
			continue
		}
		if !hasBest || e.benefit < best.benefit {
			bestKey, best, hasBest = k, e, true
		}
	}
	return bestKey, best, hasBest
}

// reusable reports whether e may still satisfy a reuse-path Retrieve: the
// entry must be unexpired and not past its staleness point (S6).
func reusable(e *entry, now time.Time) bool {
	return now.Before(e.expiresAt) && (e.staleAt.IsZero() || now.Before(e.staleAt))
}

func (c *Cache) evictable(e *entry, now time.Time) bool {
	if !e.resolved {
		return false
	}
	unexpiredNotStale := now.Before(e.expiresAt) && (e.staleAt.IsZero() || now.Before(e.staleAt))
	return !unexpiredNotStale
}

func (c *Cache) removeLocked(dk dedupKey, e *entry) {
	delete(c.dedupIndex, dk)
	c.timeStore.Delete(dk)
	c.costStore.Delete(dk)
	if e.hasReuse {
		delete(c.reuseIndex, e.reuse)
	}
	c.bytes -= e.size
}

func (c *Cache) expireLoop(stop chan struct{}) {
	ticker := wallclock.Instance.NewTimer(c.expirationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			c.expireOnce()
			ticker.Reset(c.expirationPoll)
		}
	}
}

func (c *Cache) expireOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := wallclock.Instance.Now().UTC()
	for {
		dk, e, ok := c.timeStore.Next()
		// A pending entry has no expiry yet and is never removed here.
		if !ok || !e.resolved || now.Before(e.expiresAt) {
			return
		}
		if e.resolved && !e.staleAt.IsZero() && now.Before(e.staleAt) {
			// Still retrievable for dedup; leave it, but drop its reuse
			// eligibility since it's expired for reuse purposes.
			if e.hasReuse {
				delete(c.reuseIndex, e.reuse)
				e.hasReuse = false
			}
			c.timeStore.Set(dk, e, e.staleAt.UnixNano())
			continue
		}
		c.removeLocked(dk, e)
	}
}

// Wait blocks until f resolves, returning the resolved Response. It does not
// observe any context; use Done in a select to wait with cancellation.
func (f *Future) Wait() Response {
	<-f.done
	return f.resp
}

// Done returns a channel closed once the Future resolves, for use in
// select statements alongside a context's Done channel.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the Future has already resolved, and its
// Response if so.
func (f *Future) Resolved() (Response, bool) {
	select {
	case <-f.done:
		return f.resp, true
	default:
		return Response{}, false
	}
}

func (f *Future) resolve(resp Response) {
	f.resp = resp
	close(f.done)
}
