// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol_test

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/protocol"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort asks the kernel for an unused TCP port, then releases it
// immediately so the broker can bind it.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

type greetReq struct{ Name string }
type greetRes struct{ Message string }

// TestInvokeRoundTrip exercises a single successful invoke/execute pair end
// to end over a real broker connection.
func TestInvokeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	var calls int32
	ce, err := protocol.NewCommandExecutor(
		app, stub.Server,
		protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{},
		"rpc/greet",
		func(_ context.Context, req *protocol.CommandRequest[greetReq]) (*protocol.CommandResponse[greetRes], error) {
			atomic.AddInt32(&calls, 1)
			return protocol.Respond(greetRes{Message: "hello " + req.Payload.Name})
		},
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	defer ce.Close()

	ci, err := protocol.NewCommandInvoker[greetReq, greetRes](
		app, stub.Client, protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{}, "rpc/greet",
	)
	require.NoError(t, err)
	defer ci.Close()

	res, err := ci.Invoke(ctx, greetReq{Name: "ada"}, protocol.WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "hello ada", res.Payload.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestExecutorDedupSameCorrelation covers spec.md S3 directly at the wire
// level: two requests sharing a correlation ID (as a retrying caller or a
// redelivered PUBLISH would produce) run the handler exactly once, and both
// requests still receive a response with identical payload.
func TestExecutorDedupSameCorrelation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	var calls int32
	handlerStarted := make(chan struct{})
	releaseHandler := make(chan struct{})

	ce, err := protocol.NewCommandExecutor(
		app, stub.Server,
		protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{},
		"rpc/greet-dedup",
		func(_ context.Context, req *protocol.CommandRequest[greetReq]) (*protocol.CommandResponse[greetRes], error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(handlerStarted)
				<-releaseHandler
			}
			return protocol.Respond(greetRes{Message: "hello " + req.Payload.Name})
		},
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	defer ce.Close()

	const responseTopic = "test/dedup/response"
	responses := make(chan *mqtt.Message, 4)
	stub.Client.RegisterMessageHandler(func(_ context.Context, m *mqtt.Message) {
		if m.Topic == responseTopic {
			responses <- m
		}
	})
	_, err = stub.Client.Subscribe(ctx, responseTopic, mqtt.WithQoS(1))
	require.NoError(t, err)

	payload, err := json.Marshal(greetReq{Name: "grace"})
	require.NoError(t, err)
	correlation := uuid.New()

	publishRequest := func() {
		_, err := stub.Client.Publish(ctx, "rpc/greet-dedup", payload,
			mqtt.WithQoS(1),
			mqtt.WithContentType("application/json"),
			mqtt.WithPayloadFormat(1),
			mqtt.WithMessageExpiry(10),
			mqtt.WithCorrelationData(correlation[:]),
			mqtt.WithResponseTopic(responseTopic),
		)
		require.NoError(t, err)
	}

	publishRequest()
	<-handlerStarted
	publishRequest()
	close(releaseHandler)

	var first, second *mqtt.Message
	select {
	case first = <-responses:
	case <-ctx.Done():
		t.Fatal("timed out waiting for first response")
	}
	select {
	case second = <-responses:
	case <-ctx.Done():
		t.Fatal("timed out waiting for second response")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first.Payload, second.Payload)
	assert.NotEmpty(t, first.Payload)
}

// TestInvokeTimeout covers spec.md S5: an Invoke with no matching executor
// surfaces Timeout carrying the correlation id, and a subsequent
// invocation with a fresh correlation still completes normally once an
// executor is registered.
func TestInvokeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	ci, err := protocol.NewCommandInvoker[greetReq, greetRes](
		app, stub.Client, protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{}, "rpc/greet-timeout",
	)
	require.NoError(t, err)
	defer ci.Close()

	_, err = ci.Invoke(ctx, greetReq{Name: "nobody"}, protocol.WithTimeout(300*time.Millisecond))
	require.Error(t, err)

	var clientErr *errors.Client
	require.ErrorAs(t, err, &clientErr)
	_, isTimeout := clientErr.Kind.(errors.Timeout)
	assert.True(t, isTimeout, "expected errors.Timeout, got %#v", clientErr.Kind)
	assert.NotEmpty(t, clientErr.CorrelationID)

	ce, err := protocol.NewCommandExecutor(
		app, stub.Server,
		protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{},
		"rpc/greet-timeout",
		func(_ context.Context, req *protocol.CommandRequest[greetReq]) (*protocol.CommandResponse[greetRes], error) {
			return protocol.Respond(greetRes{Message: "hello " + req.Payload.Name})
		},
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	defer ce.Close()

	res, err := ci.Invoke(ctx, greetReq{Name: "late"}, protocol.WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "hello late", res.Payload.Message)
}

// TestIdempotentReuseAcrossInvocations covers spec.md S4: an idempotent,
// cacheable command only runs its handler once for repeated invocations
// carrying the same request payload.
func TestIdempotentReuseAcrossInvocations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	var calls int32
	ce, err := protocol.NewCommandExecutor(
		app, stub.Server,
		protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{},
		"rpc/greet-idempotent",
		func(_ context.Context, req *protocol.CommandRequest[greetReq]) (*protocol.CommandResponse[greetRes], error) {
			n := atomic.AddInt32(&calls, 1)
			return protocol.Respond(greetRes{Message: "hello " + req.Payload.Name}, protocol.WithMetadata(map[string]string{
				"call": string(rune('0' + n)),
			}))
		},
		protocol.WithIdempotent(true),
		protocol.WithCacheableDuration(30*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	defer ce.Close()

	ci, err := protocol.NewCommandInvoker[greetReq, greetRes](
		app, stub.Client, protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{}, "rpc/greet-idempotent",
	)
	require.NoError(t, err)
	defer ci.Close()

	res1, err := ci.Invoke(ctx, greetReq{Name: "hopper"}, protocol.WithTimeout(5*time.Second))
	require.NoError(t, err)

	res2, err := ci.Invoke(ctx, greetReq{Name: "hopper"}, protocol.WithTimeout(5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, res1.Payload, res2.Payload)
	assert.Equal(t, res1.Metadata["call"], res2.Metadata["call"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestExecutorApplicationError covers a handler-rejected request surfacing
// as an application error (422) on the invoking side.
func TestExecutorApplicationError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	ce, err := protocol.NewCommandExecutor(
		app, stub.Server,
		protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{},
		"rpc/greet-reject",
		func(_ context.Context, req *protocol.CommandRequest[greetReq]) (*protocol.CommandResponse[greetRes], error) {
			if req.Payload.Name == "" {
				return nil, &errors.Remote{
					Message:       "name is required",
					Kind:          errors.InvocationError{PropertyName: "Name"},
					InApplication: true,
				}
			}
			return protocol.Respond(greetRes{Message: "hello " + req.Payload.Name})
		},
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	defer ce.Close()

	ci, err := protocol.NewCommandInvoker[greetReq, greetRes](
		app, stub.Client, protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{}, "rpc/greet-reject",
	)
	require.NoError(t, err)
	defer ci.Close()

	_, err = ci.Invoke(ctx, greetReq{Name: ""}, protocol.WithTimeout(5*time.Second))
	require.Error(t, err)

	var remoteErr *errors.Remote
	require.ErrorAs(t, err, &remoteErr)
	assert.True(t, remoteErr.InApplication)
	_, isInvocation := remoteErr.Kind.(errors.InvocationError)
	assert.True(t, isInvocation, "expected errors.InvocationError, got %#v", remoteErr.Kind)
}

// TestConcurrencyCap covers spec.md invariant 9: with
// WithConcurrency(k) set, no more than k handler invocations run at once.
func TestConcurrencyCap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	const concurrency = 2
	var inFlight, maxInFlight int32
	release := make(chan struct{})

	ce, err := protocol.NewCommandExecutor(
		app, stub.Server,
		protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{},
		"rpc/greet-bounded",
		func(_ context.Context, req *protocol.CommandRequest[greetReq]) (*protocol.CommandResponse[greetRes], error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
			return protocol.Respond(greetRes{Message: "hello " + req.Payload.Name})
		},
		protocol.WithConcurrency(concurrency),
	)
	require.NoError(t, err)
	require.NoError(t, ce.Start(ctx))
	defer ce.Close()

	ci, err := protocol.NewCommandInvoker[greetReq, greetRes](
		app, stub.Client, protocol.JSON[greetReq]{}, protocol.JSON[greetRes]{}, "rpc/greet-bounded",
	)
	require.NoError(t, err)
	defer ci.Close()

	const callers = 5
	done := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			_, _ = ci.Invoke(ctx, greetReq{Name: "caller"}, protocol.WithTimeout(5*time.Second))
		}(i)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inFlight) == concurrency
	}, 3*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(concurrency))
	close(release)

	for i := 0; i < callers; i++ {
		<-done
	}
}
