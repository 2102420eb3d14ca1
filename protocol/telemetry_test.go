// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol_test

import (
	"context"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aio-protocol/rpcruntime/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusEvent struct{ Invocations int }

// TestTelemetryRoundTrip exercises a send/receive pair over a real broker
// connection, including the default CloudEvents metadata attachment.
func TestTelemetryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	received := make(chan *protocol.TelemetryMessage[statusEvent], 1)
	tr, err := protocol.NewTelemetryReceiver(
		app, stub.Server, protocol.JSON[statusEvent]{}, "telemetry/status",
		func(_ context.Context, msg *protocol.TelemetryMessage[statusEvent]) error {
			received <- msg
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	ts, err := protocol.NewTelemetrySender[statusEvent](
		app, stub.Client, protocol.JSON[statusEvent]{}, "telemetry/status",
	)
	require.NoError(t, err)

	source, err := url.Parse("aio://samples/greeter")
	require.NoError(t, err)

	err = ts.Send(ctx, statusEvent{Invocations: 3}, protocol.WithCloudEvent(&protocol.CloudEvent{
		Source: source,
	}))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, 3, msg.Payload.Invocations)
		ce, err := protocol.CloudEventFromTelemetry(msg)
		require.NoError(t, err)
		assert.Equal(t, "aio://samples/greeter", ce.Source.String())
		assert.Equal(t, protocol.DefaultCloudEventSpecVersion, ce.SpecVersion)
	case <-ctx.Done():
		t.Fatal("timed out waiting for telemetry")
	}
}

// TestTelemetryManualAck covers the manual-ack option: the handler must
// explicitly ack before the broker considers the QoS 1 message delivered.
func TestTelemetryManualAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stub := setupMqtt(ctx, t, freePort(t))
	app, err := protocol.NewApplication()
	require.NoError(t, err)

	var acked int32
	tr, err := protocol.NewTelemetryReceiver(
		app, stub.Server, protocol.JSON[statusEvent]{}, "telemetry/manual",
		func(_ context.Context, msg *protocol.TelemetryMessage[statusEvent]) error {
			require.NotNil(t, msg.Ack)
			msg.Ack()
			atomic.AddInt32(&acked, 1)
			return nil
		},
		protocol.WithManualAck(true),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	ts, err := protocol.NewTelemetrySender[statusEvent](
		app, stub.Client, protocol.JSON[statusEvent]{}, "telemetry/manual",
	)
	require.NoError(t, err)

	require.NoError(t, ts.Send(ctx, statusEvent{Invocations: 1}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&acked) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
