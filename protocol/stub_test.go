// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aio-protocol/rpcruntime/internal/mqttclient"
	"github.com/aio-protocol/rpcruntime/protocol"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// mqttStub pairs two real MQTT v5 clients (backed by paho.golang) connected
// to an in-process mochi-mqtt broker, for integration-style tests that
// exercise the invoker/executor and sender/receiver pairs end-to-end over a
// loopback TCP connection.
type mqttStub struct {
	Client protocol.MqttClient
	Server protocol.MqttClient
	Broker *mochi.Server
}

func setupMqtt(ctx context.Context, t *testing.T, port int) *mqttStub {
	t.Helper()

	addr := fmt.Sprintf(":%d", port)
	broker := mochi.New(nil)

	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })

	client, err := mqttclient.Dial(ctx, fmt.Sprintf("localhost%s", addr), "client")
	require.NoError(t, err)

	server, err := mqttclient.Dial(ctx, fmt.Sprintf("localhost%s", addr), "server")
	require.NoError(t, err)

	return &mqttStub{client, server, broker}
}
