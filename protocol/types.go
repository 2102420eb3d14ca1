// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"

	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/protocol/hlc"
)

type (
	// MqttClient is the MQTT v5 adapter boundary the runtime consumes. It
	// never implements a client itself.
	MqttClient interface {
		ID() string
		Publish(
			context.Context,
			string,
			[]byte,
			...mqtt.PublishOption,
		) (*mqtt.Ack, error)
		RegisterMessageHandler(mqtt.MessageHandler) func()
		Subscribe(
			context.Context,
			string,
			...mqtt.SubscribeOption,
		) (*mqtt.Ack, error)
		Unsubscribe(
			context.Context,
			string,
			...mqtt.UnsubscribeOption,
		) (*mqtt.Ack, error)
	}

	// Message contains the common data exposed to command handlers and
	// telemetry callbacks.
	Message[T any] struct {
		// Payload is the deserialized message payload.
		Payload T

		// ClientID is the id of the calling/sending MQTT client.
		ClientID string

		// CorrelationData identifies a single unique request.
		CorrelationData string

		// Timestamp is the HLC-encoded send time, if present.
		Timestamp hlc.HybridLogicalClock

		// TopicTokens holds every token resolved from the incoming topic.
		TopicTokens map[string]string

		// Metadata holds any user-provided, non-reserved metadata values.
		Metadata map[string]string

		// Data is the raw encoded payload.
		*Data
	}

	// Option represents any of the per-call option types, filtered and
	// applied by the relevant Options.Apply method.
	Option interface{ option() }
)
