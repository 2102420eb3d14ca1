// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package mqtt defines the boundary types the protocol runtime uses to talk
// to an MQTT v5 client. The runtime never implements a client itself; it
// consumes whatever satisfies protocol.MqttClient, built from these types.
package mqtt

import "context"

type (
	// Message represents a received or outgoing MQTT PUBLISH.
	Message struct {
		Topic   string
		Payload []byte
		PublishOptions

		// Ack manually acknowledges the message. All handled messages must be
		// acked (QoS 0 messages make this a no-op). Ack is idempotent.
		Ack func() error
	}

	// MessageHandler is a user-defined callback used to handle messages
	// received on a subscribed topic filter.
	MessageHandler = func(context.Context, *Message)

	// Ack contains values from a PUBACK/SUBACK/UNSUBACK packet.
	Ack struct {
		ReasonCode     byte
		ReasonString   string
		UserProperties map[string]string
	}
)

// SuccessReasonCode is the upper bound (exclusive) of a successful MQTT v5
// reason code; anything at or above this value indicates failure.
const SuccessReasonCode = 0x80
