// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal"
	"github.com/aio-protocol/rpcruntime/protocol/internal/constants"
	"github.com/aio-protocol/rpcruntime/protocol/internal/errutil"
	"github.com/aio-protocol/rpcruntime/protocol/topic"
	"github.com/google/uuid"
)

// DefaultTimeout is the timeout applied to Invoke or Send if none is
// specified.
const DefaultTimeout = 10 * time.Second

// publisher holds the state shared by every MQTT publisher (command
// invoker requests, command executor responses, telemetry sends).
type publisher[T any] struct {
	app      *Application
	client   MqttClient
	encoding Encoding[T]
	pattern  string
	resident map[string]string
	log      log.Logger
	version  string
}

func (p *publisher[T]) build(
	msg *Message[T],
	topicTokens map[string]string,
	timeout *internal.Timeout,
) (string, *mqtt.Message, error) {
	var pubTopic string
	if p.pattern != "" {
		var err error
		pubTopic, err = topic.ResolveTopic(p.pattern, p.resident, topicTokens)
		if err != nil {
			return "", nil, err
		}
		if !topic.IsResolved(pubTopic) {
			return "", nil, &errors.Client{
				Message: "topic pattern has unresolved tokens",
				Kind: errors.ArgumentInvalid{
					PropertyName:  "TopicTokens",
					PropertyValue: pubTopic,
				},
				Shallow: true,
			}
		}
	}

	pub := &mqtt.Message{
		PublishOptions: mqtt.PublishOptions{
			QoS:           1,
			MessageExpiry: timeout.MessageExpiry(),
			UserProperties: map[string]string{},
		},
	}

	if msg != nil {
		data, err := serialize(p.encoding, msg.Payload)
		if err != nil {
			return "", nil, err
		}

		pub.Payload = data.Payload
		pub.ContentType = data.ContentType
		pub.PayloadFormat = data.PayloadFormat

		if msg.CorrelationData != "" {
			correlationData, err := uuid.Parse(msg.CorrelationData)
			if err != nil {
				return "", nil, &errors.Remote{
					Message: "correlation data is not a valid UUID",
					Kind:    errors.InternalLogicError{PropertyName: constants.CorrelationData},
				}
			}
			pub.CorrelationData = correlationData[:]
		}

		if msg.Metadata != nil {
			for k, v := range msg.Metadata {
				pub.UserProperties[k] = v
			}
		}
	}

	ts, err := p.app.GetHLC()
	if err != nil {
		return "", nil, err
	}
	pub.UserProperties[constants.SourceID] = p.client.ID()
	pub.UserProperties[constants.Timestamp] = ts.String()
	pub.UserProperties[constants.ProtocolVersion] = p.version

	return pubTopic, pub, nil
}

func (p *publisher[T]) publish(
	ctx context.Context,
	pubTopic string,
	msg *mqtt.Message,
) error {
	ack, err := p.client.Publish(
		ctx,
		pubTopic,
		msg.Payload,
		mqtt.WithQoS(msg.QoS),
		mqtt.WithContentType(msg.ContentType),
		mqtt.WithPayloadFormat(msg.PayloadFormat),
		mqtt.WithMessageExpiry(msg.MessageExpiry),
		mqtt.WithCorrelationData(msg.CorrelationData),
		mqtt.WithResponseTopic(msg.ResponseTopic),
		mqtt.WithRetain(msg.Retain),
		mqtt.WithUserProperties(msg.UserProperties),
	)
	return errutil.Mqtt(ctx, "publish", ack, err)
}
