// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/hlc"
	"github.com/aio-protocol/rpcruntime/protocol/internal"
	"github.com/aio-protocol/rpcruntime/protocol/internal/constants"
	"github.com/aio-protocol/rpcruntime/protocol/internal/version"
	"github.com/aio-protocol/rpcruntime/protocol/topic"
	"github.com/google/uuid"
)

// listener holds the shared implementation details for the MQTT consumers
// (command executor requests, command invoker responses, telemetry
// receives): registering a handler, subscribing to the resolved filter, and
// translating an incoming mqtt.Message into a Message[T].
type listener[T any] struct {
	client         MqttClient
	encoding       Encoding[T]
	pattern        string
	resident       map[string]string
	filter         string
	shareName      string
	concurrency    uint
	reqCorrelation bool
	log            log.Logger
	handler        interface {
		onMsg(context.Context, *mqtt.Message, *Message[T]) error
		onErr(context.Context, *mqtt.Message, error) error
	}

	dispatch   func(context.Context, *mqtt.Message)
	unregister func()
	active     atomic.Bool
}

// register builds the subscription filter and wires the client's message
// handler. It must be called once, before listen.
func (l *listener[T]) register() error {
	filter, err := topic.ResolveTopic(l.pattern, l.resident, nil)
	if err != nil {
		return err
	}
	if l.shareName != "" {
		filter = "$share/" + l.shareName + "/" + filter
	}
	l.filter = filter

	dispatch, done := internal.Concurrent(l.concurrency, l.handle)
	l.dispatch = dispatch
	l.unregister = l.client.RegisterMessageHandler(func(ctx context.Context, pub *mqtt.Message) {
		if _, ok := topic.MatchTopic(l.pattern, pub.Topic); !ok {
			return
		}
		dispatch(ctx, pub)
	})

	prevUnregister := l.unregister
	l.unregister = func() {
		prevUnregister()
		done()
	}
	return nil
}

// listen subscribes to the resolved filter. It's idempotent.
func (l *listener[T]) listen(ctx context.Context) error {
	if l.active.CompareAndSwap(false, true) {
		_, err := l.client.Subscribe(
			ctx,
			l.filter,
			mqtt.WithQoS(1),
			mqtt.WithNoLocal(l.shareName == ""),
		)
		return err
	}
	return nil
}

// close unsubscribes and releases the registered handler.
func (l *listener[T]) close() {
	if l.active.CompareAndSwap(true, false) {
		ctx := context.Background()
		if _, err := l.client.Unsubscribe(ctx, l.filter); err != nil {
			l.log.Err(ctx, err)
		}
	}
	if l.unregister != nil {
		l.unregister()
	}
}

func (l *listener[T]) handle(ctx context.Context, pub *mqtt.Message) {
	msg := &Message[T]{}

	// The version check must come first: if we don't support it, nothing
	// else about the message can be trusted.
	ver := pub.UserProperties[constants.ProtocolVersion]
	if !version.IsSupported(ver) {
		l.error(ctx, pub, &errors.Remote{
			Message: "unsupported version",
			Kind: errors.UnsupportedVersion{
				ProtocolVersion:                ver,
				SupportedMajorProtocolVersions: version.Supported,
			},
		})
		return
	}

	if l.reqCorrelation && len(pub.CorrelationData) == 0 {
		l.error(ctx, pub, &errors.Remote{
			Message: "correlation data missing",
			Kind:    errors.HeaderMissing{HeaderName: constants.CorrelationData},
		})
		return
	}
	if len(pub.CorrelationData) != 0 {
		correlationData, err := uuid.FromBytes(pub.CorrelationData)
		if err != nil {
			l.error(ctx, pub, &errors.Remote{
				Message: "correlation data is not a valid UUID",
				Kind:    errors.HeaderInvalid{HeaderName: constants.CorrelationData},
			})
			return
		}
		msg.CorrelationData = correlationData.String()
	}

	ts := pub.UserProperties[constants.Timestamp]
	if ts != "" {
		var err error
		msg.Timestamp, err = hlc.Parse(constants.Timestamp, ts)
		if err != nil {
			l.error(ctx, pub, err)
			return
		}
	}

	msg.Metadata = internal.PropToMetadata(pub.UserProperties)
	msg.TopicTokens, _ = topic.MatchTopic(l.pattern, pub.Topic)
	msg.ClientID = pub.UserProperties[constants.SourceID]

	if err := l.handler.onMsg(ctx, pub, msg); err != nil {
		l.error(ctx, pub, err)
		return
	}
}

// payload deserializes the message payload, checking the payload format
// indicator first since it's cheaper than a failed deserialize.
func (l *listener[T]) payload(pub *mqtt.Message) (T, error) {
	var zero T

	switch pub.PayloadFormat {
	case 0, 1:
	default:
		return zero, &errors.Remote{
			Message: "payload format indicator invalid",
			Kind: errors.HeaderInvalid{
				HeaderName:  constants.FormatIndicator,
				HeaderValue: fmt.Sprint(pub.PayloadFormat),
			},
		}
	}

	return deserialize(l.encoding, &Data{
		Payload:       pub.Payload,
		ContentType:   pub.ContentType,
		PayloadFormat: pub.PayloadFormat,
	})
}

func (l *listener[T]) ack(ctx context.Context, pub *mqtt.Message) {
	if pub.Ack == nil {
		return
	}
	if err := pub.Ack(); err != nil {
		l.drop(ctx, pub, err)
	}
}

func (l *listener[T]) error(ctx context.Context, pub *mqtt.Message, err error) {
	if e := l.handler.onErr(ctx, pub, err); e != nil {
		l.drop(ctx, pub, err)
	}
}

func (l *listener[T]) drop(ctx context.Context, _ *mqtt.Message, err error) {
	l.log.Err(ctx, err)
}
