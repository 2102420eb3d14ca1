// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/options"
	"github.com/aio-protocol/rpcruntime/protocol/internal"
	"github.com/aio-protocol/rpcruntime/protocol/internal/errutil"
	"github.com/aio-protocol/rpcruntime/protocol/internal/version"
	"github.com/aio-protocol/rpcruntime/protocol/topic"
)

type (
	// TelemetrySender provides the ability to send a single telemetry
	// message.
	TelemetrySender[T any] struct {
		publisher *publisher[T]
		topic     string
		log       log.Logger
	}

	// TelemetrySenderOption represents a single telemetry sender option.
	TelemetrySenderOption interface {
		telemetrySender(*TelemetrySenderOptions)
	}

	// TelemetrySenderOptions are the resolved telemetry sender options.
	TelemetrySenderOptions struct {
		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// SendOption represents a single per-send option.
	SendOption interface{ send(*SendOptions) }

	// SendOptions are the resolved per-send options.
	SendOptions struct {
		CloudEvent *CloudEvent
		Retain     bool

		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithRetain indicates the telemetry event should be retained by the
	// broker.
	WithRetain bool

	withCloudEvent struct{ *CloudEvent }
)

const telemetrySenderErrStr = "telemetry send"

// NewTelemetrySender creates a new telemetry sender.
func NewTelemetrySender[T any](
	app *Application,
	client MqttClient,
	encoding Encoding[T],
	topicPattern string,
	opt ...TelemetrySenderOption,
) (ts *TelemetrySender[T], err error) {
	var opts TelemetrySenderOptions
	opts.Apply(opt)

	logger := log.Wrap(opts.Logger, app.Log().Unwrap())
	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
	}); err != nil {
		return nil, err
	}

	pattern, err := topic.Namespace(opts.TopicNamespace, topicPattern)
	if err != nil {
		return nil, err
	}
	if v, tok, val := topic.ValidateTopicPattern(pattern, opts.TopicTokens, nil, false); v != topic.Valid {
		return nil, topicPatternError("topicPattern", pattern, v, tok, val)
	}

	ts = &TelemetrySender[T]{
		topic: pattern,
		log:   logger,
	}
	ts.publisher = &publisher[T]{
		app:      app,
		client:   client,
		encoding: encoding,
		pattern:  pattern,
		resident: opts.TopicTokens,
		version:  version.ProtocolString,
		log:      logger,
	}

	return ts, nil
}

// Send emits the telemetry and blocks until the broker acknowledges it.
func (ts *TelemetrySender[T]) Send(
	ctx context.Context,
	val T,
	opt ...SendOption,
) (err error) {
	shallow := true
	defer func() { err = errutil.Return(ctx, err, ts.log, shallow) }()

	var opts SendOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	expiry := &internal.Timeout{
		Duration: timeout,
		Name:     "MessageExpiry",
		Text:     telemetrySenderErrStr,
	}
	if err := expiry.Validate(); err != nil {
		return err
	}

	msg := &Message[T]{
		Payload:  val,
		Metadata: opts.Metadata,
	}
	pubTopic, pub, err := ts.publisher.build(msg, opts.TopicTokens, expiry)
	if err != nil {
		return err
	}

	if err := opts.CloudEvent.toMessage(pub); err != nil {
		return err
	}
	pub.Retain = opts.Retain

	ts.log.Debug(ctx, "sending telemetry", slog.String("topic", pubTopic))

	shallow = false
	return ts.publisher.publish(ctx, pubTopic, pub)
}

// Apply resolves the provided list of options.
func (o *TelemetrySenderOptions) Apply(opts []TelemetrySenderOption) {
	for opt := range options.Apply[TelemetrySenderOption](opts) {
		opt.telemetrySender(o)
	}
}

// Apply resolves the provided list of per-send options.
func (o *SendOptions) Apply(opts []SendOption) {
	for opt := range options.Apply[SendOption](opts) {
		opt.send(o)
	}
}

func (o WithRetain) send(opt *SendOptions) { opt.Retain = bool(o) }

// WithCloudEvent adds a cloud event payload to the telemetry message.
func WithCloudEvent(ce *CloudEvent) SendOption {
	return withCloudEvent{ce}
}

func (o withCloudEvent) send(opt *SendOptions) { opt.CloudEvent = o.CloudEvent }

// CloudEvent may also be supplied directly as a SendOption.
func (ce *CloudEvent) send(opt *SendOptions) { opt.CloudEvent = ce }
