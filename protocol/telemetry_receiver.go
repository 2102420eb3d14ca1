// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/internal/options"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal"
	"github.com/aio-protocol/rpcruntime/protocol/internal/errutil"
	"github.com/aio-protocol/rpcruntime/protocol/topic"
)

type (
	// TelemetryReceiver provides the ability to handle the receipt of a
	// single telemetry stream.
	TelemetryReceiver[T any] struct {
		listener  *listener[T]
		handler   TelemetryHandler[T]
		manualAck bool
		timeout   *internal.Timeout
		log       log.Logger
	}

	// TelemetryReceiverOption represents a single telemetry receiver option.
	TelemetryReceiverOption interface {
		telemetryReceiver(*TelemetryReceiverOptions)
	}

	// TelemetryReceiverOptions are the resolved telemetry receiver options.
	TelemetryReceiverOptions struct {
		ManualAck bool

		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// TelemetryHandler is the user-provided implementation of a single
	// telemetry event handler. It's treated as blocking; all parallelism is
	// handled by the library. It must be safe for concurrent use.
	TelemetryHandler[T any] func(context.Context, *TelemetryMessage[T]) error

	// TelemetryMessage contains per-message data and methods exposed to a
	// telemetry handler.
	TelemetryMessage[T any] struct {
		Message[T]

		// Ack manually acknowledges the telemetry message, if WithManualAck
		// was set and the message isn't QoS 0 (which can't be acked). It's
		// nil otherwise.
		Ack func()
	}

	// WithManualAck indicates the handler is responsible for manually
	// acking the telemetry message.
	WithManualAck bool
)

const telemetryReceiverErrStr = "telemetry receipt"

// NewTelemetryReceiver creates a new telemetry receiver and registers its
// subscription handler (the subscription itself activates on Start).
func NewTelemetryReceiver[T any](
	app *Application,
	client MqttClient,
	encoding Encoding[T],
	topicPattern string,
	handler TelemetryHandler[T],
	opt ...TelemetryReceiverOption,
) (tr *TelemetryReceiver[T], err error) {
	var opts TelemetryReceiverOptions
	opts.Apply(opt)

	logger := log.Wrap(opts.Logger, app.Log().Unwrap())
	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":   client,
		"encoding": encoding,
		"handler":  handler,
	}); err != nil {
		return nil, err
	}

	to := &internal.Timeout{
		Duration: opts.Timeout,
		Name:     "ExecutionTimeout",
		Text:     telemetryReceiverErrStr,
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	pattern, err := topic.Namespace(opts.TopicNamespace, topicPattern)
	if err != nil {
		return nil, err
	}
	if v, tok, val := topic.ValidateTopicPattern(pattern, opts.TopicTokens, nil, false); v != topic.Valid {
		return nil, topicPatternError("topicPattern", pattern, v, tok, val)
	}

	tr = &TelemetryReceiver[T]{
		handler:   handler,
		manualAck: opts.ManualAck,
		timeout:   to,
		log:       logger,
	}
	tr.listener = &listener[T]{
		client:      client,
		encoding:    encoding,
		pattern:     pattern,
		resident:    opts.TopicTokens,
		shareName:   opts.ShareName,
		concurrency: opts.Concurrency,
		log:         logger,
		handler:     tr,
	}

	if err := tr.listener.register(); err != nil {
		return nil, err
	}
	return tr, nil
}

// Start subscribes to the telemetry topic. It's idempotent.
func (tr *TelemetryReceiver[T]) Start(ctx context.Context) error {
	tr.log.Info(ctx, "telemetry receiver subscribing",
		slog.String("filter", tr.listener.filter))
	return tr.listener.listen(ctx)
}

// Close unsubscribes and releases resources.
func (tr *TelemetryReceiver[T]) Close() {
	ctx := context.Background()
	tr.log.Info(ctx, "telemetry receiver closing")
	tr.listener.close()
}

func (tr *TelemetryReceiver[T]) onMsg(
	ctx context.Context,
	pub *mqtt.Message,
	msg *Message[T],
) error {
	message := &TelemetryMessage[T]{Message: *msg}

	var err error
	message.Payload, err = tr.listener.payload(pub)
	if err != nil {
		tr.log.Warn(ctx, err)
		return err
	}

	if tr.manualAck && pub.QoS > 0 {
		message.Ack = func() { tr.listener.ack(ctx, pub) }
	}

	handlerCtx, cancel := tr.timeout.Context(ctx)
	defer cancel()

	tr.log.Debug(ctx, "telemetry received", slog.String("topic", pub.Topic))

	if err := tr.handle(handlerCtx, message); err != nil {
		return err
	}

	if !tr.manualAck && pub.QoS > 0 {
		tr.log.Debug(ctx, "telemetry acknowledged", slog.String("topic", pub.Topic))
		tr.listener.ack(ctx, pub)
	}
	return nil
}

func (tr *TelemetryReceiver[T]) onErr(
	ctx context.Context,
	pub *mqtt.Message,
	err error,
) error {
	if !tr.manualAck && pub.QoS > 0 {
		tr.listener.ack(ctx, pub)
	}
	tr.log.Warn(ctx, err)
	return nil
}

// handle invokes the user callback with a panic guard. Regardless of
// whether the handler returns an error, panics, or succeeds, the caller acks
// the message once handle returns (per the manual-ack setting above) — the
// broker is never left with an unacknowledged telemetry event on account of
// application-level failure.
func (tr *TelemetryReceiver[T]) handle(
	ctx context.Context,
	msg *TelemetryMessage[T],
) error {
	rchan := make(chan error)

	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = &errors.Remote{
					Message:       fmt.Sprint(p),
					Kind:          errors.ExecutionError{},
					InApplication: true,
				}
			}
			select {
			case rchan <- err:
			case <-ctx.Done():
			}
		}()

		err = tr.handler(ctx, msg)
		if e := errutil.Context(ctx, telemetryReceiverErrStr); e != nil {
			err = e
		} else if err != nil {
			if _, ok := err.(*errors.Remote); !ok {
				err = &errors.Remote{
					Message:       err.Error(),
					Kind:          errors.ExecutionError{},
					InApplication: true,
				}
			}
		}
	}()

	select {
	case err := <-rchan:
		return err
	case <-ctx.Done():
		return errutil.Context(ctx, telemetryReceiverErrStr)
	}
}

// Apply resolves the provided list of options.
func (o *TelemetryReceiverOptions) Apply(opts []TelemetryReceiverOption) {
	for opt := range options.Apply[TelemetryReceiverOption](opts) {
		opt.telemetryReceiver(o)
	}
}

func (o WithManualAck) telemetryReceiver(opt *TelemetryReceiverOptions) {
	opt.ManualAck = bool(o)
}
func (WithManualAck) option() {}
