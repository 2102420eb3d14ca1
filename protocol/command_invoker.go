// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/internal/options"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal"
	"github.com/aio-protocol/rpcruntime/protocol/internal/container"
	"github.com/aio-protocol/rpcruntime/protocol/internal/errutil"
	"github.com/aio-protocol/rpcruntime/protocol/internal/version"
	"github.com/aio-protocol/rpcruntime/protocol/topic"
	"github.com/google/uuid"
)

type (
	// CommandInvoker provides the ability to invoke a single command and
	// await its correlated response.
	CommandInvoker[Req any, Res any] struct {
		publisher *publisher[Req]
		listener  *listener[Res]
		pending   container.SyncMap[string, commandPending[Res]]
		log       log.Logger
	}

	// CommandInvokerOption represents a single command invoker option.
	CommandInvokerOption interface{ commandInvoker(*CommandInvokerOptions) }

	// CommandInvokerOptions are the resolved command invoker options.
	CommandInvokerOptions struct {
		ResponseTopicPrefix string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// InvokeOption represents a single per-invoke option.
	InvokeOption interface{ invoke(*InvokeOptions) }

	// InvokeOptions are the resolved per-invoke options.
	InvokeOptions struct {
		Timeout     time.Duration
		TopicTokens map[string]string
		Metadata    map[string]string
	}

	// WithResponseTopicPrefix specifies a custom prefix for the response
	// topic. If unset, it defaults to "clients/<MQTT client ID>".
	WithResponseTopicPrefix string

	// commandPending holds the channels used to deliver a correlated
	// response (or failure) back to a blocked Invoke call, plus a done
	// channel so a racing ack/response delivery never blocks once Invoke
	// has already given up waiting.
	commandPending[Res any] struct {
		ret  chan<- commandReturn[Res]
		done <-chan struct{}
	}
)

const commandInvokerErrStr = "command invocation"

// NewCommandInvoker creates a new command invoker. The response
// subscription is established lazily, on the first call to Invoke.
func NewCommandInvoker[Req, Res any](
	app *Application,
	client MqttClient,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	opt ...CommandInvokerOption,
) (ci *CommandInvoker[Req, Res], err error) {
	var opts CommandInvokerOptions
	opts.Apply(opt)

	logger := log.Wrap(opts.Logger, app.Log().Unwrap())
	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":            client,
		"requestEncoding":   requestEncoding,
		"responseEncoding":  responseEncoding,
	}); err != nil {
		return nil, err
	}

	if opts.ResponseTopicPrefix != "" {
		for _, seg := range strings.Split(opts.ResponseTopicPrefix, "/") {
			if !topic.IsValidReplacement(seg) {
				return nil, &errors.Client{
					Message: "invalid response topic prefix",
					Kind: errors.ConfigurationInvalid{
						PropertyName:  "ResponseTopicPrefix",
						PropertyValue: opts.ResponseTopicPrefix,
					},
					Shallow: true,
				}
			}
		}
	}

	reqPattern, err := topic.Namespace(opts.TopicNamespace, requestTopicPattern)
	if err != nil {
		return nil, err
	}
	if v, tok, val := topic.ValidateTopicPattern(reqPattern, opts.TopicTokens, nil, false); v != topic.Valid {
		return nil, topicPatternError("requestTopicPattern", reqPattern, v, tok, val)
	}

	prefix := opts.ResponseTopicPrefix
	if prefix == "" {
		prefix = "clients/" + client.ID()
	}
	resPattern, err := topic.Namespace(opts.TopicNamespace, prefix+"/"+requestTopicPattern)
	if err != nil {
		return nil, err
	}
	if v, tok, val := topic.ValidateTopicPattern(resPattern, opts.TopicTokens, nil, false); v != topic.Valid {
		return nil, topicPatternError("responseTopicPrefix", resPattern, v, tok, val)
	}

	ci = &CommandInvoker[Req, Res]{
		pending: container.NewSyncMap[string, commandPending[Res]](),
		log:     logger,
	}
	ci.publisher = &publisher[Req]{
		app:      app,
		client:   client,
		encoding: requestEncoding,
		pattern:  reqPattern,
		resident: opts.TopicTokens,
		version:  version.ProtocolString,
		log:      logger,
	}
	ci.listener = &listener[Res]{
		client:         client,
		encoding:       responseEncoding,
		pattern:        resPattern,
		resident:       opts.TopicTokens,
		reqCorrelation: true,
		log:            logger,
		handler:        ci,
	}

	if err := ci.listener.register(); err != nil {
		return nil, err
	}
	return ci, nil
}

// Start establishes the response subscription ahead of the first Invoke.
// It's idempotent, and Invoke calls it automatically if it hasn't run yet.
func (ci *CommandInvoker[Req, Res]) Start(ctx context.Context) error {
	return ci.listener.listen(ctx)
}

// Close unsubscribes, fails every outstanding invocation with StateInvalid,
// and releases resources.
func (ci *CommandInvoker[Req, Res]) Close() {
	ci.listener.close()

	disposed := &errors.Client{
		Message: "command invoker closed",
		Kind:    errors.StateInvalid{PropertyName: "CommandInvoker"},
	}
	ci.pending.Range(func(correlation string, p commandPending[Res]) bool {
		select {
		case p.ret <- commandReturn[Res]{nil, disposed}:
		case <-p.done:
		}
		return true
	})
}

// Invoke calls the command and blocks until a correlated response arrives,
// the timeout elapses, or ctx is cancelled. Callers wanting parallel
// invocations should call Invoke concurrently from their own goroutines.
func (ci *CommandInvoker[Req, Res]) Invoke(
	ctx context.Context,
	req Req,
	opt ...InvokeOption,
) (res *CommandResponse[Res], err error) {
	shallow := true
	defer func() { err = errutil.Return(ctx, err, ci.log, shallow) }()

	var opts InvokeOptions
	opts.Apply(opt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	to := &internal.Timeout{
		Duration: timeout,
		Name:     "MessageExpiry",
		Text:     commandInvokerErrStr,
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	correlation, err := errutil.NewUUID()
	if err != nil {
		return nil, err
	}

	msg := &Message[Req]{
		CorrelationData: correlation,
		Payload:         req,
		Metadata:        opts.Metadata,
	}
	reqTopic, pub, err := ci.publisher.build(msg, opts.TopicTokens, to)
	if err != nil {
		return nil, err
	}

	responseTopic, err := topic.ResolveTopic(ci.listener.pattern, ci.listener.resident, opts.TopicTokens)
	if err != nil {
		return nil, err
	}
	if !topic.IsResolved(responseTopic) {
		return nil, &errors.Client{
			Message: "response topic pattern has unresolved tokens",
			Kind: errors.ConfigurationInvalid{
				PropertyName:  "ResponseTopicPrefix",
				PropertyValue: responseTopic,
			},
			Shallow: true,
		}
	}
	pub.ResponseTopic = responseTopic

	if err := ci.listener.listen(ctx); err != nil {
		return nil, err
	}

	ret, done := ci.register(correlation)
	defer done()

	shallow = false
	if err := ci.publisher.publish(ctx, reqTopic, pub); err != nil {
		tagCorrelation(err, correlation)
		return nil, err
	}

	ci.log.Debug(ctx, "request sent", slog.String("correlation_data", correlation))

	toCtx, cancel := to.Context(ctx)
	defer cancel()

	select {
	case r := <-ret:
		return r.res, r.err
	case <-toCtx.Done():
		e := errutil.Context(toCtx, commandInvokerErrStr)
		tagCorrelation(e, correlation)
		return nil, e
	}
}

func (ci *CommandInvoker[Req, Res]) register(
	correlation string,
) (<-chan commandReturn[Res], func()) {
	ret := make(chan commandReturn[Res])
	done := make(chan struct{})
	ci.pending.Store(correlation, commandPending[Res]{ret, done})
	return ret, func() {
		ci.pending.Delete(correlation)
		close(done)
	}
}

func (ci *CommandInvoker[Req, Res]) onMsg(
	ctx context.Context,
	pub *mqtt.Message,
	msg *Message[Res],
) error {
	var res *CommandResponse[Res]
	err := errutil.FromUserProp(pub.UserProperties)
	if err == nil {
		msg.Payload, err = ci.listener.payload(pub)
		if err == nil {
			res = &CommandResponse[Res]{Message: *msg}
		}
	}
	tagCorrelation(err, msg.CorrelationData)

	ci.log.Debug(ctx, "response received",
		slog.String("correlation_data", msg.CorrelationData))
	ci.complete(ctx, pub, msg.CorrelationData, res, err)
	return nil
}

func (ci *CommandInvoker[Req, Res]) onErr(
	ctx context.Context,
	pub *mqtt.Message,
	err error,
) error {
	// A Remote kind surfaced by the shared listener (bad version, missing
	// correlation data) describes a local detection failure from the
	// invoker's point of view: there's no peer to attribute it to.
	if re, ok := err.(*errors.Remote); ok {
		err = &errors.Client{Message: re.Message, Kind: re.Kind}
	}

	var correlation string
	if id, e := uuid.FromBytes(pub.CorrelationData); e == nil {
		correlation = id.String()
	}
	tagCorrelation(err, correlation)
	ci.complete(ctx, pub, correlation, nil, err)
	return nil
}

// complete delivers a response or failure to the invocation waiting on
// correlation, acking the inbound response regardless. An unrecognized
// correlation (already timed out, or from a different invoker instance) is
// logged and dropped.
func (ci *CommandInvoker[Req, Res]) complete(
	ctx context.Context,
	pub *mqtt.Message,
	correlation string,
	res *CommandResponse[Res],
	err error,
) {
	defer ci.listener.ack(ctx, pub)

	pending, ok := ci.pending.Load(correlation)
	if !ok {
		ci.log.Debug(ctx, "response does not match a pending invocation",
			slog.String("correlation_data", correlation))
		return
	}

	select {
	case pending.ret <- commandReturn[Res]{res, err}:
	case <-pending.done:
	case <-ctx.Done():
	}
}

func tagCorrelation(err error, correlation string) {
	switch e := err.(type) {
	case *errors.Client:
		e.CorrelationID = correlation
	case *errors.Remote:
		e.CorrelationID = correlation
	}
}

// Apply resolves the provided list of options.
func (o *CommandInvokerOptions) Apply(opts []CommandInvokerOption) {
	for opt := range options.Apply[CommandInvokerOption](opts) {
		opt.commandInvoker(o)
	}
}

func (o WithResponseTopicPrefix) commandInvoker(opt *CommandInvokerOptions) {
	opt.ResponseTopicPrefix = string(o)
}
func (WithResponseTopicPrefix) option() {}

// Apply resolves the provided list of per-invoke options.
func (o *InvokeOptions) Apply(opts []InvokeOption) {
	for opt := range options.Apply[InvokeOption](opts) {
		opt.invoke(o)
	}
}
