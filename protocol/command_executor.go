// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/internal/options"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal"
	"github.com/aio-protocol/rpcruntime/protocol/internal/caching"
	"github.com/aio-protocol/rpcruntime/protocol/internal/constants"
	"github.com/aio-protocol/rpcruntime/protocol/internal/errutil"
	"github.com/aio-protocol/rpcruntime/protocol/internal/version"
	"github.com/aio-protocol/rpcruntime/protocol/topic"
)

type (
	// CommandExecutor serves one command: it deduplicates concurrent
	// requests, optionally reuses idempotent responses across correlations,
	// and dispatches the rest to the user handler.
	CommandExecutor[Req any, Res any] struct {
		listener  *listener[Req]
		publisher *publisher[Res]
		handler   CommandHandler[Req, Res]
		timeout   *internal.Timeout
		cache     *caching.Cache
		command   string

		idempotent        bool
		cacheableDuration time.Duration

		log log.Logger
	}

	// CommandExecutorOption represents a single command executor option.
	CommandExecutorOption interface{ commandExecutor(*CommandExecutorOptions) }

	// CommandExecutorOptions are the resolved command executor options.
	CommandExecutorOptions struct {
		Idempotent        bool
		CacheableDuration time.Duration

		Concurrency uint
		Timeout     time.Duration
		ShareName   string

		TopicNamespace string
		TopicTokens    map[string]string
		Logger         *slog.Logger
	}

	// CommandHandler is the user-provided implementation of a single command
	// execution. It's treated as blocking; all parallelism is handled by the
	// library. It must be safe to call concurrently.
	CommandHandler[Req any, Res any] = func(
		context.Context,
		*CommandRequest[Req],
	) (*CommandResponse[Res], error)

	// CommandRequest is the data exposed to a command handler.
	CommandRequest[Req any] struct{ Message[Req] }

	// CommandResponse is the data a command handler returns.
	CommandResponse[Res any] struct{ Message[Res] }

	// WithIdempotent marks the command as idempotent: a successful response
	// may be reused for a different correlation with the same payload.
	WithIdempotent bool

	// WithCacheableDuration sets how long a response remains eligible for
	// idempotent reuse. Must be zero unless WithIdempotent is also set.
	WithCacheableDuration time.Duration

	// RespondOption represents a single per-response option.
	RespondOption interface{ respond(*RespondOptions) }

	// RespondOptions are the resolved per-response options.
	RespondOptions struct {
		Metadata map[string]string
	}

	commandReturn[Res any] struct {
		res *CommandResponse[Res]
		err error
	}
)

const (
	commandExecutorErrStr = "command execution"
)

// NewCommandExecutor creates a new command executor and registers its
// request subscription handler (the subscription itself activates on
// Start).
func NewCommandExecutor[Req, Res any](
	app *Application,
	client MqttClient,
	requestEncoding Encoding[Req],
	responseEncoding Encoding[Res],
	requestTopicPattern string,
	handler CommandHandler[Req, Res],
	opt ...CommandExecutorOption,
) (ce *CommandExecutor[Req, Res], err error) {
	var opts CommandExecutorOptions
	opts.Apply(opt)

	logger := log.Wrap(opts.Logger, app.Log().Unwrap())
	defer func() { err = errutil.Return(context.Background(), err, logger, true) }()

	if err := errutil.ValidateNonNil(map[string]any{
		"client":            client,
		"requestEncoding":   requestEncoding,
		"responseEncoding":  responseEncoding,
		"handler":           handler,
	}); err != nil {
		return nil, err
	}

	if opts.CacheableDuration != 0 && !opts.Idempotent {
		return nil, &errors.Client{
			Message: "cacheable duration requires an idempotent command",
			Kind: errors.ConfigurationInvalid{
				PropertyName:  "CacheableDuration",
				PropertyValue: opts.CacheableDuration,
			},
			Shallow: true,
		}
	}

	to := &internal.Timeout{
		Duration: opts.Timeout,
		Name:     "ExecutionTimeout",
		Text:     commandExecutorErrStr,
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	pattern, err := topic.Namespace(opts.TopicNamespace, requestTopicPattern)
	if err != nil {
		return nil, err
	}
	if v, token, value := topic.ValidateTopicPattern(pattern, opts.TopicTokens, nil, false); v != topic.Valid {
		return nil, topicPatternError("requestTopicPattern", pattern, v, token, value)
	}

	cache := caching.New()
	ce = &CommandExecutor[Req, Res]{
		handler:           handler,
		timeout:           to,
		cache:             cache,
		command:           pattern,
		idempotent:        opts.Idempotent,
		cacheableDuration: opts.CacheableDuration,
		log:               logger,
	}
	ce.listener = &listener[Req]{
		client:         client,
		encoding:       requestEncoding,
		pattern:        pattern,
		resident:       opts.TopicTokens,
		shareName:      opts.ShareName,
		concurrency:    opts.Concurrency,
		reqCorrelation: true,
		log:            logger,
		handler:        ce,
	}
	ce.publisher = &publisher[Res]{
		app:      app,
		client:   client,
		encoding: responseEncoding,
		version:  version.ProtocolString,
		log:      logger,
	}

	if err := ce.listener.register(); err != nil {
		return nil, err
	}
	return ce, nil
}

// Start subscribes to the command's request topic and starts the response
// cache's background expirer.
func (ce *CommandExecutor[Req, Res]) Start(ctx context.Context) error {
	ce.cache.Start()
	return ce.listener.listen(ctx)
}

// Close unsubscribes, stops the cache, and releases resources.
func (ce *CommandExecutor[Req, Res]) Close() {
	ce.listener.close()
	ce.cache.Stop()
}

func (ce *CommandExecutor[Req, Res]) onMsg(
	ctx context.Context,
	pub *mqtt.Message,
	msg *Message[Req],
) error {
	arrived := time.Now().UTC()

	ce.log.Debug(ctx, "request received",
		slog.String("topic", pub.Topic),
		slog.String("correlation_data", msg.CorrelationData),
	)

	if err := ignoreRequest(pub); err != nil {
		return err
	}
	if pub.MessageExpiry == 0 {
		return &errors.Remote{
			Message: "message expiry missing",
			Kind:    errors.HeaderMissing{HeaderName: constants.MessageExpiry},
		}
	}

	invoker := msg.ClientID
	correlation := msg.CorrelationData
	isCacheable := ce.cacheableDuration > 0

	fut, err := ce.cache.Retrieve(
		ce.command, invoker, correlation, pub.Payload, isCacheable, false,
	)
	if err != nil {
		return err
	}
	if fut != nil {
		resp := fut.Wait()
		return ce.respond(ctx, pub, resp)
	}

	req := &CommandRequest[Req]{Message: *msg}
	req.Payload, err = ce.listener.payload(pub)
	if err != nil {
		ce.store(pub, invoker, correlation, caching.Response{Err: err}, arrived, 0)
		return ce.respond(ctx, pub, caching.Response{Err: err})
	}

	handlerCtx, cancel := ce.timeout.Context(ctx)
	defer cancel()
	handlerCtx, cancel2 := pubTimeout(pub).Context(handlerCtx)
	defer cancel2()

	start := time.Now()
	res, herr := ce.handle(handlerCtx, req)
	duration := time.Since(start)

	var metaErr error
	if herr == nil && res != nil {
		for k := range res.Metadata {
			if strings.HasPrefix(k, constants.Protocol) {
				metaErr = &errors.Remote{
					Message: fmt.Sprintf("reserved metadata key %q in response", k),
					Kind:    errors.ExecutionError{},
				}
				break
			}
		}
	}
	if metaErr != nil {
		herr = metaErr
		res = nil
	}

	var resp caching.Response
	if herr != nil {
		resp.Err = herr
	} else {
		data, serr := serialize(ce.publisher.encoding, res.Payload)
		if serr != nil {
			resp.Err = serr
		} else {
			resp.Payload = data.Payload
			resp.ContentType = data.ContentType
			resp.PayloadFormat = data.PayloadFormat
			resp.Metadata = res.Metadata
		}
	}

	ce.store(pub, invoker, correlation, resp, arrived, duration)
	return ce.respond(ctx, pub, resp)
}

func (ce *CommandExecutor[Req, Res]) store(
	pub *mqtt.Message,
	invoker, correlation string,
	resp caching.Response,
	arrived time.Time,
	duration time.Duration,
) {
	reqExpiry := arrived.Add(time.Duration(pub.MessageExpiry) * time.Second)

	// Both default to the request's own expiry (dedup-only lifetime). When
	// the command is cacheable, expiresAt is cacheableDuration beyond
	// completion, so the entry stays reusable across correlations for that
	// long, independent of this particular request's own message expiry;
	// staleAt is the later of the two, so dedup of this correlation lasts at
	// least until the request itself expires.
	expiresAt, staleAt := reqExpiry, reqExpiry
	if ce.cacheableDuration > 0 {
		expiresAt = time.Now().UTC().Add(ce.cacheableDuration)
		if expiresAt.After(staleAt) {
			staleAt = expiresAt
		}
	}

	if err := ce.cache.Store(
		ce.command, invoker, correlation, pub.Payload,
		resp, ce.idempotent, expiresAt, staleAt, duration,
	); err != nil {
		ce.log.Warn(context.Background(), err)
	}
}

// respond publishes the cached/resolved response and acks the request
// regardless of whether the publish succeeds.
func (ce *CommandExecutor[Req, Res]) respond(
	ctx context.Context,
	pub *mqtt.Message,
	resp caching.Response,
) error {
	defer ce.ack(ctx, pub)

	rpub, err := ce.build(pub, resp)
	if err != nil {
		return err
	}
	if err := ce.publisher.publish(ctx, pub.ResponseTopic, rpub); err != nil {
		ce.listener.drop(ctx, pub, err)
		return nil
	}
	ce.log.Debug(ctx, "response sent",
		slog.String("topic", pub.ResponseTopic),
		slog.String("correlation_data", string(pub.CorrelationData)),
	)
	return nil
}

// handle calls the handler with a panic guard.
func (ce *CommandExecutor[Req, Res]) handle(
	ctx context.Context,
	req *CommandRequest[Req],
) (*CommandResponse[Res], error) {
	rchan := make(chan commandReturn[Res])

	go func() {
		var ret commandReturn[Res]
		defer func() {
			if p := recover(); p != nil {
				ret.err = &errors.Remote{
					Message:       fmt.Sprint(p),
					Kind:          errors.ExecutionError{},
					InApplication: true,
				}
			}
			select {
			case rchan <- ret:
			case <-ctx.Done():
			}
		}()

		ret.res, ret.err = ce.handler(ctx, req)
		if e := errutil.Context(ctx, commandExecutorErrStr); e != nil {
			ret.err = e
		} else if ret.err != nil {
			if _, ok := ret.err.(*errors.Remote); !ok {
				ret.err = &errors.Remote{
					Message:       ret.err.Error(),
					Kind:          errors.ExecutionError{},
					InApplication: true,
				}
			}
		} else if ret.res == nil {
			ret.err = &errors.Remote{
				Message:       "command handler returned no response",
				Kind:          errors.ExecutionError{},
				InApplication: true,
			}
		}
	}()

	select {
	case ret := <-rchan:
		return ret.res, ret.err
	case <-ctx.Done():
		return nil, errutil.Context(ctx, commandExecutorErrStr)
	}
}

// build constructs the response publish packet for a resolved cache
// response: the status/error user properties per §7, the payload (if any),
// and the handler's non-reserved response metadata.
func (ce *CommandExecutor[Req, Res]) build(
	pub *mqtt.Message,
	resp caching.Response,
) (*mqtt.Message, error) {
	ts, err := ce.publisher.app.GetHLC()
	if err != nil {
		return nil, err
	}

	rpub := &mqtt.Message{
		PublishOptions: mqtt.PublishOptions{
			QoS:             1,
			CorrelationData: pub.CorrelationData,
			UserProperties:  errutil.ToUserProp(resp.Err),
		},
	}
	rpub.UserProperties[constants.SourceID] = ce.publisher.client.ID()
	rpub.UserProperties[constants.Timestamp] = ts.String()
	rpub.UserProperties[constants.ProtocolVersion] = ce.publisher.version

	if resp.Err == nil {
		rpub.Payload = resp.Payload
		rpub.ContentType = resp.ContentType
		rpub.PayloadFormat = resp.PayloadFormat
		for k, v := range resp.Metadata {
			rpub.UserProperties[k] = v
		}
	}

	return rpub, nil
}

// Respond constructs a command response, to be returned from a command
// handler.
func Respond[Res any](payload Res, opt ...RespondOption) (*CommandResponse[Res], error) {
	var opts RespondOptions
	opts.Apply(opt)
	return &CommandResponse[Res]{Message[Res]{Payload: payload, Metadata: opts.Metadata}}, nil
}

// Apply resolves the provided list of options.
func (o *CommandExecutorOptions) Apply(opts []CommandExecutorOption) {
	for opt := range options.Apply[CommandExecutorOption](opts) {
		opt.commandExecutor(o)
	}
}

func (o WithIdempotent) commandExecutor(opt *CommandExecutorOptions) { opt.Idempotent = bool(o) }
func (WithIdempotent) option()                                        {}

func (o WithCacheableDuration) commandExecutor(opt *CommandExecutorOptions) {
	opt.CacheableDuration = time.Duration(o)
}
func (WithCacheableDuration) option() {}

// Apply resolves the provided list of respond options.
func (o *RespondOptions) Apply(opts []RespondOption) {
	for opt := range options.Apply[RespondOption](opts) {
		opt.respond(o)
	}
}

func ignoreRequest(pub *mqtt.Message) error {
	if pub.ResponseTopic == "" {
		return &errors.Remote{
			Message: "missing response topic",
			Kind:    errors.HeaderMissing{HeaderName: constants.ResponseTopic},
		}
	}
	if !topic.IsResolved(pub.ResponseTopic) {
		return &errors.Remote{
			Message: "invalid response topic",
			Kind: errors.HeaderInvalid{
				HeaderName:  constants.ResponseTopic,
				HeaderValue: pub.ResponseTopic,
			},
		}
	}
	return nil
}

func (ce *CommandExecutor[Req, Res]) ack(ctx context.Context, pub *mqtt.Message) {
	ce.listener.ack(ctx, pub)
	ce.log.Debug(ctx, "request acked",
		slog.String("topic", pub.Topic),
		slog.String("correlation_data", string(pub.CorrelationData)),
	)
}

func pubTimeout(pub *mqtt.Message) *internal.Timeout {
	return &internal.Timeout{
		Duration: time.Duration(pub.MessageExpiry) * time.Second,
		Name:     "MessageExpiry",
		Text:     commandExecutorErrStr,
	}
}

func topicPatternError(
	propertyName, pattern string,
	v topic.PatternValidity,
	token, value string,
) error {
	return &errors.Client{
		Message: fmt.Sprintf("invalid topic pattern: %s", v),
		Kind: errors.ConfigurationInvalid{
			PropertyName:  propertyName,
			PropertyValue: pattern,
		},
		Shallow: true,
	}
}

func (ce *CommandExecutor[Req, Res]) onErr(
	ctx context.Context,
	pub *mqtt.Message,
	err error,
) error {
	if k, ok := err.(*errors.Remote); ok {
		if _, ok := k.Kind.(errors.HeaderMissing); ok && k.Kind.(errors.HeaderMissing).HeaderName == constants.ResponseTopic {
			ce.listener.ack(ctx, pub)
			return nil
		}
	}
	return ce.respond(ctx, pub, caching.Response{Err: err})
}
