// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package protocol implements the MQTT v5 RPC and telemetry runtime: the
// Command Invoker/Executor pair, Telemetry Sender/Receiver, and the shared
// Application state (logging and the process-wide Hybrid Logical Clock)
// they're built on.
package protocol

import (
	"log/slog"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/internal/options"
	"github.com/aio-protocol/rpcruntime/protocol/hlc"
)

type (
	// Application represents shared application state: the process-wide HLC
	// and the default logger components are built from if they don't
	// override it themselves.
	Application struct {
		hlc *hlc.Global
		log log.Logger
	}

	// ApplicationOption represents a single application option.
	ApplicationOption interface{ application(*ApplicationOptions) }

	// ApplicationOptions are the resolved application options.
	ApplicationOptions struct {
		MaxClockDrift time.Duration
		Logger        *slog.Logger
	}

	// WithMaxClockDrift specifies how long HLCs are allowed to drift from
	// the wall clock before Update fails.
	WithMaxClockDrift time.Duration
)

// NewApplication creates shared application state. Only one should be
// created per process: it owns the process-wide HLC.
func NewApplication(opt ...ApplicationOption) (*Application, error) {
	var opts ApplicationOptions
	opts.Apply(opt)

	var hlcOpts []hlc.Option
	if opts.MaxClockDrift != 0 {
		hlcOpts = append(hlcOpts, hlc.WithMaxClockDrift(opts.MaxClockDrift))
	}

	return &Application{
		hlc: hlc.New(hlcOpts...),
		log: log.Wrap(opts.Logger),
	}, nil
}

// GetHLC advances the application HLC to reflect the current time and
// returns it.
func (a *Application) GetHLC() (hlc.HybridLogicalClock, error) {
	return a.hlc.Get()
}

// SetHLC merges the application HLC with a remote value.
func (a *Application) SetHLC(val hlc.HybridLogicalClock) error {
	return a.hlc.Set(val)
}

// Log returns the application's default logger, usable directly or as a
// fallback for components that weren't given their own.
func (a *Application) Log() log.Logger {
	return a.log
}

func (o WithMaxClockDrift) application(opt *ApplicationOptions) {
	opt.MaxClockDrift = time.Duration(o)
}

// Apply resolves the provided list of application options.
func (o *ApplicationOptions) Apply(opts []ApplicationOption) {
	for opt := range options.Apply[ApplicationOption](opts) {
		opt.application(o)
	}
}
