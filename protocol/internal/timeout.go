// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/wallclock"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
)

// Timeout applies an optional deadline to an invocation, command execution,
// or telemetry send, and doubles as the MQTT message-expiry value for the
// corresponding publish.
type Timeout struct {
	time.Duration
	Name string
	Text string
}

// Validate reports whether the timeout value is usable: non-negative and
// representable as an MQTT message-expiry interval.
func (to *Timeout) Validate() error {
	switch {
	case to.Duration < 0:
		return &errors.Client{
			Message: "timeout cannot be negative",
			Kind: errors.ConfigurationInvalid{
				PropertyName:  "Timeout",
				PropertyValue: to.Duration,
			},
		}

	case to.Seconds() > math.MaxUint32:
		return &errors.Client{
			Message: "timeout too large",
			Kind: errors.ConfigurationInvalid{
				PropertyName:  "Timeout",
				PropertyValue: to.Duration,
			},
		}

	default:
		return nil
	}
}

// Context derives a child context that's cancelled with a Timeout error
// kind once the duration elapses. A zero duration means no deadline.
func (to *Timeout) Context(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	if to.Duration == 0 {
		return context.WithCancel(ctx)
	}
	return wallclock.Instance.WithTimeoutCause(
		ctx,
		to.Duration,
		&errors.Client{
			Message: fmt.Sprintf("%s timed out", to.Text),
			Kind: errors.Timeout{
				TimeoutName:  to.Name,
				TimeoutValue: to.Duration,
			},
		},
	)
}

// MessageExpiry returns the timeout expressed as an MQTT message-expiry
// interval in whole seconds.
func (to *Timeout) MessageExpiry() uint32 {
	return uint32(to.Seconds())
}
