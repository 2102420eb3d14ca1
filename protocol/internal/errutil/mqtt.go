// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errutil

import (
	"context"
	"fmt"

	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
)

// Mqtt translates an internal/mqtt ack/err return to a protocol error. An
// actual error indicates a failure in the client library, whereas a
// response with a failure reason code indicates an issue with the request
// itself.
func Mqtt(ctx context.Context, msg string, ack *mqtt.Ack, err error) error {
	if ack != nil {
		if ack.ReasonCode >= mqtt.SuccessReasonCode {
			return &errors.Client{
				Message: fmt.Sprintf(
					"%s error: %s. reason code: 0x%x",
					msg,
					ack.ReasonString,
					ack.ReasonCode,
				),
				Kind: errors.MqttError{
					ReasonCode:   ack.ReasonCode,
					ReasonString: ack.ReasonString,
				},
			}
		}
	} else if err == nil {
		return &errors.Client{
			Message: "the MQTT client returned a nil response without an error",
			Kind:    errors.InternalLogicError{PropertyName: msg},
		}
	}

	// An error from the incoming context overrides any returned error.
	if ctxErr := Context(ctx, msg); ctxErr != nil {
		return ctxErr
	}
	return Normalize(err, msg)
}
