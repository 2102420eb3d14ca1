// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errutil

import (
	"context"

	"github.com/aio-protocol/rpcruntime/internal/log"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/google/uuid"
)

type noReturn struct{ error }

// NoReturn marks err as one that cannot be returned over RPC (it must be
// turned into a response message instead).
func NoReturn(err error) error {
	return noReturn{err}
}

// IsNoReturn reports whether err is a NoReturn-marked error, and returns the
// underlying error either way.
func IsNoReturn(err error) (bool, error) {
	if e, ok := err.(noReturn); ok {
		return true, e.error
	}
	return false, err
}

// Return prepares err for returning to an external caller: it strips any
// NoReturn marker (since that only matters for the internal RPC flow),
// applies the shallow flag if the error supports it, and logs it.
func Return(ctx context.Context, err error, logger log.Logger, shallow bool) error {
	if e, ok := err.(noReturn); ok {
		err = e.error
	}
	if e, ok := err.(*errors.Client); ok {
		e.Shallow = shallow
	}
	if err != nil {
		logger.Warn(ctx, err)
	}
	return err
}

// ValidateNonNil checks that a set of named arguments are all non-nil.
func ValidateNonNil(args map[string]any) error {
	for k, v := range args {
		if v == nil {
			return &errors.Client{
				Message: "argument is nil",
				Kind:    errors.ConfigurationInvalid{PropertyName: k},
				Shallow: true,
			}
		}
	}
	return nil
}

// NewUUID generates a UUIDv7 correlation value, wrapping any failure as a
// protocol error.
func NewUUID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", &errors.Client{
			Message: err.Error(),
			Kind:    errors.UnknownError{},
			Nested:  err,
		}
	}
	return id.String(), nil
}
