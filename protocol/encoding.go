// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"encoding/json"
	stderr "errors"
	"fmt"

	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal/constants"
)

type (
	// Encoding translates between a concrete Go type T and the wire Data it
	// serializes to. Implementations must be safe for concurrent use.
	Encoding[T any] interface {
		Serialize(T) (*Data, error)
		Deserialize(*Data) (T, error)
	}

	// Data holds an encoded payload with its wire content type and payload
	// format indicator.
	Data struct {
		Payload       []byte
		ContentType   string
		PayloadFormat byte
	}

	// JSON is an Encoding backed by encoding/json.
	JSON[T any] struct{}

	// Empty is an Encoding for commands/telemetry with no payload.
	Empty struct{}

	// Raw is an Encoding that passes bytes through unchanged.
	Raw struct{}

	// Custom is an Encoding for payloads the caller serializes itself.
	Custom struct{}
)

// ErrUnsupportedContentType is returned by an Encoding's Deserialize when
// the wire content type isn't one it understands.
var ErrUnsupportedContentType = stderr.New("unsupported content type")

func serialize[T any](encoding Encoding[T], value T) (data *Data, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = payloadError("cannot serialize payload", p)
		}
	}()
	data, err = encoding.Serialize(value)
	if err != nil {
		return nil, payloadError("cannot serialize payload", err)
	}
	return data, nil
}

func deserialize[T any](encoding Encoding[T], data *Data) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = payloadError("cannot deserialize payload", p)
		}
	}()
	value, err = encoding.Deserialize(data)
	if err != nil {
		if stderr.Is(err, ErrUnsupportedContentType) {
			return value, &errors.Client{
				Message: "content type mismatch",
				Kind: errors.HeaderInvalid{
					HeaderName:  constants.ContentType,
					HeaderValue: data.ContentType,
				},
			}
		}
		return value, payloadError("cannot deserialize payload", err)
	}
	return value, nil
}

func payloadError(msg string, err any) error {
	switch e := err.(type) {
	case *errors.Client:
		return e
	case error:
		return &errors.Client{Message: msg, Kind: errors.PayloadInvalid{}, Nested: e}
	default:
		return &errors.Client{
			Message: msg,
			Kind:    errors.PayloadInvalid{},
			Nested:  stderr.New(fmt.Sprint(e)),
		}
	}
}

// Serialize translates t into JSON bytes.
func (JSON[T]) Serialize(t T) (*Data, error) {
	bytes, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &Data{bytes, "application/json", 1}, nil
}

// Deserialize translates JSON bytes into T.
func (JSON[T]) Deserialize(data *Data) (T, error) {
	var t T
	switch data.ContentType {
	case "", "application/json":
		err := json.Unmarshal(data.Payload, &t)
		return t, err
	default:
		return t, ErrUnsupportedContentType
	}
}

// Serialize validates that t is empty.
func (Empty) Serialize(t any) (*Data, error) {
	if t != nil {
		return nil, &errors.Client{
			Message: "unexpected payload for empty type",
			Kind:    errors.PayloadInvalid{},
		}
	}
	return &Data{}, nil
}

// Deserialize validates that data is empty.
func (Empty) Deserialize(data *Data) (any, error) {
	if len(data.Payload) != 0 {
		return nil, &errors.Client{
			Message: "unexpected payload for empty type",
			Kind:    errors.PayloadInvalid{},
		}
	}
	return nil, nil
}

// Serialize returns the bytes unchanged.
func (Raw) Serialize(t []byte) (*Data, error) {
	return &Data{t, "application/octet-stream", 0}, nil
}

// Deserialize returns the bytes unchanged.
func (Raw) Deserialize(data *Data) ([]byte, error) {
	switch data.ContentType {
	case "", "application/octet-stream":
		return data.Payload, nil
	default:
		return nil, ErrUnsupportedContentType
	}
}

// Serialize returns t unchanged.
func (Custom) Serialize(t Data) (*Data, error) {
	return &t, nil
}

// Deserialize returns data unchanged.
func (Custom) Deserialize(data *Data) (Data, error) {
	return *data, nil
}
