// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package protocol

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/mqtt"
	"github.com/aio-protocol/rpcruntime/protocol/errors"
	"github.com/aio-protocol/rpcruntime/protocol/internal/errutil"
	"github.com/relvacode/iso8601"
)

// CloudEvent provides an implementation of the CloudEvents 1.0 spec; see:
// https://github.com/cloudevents/spec/blob/main/cloudevents/spec.md
type CloudEvent struct {
	ID          string
	Source      *url.URL
	SpecVersion string
	Type        string

	DataContentType string
	DataSchema      *url.URL
	Subject         string
	Time            time.Time
}

const (
	// DefaultCloudEventSpecVersion is used when a CloudEvent doesn't specify
	// its own spec version.
	DefaultCloudEventSpecVersion = "1.0"
	// DefaultCloudEventType is used when a CloudEvent doesn't specify its own
	// type.
	DefaultCloudEventType = "ms.aio.telemetry"

	ceID              = "id"
	ceSource          = "source"
	ceSpecVersion     = "specversion"
	ceType            = "type"
	ceDataContentType = "datacontenttype"
	ceDataSchema      = "dataschema"
	ceSubject         = "subject"
	ceTime            = "time"
)

var ceReserved = []string{
	ceID,
	ceSource,
	ceSpecVersion,
	ceType,
	// ceDataContentType isn't stored in user properties, so it's omitted.
	ceDataSchema,
	ceSubject,
	ceTime,
}

// Attrs returns additional attributes for slog.
func (ce *CloudEvent) Attrs() []slog.Attr {
	if ce == nil {
		return nil
	}

	a := make([]slog.Attr, 0, 8)
	a = append(a,
		slog.String(ceID, ce.ID),
		slog.String(ceSpecVersion, ce.SpecVersion),
		slog.String(ceType, ce.Type),
	)
	if ce.Source != nil {
		a = append(a, slog.String(ceSource, ce.Source.String()))
	}
	if ce.DataContentType != "" {
		a = append(a, slog.String(ceDataContentType, ce.DataContentType))
	}
	if ce.DataSchema != nil {
		a = append(a, slog.String(ceDataSchema, ce.DataSchema.String()))
	}
	if ce.Subject != "" {
		a = append(a, slog.String(ceSubject, ce.Subject))
	}
	if !ce.Time.IsZero() {
		a = append(a, slog.String(ceTime, ce.Time.Format(time.RFC3339)))
	}
	return a
}

// toMessage fills in default values where possible and applies the event as
// user properties on the outgoing publish. A nil receiver is a no-op: cloud
// events are optional on Send.
func (ce *CloudEvent) toMessage(msg *mqtt.Message) error {
	if ce == nil {
		return nil
	}

	for _, key := range ceReserved {
		if _, ok := msg.UserProperties[key]; ok {
			return &errors.Client{
				Message: "metadata key reserved for cloud event",
				Kind: errors.ArgumentInvalid{
					PropertyName:  "Metadata",
					PropertyValue: key,
				},
				Shallow: true,
			}
		}
	}

	if ce.ID != "" {
		msg.UserProperties[ceID] = ce.ID
	} else {
		id, err := errutil.NewUUID()
		if err != nil {
			return err
		}
		msg.UserProperties[ceID] = id
	}

	// Every other field has a reasonable default; source is both required
	// and something only the caller can supply.
	if ce.Source == nil {
		return &errors.Client{
			Message: "source must be defined",
			Kind:    errors.ArgumentInvalid{PropertyName: "CloudEvent.Source"},
			Shallow: true,
		}
	}
	msg.UserProperties[ceSource] = ce.Source.String()

	if ce.SpecVersion != "" {
		msg.UserProperties[ceSpecVersion] = ce.SpecVersion
	} else {
		msg.UserProperties[ceSpecVersion] = DefaultCloudEventSpecVersion
	}

	if ce.Type != "" {
		msg.UserProperties[ceType] = ce.Type
	} else {
		msg.UserProperties[ceType] = DefaultCloudEventType
	}

	if ce.DataContentType != "" && ce.DataContentType != msg.ContentType {
		return &errors.Client{
			Message: "cloud event content type mismatch",
			Kind: errors.ArgumentInvalid{
				PropertyName:  "DataContentType",
				PropertyValue: ce.DataContentType,
			},
			Shallow: true,
		}
	}

	if ce.DataSchema != nil {
		msg.UserProperties[ceDataSchema] = ce.DataSchema.String()
	}

	if ce.Subject != "" {
		msg.UserProperties[ceSubject] = ce.Subject
	} else {
		msg.UserProperties[ceSubject] = msg.Topic
	}

	if !ce.Time.IsZero() {
		msg.UserProperties[ceTime] = ce.Time.Format(time.RFC3339)
	} else {
		msg.UserProperties[ceTime] = time.Now().UTC().Format(time.RFC3339)
	}

	return nil
}

// CloudEventFromTelemetry extracts cloud event data from a received
// telemetry message. It returns an error if a required property is missing
// or a present property doesn't parse; the caller treats this as "no cloud
// event" rather than a reason to discard the telemetry payload.
func CloudEventFromTelemetry[T any](
	msg *TelemetryMessage[T],
) (*CloudEvent, error) {
	var ok bool
	var err error
	ce := &CloudEvent{}

	ce.SpecVersion, ok = msg.Metadata[ceSpecVersion]
	if !ok {
		return nil, &errors.Remote{
			Message: "cloud event missing spec version header",
			Kind:    errors.HeaderMissing{HeaderName: ceSpecVersion},
		}
	}
	if ce.SpecVersion != DefaultCloudEventSpecVersion {
		return nil, &errors.Remote{
			Message: "cloud event has unsupported spec version",
			Kind: errors.HeaderInvalid{
				HeaderName:  ceSpecVersion,
				HeaderValue: ce.SpecVersion,
			},
		}
	}

	ce.ID, ok = msg.Metadata[ceID]
	if !ok {
		return nil, &errors.Remote{
			Message: "cloud event missing id header",
			Kind:    errors.HeaderMissing{HeaderName: ceID},
		}
	}

	src, ok := msg.Metadata[ceSource]
	if !ok {
		return nil, &errors.Remote{
			Message: "cloud event missing source header",
			Kind:    errors.HeaderMissing{HeaderName: ceSource},
		}
	}
	ce.Source, err = url.Parse(src)
	if err != nil {
		return nil, &errors.Remote{
			Message: "cloud event has invalid source header",
			Kind:    errors.HeaderInvalid{HeaderName: ceSource, HeaderValue: src},
		}
	}

	ce.Type, ok = msg.Metadata[ceType]
	if !ok {
		return nil, &errors.Remote{
			Message: "cloud event missing type header",
			Kind:    errors.HeaderMissing{HeaderName: ceType},
		}
	}

	// Optional fields: missing is fine, present-but-malformed is not.
	ce.DataContentType = msg.ContentType

	if ds, ok := msg.Metadata[ceDataSchema]; ok {
		ce.DataSchema, err = url.Parse(ds)
		if err != nil {
			return nil, &errors.Remote{
				Message: "cloud event has invalid data schema header",
				Kind:    errors.HeaderInvalid{HeaderName: ceDataSchema, HeaderValue: ds},
			}
		}
	}

	ce.Subject = msg.Metadata[ceSubject]

	if t, ok := msg.Metadata[ceTime]; ok {
		ce.Time, err = iso8601.ParseString(t)
		if err != nil {
			return nil, &errors.Remote{
				Message: "cloud event has invalid time header",
				Kind:    errors.HeaderInvalid{HeaderName: ceTime, HeaderValue: t},
			}
		}
	}

	return ce, nil
}
