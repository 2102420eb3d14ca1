// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errors

import "log/slog"

func kindAttrs(kind Kind) []slog.Attr {
	switch k := kind.(type) {
	case HeaderMissing:
		return []slog.Attr{slog.String("header_name", k.HeaderName)}
	case HeaderInvalid:
		return []slog.Attr{
			slog.String("header_name", k.HeaderName),
			slog.String("header_value", k.HeaderValue),
		}
	case UnsupportedMediaType:
		return []slog.Attr{slog.String("header_value", k.HeaderValue)}
	case Timeout:
		return []slog.Attr{
			slog.String("timeout_name", k.TimeoutName),
			slog.Duration("timeout_value", k.TimeoutValue),
		}
	case ConfigurationInvalid:
		return []slog.Attr{
			slog.String("property_name", k.PropertyName),
			slog.Any("property_value", k.PropertyValue),
		}
	case ArgumentInvalid:
		return []slog.Attr{
			slog.String("property_name", k.PropertyName),
			slog.Any("property_value", k.PropertyValue),
		}
	case StateInvalid:
		return []slog.Attr{slog.String("property_name", k.PropertyName)}
	case InternalLogicError:
		return []slog.Attr{slog.String("property_name", k.PropertyName)}
	case MqttError:
		return []slog.Attr{
			slog.Int("reason_code", int(k.ReasonCode)),
			slog.String("reason_string", k.ReasonString),
		}
	case InvocationError:
		a := []slog.Attr{}
		if k.PropertyName != "" {
			a = append(a, slog.String("property_name", k.PropertyName))
		}
		if k.PropertyValue != nil {
			a = append(a, slog.Any("property_value", k.PropertyValue))
		}
		return a
	case UnsupportedVersion:
		return []slog.Attr{
			slog.String("protocol_version", k.ProtocolVersion),
			slog.Any("supported_major_versions", k.SupportedMajorProtocolVersions),
		}
	default:
		return nil
	}
}

// Attrs returns additional error attributes for slog.
func (e *Client) Attrs() []slog.Attr {
	a := append([]slog.Attr{
		slog.Bool("is_shallow", e.Shallow),
	}, kindAttrs(e.Kind)...)
	if e.CorrelationID != "" {
		a = append(a, slog.String("correlation_id", e.CorrelationID))
	}
	if e.CommandName != "" {
		a = append(a, slog.String("command_name", e.CommandName))
	}
	if e.Nested != nil {
		a = append(a, slog.Any("nested_error", e.Nested))
	}
	return a
}

// Attrs returns additional error attributes for slog.
func (e *Remote) Attrs() []slog.Attr {
	a := append([]slog.Attr{
		slog.Bool("is_remote", true),
		slog.Bool("in_application", e.InApplication),
	}, kindAttrs(e.Kind)...)
	if e.CorrelationID != "" {
		a = append(a, slog.String("correlation_id", e.CorrelationID))
	}
	if e.CommandName != "" {
		a = append(a, slog.String("command_name", e.CommandName))
	}
	if e.Nested != nil {
		a = append(a, slog.Any("nested_error", e.Nested))
	}
	return a
}
