// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package topic implements the topic-template grammar shared by the command
// invoker, command executor, and telemetry sender/receiver: validating
// pattern strings, and resolving their tokens to either a concrete publish
// topic or an MQTT subscription filter.
package topic

import (
	"strings"

	"github.com/aio-protocol/rpcruntime/protocol/errors"
)

// PatternValidity classifies the outcome of ValidateTopicPattern.
type PatternValidity int

const (
	// Valid means the pattern is well-formed and every token either has a
	// valid binding or may legitimately remain unresolved.
	Valid PatternValidity = iota
	// InvalidPattern means the pattern violates the topic-template grammar
	// itself (empty segment, illegal character, unbalanced braces, ...).
	InvalidPattern
	// InvalidResidentReplacement means a token has a resident binding whose
	// value is not a valid replacement.
	InvalidResidentReplacement
	// InvalidTransientReplacement means a token has a transient binding
	// whose value is not a valid replacement.
	InvalidTransientReplacement
	// MissingReplacement means requireReplacement was set and a token has
	// neither a resident nor a transient binding.
	MissingReplacement
)

// String renders the validity for diagnostics and test failure messages.
func (v PatternValidity) String() string {
	switch v {
	case Valid:
		return "Valid"
	case InvalidPattern:
		return "InvalidPattern"
	case InvalidResidentReplacement:
		return "InvalidResidentReplacement"
	case InvalidTransientReplacement:
		return "InvalidTransientReplacement"
	case MissingReplacement:
		return "MissingReplacement"
	default:
		return "Unknown"
	}
}

// IsValidReplacement reports whether value may be substituted for a token:
// non-empty, a single topic segment (no "/"), none of the reserved topic
// characters, and not "$"-prefixed.
func IsValidReplacement(value string) bool {
	if value == "" {
		return false
	}
	if value[0] == '$' {
		return false
	}
	return isLabel(value)
}

// isLabel reports whether s is a valid single segment: non-empty and free
// of space, tab, newline, '+', '#', '/', '{', '}'.
func isLabel(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '+', '#', '/', '{', '}':
			return false
		}
	}
	return true
}

// splitSegments splits a pattern on "/" without allocating a slice of
// sub-patterns beyond the split itself; empty patterns yield a single empty
// segment so callers can detect it as invalid.
func splitSegments(pattern string) []string {
	return strings.Split(pattern, "/")
}

// segmentToken returns (name, true) if segment is a "{name}" token
// occupying the entire segment.
func segmentToken(segment string) (string, bool) {
	if len(segment) < 3 || segment[0] != '{' || segment[len(segment)-1] != '}' {
		return "", false
	}
	name := segment[1 : len(segment)-1]
	if name == "" || strings.ContainsAny(name, "{}") {
		return "", false
	}
	return name, true
}

// ValidateTopicPattern checks pattern against the topic-template grammar and,
// for each token found, its binding in resident or transient (resident takes
// no precedence over transient here — both are independently validated; a
// token present in both is an error from whichever map is checked to have
// the invalid value, resident first). When requireReplacement is set, any
// token lacking a binding in either map yields MissingReplacement. On a
// non-Valid result, errorToken/errorReplacement report the offending token
// name and (if applicable) replacement value.
func ValidateTopicPattern(
	pattern string,
	resident, transient map[string]string,
	requireReplacement bool,
) (validity PatternValidity, errorToken, errorReplacement string) {
	if pattern == "" {
		return InvalidPattern, "", ""
	}
	if pattern[0] == '/' || pattern[len(pattern)-1] == '/' {
		return InvalidPattern, "", ""
	}

	for _, segment := range splitSegments(pattern) {
		if segment == "" {
			return InvalidPattern, "", ""
		}

		name, isToken := segmentToken(segment)
		if !isToken {
			if !isLabel(segment) || segment[0] == '$' {
				return InvalidPattern, "", ""
			}
			continue
		}
		if !isLabel(name) {
			return InvalidPattern, "", ""
		}

		rv, inResident := resident[name]
		if inResident && !IsValidReplacement(rv) {
			return InvalidResidentReplacement, name, rv
		}
		tv, inTransient := transient[name]
		if inTransient && !IsValidReplacement(tv) {
			return InvalidTransientReplacement, name, tv
		}
		if requireReplacement && !inResident && !inTransient {
			return MissingReplacement, name, ""
		}
	}

	return Valid, "", ""
}

// ResolveTopic substitutes every token in pattern: the transient binding if
// present, else the resident binding, else the MQTT single-level wildcard
// "+". It performs one linear scan over pattern's segments. Callers that
// need a fully-resolved publish topic (no "+") should check the result with
// IsResolved.
func ResolveTopic(pattern string, resident, transient map[string]string) (string, error) {
	segments := splitSegments(pattern)
	for i, segment := range segments {
		name, isToken := segmentToken(segment)
		if !isToken {
			continue
		}
		if value, ok := transient[name]; ok {
			segments[i] = value
			continue
		}
		if value, ok := resident[name]; ok {
			segments[i] = value
			continue
		}
		segments[i] = "+"
	}
	return strings.Join(segments, "/"), nil
}

// IsResolved reports whether topic is a fully-resolved topic: no "+", no
// "#", no empty segments, and no leading/trailing "/".
func IsResolved(topic string) bool {
	if topic == "" || topic[0] == '/' || topic[len(topic)-1] == '/' {
		return false
	}
	for _, segment := range splitSegments(topic) {
		if segment == "" {
			return false
		}
		if strings.Contains(segment, "#") {
			return false
		}
		if strings.Contains(segment, "+") {
			return false
		}
	}
	return true
}

// Namespace prepends namespace to pattern with a single "/" joiner,
// validating that namespace itself is a token-free, valid topic pattern. An
// empty namespace returns pattern unchanged.
func Namespace(namespace, pattern string) (string, error) {
	if namespace == "" {
		return pattern, nil
	}
	if v, _, _ := ValidateTopicPattern(namespace, nil, nil, false); v != Valid {
		return "", errInvalidNamespace(namespace)
	}
	for _, segment := range splitSegments(namespace) {
		if _, isToken := segmentToken(segment); isToken {
			return "", errInvalidNamespace(namespace)
		}
	}
	return namespace + "/" + pattern, nil
}

// MatchTopic matches a concrete, received topic against pattern, returning
// the token bindings recovered from the wildcard/token segments and whether
// the topic matched at all (different segment count, or a literal segment
// mismatch, fails the match). Token segments bind whatever value appears in
// the corresponding topic segment; a literal "+" segment matches any value
// and binds nothing.
func MatchTopic(pattern, topic string) (map[string]string, bool) {
	patternSegments := splitSegments(pattern)
	topicSegments := splitSegments(topic)
	if len(patternSegments) != len(topicSegments) {
		return nil, false
	}

	tokens := make(map[string]string)
	for i, segment := range patternSegments {
		if name, isToken := segmentToken(segment); isToken {
			tokens[name] = topicSegments[i]
			continue
		}
		if segment == "+" {
			continue
		}
		if segment != topicSegments[i] {
			return nil, false
		}
	}
	return tokens, true
}

func errInvalidNamespace(namespace string) error {
	return &errors.Client{
		Message: "invalid topic namespace",
		Kind: errors.ConfigurationInvalid{
			PropertyName:  "TopicNamespace",
			PropertyValue: namespace,
		},
		Shallow: true,
	}
}
