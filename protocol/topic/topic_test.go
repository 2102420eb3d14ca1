// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package topic_test

import (
	"testing"

	"github.com/aio-protocol/rpcruntime/protocol/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFullyBound(t *testing.T) {
	resident := map[string]string{
		"commandName":     "reboot",
		"executorId":      "svc",
		"invokerClientId": "me",
		"modelId":         "s1",
	}
	got, err := topic.ResolveTopic(
		"{modelId}/{commandName}/{executorId}/from/{invokerClientId}",
		resident, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "s1/reboot/svc/from/me", got)
}

func TestResolveOmittedTokenBecomesWildcard(t *testing.T) {
	resident := map[string]string{
		"executorId":      "svc",
		"invokerClientId": "me",
		"modelId":         "s1",
	}
	got, err := topic.ResolveTopic(
		"{modelId}/{commandName}/{executorId}/from/{invokerClientId}",
		resident, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "s1/+/svc/from/me", got)
}

func TestResolveTransientOverridesResident(t *testing.T) {
	resident := map[string]string{"token": "resident-value"}
	transient := map[string]string{"token": "transient-value"}
	got, err := topic.ResolveTopic("a/{token}/b", resident, transient)
	require.NoError(t, err)
	assert.Equal(t, "a/transient-value/b", got)
}

func TestValidateInvalidResidentReplacement(t *testing.T) {
	validity, errToken, errReplacement := topic.ValidateTopicPattern(
		"hello/{myToken}/there",
		map[string]string{"myToken": "hello there"},
		nil,
		false,
	)
	assert.Equal(t, topic.InvalidResidentReplacement, validity)
	assert.Equal(t, "myToken", errToken)
	assert.Equal(t, "hello there", errReplacement)
}

func TestValidateMissingReplacementRequired(t *testing.T) {
	validity, errToken, _ := topic.ValidateTopicPattern(
		"a/{token}/b", nil, nil, true,
	)
	assert.Equal(t, topic.MissingReplacement, validity)
	assert.Equal(t, "token", errToken)
}

func TestValidateMissingReplacementNotRequiredIsValid(t *testing.T) {
	validity, _, _ := topic.ValidateTopicPattern(
		"a/{token}/b", nil, nil, false,
	)
	assert.Equal(t, topic.Valid, validity)
}

func TestValidateRejectsMalformedPatterns(t *testing.T) {
	cases := []string{
		"",
		"/leading",
		"trailing/",
		"a//b",
		"a/+/b",
		"a/#/b",
		"a/$b/c",
		"a/{}/b",
		"a/{unterminated/b",
		"a/has space/b",
	}
	for _, pattern := range cases {
		validity, _, _ := topic.ValidateTopicPattern(pattern, nil, nil, false)
		assert.Equal(t, topic.InvalidPattern, validity, pattern)
	}
}

func TestIsValidReplacement(t *testing.T) {
	assert.True(t, topic.IsValidReplacement("reboot"))
	assert.False(t, topic.IsValidReplacement(""))
	assert.False(t, topic.IsValidReplacement("$system"))
	assert.False(t, topic.IsValidReplacement("has space"))
	assert.False(t, topic.IsValidReplacement("a/b"))
	assert.False(t, topic.IsValidReplacement("a+b"))
	assert.False(t, topic.IsValidReplacement("a#b"))
}

func TestResolveRoundTripSatisfiesGrammar(t *testing.T) {
	resident := map[string]string{"a": "x", "b": "y", "c": "z"}
	resolved, err := topic.ResolveTopic("{a}/{b}/{c}", resident, nil)
	require.NoError(t, err)
	assert.True(t, topic.IsResolved(resolved))

	validity, _, _ := topic.ValidateTopicPattern(resolved, nil, nil, false)
	assert.Equal(t, topic.Valid, validity)
}

func TestNamespaceJoinsWithSlash(t *testing.T) {
	got, err := topic.Namespace("ns", "a/{b}")
	require.NoError(t, err)
	assert.Equal(t, "ns/a/{b}", got)
}

func TestNamespaceEmptyIsNoop(t *testing.T) {
	got, err := topic.Namespace("", "a/{b}")
	require.NoError(t, err)
	assert.Equal(t, "a/{b}", got)
}

func TestNamespaceRejectsTokens(t *testing.T) {
	_, err := topic.Namespace("{ns}", "a/b")
	require.Error(t, err)
}

func TestNamespaceRejectsInvalidPattern(t *testing.T) {
	_, err := topic.Namespace("bad//ns", "a/b")
	require.Error(t, err)
}

func TestMatchTopicExtractsTokens(t *testing.T) {
	tokens, ok := topic.MatchTopic("svc/{executorId}/cmd/{commandName}", "svc/+/cmd/reboot")
	require.True(t, ok)
	assert.Equal(t, "+", tokens["executorId"])
	assert.Equal(t, "reboot", tokens["commandName"])
}

func TestMatchTopicRejectsSegmentCountMismatch(t *testing.T) {
	_, ok := topic.MatchTopic("svc/{executorId}/cmd", "svc/a/cmd/extra")
	assert.False(t, ok)
}

func TestMatchTopicRejectsLiteralMismatch(t *testing.T) {
	_, ok := topic.MatchTopic("svc/literal/cmd", "svc/other/cmd")
	assert.False(t, ok)
}
