// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package internal

import (
	"strings"

	"github.com/aio-protocol/rpcruntime/protocol/internal/constants"
)

// PropToMetadata strips the reserved protocol-prefixed keys out of a set of
// MQTT user properties, leaving only the caller-provided metadata.
func PropToMetadata(prop map[string]string) map[string]string {
	data := make(map[string]string, len(prop))
	for key, val := range prop {
		if !strings.HasPrefix(key, constants.Protocol) {
			data[key] = val
		}
	}
	return data
}
