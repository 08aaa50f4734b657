package executor

import (
	"encoding/base64"
	"fmt"
)

// File contents travel base64-encoded so binary payloads survive the JSON
// transport.

func encodeContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

func decodeContent(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}
	return data, nil
}
