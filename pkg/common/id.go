package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID generates a unique ID with the given prefix.
// Format: prefix-timestamp-random
func GenerateID(prefix string) string {
	timestamp := time.Now().UnixNano() / int64(time.Millisecond)
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	random := hex.EncodeToString(randomBytes)
	return fmt.Sprintf("%s-%d-%s", prefix, timestamp, random)
}

// GenerateEnvironmentName generates the host-assigned resource name for an
// execution unit. Remote hosts address callbacks by this name.
func GenerateEnvironmentName() string {
	return GenerateID("env")
}

// GenerateSnapshotName generates a snapshot directory name.
func GenerateSnapshotName() string {
	return GenerateID("snap")
}

// GenerateSecret generates an opaque callback secret. Generated once per
// resource and transmitted only in the initial provisioning handshake.
func GenerateSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GenerateRandomID generates a random ID of the specified length.
func GenerateRandomID(length int) string {
	bytes := make([]byte, length/2+1)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:length]
}
