package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateDeviceID issues a new device identifier for the X-Device-ID header.
func GenerateDeviceID() string {
	return uuid.NewString()
}

// GenerateOutboxID generates a unique outbox message ID with "ob_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("ob_", 24)
}

// IsDeviceID reports whether s looks like an ID issued by GenerateDeviceID.
func IsDeviceID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
