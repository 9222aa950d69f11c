package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns n bytes of CSPRNG output encoded as unpadded
// base64, so the result is longer than n characters.
func GenerateRandomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Only fails when the platform entropy source is broken.
		panic(fmt.Errorf("read random bytes: %w", err))
	}
	return base64.RawStdEncoding.EncodeToString(buf)
}
