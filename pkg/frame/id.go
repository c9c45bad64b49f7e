package frame

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID creates a new random hex string ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("fallback-%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
