package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func RandomID(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random id: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}
