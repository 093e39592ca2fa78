package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "odc_"

// GenerateMachineToken creates a new machine token and the hash to put
// into the configuration.
// Format: odc_<uuid>_<random_secret>
func GenerateMachineToken() (token, tokenID, hash string, err error) {
	id := uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = fmt.Sprintf("%s%s_%s", machineTokenPrefix, id, hex.EncodeToString(secretBytes))
	return token, id.String(), HashToken(token), nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// parseMachineToken returns the token id, or false if token does not look
// like a machine token.
func parseMachineToken(token string) (string, bool) {
	if len(token) != len(machineTokenPrefix)+36+1+64 || !strings.HasPrefix(token, machineTokenPrefix) {
		return "", false
	}
	id := token[len(machineTokenPrefix) : len(machineTokenPrefix)+36]
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
