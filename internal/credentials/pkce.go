package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
)

// pkceCharset is the RFC 7636 unreserved character set for code verifiers.
const pkceCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// NewVerifier generates a PKCE code verifier of the given length drawn from
// the unreserved charset. Lengths outside [43, 128] are rejected.
func NewVerifier(length int) (string, error) {
	if length < minVerifierLen || length > maxVerifierLen {
		return "", fmt.Errorf("credentials: verifier length %d out of range [%d, %d]", length, minVerifierLen, maxVerifierLen)
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("credentials: read random: %w", err)
	}
	for i, b := range raw {
		raw[i] = pkceCharset[int(b)%len(pkceCharset)]
	}
	return string(raw), nil
}

// Challenge returns the S256 code challenge for a verifier:
// base64url without padding of SHA-256(verifier).
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// FindAvailablePort returns the first port in [start, end] that can be bound
// on localhost, or 0 when every port in the range is taken.
func FindAvailablePort(start, end int) int {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port
	}
	return 0
}
