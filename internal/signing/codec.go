package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Header names attached to every signed request. The agent and the panel
// both sign and verify with the exact same set.
const (
	HeaderNodeID    = "X-Node-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderBodyHash  = "X-Body-SHA256"
	HeaderSignature = "X-Signature"
)

// EmptyBodySHA256 is the hash used for bodyless requests (GET/HEAD and
// WebSocket upgrades). It is never omitted from the canonical string, so
// signer and verifier always derive byte-identical input.
const EmptyBodySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of message under key.
func HMACSHA256Hex(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// StripQuery removes everything from the first '?' onward. Query strings
// are excluded from signing so that volatile parameters (since, tail) do
// not invalidate the signature.
func StripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// CanonicalString builds the exact byte sequence both sides hash:
//
//	"{timestampMs}.{METHOD}.{path-without-query}.{bodySha256Hex}"
//
// Keep the order and delimiter consistent across signer and verifier.
func CanonicalString(timestampMs int64, method, path, bodyHash string) string {
	return fmt.Sprintf("%d.%s.%s.%s",
		timestampMs, strings.ToUpper(method), StripQuery(path), bodyHash)
}
