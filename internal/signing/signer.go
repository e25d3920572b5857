package signing

import (
	"net/http"
	"strconv"
	"time"
)

// Signer produces the authentication header set for outbound requests.
// The same headers are attached to plain HTTP calls and to WebSocket
// upgrade handshakes (signed as a GET with an empty body).
type Signer struct {
	nodeID string
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer for the given node identity. The secret is
// used only as an HMAC key and is never placed in a header.
func NewSigner(nodeID string, secret []byte) *Signer {
	return &Signer{nodeID: nodeID, secret: secret, now: time.Now}
}

// NodeID returns the identity this signer signs as.
func (s *Signer) NodeID() string { return s.nodeID }

// Headers signs method/path/body at the current time.
func (s *Signer) Headers(method, path string, body []byte) http.Header {
	return s.HeadersAt(s.now(), method, path, body)
}

// HeadersAt signs with an explicit timestamp. Deterministic: identical
// inputs always produce identical headers.
func (s *Signer) HeadersAt(at time.Time, method, path string, body []byte) http.Header {
	bodyHash := EmptyBodySHA256
	if len(body) > 0 {
		bodyHash = SHA256Hex(body)
	}

	ts := at.UnixMilli()
	canonical := CanonicalString(ts, method, path, bodyHash)

	h := http.Header{}
	h.Set(HeaderNodeID, s.nodeID)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderBodyHash, bodyHash)
	h.Set(HeaderSignature, HMACSHA256Hex(s.secret, []byte(canonical)))
	return h
}
