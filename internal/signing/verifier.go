package signing

import (
	"bytes"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// ReplayWindow is the maximum tolerated clock difference between the
// signer's timestamp and the verifier's clock. It is the sole anti-replay
// mechanism: a captured request stays valid for the rest of the window.
const ReplayWindow = 60 * time.Second

// Verification failure kinds. Each maps to exactly one failed check; any
// single failure aborts the request before the handler runs.
var (
	ErrMissingAuthHeaders = errors.New("missing auth headers")
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrTimestampExpired   = errors.New("timestamp outside replay window")
	ErrMalformedBodyHash  = errors.New("malformed body hash header")
	ErrBodyHashMismatch   = errors.New("body hash mismatch")
	ErrUnknownNode        = errors.New("unknown node")
	ErrInvalidSignature   = errors.New("invalid signature")
)

// IdentityStore resolves a claimed node ID to its shared secret. On the
// agent there is a single enrolled identity; on the panel it is backed by
// the node registry.
type IdentityStore interface {
	Secret(nodeID string) ([]byte, bool)
}

// Verifier authenticates inbound signed requests before they reach a
// handler.
type Verifier struct {
	store  IdentityStore
	exempt map[string]struct{}
	now    func() time.Time
}

// NewVerifier creates a verifier backed by the given identity store.
// Paths listed in exempt (the health check) bypass verification entirely.
func NewVerifier(store IdentityStore, exempt ...string) *Verifier {
	ex := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		ex[p] = struct{}{}
	}
	return &Verifier{store: store, exempt: ex, now: time.Now}
}

// Verify checks the request's auth headers against the identity store.
// It consumes and restores r.Body for methods that carry one.
func (v *Verifier) Verify(r *http.Request) error {
	nodeID := r.Header.Get(HeaderNodeID)
	tsRaw := r.Header.Get(HeaderTimestamp)
	claimedHash := r.Header.Get(HeaderBodyHash)
	claimedSig := r.Header.Get(HeaderSignature)

	if nodeID == "" || tsRaw == "" || claimedHash == "" || claimedSig == "" {
		return ErrMissingAuthHeaders
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	if d := v.now().UnixMilli() - ts; d > ReplayWindow.Milliseconds() || -d > ReplayWindow.Milliseconds() {
		return ErrTimestampExpired
	}

	if !isHexDigest(claimedHash) {
		return ErrMalformedBodyHash
	}

	expectedHash, err := v.expectedBodyHash(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if expectedHash != claimedHash {
		return ErrBodyHashMismatch
	}

	secret, ok := v.store.Secret(nodeID)
	if !ok {
		return ErrUnknownNode
	}

	canonical := CanonicalString(ts, r.Method, r.URL.Path, claimedHash)
	expectedSig := HMACSHA256Hex(secret, []byte(canonical))
	if len(expectedSig) != len(claimedSig) ||
		!hmac.Equal([]byte(expectedSig), []byte(claimedSig)) {
		return ErrInvalidSignature
	}

	return nil
}

// Wrap is the middleware form of Verify. Rejections respond 401, except a
// malformed body-hash precondition which responds 428.
func (v *Verifier) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := v.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		if err := v.Verify(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrMalformedBodyHash) {
				status = http.StatusPreconditionRequired
			}
			log.Printf("[signing] rejected %s %s from %q: %v",
				r.Method, r.URL.Path, r.Header.Get(HeaderNodeID), err)
			http.Error(w, `{"error":"`+err.Error()+`"}`, status)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// expectedBodyHash hashes what the request actually carries. WebSocket
// upgrades and bodyless methods hash the empty string; body-carrying
// methods hash the raw received bytes. The body is restored so the
// handler can still read it.
func (v *Verifier) expectedBodyHash(r *http.Request) (string, error) {
	if isUpgrade(r) || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return EmptyBodySHA256, nil
	}

	if r.Body == nil {
		return EmptyBodySHA256, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	if len(body) == 0 {
		return EmptyBodySHA256, nil
	}
	return SHA256Hex(body), nil
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
