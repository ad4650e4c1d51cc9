// Package identity verifies client credentials: HMAC-signed bearer tokens
// binding an owner id to an expiry.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verifier issues and validates signed owner tokens. Verification happens
// once per duplex connection and once per one-shot request.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the provided secret.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		panic("identity verifier requires non-empty secret")
	}
	return &Verifier{secret: []byte(secret)}
}

// Issue creates a signed token embedding the owner id.
func (v *Verifier) Issue(ownerID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.New("owner id required")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s|%d", ownerID, expires)
	sig := v.sign([]byte(payload))
	return fmt.Sprintf("%s.%s",
		base64.RawURLEncoding.EncodeToString([]byte(payload)),
		base64.RawURLEncoding.EncodeToString(sig)), nil
}

// Verify validates the credential and returns the embedded owner id.
func (v *Verifier) Verify(credential string) (string, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 2 {
		return "", errors.New("invalid credential format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid credential payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid credential signature")
	}
	if !hmac.Equal(sigBytes, v.sign(payloadBytes)) {
		return "", errors.New("signature mismatch")
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", errors.New("invalid payload")
	}
	ownerID := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", errors.New("invalid expiry")
	}
	if time.Now().Unix() > expiry {
		return "", errors.New("credential expired")
	}
	return ownerID, nil
}

func (v *Verifier) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(payload)
	return h.Sum(nil)
}
