package keydist

import (
	"encoding/base64"
	"strings"
	"time"
)

// Signer authenticates capability payloads. keystore.Store implements it.
type Signer interface {
	SignCapability(payload []byte) []byte
	VerifyCapability(payload, sig []byte) bool
}

// Tokens mints and checks capability tokens of the form
// base64url(videoId|consumerId|expiresAt) "." base64url(hmac).
type Tokens struct {
	signer Signer
	now    func() time.Time
}

func NewTokens(signer Signer, now func() time.Time) *Tokens {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tokens{signer: signer, now: now}
}

// Mint returns a token for (videoID, consumerID) valid until expiresAt.
// Second precision is kept, matching the RFC 3339 payload.
func (t *Tokens) Mint(videoID, consumerID string, expiresAt time.Time) string {
	payload := []byte(videoID + "|" + consumerID + "|" + expiresAt.UTC().Format(time.RFC3339))
	sig := t.signer.SignCapability(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Validate reports whether token was minted by this server for exactly
// (videoID, consumerID) and has not expired. Malformed input is invalid.
func (t *Tokens) Validate(token, videoID, consumerID string) bool {
	if videoID == "" || consumerID == "" {
		return false
	}
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok || encPayload == "" || encSig == "" {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return false
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 || parts[0] != videoID || parts[1] != consumerID {
		return false
	}
	exp, err := time.Parse(time.RFC3339, parts[2])
	if err != nil || !t.now().Before(exp) {
		return false
	}
	return t.signer.VerifyCapability(payload, sig)
}
