package keydist

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type hmacSigner []byte

func (k hmacSigner) SignCapability(payload []byte) []byte {
	m := hmac.New(sha256.New, k)
	m.Write(payload)
	return m.Sum(nil)
}

func (k hmacSigner) VerifyCapability(payload, sig []byte) bool {
	return hmac.Equal(k.SignCapability(payload), sig)
}

func TestTokens(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens := NewTokens(hmacSigner("k1"), clock)
	tok := tokens.Mint("vid", "alice", now.Add(time.Hour))

	payload, sig, _ := strings.Cut(tok, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte("vid|mallory|2030-01-01T01:00:00Z")) + "." + sig
	flipped := []byte(sig)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}

	tests := []struct {
		name     string
		tokens   *Tokens
		token    string
		video    string
		consumer string
		want     bool
	}{
		{"valid", tokens, tok, "vid", "alice", true},
		{"other video", tokens, tok, "vid2", "alice", false},
		{"other consumer", tokens, tok, "vid", "bob", false},
		{"other key", NewTokens(hmacSigner("k2"), clock), tok, "vid", "alice", false},
		{"expired", NewTokens(hmacSigner("k1"), func() time.Time { return now.Add(time.Hour) }), tok, "vid", "alice", false},
		{"forged payload", tokens, forged, "vid", "mallory", false},
		{"flipped signature", tokens, payload + "." + string(flipped), "vid", "alice", false},
		{"no dot", tokens, payload, "vid", "alice", false},
		{"empty", tokens, "", "vid", "alice", false},
		{"bad base64", tokens, "!!!.???", "vid", "alice", false},
		{"empty ids", tokens, tok, "", "", false},
		{"extra fields", tokens, base64.RawURLEncoding.EncodeToString([]byte("vid|alice|x|2030-01-01T01:00:00Z")) + "." + sig, "vid", "alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tokens.Validate(tt.token, tt.video, tt.consumer))
		})
	}
}
