package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/thebluefowl/reelvault/internal/enc"
	"github.com/thebluefowl/reelvault/internal/fault"
)

func validRecord() Record {
	return Record{
		VideoID:    "vid",
		WrappedKey: []byte("wrapped"),
		Nonce:      make([]byte, enc.NonceSize),
		Tag:        make([]byte, enc.TagSize),
		MAC:        make([]byte, 32),
		PlainSHA:   make([]byte, 32),
		Version:    VersionFor(enc.DefaultSuite()),
	}
}

func TestVersionFor(t *testing.T) {
	if got := VersionFor(enc.DefaultSuite()); got != "reelvault.1/AES-256-GCM/RSA-OAEP-SHA256" {
		t.Errorf("VersionFor = %q", got)
	}
	s, _ := enc.NewSuite("CHACHA20-POLY1305")
	r := Record{Version: VersionFor(s)}
	if r.AEADAlgorithm() != "CHACHA20-POLY1305" {
		t.Errorf("AEADAlgorithm = %q", r.AEADAlgorithm())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
		ok     bool
	}{
		{"valid", func(*Record) {}, true},
		{"no video", func(r *Record) { r.VideoID = "" }, false},
		{"no wrapped key", func(r *Record) { r.WrappedKey = nil }, false},
		{"short nonce", func(r *Record) { r.Nonce = r.Nonce[:8] }, false},
		{"long tag", func(r *Record) { r.Tag = append(r.Tag, 0) }, false},
		{"no mac", func(r *Record) { r.MAC = nil }, false},
		{"short digest", func(r *Record) { r.PlainSHA = r.PlainSHA[:16] }, false},
		{"bad version", func(r *Record) { r.Version = "vault.1.1" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v", err)
			}
			if !tt.ok && !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("Validate() = %v, want validation error", err)
			}
		})
	}
}

func TestAEADParamsAndDigest(t *testing.T) {
	r := validRecord()
	r.PlainSHA[0] = 9
	p := r.AEADParams()
	if p.Algorithm != "AES-256-GCM" || !bytes.Equal(p.Nonce, r.Nonce) || !bytes.Equal(p.Tag, r.Tag) {
		t.Errorf("params = %+v", p)
	}
	if d := r.PlainDigest(); d[0] != 9 {
		t.Error("digest not copied")
	}
}
