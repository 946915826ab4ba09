package enc

import (
	"bytes"
	"crypto/rand"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/thebluefowl/reelvault/internal/fault"
)

const testLimit = 64 << 20

func newKeyAndParams(t testing.TB, s Suite) ([]byte, AEADParams) {
	t.Helper()
	key, err := NewContentKey()
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewAEADParams(s.AEAD.Algorithm())
	if err != nil {
		t.Fatal(err)
	}
	return key, p
}

func TestNewAEADParams(t *testing.T) {
	p1, err := NewAEADParams(AESGCM.Algorithm())
	if err != nil {
		t.Fatal(err)
	}
	p2, err := NewAEADParams(AESGCM.Algorithm())
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Nonce) != NonceSize {
		t.Errorf("nonce length = %d, want %d", len(p1.Nonce), NonceSize)
	}
	if bytes.Equal(p1.Nonce, p2.Nonce) {
		t.Error("two params share a nonce")
	}
	if p1.Algorithm != "AES-256-GCM" {
		t.Errorf("Algorithm = %q", p1.Algorithm)
	}
}

func TestNewSuite(t *testing.T) {
	tests := []struct {
		name    string
		aead    string
		want    string
		wantErr bool
	}{
		{"default", "", "AES-256-GCM", false},
		{"aes", "AES-256-GCM", "AES-256-GCM", false},
		{"chacha", "CHACHA20-POLY1305", "CHACHA20-POLY1305", false},
		{"unknown", "DES", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSuite(tt.aead)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSuite() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s.AEAD.Algorithm() != tt.want {
				t.Errorf("AEAD = %q, want %q", s.AEAD.Algorithm(), tt.want)
			}
		})
	}
}

func TestSealOpenStream(t *testing.T) {
	tests := []struct {
		name      string
		aead      string
		plaintext string
	}{
		{"small", "", "hello world"},
		{"one byte", "", "x"},
		{"medium", "", strings.Repeat("test", 10000)},
		{"chacha", "CHACHA20-POLY1305", strings.Repeat("y", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSuite(tt.aead)
			if err != nil {
				t.Fatal(err)
			}
			key, params := newKeyAndParams(t, s)

			var sealed bytes.Buffer
			encResult, err := s.SealStream(&sealed, strings.NewReader(tt.plaintext), key, params, testLimit)
			if err != nil {
				t.Fatalf("SealStream() error = %v", err)
			}
			if encResult.TotalPlain != int64(len(tt.plaintext)) {
				t.Errorf("TotalPlain = %d, want %d", encResult.TotalPlain, len(tt.plaintext))
			}
			if sealed.Len() != len(tt.plaintext) {
				t.Errorf("ciphertext length = %d, want %d", sealed.Len(), len(tt.plaintext))
			}
			if len(encResult.Params.Tag) != TagSize {
				t.Errorf("tag length = %d, want %d", len(encResult.Params.Tag), TagSize)
			}
			if tt.plaintext != "" && sealed.String() == tt.plaintext {
				t.Error("ciphertext equals plaintext")
			}

			var opened bytes.Buffer
			decResult, err := s.OpenStream(&opened, &sealed, key, encResult.Params, testLimit)
			if err != nil {
				t.Fatalf("OpenStream() error = %v", err)
			}
			if opened.String() != tt.plaintext {
				t.Errorf("decrypted text mismatch")
			}
			if !VerifySHA256(encResult.PlainSHA, decResult.PlainSHA) {
				t.Error("PlainSHA mismatch between seal and open")
			}
		})
	}
}

func TestSealStreamRejectsEmpty(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)
	var dst bytes.Buffer
	_, err := s.SealStream(&dst, strings.NewReader(""), key, params, testLimit)
	if !errors.Is(err, ErrEmptyInput) || !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
	if dst.Len() != 0 {
		t.Error("output written for empty input")
	}
}

func TestSealStreamRejectsOversize(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)
	var dst bytes.Buffer
	_, err := s.SealStream(&dst, strings.NewReader("0123456789"), key, params, 9)
	if !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("err = %v, want ErrInputTooLarge", err)
	}

	dst.Reset()
	if _, err := s.SealStream(&dst, strings.NewReader("0123456789"), key, params, 10); err != nil {
		t.Fatalf("input at the limit rejected: %v", err)
	}
}

func TestStreamUnboundedLimit(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)
	var ct bytes.Buffer
	res, err := s.SealStream(&ct, strings.NewReader("no limit"), key, params, math.MaxInt64)
	if err != nil {
		t.Fatalf("SealStream: %v", err)
	}
	if res.TotalPlain != 8 {
		t.Fatalf("TotalPlain = %d, want 8", res.TotalPlain)
	}

	var pt bytes.Buffer
	if _, err := s.OpenStream(&pt, &ct, key, res.Params, math.MaxInt64); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if pt.String() != "no limit" {
		t.Fatalf("plaintext = %q", pt.String())
	}
}

func TestSealStreamInvalidKey(t *testing.T) {
	s := DefaultSuite()
	_, params := newKeyAndParams(t, s)

	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{"too short", 16, true},
		{"too long", 64, true},
		{"valid", 32, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst bytes.Buffer
			_, err := s.SealStream(&dst, strings.NewReader("test"), make([]byte, tt.keyLen), params, testLimit)
			if (err != nil) != tt.wantErr {
				t.Errorf("SealStream() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, fault.ErrCrypto) {
				t.Errorf("err = %v, want crypto failure", err)
			}
		})
	}
}

func TestOpenStreamTampering(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)
	plaintext := []byte(strings.Repeat("secret frame ", 200))

	var sealed bytes.Buffer
	res, err := s.SealStream(&sealed, bytes.NewReader(plaintext), key, params, testLimit)
	if err != nil {
		t.Fatal(err)
	}
	ct := sealed.Bytes()

	otherKey, _ := NewContentKey()

	tests := []struct {
		name   string
		mutate func(ct []byte, p *AEADParams, key *[]byte)
	}{
		{"ciphertext first bit", func(ct []byte, _ *AEADParams, _ *[]byte) { ct[0] ^= 0x01 }},
		{"ciphertext last bit", func(ct []byte, _ *AEADParams, _ *[]byte) { ct[len(ct)-1] ^= 0x80 }},
		{"tag bit", func(_ []byte, p *AEADParams, _ *[]byte) { p.Tag[5] ^= 0x01 }},
		{"short tag", func(_ []byte, p *AEADParams, _ *[]byte) { p.Tag = p.Tag[:8] }},
		{"nonce bit", func(_ []byte, p *AEADParams, _ *[]byte) { p.Nonce[0] ^= 0x01 }},
		{"wrong key", func(_ []byte, _ *AEADParams, k *[]byte) { *k = otherKey }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := append([]byte(nil), ct...)
			p := AEADParams{
				Algorithm: res.Params.Algorithm,
				Nonce:     append([]byte(nil), res.Params.Nonce...),
				Tag:       append([]byte(nil), res.Params.Tag...),
			}
			k := key
			tt.mutate(c, &p, &k)

			var out bytes.Buffer
			_, err := s.OpenStream(&out, bytes.NewReader(c), k, p, testLimit)
			if !IsAuthFailure(err) {
				t.Fatalf("err = %v, want auth failure", err)
			}
			if out.Len() != 0 {
				t.Error("partial plaintext released")
			}
		})
	}
}

func TestOpenStreamAlgorithmMismatch(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)
	var sealed bytes.Buffer
	res, err := s.SealStream(&sealed, strings.NewReader("data"), key, params, testLimit)
	if err != nil {
		t.Fatal(err)
	}

	chacha, _ := NewSuite("CHACHA20-POLY1305")
	_, err = chacha.OpenStream(&bytes.Buffer{}, &sealed, key, res.Params, testLimit)
	if !errors.Is(err, fault.ErrCrypto) {
		t.Fatalf("err = %v, want crypto failure", err)
	}
}

func TestVerifySHA256(t *testing.T) {
	var a, b [32]byte
	rand.Read(a[:])
	copy(b[:], a[:])

	if !VerifySHA256(a, b) {
		t.Error("VerifySHA256() should return true for equal hashes")
	}

	b[0] ^= 0xFF
	if VerifySHA256(a, b) {
		t.Error("VerifySHA256() should return false for different hashes")
	}
}

type errorReader struct{}

func (e errorReader) Read(p []byte) (n int, err error) {
	return 0, errors.New("read error")
}

func TestSealStreamReadError(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)

	var dst bytes.Buffer
	_, err := s.SealStream(&dst, errorReader{}, key, params, testLimit)
	if !errors.Is(err, fault.ErrIO) {
		t.Errorf("SealStream() err = %v, want io failure", err)
	}
}

type errorWriter struct{}

func (e errorWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write error")
}

func TestSealStreamWriteError(t *testing.T) {
	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)

	_, err := s.SealStream(errorWriter{}, strings.NewReader("test data"), key, params, testLimit)
	if !errors.Is(err, fault.ErrIO) {
		t.Errorf("SealStream() err = %v, want io failure", err)
	}
}

func TestSealOpenLargeData(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large data test in short mode")
	}

	s := DefaultSuite()
	key, params := newKeyAndParams(t, s)

	plaintext := make([]byte, 16<<20)
	rand.Read(plaintext)

	var sealed bytes.Buffer
	encResult, err := s.SealStream(&sealed, bytes.NewReader(plaintext), key, params, testLimit)
	if err != nil {
		t.Fatal(err)
	}

	var opened bytes.Buffer
	decResult, err := s.OpenStream(&opened, &sealed, key, encResult.Params, testLimit)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(opened.Bytes(), plaintext) {
		t.Error("large data decryption mismatch")
	}
	if !VerifySHA256(encResult.PlainSHA, decResult.PlainSHA) {
		t.Error("large data SHA mismatch")
	}
}

func BenchmarkSealStream(b *testing.B) {
	s := DefaultSuite()
	key, params := newKeyAndParams(b, s)
	data := make([]byte, 1<<20)
	rand.Read(data)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var dst bytes.Buffer
		_, _ = s.SealStream(&dst, bytes.NewReader(data), key, params, testLimit)
	}
}
