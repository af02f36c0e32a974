package esfs

import (
	"bytes"
	"testing"

	"github.com/barnettlynn/esfs/internal/pal/posix"
)

// Invariant 8: a buffer encrypted via one large cryptXOR call and the same
// buffer encrypted via many small calls at their correct cumulative
// positions must produce byte-identical ciphertext, since each chunk
// re-derives its IV from the absolute position rather than carrying
// keystream state across calls.
func TestCryptXORPositionIndependence(t *testing.T) {
	crypto := posix.Crypto{}
	key := []byte("0123456789ABCDEF")
	var nonce [NonceSize]byte
	copy(nonce[:], "ESFSNONC")

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	bulk, err := cryptXOR(crypto, key, nonce, 0, payload)
	if err != nil {
		t.Fatalf("cryptXOR bulk: %v", err)
	}

	chunked := make([]byte, 0, len(payload))
	for off := 0; off < len(payload); off += 7 {
		end := off + 7
		if end > len(payload) {
			end = len(payload)
		}
		out, err := cryptXOR(crypto, key, nonce, int64(off), payload[off:end])
		if err != nil {
			t.Fatalf("cryptXOR chunk at %d: %v", off, err)
		}
		chunked = append(chunked, out...)
	}

	if !bytes.Equal(bulk, chunked) {
		t.Fatalf("chunked ciphertext differs from bulk ciphertext")
	}
}

// Invariant 4 (encryption exclusivity), at the primitive level: encrypting a
// zeroed payload must not reproduce the zeroed plaintext.
func TestCryptXORChangesZeroedPayload(t *testing.T) {
	crypto := posix.Crypto{}
	key := []byte("0123456789ABCDEF")
	var nonce [NonceSize]byte
	copy(nonce[:], "ESFSNONC")

	zero := make([]byte, 64)
	out, err := cryptXOR(crypto, key, nonce, 0, zero)
	if err != nil {
		t.Fatalf("cryptXOR: %v", err)
	}
	if bytes.Equal(out, zero) {
		t.Fatalf("ciphertext of zeroed payload equals plaintext")
	}
}

// Decrypting at the same position must invert encryption, including across
// a non-block-aligned starting offset.
func TestCryptXORRoundTripUnalignedPosition(t *testing.T) {
	crypto := posix.Crypto{}
	key := []byte("0123456789ABCDEF")
	var nonce [NonceSize]byte
	copy(nonce[:], "ESFSNONC")

	plain := []byte("the quick brown fox jumps over the lazy dog, twice")
	const pos = 5 // not block-aligned

	enc, err := cryptXOR(crypto, key, nonce, pos, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := cryptXOR(crypto, key, nonce, pos, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip = %q, want %q", dec, plain)
	}
}
