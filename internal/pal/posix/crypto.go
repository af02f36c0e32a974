package posix

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/barnettlynn/esfs/internal/pal"
)

// Crypto implements pal.Crypto on top of the standard library's crypto/aes
// and crypto/cipher, plus a hand-rolled AES-CMAC. Go's standard library has
// no CMAC implementation; the subkey generation and block-chaining below are
// adapted from the corpus's own aesCMAC (pkg/ntag424/crypto.go), which faced
// the identical gap for DESFire secure messaging and solved it the same way.
type Crypto struct{}

func (Crypto) NewAESCTRStream(key, iv []byte) (pal.CTRStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("posix: AES-CTR IV must be %d bytes, got %d", block.BlockSize(), len(iv))
	}
	return cipher.NewCTR(block, iv), nil
}

func (Crypto) NewCMAC(key []byte) (pal.CMAC, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	k1, k2 := generateCMACSubkeys(block)
	return &cmacState{block: block, k1: k1, k2: k2}, nil
}

func (Crypto) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (Crypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// cmacState is an incremental AES-CMAC accumulator. Unlike a one-shot CMAC
// over a message known in full up front, the storage core feeds it header
// fields, TLV values, and payload bytes as they are produced, so it must
// hold the most recent up-to-one-block of input unprocessed (the subkey
// treatment of the final block depends on whether it is complete, which is
// only known once no more data follows).
type cmacState struct {
	block   cipher.Block
	k1, k2  []byte
	x       [16]byte
	pending []byte // 0..16 bytes not yet folded into x
}

func (c *cmacState) Write(p []byte) (int, error) {
	n := len(p)
	c.pending = append(c.pending, p...)
	for len(c.pending) > 16 {
		block := c.pending[:16]
		c.pending = c.pending[16:]
		y := xorBytes(c.x[:], block)
		c.block.Encrypt(c.x[:], y)
	}
	return n, nil
}

func (c *cmacState) Sum() [16]byte {
	var last [16]byte
	if len(c.pending) == 16 {
		copy(last[:], c.pending)
		xorInPlace(last[:], c.k1)
	} else {
		copy(last[:], c.pending)
		last[len(c.pending)] = 0x80
		xorInPlace(last[:], c.k2)
	}
	y := xorBytes(c.x[:], last[:])
	var out [16]byte
	c.block.Encrypt(out[:], y)
	return out
}

func generateCMACSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87
	zero := make([]byte, 16)
	l := make([]byte, 16)
	block.Encrypt(l, zero)

	k1 = make([]byte, 16)
	leftShift1(k1, l)
	if (l[0] & 0x80) != 0 {
		k1[15] ^= rb
	}

	k2 = make([]byte, 16)
	leftShift1(k2, k1)
	if (k1[0] & 0x80) != 0 {
		k2[15] ^= rb
	}
	return k1, k2
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func xorInPlace(dst, src []byte) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] ^= src[i]
	}
}
