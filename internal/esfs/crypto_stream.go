package esfs

import (
	"encoding/binary"

	"github.com/barnettlynn/esfs/internal/pal"
)

// bounceChunkSize bounds how much ciphertext is produced per AES-CTR stream
// instantiation. The original C implementation needed this to cap a static
// stack buffer; Go's allocator makes that unnecessary, but the chunking is
// kept anyway because it is what makes position-anchored CTR cheap to
// reason about: every chunk re-derives its IV from the absolute file
// position instead of trusting a long-lived keystream's internal counter,
// so an interrupted write can never leave the cipher mid-block out of sync
// with what's on disk.
const bounceChunkSize = 256

// cryptXOR XORs an AES-CTR keystream into data, as if data occupied bytes
// [position, position+len(data)) of the encrypted region (position is
// measured from the start of the encrypted region, immediately after the
// TLV index). AES-CTR is its own inverse, so this single function
// implements both encrypt and decrypt. It returns a new slice; data is not
// modified in place.
func cryptXOR(crypto pal.Crypto, key []byte, nonce [NonceSize]byte, position int64, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	if len(data) == 0 {
		return out, nil
	}

	pos := position
	outOff := 0

	// Handle a leading partial block: pad the unused prefix with zeros,
	// encrypt the full 16-byte block, and keep only the bytes that
	// actually belong to the caller's data.
	if prevRemainder := int(pos % 16); prevRemainder != 0 {
		blockStart := pos - int64(prevRemainder)
		stream, err := crypto.NewAESCTRStream(key, ivForPosition(nonce, blockStart))
		if err != nil {
			return nil, err
		}
		var block, encBlock [16]byte
		n := 16 - prevRemainder
		if n > len(data) {
			n = len(data)
		}
		copy(block[prevRemainder:prevRemainder+n], data[:n])
		stream.XORKeyStream(encBlock[:], block[:])
		copy(out[:n], encBlock[prevRemainder:prevRemainder+n])

		outOff = n
		pos += int64(n)
	}

	// The remainder is block-aligned; process it in bounce-sized chunks,
	// refreshing the IV (and therefore the CTR counter) at each boundary.
	for outOff < len(data) {
		chunk := bounceChunkSize
		if remain := len(data) - outOff; chunk > remain {
			chunk = remain
		}
		stream, err := crypto.NewAESCTRStream(key, ivForPosition(nonce, pos))
		if err != nil {
			return nil, err
		}
		stream.XORKeyStream(out[outOff:outOff+chunk], data[outOff:outOff+chunk])
		outOff += chunk
		pos += int64(chunk)
	}

	return out, nil
}

// ivForPosition builds the 16-byte AES-CTR IV for a block-aligned position:
// bytes 0-7 are the per-file nonce, bytes 8-15 are the big-endian block
// counter (position/16).
func ivForPosition(nonce [NonceSize]byte, position int64) []byte {
	iv := make([]byte, 16)
	copy(iv[:NonceSize], nonce[:])
	binary.BigEndian.PutUint64(iv[NonceSize:], uint64(position)/16)
	return iv
}
