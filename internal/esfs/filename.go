package esfs

import "crypto/sha256"

// ShortNameBaseLen and ShortNameExtLen are the on-disk filename dimensions:
// a 9-character base plus a 3-character extension.
const (
	ShortNameBaseLen = 9
	ShortNameExtLen  = 3
)

// ShortName is the derived on-disk filename for an item, split into its
// base and extension parts the way the original C layer keeps a single
// "qualified" buffer (base + '.' + extension).
type ShortName struct {
	Base [ShortNameBaseLen]byte
	Ext  [ShortNameExtLen]byte
}

func (s ShortName) String() string {
	return string(s.Base[:]) + "." + string(s.Ext[:])
}

// crockfordAlphabet is Crockford's base32 alphabet: 32 symbols, no I/L/O/U,
// so a derived filename is never visually ambiguous on a debug console.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// extensionWords is a fixed table of 3-letter extensions, picked by digest
// byte 6. The extension carries no semantic weight, but it is part of the
// on-disk name: two names collide only when both base and extension match.
var extensionWords = [8]string{"edf", "dat", "bin", "itm", "key", "crt", "cfg", "blb"}

// DeriveShortName computes the deterministic short filename for a name
// blob. It is a pure function of its input: same bytes in, same ShortName
// out, on every device and every run. Two distinct inputs may legitimately
// map to the same ShortName; the engine is
// responsible for detecting that as a HashConflict, not this function.
func DeriveShortName(name []byte) ShortName {
	digest := sha256.Sum256(name)

	// Pack the first 6 digest bytes (48 bits) into 9 base-32 symbols
	// (45 bits), dropping the low 3 bits.
	var bits uint64
	for i := 0; i < 6; i++ {
		bits = bits<<8 | uint64(digest[i])
	}
	bits >>= 3

	var sn ShortName
	for i := 0; i < ShortNameBaseLen; i++ {
		shift := uint(45 - 5*(i+1))
		idx := (bits >> shift) & 0x1F
		sn.Base[i] = crockfordAlphabet[idx]
	}

	word := extensionWords[int(digest[6])%len(extensionWords)]
	copy(sn.Ext[:], word)

	return sn
}
