package posix

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/barnettlynn/esfs/internal/pal"
)

const (
	storageSignatureLabel = "RoTStorageSgn128"
	storageEncryptionLabel = "RoTStorageEnc128"
	storageHMACLabel       = "StorageEnc256HMACSHA256SIGNATURE"
)

// KeyDeriver derives the three device-bound storage keys from a 128-bit
// root of trust: the signature and encryption keys are each AES-CMAC of
// the RoT under a fixed 16-byte ASCII label, and the HMAC key is
// HMAC-SHA-256 keyed by the 32-byte label, taken over the RoT.
type KeyDeriver struct {
	RoT [16]byte
}

func (k KeyDeriver) StorageSignatureKey() [16]byte {
	return k.cmacLabel(storageSignatureLabel)
}

func (k KeyDeriver) StorageEncryptionKey() [16]byte {
	return k.cmacLabel(storageEncryptionLabel)
}

func (k KeyDeriver) cmacLabel(label string) [16]byte {
	crypto := Crypto{}
	mac, err := crypto.NewCMAC(k.RoT[:])
	if err != nil {
		// k.RoT is always 16 bytes; aes.NewCipher(16 bytes) cannot fail.
		panic(err)
	}
	mac.Write([]byte(label))
	return mac.Sum()
}

func (k KeyDeriver) StorageHMACKey() [32]byte {
	mac := hmac.New(sha256.New, []byte(storageHMACLabel))
	mac.Write(k.RoT[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

var _ pal.KeyDeriver = KeyDeriver{}
