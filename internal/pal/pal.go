// Package pal is the platform abstraction layer: the set of capabilities the
// storage core is written against instead of talking to the OS directly.
// It plays the same role pkg/ntag424's Card interface plays for APDU
// transport: a narrow capability surface with one real implementation
// (internal/pal/posix), which the tests also use.
package pal

import (
	"io"
	"time"
)

// Partition identifies one of the two storage roots ESFS is built on: the
// working partition (primary) holds live files, the backup partition
// (secondary) holds factory snapshots. On single-partition platforms the two
// mount points coincide.
type Partition int

const (
	PartitionPrimary Partition = iota
	PartitionSecondary
)

// OpenFlag selects the mode a file is opened in. Exactly one of these is
// valid per Open call; none opens an existing file for in-place update
// because the storage core never needs one (files are append-only while
// being written, read-only once sealed).
type OpenFlag int

const (
	// OpenReadOnly opens an existing file for reading. It is an error if the
	// file does not exist.
	OpenReadOnly OpenFlag = iota
	// OpenReadWriteCreateExclusive creates a new file and opens it for
	// writing. It is an error if the file already exists.
	OpenReadWriteCreateExclusive
	// OpenReadWriteTruncate creates the file if absent, truncates it if
	// present, and opens it for writing. Used for the factory-reset
	// sentinel, which must be idempotent to create.
	OpenReadWriteTruncate
)

// File is an open file descriptor capable of the small set of operations
// the storage core needs: sequential or positioned I/O, and telling its own
// position (mbed's pal_fsFtell, not otherwise exposed by io.Seeker).
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Tell() (int64, error)
}

// FS is the filesystem capability: directory and file lifecycle operations
// scoped to the two partitions named in Partition.
type FS interface {
	Open(path string, flag OpenFlag) (File, error)
	Exists(path string) bool
	MkdirAll(path string) error
	Remove(path string) error
	RemoveTree(path string) error
	CopyTree(src, dst string) error
	Format(partition Partition) error
	MountPoint(partition Partition) (string, error)
	IsPrivatePartition(partition Partition) bool
}

// CMAC is an incremental AES-CMAC context. Sum is non-destructive: it may be
// called more than once before the next Write without changing the running
// state, which lets the engine ask for the trailer value and a test harness
// independently verify it.
type CMAC interface {
	Write(p []byte) (int, error)
	Sum() [16]byte
}

// Crypto is the cryptographic primitive capability: AES-CTR for payload
// confidentiality, AES-CMAC for integrity, SHA-256 for filename derivation,
// and a CSPRNG for nonce generation.
type Crypto interface {
	// NewAESCTRStream returns a keystream generator seeded at the given IV.
	// Calling XORKeyStream encrypts and decrypts symmetrically, as AES-CTR
	// always does.
	NewAESCTRStream(key, iv []byte) (CTRStream, error)
	NewCMAC(key []byte) (CMAC, error)
	SHA256(data []byte) [32]byte
	RandomBytes(n int) ([]byte, error)
}

// CTRStream XORs a keystream seeded at a fixed IV into src, writing the
// result to dst. It has no persistent position of its own beyond the IV it
// was constructed with. The storage core re-derives the IV for every
// operation from the caller-visible file offset, so a CTRStream is always
// single-use for one encrypt-or-decrypt call.
type CTRStream interface {
	XORKeyStream(dst, src []byte)
}

// KeyDeriver produces the three device-bound keys ESFS signs and encrypts
// with, derived on demand from a per-device root of trust. Implementations
// must be deterministic: the same root of trust always yields the same three
// keys, across processes and reboots.
type KeyDeriver interface {
	StorageSignatureKey() [16]byte
	StorageEncryptionKey() [16]byte
	StorageHMACKey() [32]byte
}

// Clock is the wall-clock capability used for diagnostics and the
// SD-card-ready retry loop's back-off timing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}
