// Package esfs implements the per-file authenticated storage engine: header
// and TLV codec, AES-CTR payload confidentiality, AES-CMAC integrity, and
// the factory-reset state machine, built against the internal/pal
// capability surface rather than the OS directly.
package esfs

import (
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/barnettlynn/esfs/internal/pal"
)

const (
	workingDirName = "WORKING"
	backupDirName  = "BACKUP"
	frDirName      = "FR"
	frSentinelName = "fr_on"
	maxNameLength  = 1024

	// maxPayloadBytes bounds a single file's payload. Handle.Write enforces
	// it cumulatively against currentPos so a caller can't build an
	// arbitrarily large file through many small writes.
	maxPayloadBytes = 256 * 1024
)

// Config tunes the init-time SD-ready retry loop. Zero values are replaced
// by sane defaults in Init.
type Config struct {
	ReadyRetries int
	ReadyBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadyRetries <= 0 {
		c.ReadyRetries = 100
	}
	if c.ReadyBackoff <= 0 {
		c.ReadyBackoff = 50 * time.Millisecond
	}
	return c
}

// Engine is the storage core: it owns the platform capabilities and the two
// partition roots, and hands out Handles. Engine is not safe for concurrent
// Create/Open/Delete calls against the *same* name; distinct names may be
// driven concurrently.
type Engine struct {
	fs     pal.FS
	crypto pal.Crypto
	clock  pal.Clock
	keys   pal.KeyDeriver

	sigKey [16]byte
	encKey [16]byte

	workingRoot string
	backupRoot  string

	// primaryMount and secondaryMount are the raw partition mount points,
	// before the WORKING/BACKUP suffix is appended. FactoryReset compares
	// these, not workingRoot/backupRoot, to detect a single-partition
	// platform: the suffixed roots always differ even when the two mount
	// points coincide.
	primaryMount   string
	secondaryMount string

	cfg Config
	log *slog.Logger
}

// Init brings up the engine: ensures the working directory exists (retrying
// through a late-arriving SD card), ensures the backup directory exists, and
// replays an interrupted factory reset if the sentinel is present. Init must
// be called exactly once before Create/Open/Delete.
func Init(fs pal.FS, crypto pal.Crypto, keys pal.KeyDeriver, clock pal.Clock, cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		fs:     fs,
		crypto: crypto,
		clock:  clock,
		keys:   keys,
		sigKey: keys.StorageSignatureKey(),
		encKey: keys.StorageEncryptionKey(),
		cfg:    cfg,
		log:    log,
	}

	primary, err := fs.MountPoint(pal.PartitionPrimary)
	if err != nil {
		return nil, newErr("init", IoError, err)
	}
	e.primaryMount = primary
	e.workingRoot = filepath.Join(primary, workingDirName)

	var mkdirErr error
	for i := 0; i < cfg.ReadyRetries; i++ {
		if mkdirErr = fs.MkdirAll(e.workingRoot); mkdirErr == nil {
			break
		}
		clock.Sleep(cfg.ReadyBackoff)
	}
	if mkdirErr != nil {
		return nil, newErr("init", IoError, mkdirErr)
	}

	secondary, err := fs.MountPoint(pal.PartitionSecondary)
	if err != nil {
		return nil, newErr("init", IoError, err)
	}
	e.secondaryMount = secondary
	e.backupRoot = filepath.Join(secondary, backupDirName)
	if err := fs.MkdirAll(e.backupRoot); err != nil {
		return nil, newErr("init", IoError, err)
	}

	if fs.Exists(e.frSentinelPath()) {
		e.log.Info("esfs: resuming interrupted factory reset")
		if err := e.FactoryReset(); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) frDirPath() string {
	return filepath.Join(e.backupRoot, frDirName)
}

func (e *Engine) frSentinelPath() string {
	return filepath.Join(e.frDirPath(), frSentinelName)
}

func (e *Engine) workingPath(sn ShortName) string {
	return filepath.Join(e.workingRoot, sn.String())
}

func (e *Engine) backupPath(sn ShortName) string {
	return filepath.Join(e.backupRoot, sn.String())
}

func (e *Engine) unlinkWorking(sn ShortName) error {
	if err := e.fs.Remove(e.workingPath(sn)); err != nil {
		return err
	}
	return nil
}

func (e *Engine) mirrorToBackup(sn ShortName) error {
	path, err := e.fs.Open(e.workingPath(sn), pal.OpenReadOnly)
	if err != nil {
		return err
	}
	defer path.Close()

	dst, err := e.fs.Open(e.backupPath(sn), pal.OpenReadWriteTruncate)
	if err != nil {
		return err
	}
	defer dst.Close()

	buf := make([]byte, 4096)
	for {
		n, rerr := path.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

// Create opens a new write handle for name, writing the fixed header and
// TLV index immediately. The returned handle is ready to accept
// payload bytes via Write.
func (e *Engine) Create(name []byte, mode Mode, metadata []MetadataItem) (*Handle, error) {
	if len(name) < 1 || len(name) > maxNameLength {
		return nil, newErr("create", InvalidArgument, nil)
	}
	if len(metadata) > MaxMetadataItems {
		return nil, newErr("create", InvalidArgument, nil)
	}
	for _, m := range metadata {
		if len(m.Value) == 0 {
			return nil, newErr("create", InvalidArgument, nil)
		}
	}

	sn := DeriveShortName(name)
	if err := e.checkCreateConflict(sn, name); err != nil {
		return nil, err
	}

	f, err := e.fs.Open(e.workingPath(sn), pal.OpenReadWriteCreateExclusive)
	if err != nil {
		return nil, newErr("create", IoError, err)
	}

	encRegionStart := notEncryptedHeaderSize(len(name), mode.Encrypted(), len(metadata))
	metaLen := 0
	for _, m := range metadata {
		metaLen += len(m.Value)
	}

	h := &Handle{
		engine:         e,
		file:           f,
		mode:           handleWrite,
		esfsMode:       mode,
		shortName:      sn,
		nameLength:     len(name),
		encRegionStart: encRegionStart,
		headerSize:     encRegionStart + metaLen,
		metaValueLen:   metaLen,
	}

	cmac, err := e.crypto.NewCMAC(e.sigKey[:])
	if err != nil {
		_ = f.Close()
		_ = e.fs.Remove(e.workingPath(sn))
		return nil, newErr("create", InternalError, err)
	}
	h.cmac = cmac

	if mode.Encrypted() {
		nonce, err := e.crypto.RandomBytes(NonceSize)
		if err != nil {
			_ = f.Close()
			_ = e.fs.Remove(e.workingPath(sn))
			return nil, newErr("create", InternalError, err)
		}
		copy(h.nonce[:], nonce)
	}

	fixed := encodeFixedHeader(mode, name)
	if err := h.rawWriteHeader(fixed); err != nil {
		_ = f.Close()
		_ = e.fs.Remove(e.workingPath(sn))
		return nil, newErr("create", IoError, err)
	}
	if mode.Encrypted() {
		if err := h.rawWriteHeader(h.nonce[:]); err != nil {
			_ = f.Close()
			_ = e.fs.Remove(e.workingPath(sn))
			return nil, newErr("create", IoError, err)
		}
	}

	tlv := encodeTLVIndex(metadata, encRegionStart)
	if err := h.rawWriteHeader(tlv); err != nil {
		_ = f.Close()
		_ = e.fs.Remove(e.workingPath(sn))
		return nil, newErr("create", IoError, err)
	}

	pos := int64(0)
	for _, m := range metadata {
		val := m.Value
		if mode.Encrypted() {
			enc, err := cryptXOR(e.crypto, e.encKey[:], h.nonce, pos, val)
			if err != nil {
				_ = f.Close()
				_ = e.fs.Remove(e.workingPath(sn))
				return nil, newErr("create", IoError, err)
			}
			val = enc
		}
		if err := h.rawWriteHeader(val); err != nil {
			_ = f.Close()
			_ = e.fs.Remove(e.workingPath(sn))
			return nil, newErr("create", IoError, err)
		}
		pos += int64(len(m.Value))
	}

	return h, nil
}

// rawWriteHeader feeds buf through the running CMAC before writing it to
// the file, matching the ordering Write uses for payload bytes. Used only
// while the header and TLV index are being laid down, ahead of Write's
// public payload path.
func (h *Handle) rawWriteHeader(buf []byte) error {
	if _, err := h.cmac.Write(buf); err != nil {
		return err
	}
	_, err := h.file.Write(buf)
	return err
}

// checkCreateConflict returns nil only if the derived short name is free.
// If a file already occupies it, the error distinguishes a plain Exists
// (identical stored name) from a HashConflict (distinct stored name, or a
// header too damaged to compare).
func (e *Engine) checkCreateConflict(sn ShortName, name []byte) error {
	if !e.fs.Exists(e.workingPath(sn)) {
		return nil
	}

	f, err := e.fs.Open(e.workingPath(sn), pal.OpenReadOnly)
	if err != nil {
		return newErr("create", IoError, err)
	}
	defer f.Close()

	hdr := make([]byte, 6)
	if _, err := readFull(f, hdr); err != nil {
		return newErr("create", HashConflict, nil)
	}
	nameLen := int(hdr[4]) | int(hdr[5])<<8
	stored := make([]byte, nameLen)
	if _, err := readFull(f, stored); err != nil {
		return newErr("create", HashConflict, nil)
	}

	if nameLen == len(name) && bytesEqual(stored, name) {
		return newErr("create", Exists, nil)
	}
	return newErr("create", HashConflict, nil)
}

// Open opens an existing file in Read mode, verifying its stored name,
// format version, and whole-file CMAC before handing back a handle
// positioned at the start of the data section.
func (e *Engine) Open(name []byte) (*Handle, error) {
	if len(name) < 1 || len(name) > maxNameLength {
		return nil, newErr("open", InvalidArgument, nil)
	}
	sn := DeriveShortName(name)
	path := e.workingPath(sn)
	if !e.fs.Exists(path) {
		return nil, newErr("open", NotExists, nil)
	}

	f, err := e.fs.Open(path, pal.OpenReadOnly)
	if err != nil {
		return nil, newErr("open", IoError, err)
	}

	h, err := e.openHandle(f, sn, name)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

func (e *Engine) openHandle(f pal.File, sn ShortName, name []byte) (*Handle, error) {
	fixed := make([]byte, 6)
	if _, err := readFull(f, fixed); err != nil {
		return nil, newErr("open", IoError, err)
	}
	version := uint16(fixed[0]) | uint16(fixed[1])<<8
	mode := Mode(uint16(fixed[2]) | uint16(fixed[3])<<8)
	nameLen := int(uint16(fixed[4]) | uint16(fixed[5])<<8)

	if version != FormatVersion {
		return nil, newErr("open", InvalidFileVersion, nil)
	}

	storedName := make([]byte, nameLen)
	if _, err := readFull(f, storedName); err != nil {
		return nil, newErr("open", IoError, err)
	}
	if nameLen != len(name) || !bytesEqual(storedName, name) {
		return nil, newErr("open", HashConflict, nil)
	}

	var nonce [NonceSize]byte
	if mode.Encrypted() {
		nb := make([]byte, NonceSize)
		if _, err := readFull(f, nb); err != nil {
			return nil, newErr("open", IoError, err)
		}
		copy(nonce[:], nb)
	}

	countBuf := make([]byte, 2)
	if _, err := readFull(f, countBuf); err != nil {
		return nil, newErr("open", IoError, err)
	}
	count := int(uint16(countBuf[0]) | uint16(countBuf[1])<<8)
	if count > MaxMetadataItems {
		return nil, newErr("open", InvalidFileVersion, nil)
	}
	entryBuf := make([]byte, count*tlvHeaderSize)
	if _, err := readFull(f, entryBuf); err != nil {
		return nil, newErr("open", IoError, err)
	}
	tlvBuf := append(countBuf, entryBuf...)
	tlv, err := decodeTLVIndex(tlvBuf)
	if err != nil {
		return nil, err
	}

	encRegionStart := notEncryptedHeaderSize(nameLen, mode.Encrypted(), count)
	metaLen := 0
	for _, t := range tlv {
		metaLen += int(t.Length)
	}
	headerSize := encRegionStart + metaLen

	size, err := fileSize(f)
	if err != nil {
		return nil, newErr("open", IoError, err)
	}
	if size < int64(headerSize+CMACSize) {
		return nil, newErr("open", InternalError, nil)
	}
	dataSize := size - int64(headerSize) - int64(CMACSize)

	if err := e.verifyCMAC(f, size); err != nil {
		return nil, err
	}

	if _, err := f.Seek(int64(headerSize), io.SeekStart); err != nil {
		return nil, newErr("open", IoError, err)
	}

	return &Handle{
		engine:         e,
		file:           f,
		mode:           handleRead,
		esfsMode:       mode,
		shortName:      sn,
		nameLength:     nameLen,
		nonce:          nonce,
		tlv:            tlv,
		encRegionStart: encRegionStart,
		headerSize:     headerSize,
		metaValueLen:   metaLen,
		dataSize:       dataSize,
	}, nil
}

// verifyCMAC recomputes the whole-file CMAC over everything but the last
// 16 bytes and compares it against the stored trailer, restoring the file's
// original position afterward.
func (e *Engine) verifyCMAC(f pal.File, size int64) error {
	saved, err := f.Tell()
	if err != nil {
		return newErr("open", IoError, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return newErr("open", IoError, err)
	}

	mac, err := e.crypto.NewCMAC(e.sigKey[:])
	if err != nil {
		return newErr("open", InternalError, err)
	}

	toRead := size - int64(CMACSize)
	buf := make([]byte, 64)
	for toRead > 0 {
		want := int64(len(buf))
		if want > toRead {
			want = toRead
		}
		n, err := readFull(f, buf[:want])
		if err != nil {
			return newErr("open", IoError, err)
		}
		if _, err := mac.Write(buf[:n]); err != nil {
			return newErr("open", InternalError, err)
		}
		toRead -= int64(n)
	}

	trailer := make([]byte, CMACSize)
	if _, err := readFull(f, trailer); err != nil {
		return newErr("open", IoError, err)
	}

	got := mac.Sum()
	if !bytesEqual(got[:], trailer) {
		return newErr("open", CmacMismatch, nil)
	}

	if _, err := f.Seek(saved, io.SeekStart); err != nil {
		return newErr("open", IoError, err)
	}
	return nil
}

// Delete removes name from the working root. It opens the file first to
// detect corruption; a corrupt file (any open error other than NotExists)
// is unlinked unconditionally. KCM layers its permission hook on top of
// this, consulted only for well-formed files.
func (e *Engine) Delete(name []byte) error {
	sn := DeriveShortName(name)
	path := e.workingPath(sn)
	if !e.fs.Exists(path) {
		return newErr("delete", NotExists, nil)
	}

	h, err := e.Open(name)
	if err != nil {
		if code, ok := AsCode(err); ok && code == NotExists {
			return err
		}
		// Corrupt or conflicting file: delete unconditionally, bypassing
		// the permission hook entirely.
		if rerr := e.fs.Remove(path); rerr != nil {
			return newErr("delete", IoError, rerr)
		}
		return nil
	}
	_ = h.Close()

	if err := e.fs.Remove(path); err != nil {
		return newErr("delete", IoError, err)
	}
	return nil
}

func readFull(f pal.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func fileSize(f pal.File) (int64, error) {
	cur, err := f.Tell()
	if err != nil {
		return 0, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
