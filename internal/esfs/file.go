package esfs

import (
	"io"

	"github.com/barnettlynn/esfs/internal/pal"
)

// handleMode is the direction a Handle was opened in. Unlike the PAL's
// OpenFlag, this only ever takes one of two values: ESFS files are never
// opened read-write.
type handleMode int

const (
	handleRead handleMode = iota
	handleWrite
)

// Handle is the in-memory, single-owner file handle for one open item. It
// is not safe for concurrent use from more than one goroutine. The posix
// filesystem takes an exclusive lock only on files opened for writing, so
// single-writer access is enforced at the filesystem level; readers are not
// locked.
type Handle struct {
	engine *Engine
	file   pal.File
	mode   handleMode

	esfsMode   Mode
	shortName  ShortName
	nameLength int

	nonce [NonceSize]byte

	cmac    pal.CMAC // running CMAC; nil once closed
	invalid bool

	tlv          []tlvHeader
	metaValueLen int // sum of metadata value lengths; payload CTR positions start here

	encRegionStart int // byte offset where AES-CTR positions are measured from
	headerSize     int // physical offset where the data section begins
	dataSize       int64
	currentPos     int64 // read cursor, data-relative

	closed bool
}

// fileSize returns data_size: payload plus metadata values never counted,
// header and trailer never counted. Valid on any open handle.
func (h *Handle) fileSize() int64 {
	return h.dataSize
}

// Write appends bytes to a write-mode handle. The engine never rewinds: each
// call extends the file and advances the running CMAC before the bytes hit
// the filesystem. Any failure marks the handle invalid, so Close unlinks the
// file instead of sealing a CMAC that may cover bytes never written.
func (h *Handle) Write(buf []byte) error {
	if h.mode != handleWrite {
		return newErr("write", FileOpenForRead, nil)
	}
	if len(buf) == 0 {
		return newErr("write", InvalidArgument, nil)
	}
	if h.currentPos+int64(len(buf)) > maxPayloadBytes {
		h.invalid = true
		return newErr("write", InvalidArgument, nil)
	}

	out := buf
	if h.esfsMode.Encrypted() {
		enc, err := cryptXOR(h.engine.crypto, h.engine.encKey[:], h.nonce, int64(h.metaValueLen)+h.currentPos, buf)
		if err != nil {
			h.invalid = true
			return newErr("write", IoError, err)
		}
		out = enc
	}

	if _, err := h.cmac.Write(out); err != nil {
		h.invalid = true
		return newErr("write", IoError, err)
	}
	if _, err := h.file.Write(out); err != nil {
		h.invalid = true
		return newErr("write", IoError, err)
	}
	h.currentPos += int64(len(buf))
	return nil
}

// Read copies up to len(buf) bytes from the current cursor, decrypting if
// the file is encrypted, and advances the cursor by the number of bytes
// actually produced. A short read is not an error; a zero-length read means
// EOF.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.mode != handleRead {
		return 0, newErr("read", FileOpenForWrite, nil)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	remaining := h.dataSize - h.currentPos
	if remaining <= 0 {
		return 0, nil
	}
	want := int64(len(buf))
	if want > remaining {
		want = remaining
	}

	raw := make([]byte, want)
	n, err := io.ReadFull(h.file, raw)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, newErr("read", IoError, err)
	}
	raw = raw[:n]

	out := raw
	if h.esfsMode.Encrypted() {
		dec, derr := cryptXOR(h.engine.crypto, h.engine.encKey[:], h.nonce, int64(h.metaValueLen)+h.currentPos, raw)
		if derr != nil {
			return 0, newErr("read", IoError, derr)
		}
		out = dec
	}
	copy(buf, out)
	h.currentPos += int64(n)
	return n, nil
}

// SeekOrigin selects how Seek's offset is interpreted: from the start of
// the data section, relative to the current position, or from the end.
type SeekOrigin int

const (
	SeekStart SeekOrigin = iota
	SeekCurrent
	SeekEnd
)

// Seek repositions the data-section read cursor. The resulting absolute
// position must land in [0, data_size]; anything else is InvalidArgument
// and leaves the cursor unchanged.
func (h *Handle) Seek(offset int64, origin SeekOrigin) (int64, error) {
	if h.mode != handleRead {
		return 0, newErr("seek", FileOpenForWrite, nil)
	}

	var target int64
	switch origin {
	case SeekStart:
		if offset < 0 || offset > h.dataSize {
			return 0, newErr("seek", InvalidArgument, nil)
		}
		target = offset
	case SeekEnd:
		if offset > 0 || offset < -h.dataSize {
			return 0, newErr("seek", InvalidArgument, nil)
		}
		target = h.dataSize + offset
	case SeekCurrent:
		target = h.currentPos + offset
		if target < 0 || target > h.dataSize {
			return 0, newErr("seek", InvalidArgument, nil)
		}
	default:
		return 0, newErr("seek", InvalidArgument, nil)
	}

	if _, err := h.file.Seek(int64(h.headerSize)+target, io.SeekStart); err != nil {
		return 0, newErr("seek", IoError, err)
	}
	h.currentPos = target
	return target, nil
}

// ReadMeta fills meta with the TLV stored at slot index, restoring the data
// cursor to its prior position afterward: metadata reads are a side trip,
// not a cursor move.
func (h *Handle) ReadMeta(index int) (MetadataItem, error) {
	if h.mode != handleRead {
		return MetadataItem{}, newErr("read_meta", FileOpenForWrite, nil)
	}
	if index < 0 || index >= len(h.tlv) {
		return MetadataItem{}, newErr("read_meta", InvalidArgument, nil)
	}
	entry := h.tlv[index]

	savedPos, err := h.file.Tell()
	if err != nil {
		return MetadataItem{}, newErr("read_meta", IoError, err)
	}

	if _, err := h.file.Seek(int64(entry.Offset), io.SeekStart); err != nil {
		return MetadataItem{}, newErr("read_meta", IoError, err)
	}
	raw := make([]byte, entry.Length)
	if _, err := io.ReadFull(h.file, raw); err != nil {
		return MetadataItem{}, newErr("read_meta", IoError, err)
	}

	if h.esfsMode.Encrypted() {
		dec, derr := cryptXOR(h.engine.crypto, h.engine.encKey[:], h.nonce, int64(entry.Offset)-int64(h.encRegionStart), raw)
		if derr != nil {
			return MetadataItem{}, newErr("read_meta", IoError, derr)
		}
		raw = dec
	}

	if _, err := h.file.Seek(savedPos, io.SeekStart); err != nil {
		return MetadataItem{}, newErr("read_meta", IoError, err)
	}

	return MetadataItem{Type: entry.Type, Value: raw}, nil
}

// FileSize returns data_size: the size of the payload plus metadata values
// are never counted, nor are the header or trailer.
func (h *Handle) FileSize() int64 {
	return h.fileSize()
}

// Mode returns the mode bits the file was created with.
func (h *Handle) Mode() Mode {
	return h.esfsMode
}

// Close finalizes a write handle's CMAC trailer (mirroring to the backup
// root if FactoryVal and the handle was never invalidated) or simply
// releases a read handle's resources. It is idempotent: a second Close call
// on an already-closed handle is a silent no-op.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	switch h.mode {
	case handleWrite:
		return h.closeWrite()
	case handleRead:
		h.cmac = nil
		return h.file.Close()
	default:
		return nil
	}
}

func (h *Handle) closeWrite() error {
	if h.invalid {
		_ = h.file.Close()
		if err := h.engine.unlinkWorking(h.shortName); err != nil {
			return newErr("close", IoError, err)
		}
		return nil
	}

	trailer := h.cmac.Sum()
	if _, err := h.file.Write(trailer[:]); err != nil {
		_ = h.file.Close()
		_ = h.engine.unlinkWorking(h.shortName)
		return newErr("close", IoError, err)
	}
	if err := h.file.Close(); err != nil {
		return newErr("close", IoError, err)
	}

	if h.esfsMode.FactoryVal() {
		if err := h.engine.mirrorToBackup(h.shortName); err != nil {
			return newErr("close", IoError, err)
		}
	}
	return nil
}
