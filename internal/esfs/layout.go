package esfs

import "encoding/binary"

// Mode is the 16-bit mode bitfield. Advisory access bits are stored
// verbatim; ENCRYPTED and FactoryVal change engine behavior. ExtendedACL is
// reserved: it is stored like the other bits and has no effect.
type Mode uint16

const (
	ModeUserRead Mode = 1 << iota
	ModeUserWrite
	ModeUserDelete
	ModeUserExecute
	ModeOtherRead
	ModeOtherWrite
	ModeOtherDelete
	ModeOtherExecute
	ModeEncrypted
	ModeFactoryVal
	ModeExtendedACL
)

func (m Mode) Encrypted() bool   { return m&ModeEncrypted != 0 }
func (m Mode) FactoryVal() bool  { return m&ModeFactoryVal != 0 }

// FormatVersion is the on-disk format version. It must be incremented on
// any breaking change to the header layout; Open refuses anything else with
// InvalidFileVersion.
const FormatVersion uint16 = 1

// MaxMetadataItems is the compile-time cap on TLV entries per file: the
// layout has no room for more without changing the wire format.
const MaxMetadataItems = 3

// NonceSize is the length of the per-file AES-CTR nonce stored in the
// header when ModeEncrypted is set.
const NonceSize = 8

// CMACSize is the length of the trailer appended on close.
const CMACSize = 16

// tlvHeader is the fixed-size on-disk representation of one TLV index
// entry: type, length, and the absolute byte offset of its value within the
// file (stamped at create time so Open can jump straight to any metadata
// value without scanning).
type tlvHeader struct {
	Type   uint16
	Length uint16
	Offset uint16
}

const tlvHeaderSize = 6 // 3 x uint16, little-endian

// MetadataItem is a caller-supplied TLV: an opaque type tag and a non-empty
// value.
type MetadataItem struct {
	Type  uint16
	Value []byte
}

// fileHeader is the fixed non-TLV prefix of the on-disk layout:
//
//	u16 format_version
//	u16 mode
//	u16 name_length
//	name_length bytes of raw name blob
//	[8-byte nonce if ENCRYPTED]
type fileHeader struct {
	FormatVersion uint16
	Mode          Mode
	NameLength    uint16
	Name          []byte
	Nonce         [NonceSize]byte // only meaningful if Mode.Encrypted()
}

// encodeFixedHeader serializes the format_version/mode/name_length/name
// fields (everything up to, but not including, the nonce): the portion
// that is always present regardless of encryption.
func encodeFixedHeader(mode Mode, name []byte) []byte {
	buf := make([]byte, 6+len(name))
	binary.LittleEndian.PutUint16(buf[0:2], FormatVersion)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(mode))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(name)))
	copy(buf[6:], name)
	return buf
}

// notEncryptedHeaderSize is the byte count of the header section that is
// never passed through AES-CTR: format_version + mode + name_length + name
// + (nonce, if present) + the TLV index. Encryption begins immediately
// after this point.
func notEncryptedHeaderSize(nameLength int, encrypted bool, metaCount int) int {
	size := 6 + nameLength
	if encrypted {
		size += NonceSize
	}
	size += 2 + metaCount*tlvHeaderSize // metadata_count field + TLV entries
	return size
}

func encodeTLVIndex(items []MetadataItem, valuesStartOffset int) []byte {
	buf := make([]byte, 2+len(items)*tlvHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(items)))
	offset := valuesStartOffset
	for i, it := range items {
		base := 2 + i*tlvHeaderSize
		binary.LittleEndian.PutUint16(buf[base:base+2], it.Type)
		binary.LittleEndian.PutUint16(buf[base+2:base+4], uint16(len(it.Value)))
		binary.LittleEndian.PutUint16(buf[base+4:base+6], uint16(offset))
		offset += len(it.Value)
	}
	return buf
}

func decodeTLVIndex(buf []byte) ([]tlvHeader, error) {
	if len(buf) < 2 {
		return nil, newErr("decodeTLVIndex", InternalError, nil)
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	if count > MaxMetadataItems {
		return nil, newErr("decodeTLVIndex", InvalidFileVersion, nil)
	}
	need := 2 + count*tlvHeaderSize
	if len(buf) < need {
		return nil, newErr("decodeTLVIndex", InternalError, nil)
	}
	out := make([]tlvHeader, count)
	for i := 0; i < count; i++ {
		base := 2 + i*tlvHeaderSize
		out[i] = tlvHeader{
			Type:   binary.LittleEndian.Uint16(buf[base : base+2]),
			Length: binary.LittleEndian.Uint16(buf[base+2 : base+4]),
			Offset: binary.LittleEndian.Uint16(buf[base+4 : base+6]),
		}
	}
	return out, nil
}
