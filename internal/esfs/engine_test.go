package esfs

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/barnettlynn/esfs/internal/pal"
	"github.com/barnettlynn/esfs/internal/pal/posix"
)

func newTestEngine(t *testing.T) (*Engine, *posix.FS, string, string) {
	t.Helper()
	primary := t.TempDir()
	secondary := t.TempDir()
	fs := &posix.FS{Primary: primary, Secondary: secondary}
	keys := posix.KeyDeriver{RoT: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := Init(fs, posix.Crypto{}, keys, posix.Clock{}, Config{}, log)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, fs, primary, secondary
}

func readAll(t *testing.T, h *Handle) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 16)
	for {
		n, err := h.Read(buf)
		out = append(out, buf[:n]...)
		if n == 0 || err != nil {
			break
		}
	}
	return out
}

// Scenario A: plain write + read.
func TestRoundTripPlain(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	wh, err := e.Create([]byte("boot_cert"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rh, err := e.Open([]byte("boot_cert"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := rh.FileSize(); got != int64(len(payload)) {
		t.Fatalf("FileSize = %d, want %d", got, len(payload))
	}
	got := readAll(t, rh)
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %x, want %x", got, payload)
	}
	if err := rh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// Scenario B: encrypted write + read, and the raw on-disk bytes must not be
// the plaintext.
func TestRoundTripEncrypted(t *testing.T) {
	e, _, primary, _ := newTestEngine(t)

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}

	wh, err := e.Create([]byte("wifi-psk"), ModeUserRead|ModeUserWrite|ModeEncrypted, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sn := wh.shortName
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(primary, workingDirName, sn.String()))
	if err != nil {
		t.Fatalf("read raw file: %v", err)
	}
	if bytes.Contains(raw, payload) {
		t.Fatalf("plaintext payload found verbatim in encrypted on-disk file")
	}

	rh, err := e.Open([]byte("wifi-psk"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := readAll(t, rh)
	if !bytes.Equal(got, payload) {
		t.Fatalf("decrypted read = %x, want %x", got, payload)
	}
	_ = rh.Close()
}

// Scenario C: flipping the trailer's last byte makes open report
// CmacMismatch; delete then succeeds regardless.
func TestCmacTamperDetected(t *testing.T) {
	e, _, primary, _ := newTestEngine(t)

	wh, err := e.Create([]byte("boot_cert"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sn := wh.shortName
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(primary, workingDirName, sn.String())
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write raw: %v", err)
	}

	_, err = e.Open([]byte("boot_cert"))
	if code, ok := AsCode(err); !ok || code != CmacMismatch {
		t.Fatalf("Open after tamper = %v, want CmacMismatch", err)
	}

	if err := e.Delete([]byte("boot_cert")); err != nil {
		t.Fatalf("Delete corrupt file: %v", err)
	}
}

// Scenario D / invariant 7: hash collision.
func TestHashCollisionOnCreate(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	name1 := mustHex(t, "0000000000000000000000000062cd7e")
	name2 := mustHex(t, "00000000000000000000000000c46228")

	wh1, err := e.Create(name1, ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create name1: %v", err)
	}
	if err := wh1.Close(); err != nil {
		t.Fatalf("Close name1: %v", err)
	}

	_, err = e.Create(name2, ModeUserRead|ModeUserWrite, nil)
	if code, ok := AsCode(err); !ok || code != HashConflict {
		t.Fatalf("Create name2 = %v, want HashConflict", err)
	}

	rh, err := e.Open(name1)
	if err != nil {
		t.Fatalf("Open name1 after collision attempt: %v", err)
	}
	_ = rh.Close()
}

// Invariant 2: Close is idempotent.
func TestCloseIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	wh, err := e.Create([]byte("idempotent"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

// Invariant 5: seek bounds.
func TestSeekBounds(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	wh, err := e.Create([]byte("seekable"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rh, err := e.Open([]byte("seekable"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rh.Close()

	if _, err := rh.Seek(11, SeekStart); err == nil {
		t.Fatalf("Seek past data_size should fail")
	}
	if _, err := rh.Seek(1, SeekEnd); err == nil {
		t.Fatalf("Seek(End, +1) should fail")
	}
	if _, err := rh.Seek(-11, SeekEnd); err == nil {
		t.Fatalf("Seek(End, -11) should fail when data_size is 10")
	}
	pos, err := rh.Seek(0, SeekEnd)
	if err != nil || pos != 10 {
		t.Fatalf("Seek(End, 0) = %d, %v, want 10, nil", pos, err)
	}
}

// Scenario F: partial-write cleanup. A handle marked invalid mid-write must
// be unlinked from the working root on Close.
func TestPartialWriteCleanup(t *testing.T) {
	e, _, primary, _ := newTestEngine(t)

	wh, err := e.Create([]byte("flaky"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write([]byte("first")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sn := wh.shortName
	wh.invalid = true // simulate a mid-write I/O failure

	if err := wh.Close(); err != nil {
		t.Fatalf("Close after invalidation: %v", err)
	}

	path := filepath.Join(primary, workingDirName, sn.String())
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected working-root file to be unlinked, stat err = %v", err)
	}
}

func TestWriteRejectsOversizePayload(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	wh, err := e.Create([]byte("big"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := wh.Write(make([]byte, maxPayloadBytes)); err != nil {
		t.Fatalf("Write at the limit: %v", err)
	}
	if err := wh.Write([]byte{0}); err == nil {
		t.Fatalf("Write past maxPayloadBytes should have failed")
	}
	if !wh.invalid {
		t.Fatalf("handle should be marked invalid after the oversize write")
	}
	_ = wh.Close()
}

// Scenario E: factory reset keeps only FACTORY_VAL items, and replay from a
// manually recreated sentinel converges to the same state.
func TestFactoryResetReplay(t *testing.T) {
	e, fs, _, secondary := newTestEngine(t)

	mustWrite := func(name string, mode Mode, data []byte) {
		t.Helper()
		wh, err := e.Create([]byte(name), mode, nil)
		if err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		if err := wh.Write(data); err != nil {
			t.Fatalf("Write %s: %v", name, err)
		}
		if err := wh.Close(); err != nil {
			t.Fatalf("Close %s: %v", name, err)
		}
	}

	mustWrite("keep-me", ModeUserRead|ModeUserWrite|ModeFactoryVal, []byte("factory-data"))
	mustWrite("drop-me-1", ModeUserRead|ModeUserWrite, []byte("ephemeral-1"))
	mustWrite("drop-me-2", ModeUserRead|ModeUserWrite, []byte("ephemeral-2"))

	if err := e.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}

	rh, err := e.Open([]byte("keep-me"))
	if err != nil {
		t.Fatalf("Open keep-me after reset: %v", err)
	}
	got := readAll(t, rh)
	_ = rh.Close()
	if string(got) != "factory-data" {
		t.Fatalf("keep-me contents = %q, want %q", got, "factory-data")
	}

	if _, err := e.Open([]byte("drop-me-1")); err == nil {
		t.Fatalf("drop-me-1 should not survive factory reset")
	}
	if _, err := e.Open([]byte("drop-me-2")); err == nil {
		t.Fatalf("drop-me-2 should not survive factory reset")
	}

	// Simulate a crash mid-reset: recreate the sentinel and reinitialize.
	frDir := filepath.Join(secondary, backupDirName, frDirName)
	if err := fs.MkdirAll(frDir); err != nil {
		t.Fatalf("MkdirAll FR: %v", err)
	}
	f, err := fs.Open(filepath.Join(frDir, frSentinelName), pal.OpenReadWriteTruncate)
	if err != nil {
		t.Fatalf("create sentinel: %v", err)
	}
	_ = f.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e2, err := Init(fs, posix.Crypto{}, posix.KeyDeriver{RoT: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}, posix.Clock{}, Config{}, log)
	if err != nil {
		t.Fatalf("Init replay: %v", err)
	}

	rh2, err := e2.Open([]byte("keep-me"))
	if err != nil {
		t.Fatalf("Open keep-me after replay: %v", err)
	}
	got2 := readAll(t, rh2)
	_ = rh2.Close()
	if string(got2) != "factory-data" {
		t.Fatalf("keep-me contents after replay = %q, want %q", got2, "factory-data")
	}
}

// On a single-partition device (primary and secondary mount points
// coincide), FactoryReset must not Format the shared mount point: that
// would destroy the backup tree it is about to restore from. It must take
// the RemoveTree-the-working-tree-only branch instead.
func TestFactoryResetSinglePartition(t *testing.T) {
	root := t.TempDir()
	fs := &posix.FS{Primary: root, Secondary: root, PrimaryPrivate: true}
	keys := posix.KeyDeriver{RoT: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := Init(fs, posix.Crypto{}, keys, posix.Clock{}, Config{}, log)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	wh, err := e.Create([]byte("keep-me"), ModeUserRead|ModeUserWrite|ModeFactoryVal, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write([]byte("factory-data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := e.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}

	rh, err := e.Open([]byte("keep-me"))
	if err != nil {
		t.Fatalf("Open keep-me after single-partition reset: %v", err)
	}
	got := readAll(t, rh)
	_ = rh.Close()
	if string(got) != "factory-data" {
		t.Fatalf("keep-me contents = %q, want %q (backup tree must survive Format on a shared mount point)", got, "factory-data")
	}
}

func TestCreateDuplicateNameIsExists(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	wh, err := e.Create([]byte("dup"), ModeUserRead|ModeUserWrite, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = e.Create([]byte("dup"), ModeUserRead|ModeUserWrite, nil)
	if code, ok := AsCode(err); !ok || code != Exists {
		t.Fatalf("second Create same name = %v, want Exists", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	meta := []MetadataItem{
		{Type: 1, Value: []byte("first")},
		{Type: 2, Value: []byte("second-value")},
	}

	wh, err := e.Create([]byte("with-meta"), ModeUserRead|ModeUserWrite|ModeEncrypted, meta)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := wh.Write([]byte("payload-bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rh, err := e.Open([]byte("with-meta"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rh.Close()

	for i, want := range meta {
		got, err := rh.ReadMeta(i)
		if err != nil {
			t.Fatalf("ReadMeta(%d): %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("ReadMeta(%d) mismatch (-want +got):\n%s", i, diff)
		}
	}

	payload := readAll(t, rh)
	if string(payload) != "payload-bytes" {
		t.Fatalf("payload after ReadMeta side trips = %q, want %q", payload, "payload-bytes")
	}
}
