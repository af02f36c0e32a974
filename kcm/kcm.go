// Package kcm is the Key & Configuration Manager shim: a thin translation
// layer over internal/esfs that packs the two caller booleans
// is_factory/is_encrypted into the mode bitfield, maps engine errors onto a
// public taxonomy, and provides the write/read/delete convenience flows
// higher layers actually call.
package kcm

import (
	"fmt"

	"github.com/barnettlynn/esfs/internal/esfs"
)

// PermissionCheck decides whether an already-open, well-formed item may be
// deleted. It is never consulted for Write or Read, and never consulted for
// a corrupt or name-conflicting file: those are always deletable. The
// default installed by New, and restored by SetPermissionCheck(nil), allows
// everything.
type PermissionCheck func(name []byte) bool

func allowAll([]byte) bool { return true }

// Manager is the public entry point: one Manager per live Engine.
type Manager struct {
	engine     *esfs.Engine
	permission PermissionCheck
}

// New wraps engine in a Manager with the default allow-all permission hook.
func New(engine *esfs.Engine) *Manager {
	return &Manager{engine: engine, permission: allowAll}
}

// SetPermissionCheck installs a custom delete-permission hook. Passing nil
// restores the allow-all default.
func (m *Manager) SetPermissionCheck(fn PermissionCheck) {
	if fn == nil {
		fn = allowAll
	}
	m.permission = fn
}

// packMode folds the caller's is_factory/is_encrypted booleans into mode as
// the FactoryVal and Encrypted bits, the way the original KCM context packed
// access_flags before calling down into esfs_create.
func packMode(mode esfs.Mode, isFactory, isEncrypted bool) esfs.Mode {
	if isFactory {
		mode |= esfs.ModeFactoryVal
	}
	if isEncrypted {
		mode |= esfs.ModeEncrypted
	}
	return mode
}

// Write performs create + write + close as a single unit. Any failure
// between create and close triggers a best-effort delete to avoid leaving a
// half-written file behind.
func (m *Manager) Write(name, data []byte, mode esfs.Mode, isFactory, isEncrypted bool, metadata []esfs.MetadataItem) error {
	fullMode := packMode(mode, isFactory, isEncrypted)

	h, err := m.engine.Create(name, fullMode, metadata)
	if err != nil {
		return translate("write", err)
	}

	if werr := h.Write(data); werr != nil {
		_ = h.Close()
		_ = m.engine.Delete(name)
		return translate("write", werr)
	}
	if cerr := h.Close(); cerr != nil {
		_ = m.engine.Delete(name)
		return translate("write", cerr)
	}
	return nil
}

// Read performs open + size + length-check + read + close. It returns
// ErrBufferTooSmall if buf cannot hold the full data section, rather than
// silently truncating.
func (m *Manager) Read(name []byte, buf []byte) (n int, mode esfs.Mode, err error) {
	h, err := m.engine.Open(name)
	if err != nil {
		return 0, 0, translate("read", err)
	}
	defer h.Close()

	size := h.FileSize()
	if int64(len(buf)) < size {
		return 0, 0, fmt.Errorf("kcm: read: %w", ErrBufferTooSmall)
	}

	n, err = h.Read(buf[:size])
	if err != nil {
		return 0, 0, translate("read", err)
	}
	return n, h.Mode(), nil
}

// ReadMeta returns the TLV stored at index on an item, without touching its
// payload.
func (m *Manager) ReadMeta(name []byte, index int) (esfs.MetadataItem, error) {
	h, err := m.engine.Open(name)
	if err != nil {
		return esfs.MetadataItem{}, translate("read_meta", err)
	}
	defer h.Close()

	item, err := h.ReadMeta(index)
	if err != nil {
		return esfs.MetadataItem{}, translate("read_meta", err)
	}
	return item, nil
}

// Delete opens name to check well-formedness first: a corrupt or
// name-conflicting file is unlinked unconditionally, bypassing the
// permission hook entirely. A well-formed file is unlinked only if the
// permission hook allows it.
func (m *Manager) Delete(name []byte) error {
	h, err := m.engine.Open(name)
	if err != nil {
		if code, ok := esfs.AsCode(err); ok && code == esfs.NotExists {
			return translate("delete", err)
		}
		if derr := m.engine.Delete(name); derr != nil {
			return translate("delete", derr)
		}
		return nil
	}
	_ = h.Close()

	if !m.permission(name) {
		return fmt.Errorf("kcm: delete: %w", ErrNotPermitted)
	}

	if err := m.engine.Delete(name); err != nil {
		return translate("delete", err)
	}
	return nil
}
