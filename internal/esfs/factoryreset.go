package esfs

import "github.com/barnettlynn/esfs/internal/pal"

// FactoryReset runs the idempotent, crash-safe factory-reset procedure. It
// may be invoked directly (e.g. from a provisioning tool) or replayed
// automatically by Init when it finds the sentinel still present from an
// interrupted prior run.
func (e *Engine) FactoryReset() error {
	sentinel := e.frSentinelPath()

	if err := e.fs.MkdirAll(e.frDirPath()); err != nil {
		return newErr("factory_reset", IoError, err)
	}
	if !e.fs.Exists(sentinel) {
		f, err := e.fs.Open(sentinel, pal.OpenReadWriteTruncate)
		if err != nil {
			return newErr("factory_reset", IoError, err)
		}
		if err := f.Close(); err != nil {
			return newErr("factory_reset", IoError, err)
		}
	}

	// Compare the raw mount points, not workingRoot/backupRoot: those always
	// differ by their WORKING/BACKUP suffix even when the primary and
	// secondary partitions are the same filesystem, which would otherwise
	// make Format wipe the backup data it's supposed to be restoring from.
	if e.fs.IsPrivatePartition(pal.PartitionPrimary) && e.primaryMount != e.secondaryMount {
		if err := e.fs.Format(pal.PartitionPrimary); err != nil {
			return newErr("factory_reset", IoError, err)
		}
		if err := e.fs.MkdirAll(e.workingRoot); err != nil {
			return newErr("factory_reset", IoError, err)
		}
	} else {
		if err := e.fs.RemoveTree(e.workingRoot); err != nil {
			return newErr("factory_reset", IoError, err)
		}
		if err := e.fs.MkdirAll(e.workingRoot); err != nil {
			return newErr("factory_reset", IoError, err)
		}
	}

	if err := e.fs.CopyTree(e.backupRoot, e.workingRoot); err != nil {
		return newErr("factory_reset", IoError, err)
	}

	if err := e.fs.Remove(sentinel); err != nil {
		return newErr("factory_reset", IoError, err)
	}
	return nil
}

// Reset is factory reset's non-persistent sibling: it unconditionally wipes
// both the working and backup trees and reinitializes them empty, with no
// sentinel and no crash-safety story. Intended for development use only.
func (e *Engine) Reset() error {
	if err := e.fs.RemoveTree(e.workingRoot); err != nil {
		return newErr("reset", IoError, err)
	}
	if err := e.fs.MkdirAll(e.workingRoot); err != nil {
		return newErr("reset", IoError, err)
	}
	if err := e.fs.RemoveTree(e.backupRoot); err != nil {
		return newErr("reset", IoError, err)
	}
	if err := e.fs.MkdirAll(e.backupRoot); err != nil {
		return newErr("reset", IoError, err)
	}
	return nil
}
