package kcm

import (
	"errors"
	"fmt"

	"github.com/barnettlynn/esfs/internal/esfs"
)

// Sentinel errors forming KCM's public taxonomy: a thin restatement of the
// engine's stable Code values that callers outside this module compare
// with errors.Is instead of importing internal/esfs.
var (
	ErrExists       = errors.New("kcm: item already exists")
	ErrNotExists    = errors.New("kcm: item does not exist")
	ErrHashConflict = errors.New("kcm: item name collides with a distinct existing name")
	ErrCorrupt      = errors.New("kcm: item failed integrity verification")
	ErrNotPermitted = errors.New("kcm: permission check refused the operation")
	ErrBufferTooSmall = errors.New("kcm: caller buffer smaller than the stored item")
	ErrInvalidArgument = errors.New("kcm: invalid argument")
)

// translate maps an internal/esfs.CodeError onto the public sentinel, the
// way the original KCM shim's error-translation switch maps esfs_result_e
// onto kcm_status_e. Anything not named here (InternalError, generic
// IoError, and the rest) passes through wrapped but unclassified.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	code, ok := esfs.AsCode(err)
	if !ok {
		return fmt.Errorf("kcm: %s: %w", op, err)
	}
	switch code {
	case esfs.Exists:
		return fmt.Errorf("kcm: %s: %w", op, ErrExists)
	case esfs.NotExists:
		return fmt.Errorf("kcm: %s: %w", op, ErrNotExists)
	case esfs.HashConflict:
		return fmt.Errorf("kcm: %s: %w", op, ErrHashConflict)
	case esfs.CmacMismatch, esfs.InvalidFileVersion:
		return fmt.Errorf("kcm: %s: %w", op, ErrCorrupt)
	case esfs.InvalidArgument:
		return fmt.Errorf("kcm: %s: %w", op, ErrInvalidArgument)
	default:
		return fmt.Errorf("kcm: %s: %w", op, err)
	}
}
