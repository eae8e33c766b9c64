// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry

import (
	"errors"

	"go.uber.org/zap"
)

// WithEditLock implements the "editing commands" lock pattern of
// spec.md §4.2: exclusive, blocking, held across the whole
// read-modify-write. fn receives the freshly-loaded Registry (or a new
// empty one if the file does not yet exist and implicit creation is
// allowed) and must call Save itself before returning, while the lock is
// still held.
func WithEditLock(lockDir, path string, opts SaveOptions, fn func(*Registry) error) error {
	lock := NewLock(lockDir, path)

	held, err := lock.Acquire(LockExclusive)
	if err != nil {
		return err
	}

	defer func() {
		if !held {
			lock.Release() //nolint:errcheck
		}
	}()

	reg, err := Load(path, opts.Logger)

	switch {
	case err == nil:
		opts.FileExists = true
	case errors.Is(err, ErrFileMissing) && opts.AllowImplicitCreate:
		reg = New(path)
		opts.FileExists = false
	default:
		return err
	}

	return fn(reg)
}

// WithReadLock implements the "reading commands" lock pattern: shared,
// blocking, released after the read. fn receives the loaded registry;
// any best-effort update it wants to make must go through
// WithValidationUpdateLock instead, after this lock has already been
// released.
func WithReadLock(lockDir, path string, logger *zap.Logger, fn func(*Registry) error) error {
	lock := NewLock(lockDir, path)

	held, err := lock.Acquire(LockShared)
	if err != nil {
		return err
	}

	reg, loadErr := Load(path, logger)

	if !held {
		if releaseErr := lock.Release(); releaseErr != nil && loadErr == nil {
			loadErr = releaseErr
		}
	}

	if loadErr != nil {
		return loadErr
	}

	return fn(reg)
}

// WithValidationUpdateLock implements the "validation-update commands"
// pattern: shared for the initial read (assumed already done by the
// caller, whose observed version is passed in as readVersion), then
// try-exclusive (non-blocking) for the update; on success, re-read and
// only write if the on-disk version counter is unchanged from
// readVersion; on failure to acquire the lock, or on a version change,
// the update is abandoned silently (no error).
func WithValidationUpdateLock(lockDir, path string, readVersion Version, opts SaveOptions, save func(*Registry) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lock := NewLock(lockDir, path)

	ok, held, err := lock.TryAcquire(LockExclusive)
	if err != nil {
		return err
	}

	if !ok {
		logger.Debug("skip devices file update (busy)")

		return nil
	}

	defer func() {
		if !held {
			lock.Release() //nolint:errcheck
		}
	}()

	reg, err := Load(path, logger)
	if err != nil {
		return err
	}

	if reg.Version != readVersion {
		logger.Debug("skip devices file update (changed)",
			zap.String("read", readVersion.String()), zap.String("now", reg.Version.String()))

		return nil
	}

	opts.FileExists = true

	return save(reg)
}
