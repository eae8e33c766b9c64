// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// SaveOptions controls Save's version/systemid/creation policy.
type SaveOptions struct {
	// SystemID is the local system identifier, written to the header
	// and compared against any pre-existing SYSTEMID on load.
	SystemID string

	// Comment is written as a leading "# " comment line, e.g.
	// identifying the command and pid that wrote the file.
	Comment string

	// AllowImplicitCreate permits Save to create a file that does not
	// yet exist, per spec.md §4.2's implicit-creation rule. Callers
	// should only set this for a first-PV-creation operation that has
	// observed no pre-existing PVs on the host; otherwise the absence
	// of the file means "feature disabled" and Save must refuse.
	AllowImplicitCreate bool

	// FileExists tells Save whether the target path already exists, so
	// it can apply the implicit-creation rule without racing a stat.
	FileExists bool

	Logger *zap.Logger
}

// Load reads the devices file at path into a new Registry.
//
// A missing file returns ErrFileMissing: the caller decides whether
// that means "disabled" or triggers the implicit-creation path on the
// next Save.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}

		return nil, err
	}
	defer f.Close() //nolint:errcheck

	reg, err := Parse(f, logger)
	if reg != nil {
		reg.Path = path
	}

	return reg, err
}

// Save atomically rewrites the devices file, per spec.md §4.2's write
// protocol: open "<path>_new", write header and entries, flush, close,
// open the parent directory, rename(new, final), fsync the directory
// handle, close. Under any crash the result is either the prior content
// or the new content, never a partial file.
//
// Save refuses to write (returning ErrVersionTooNew) if the loaded
// version's major exceeds SupportedMajor, and increments the version
// counter on every successful write.
func (r *Registry) Save(opts SaveOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if r.listMode {
		return nil
	}

	if r.Version.TooNew() {
		logger.Warn("not updating devices file with larger major version", zap.Uint32("major", r.Version.Major))

		return ErrVersionTooNew
	}

	if !opts.FileExists && !opts.AllowImplicitCreate {
		return fmt.Errorf("%w: refusing to implicitly create %s", ErrFileMissing, r.Path)
	}

	if opts.SystemID != "" && r.SystemID != "" && opts.SystemID != r.SystemID {
		logger.Warn("devices file has unmatching system id",
			zap.String("file_system_id", r.SystemID), zap.String("local_system_id", opts.SystemID))
	}

	if opts.SystemID != "" {
		r.SystemID = opts.SystemID
	}

	r.Version.Major = SupportedMajor
	r.Version.Minor = CurrentMinor
	r.Version.Counter++

	tmpPath := r.Path + "_new"

	_ = os.Remove(tmpPath) //nolint:errcheck // in case a previous attempt was left behind

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open tmp devices file to write: %w", err)
	}

	if err := Serialize(r, tmp, opts.Comment); err != nil {
		tmp.Close() //nolint:errcheck

		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	dir, err := os.Open(filepath.Dir(r.Path))
	if err != nil {
		return err
	}
	defer dir.Close() //nolint:errcheck

	if err := os.Rename(tmpPath, r.Path); err != nil {
		return fmt.Errorf("failed to replace devices file: %w", err)
	}

	if err := dir.Sync(); err != nil {
		logger.Warn("failed to fsync devices directory", zap.Error(err))
	}

	r.Dirty = false

	logger.Debug("wrote devices file", zap.String("version", r.Version.String()))

	return nil
}
