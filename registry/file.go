// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package registry

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"

	"github.com/siderolabs/go-blockdevice/v2/identity"
)

// absent is the on-disk marker for "this field has no value". It must
// never be confused with a field that legitimately starts with a dot.
const absent = "."

// fieldValue locates a "KEY=" token in a line and returns the value up
// to (not including) the next whitespace run, mirroring the source's
// strstr + read-to-whitespace field parsing. Fields may appear in any
// order on the line.
func fieldValue(line, key string) (string, bool) {
	needle := key + "="

	idx := strings.Index(line, needle)
	if idx < 0 {
		return "", false
	}

	rest := line[idx+len(needle):]

	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	if end >= 0 {
		rest = rest[:end]
	}

	return rest, true
}

// optionalField converts a raw field value into an *string, treating the
// absent marker and the empty string as "not present".
func optionalField(raw string, ok bool) *string {
	if !ok || raw == "" || raw == absent {
		return nil
	}

	return pointer.To(raw)
}

// ParseVersion parses a "major.minor.counter" version string.
func ParseVersion(s string) (Version, error) {
	var v Version

	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Counter)
	if err != nil || n != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrFileUnparseable, s)
	}

	return v, nil
}

// String renders a Version in on-disk form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Counter)
}

// Parse reads the line-oriented devices-file format from r into a fresh
// Registry. Header lines (SYSTEMID, VERSION) may appear in any order.
// Entries missing either IDTYPE or IDNAME are skipped with a logged
// warning, never aborting the read. An unparseable VERSION line leaves
// Registry.Version zero and is reported via the returned error
// (ErrFileUnparseable), but parsing of entries continues regardless
// (spec.md §7). Save does not itself refuse such a registry.
func Parse(r io.Reader, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := &Registry{}

	var versionErr error

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "SYSTEMID") {
			if v, ok := fieldValue(trimmed, "SYSTEMID"); ok {
				reg.SystemID = v
			}

			continue
		}

		if strings.HasPrefix(trimmed, "VERSION") {
			raw, _ := fieldValue(trimmed, "VERSION")

			parsed, err := ParseVersion(raw)
			if err != nil {
				versionErr = err
				logger.Warn("devices file version line is unparseable", zap.String("line", trimmed))
			} else {
				reg.Version = parsed
			}

			continue
		}

		idtypeRaw, idtypeOK := fieldValue(line, "IDTYPE")
		idnameRaw, idnameOK := fieldValue(line, "IDNAME")

		if !idtypeOK || !idnameOK {
			logger.Warn("skipping devices file entry missing IDTYPE/IDNAME", zap.String("line", line))

			continue
		}

		u := &UseEntry{
			IDType: identity.FromString(idtypeRaw),
			IDName: optionalField(idnameRaw, true),
		}

		if raw, ok := fieldValue(line, "DEVNAME"); ok {
			u.DevName = optionalField(raw, true)
		}

		if raw, ok := fieldValue(line, "PVID"); ok {
			u.PVID = optionalField(raw, true)
		}

		if raw, ok := fieldValue(line, "PART"); ok && raw != "" && raw != absent {
			if n, err := strconv.Atoi(raw); err == nil {
				u.Part = n
			}
		}

		reg.Entries = append(reg.Entries, u)
	}

	if err := scanner.Err(); err != nil {
		return reg, err
	}

	return reg, versionErr
}

// Serialize writes the registry's header and entries in the fixed,
// writer-chosen field order (IDTYPE IDNAME DEVNAME PVID [PART]),
// regardless of the order fields were read in.
func Serialize(reg *Registry, w io.Writer, comment string) error {
	bw := bufio.NewWriter(w)

	if comment != "" {
		if _, err := fmt.Fprintf(bw, "# %s\n", comment); err != nil {
			return err
		}
	}

	if reg.SystemID != "" {
		if _, err := fmt.Fprintf(bw, "SYSTEMID=%s\n", reg.SystemID); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(bw, "VERSION=%s\n", reg.Version.String()); err != nil {
		return err
	}

	for _, u := range reg.Entries {
		devname := u.DevNameValue()
		if u.dev != nil {
			devname = u.dev.Name()
		}

		if devname == "" || devname[0] != '/' {
			devname = absent
		}

		idname := u.IDNameValue()
		if idname == "" {
			idname = absent
		}

		pvid := u.PVIDValue()
		if pvid == "" {
			pvid = absent
		}

		idtype := u.IDType.String()

		var err error

		if u.Part != 0 {
			_, err = fmt.Fprintf(bw, "IDTYPE=%s IDNAME=%s DEVNAME=%s PVID=%s PART=%d\n",
				idtype, idname, devname, pvid, u.Part)
		} else {
			_, err = fmt.Fprintf(bw, "IDTYPE=%s IDNAME=%s DEVNAME=%s PVID=%s\n",
				idtype, idname, devname, pvid)
		}

		if err != nil {
			return err
		}
	}

	return bw.Flush()
}
