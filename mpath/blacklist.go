// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mpath implements the multipath-component detector (spec.md
// §4.5): whether a device is a slave of a device-mapper multipath group
// and must therefore be filtered out of the device cache.
package mpath

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Blacklist is the pruned set of WWIDs the multipath wwids file strategy
// must ignore, built from /etc/multipath.conf and /etc/multipath/conf.d
// (spec.md §4.5's "Blacklist Configuration Ingest").
type Blacklist struct {
	ignored    map[string]struct{}
	exceptions map[string]struct{}
}

// LoadBlacklist reads /etc/multipath.conf and every regular file in
// /etc/multipath/conf.d, recursive-descent style, extracting every wwid
// named inside a blacklist{} or blacklist_exceptions{} section.
func LoadBlacklist(confPath, confDDir string) (*Blacklist, error) {
	bl := &Blacklist{
		ignored:    make(map[string]struct{}),
		exceptions: make(map[string]struct{}),
	}

	if confPath != "" {
		if err := bl.readFile(confPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	if confDDir != "" {
		entries, err := os.ReadDir(confDDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
					continue
				}

				if err := bl.readFile(filepath.Join(confDDir, e.Name())); err != nil && !os.IsNotExist(err) {
					return nil, err
				}
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return bl, nil
}

func (bl *Blacklist) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	return bl.read(f)
}

// read is the recursive-descent section scanner: a line-oriented reader
// that tracks whether it is currently inside a blacklist{} or
// blacklist_exceptions{} block and pulls wwid= values out of it.
func (bl *Blacklist) read(r io.Reader) error {
	scanner := bufio.NewScanner(r)

	inBlacklist, inExceptions := false, false

	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}

		if strings.Contains(word, "{") {
			switch {
			case strings.HasPrefix(word, "blacklist_exceptions"):
				inExceptions = true
			case strings.HasPrefix(word, "blacklist"):
				inBlacklist = true
			}

			continue
		}

		if strings.Contains(word, "}") {
			inBlacklist, inExceptions = false, false

			continue
		}

		if !inBlacklist && !inExceptions {
			continue
		}

		wwid, ok := extractWWIDValue(word)
		if !ok {
			continue
		}

		if inExceptions {
			bl.exceptions[wwid] = struct{}{}
		} else {
			bl.ignored[wwid] = struct{}{}
		}
	}

	return scanner.Err()
}

// extractWWIDValue pulls the wwid value out of a config line such as
// `wwid "360000000000000000e00000000000001"`, stripping the leading SCSI
// type-3 prefix and any surrounding quotes.
func extractWWIDValue(line string) (string, bool) {
	idx := strings.Index(line, "wwid")
	if idx < 0 {
		return "", false
	}

	rest := strings.TrimSpace(line[idx+len("wwid"):])
	rest = strings.TrimPrefix(rest, "=")
	rest = strings.TrimSpace(rest)
	rest = strings.Trim(rest, `"`)
	rest = strings.TrimPrefix(rest, "3")

	if len(rest) < 8 {
		return "", false
	}

	return rest, true
}

// Allowed reports whether a WWID (already stripped of its type prefix)
// should be treated as a multipath WWID, i.e. it is not blacklisted, or
// it is but an exception overrides the blacklist.
func (bl *Blacklist) Allowed(wwid string, inSet bool) bool {
	if !inSet {
		return false
	}

	if _, excepted := bl.exceptions[wwid]; excepted {
		return true
	}

	_, blocked := bl.ignored[wwid]

	return !blocked
}
