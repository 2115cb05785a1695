// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package environment implements the bootloader environment file.
package environment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/go-envparse"
)

// Well-known variables.
const (
	Bootargs    = "bootargs"
	FastbootCmd = "fastbootcmd"
	RebootMode  = "reboot_mode"
	KernelAddr  = "kernel_addr_r"
	SerialNo    = "serialno"
)

// Vars is a set of environment variables.
type Vars map[string]string

// Get returns the value of the variable, or empty string.
func (v Vars) Get(key string) string {
	return v[key]
}

// LoadAddress parses the hex kernel load address, returning ok=false if it's not set.
func (v Vars) LoadAddress() (addr uint64, ok bool, err error) {
	s := strings.TrimSpace(v[KernelAddr])
	if s == "" {
		return 0, false, nil
	}

	addr, err = strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q: %w", KernelAddr, s, err)
	}

	return addr, true, nil
}

// Parse reads variables in KEY=value form.
func Parse(r io.Reader) (Vars, error) {
	vars, err := envparse.Parse(r)
	if err != nil {
		return nil, err
	}

	return Vars(vars), nil
}

// Load the environment file, a missing file is an empty environment.
func Load(path string) (Vars, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Vars{}, nil
		}

		return nil, err
	}

	defer f.Close() //nolint:errcheck

	vars, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment file %q: %w", path, err)
	}

	return vars, nil
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

	return `"` + r.Replace(s) + `"`
}

// Marshal the variables sorted by name.
func (v Vars) Marshal() []byte {
	var buf bytes.Buffer

	for _, key := range slices.Sorted(maps.Keys(v)) {
		fmt.Fprintf(&buf, "%s=%s\n", key, quote(v[key]))
	}

	return buf.Bytes()
}

// Save the environment file atomically.
func Save(path string, v Vars) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err = tmp.Write(v.Marshal()); err != nil {
		tmp.Close() //nolint:errcheck

		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
