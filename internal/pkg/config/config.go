// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config implements the bootavb configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/siderolabs/gen/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/bootavb/internal/pkg/cmdline"
	"github.com/siderolabs/bootavb/pkg/avb"
)

// Defaults.
const (
	DefaultPath        = "/etc/bootavb.yaml"
	DefaultEnvironment = "/etc/bootavb.env"
	DefaultAVBTool     = "avbtool"
	DefaultLoadAddress = "0x00800800"
)

// Config is the device configuration.
type Config struct {
	// Disk is the GPT disk (or disk image) holding the partitions.
	Disk string `yaml:"disk,omitempty"`
	// PartitionDir holds one <name>.img file per partition, alternative to Disk.
	PartitionDir string `yaml:"partitionDir,omitempty"`
	// Environment is the bootloader environment file.
	Environment string `yaml:"environment,omitempty"`
	// AVBTool is the avbtool binary.
	AVBTool string `yaml:"avbtool,omitempty"`
	// AVBKey is the optional public key vbmeta must be signed with.
	AVBKey string `yaml:"avbKey,omitempty"`
	// Arch of the kernel, defaults to the host architecture.
	Arch string `yaml:"arch,omitempty"`
	// LoadAddress is the default kernel load address, hex.
	LoadAddress string `yaml:"loadAddress,omitempty"`
	// CmdlineCapacity limits the assembled kernel command line.
	CmdlineCapacity int `yaml:"cmdlineCapacity,omitempty"`
	// Kexec enables the real kernel hand-off, otherwise the hand-off is only logged.
	Kexec bool `yaml:"kexec,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()

	return cfg
}

func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}

	if c.AVBTool == "" {
		c.AVBTool = DefaultAVBTool
	}

	if c.Arch == "" {
		c.Arch = runtime.GOARCH
	}

	if c.LoadAddress == "" {
		c.LoadAddress = DefaultLoadAddress
	}

	if c.CmdlineCapacity == 0 {
		c.CmdlineCapacity = cmdline.DefaultCapacity
	}
}

// Decode the configuration, unknown fields are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.NewTaggedf[avb.UsageError]("failed to decode config: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// Load the configuration file.
//
// If optional is set, a missing file yields the defaults.
func Load(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}

		return nil, err
	}

	return Decode(bytes.NewReader(data))
}

// ParseHex parses a hex number with optional 0x prefix.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 64)
	if err != nil {
		return 0, xerrors.NewTaggedf[avb.UsageError]("invalid hex number %q", s)
	}

	return v, nil
}

// KernelLoadAddress returns the parsed default load address.
func (c *Config) KernelLoadAddress() (uint64, error) {
	return ParseHex(c.LoadAddress)
}

// Validate the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Disk == "" && c.PartitionDir == "":
		return xerrors.NewTaggedf[avb.UsageError]("either disk or partitionDir should be set")
	case c.Disk != "" && c.PartitionDir != "":
		return xerrors.NewTaggedf[avb.UsageError]("disk and partitionDir are mutually exclusive")
	case c.CmdlineCapacity < 0:
		return xerrors.NewTaggedf[avb.UsageError]("invalid cmdlineCapacity %d", c.CmdlineCapacity)
	}

	if _, err := c.KernelLoadAddress(); err != nil {
		return fmt.Errorf("loadAddress: %w", err)
	}

	return nil
}
