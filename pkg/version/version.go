// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package version carries the build version information.
package version

import (
	"fmt"
	"io"
	"runtime"
	"text/template"

	"github.com/siderolabs/bootavb/pkg/avb/abdata"
)

var (
	// Name is set at build time.
	Name = "bootavb"
	// Tag is set at build time.
	Tag = "none"
	// SHA is set at build time.
	SHA = "undefined"
	// Built is set at build time.
	Built string
)

const versionTemplate = `{{ .Name }}:
	Tag:         {{ .Tag }}
	SHA:         {{ .SHA }}
	Built:       {{ .Built }}
	A/B format:  {{ .ABFormat }}
	Go version:  {{ .GoVersion }}
	OS/Arch:     {{ .Os }}/{{ .Arch }}
`

// Version contains verbose version information.
type Version struct {
	Name      string
	Tag       string
	SHA       string
	Built     string
	ABFormat  string
	GoVersion string
	Os        string
	Arch      string
}

// NewVersion returns the version of the running binary.
func NewVersion() *Version {
	return &Version{
		Name:      Name,
		Tag:       Tag,
		SHA:       SHA,
		Built:     Built,
		ABFormat:  fmt.Sprintf("%d.%d", abdata.MajorVersion, abdata.MinorVersion),
		GoVersion: runtime.Version(),
		Os:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Short returns the name, tag and SHA.
func (v *Version) Short() string {
	return fmt.Sprintf("%s %s-%s", v.Name, v.Tag, v.SHA)
}

// PrintLongVersion prints verbose version information.
func (v *Version) PrintLongVersion(w io.Writer) error {
	tmpl, err := template.New("version").Parse(versionTemplate)
	if err != nil {
		return err
	}

	return tmpl.Execute(w, v)
}
