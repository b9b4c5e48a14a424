// Package version reports the sttq build version.
package version

import "runtime/debug"

// Set at build time:
//
//	go build -ldflags "-X sttq/internal/version.version=v1.2.0 -X sttq/internal/version.commit=abc1234"
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the version, followed by the short commit when known.
// Without ldflags the VCS revision recorded by the Go toolchain is used.
func String() string {
	c := commit
	if c == "" {
		c = vcsRevision()
	}
	if len(c) > 7 {
		c = c[:7]
	}
	if c == "" {
		return version
	}
	return version + " (" + c + ")"
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
