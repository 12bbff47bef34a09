// Package version exposes both the on-flash format version recorded in the
// superblock's SUPER_MESSAGE record and the build-time info of this
// module, overridable via -ldflags -X at build time.
package version

import (
	"fmt"
	"runtime"
)

// FSVersion is the on-flash format version, split major/minor: top 16 bits
// major, bottom 16 bits minor.
const FSVersion uint32 = 0x00010000

func FSVersionMajor() uint32 { return FSVersion >> 16 }
func FSVersionMinor() uint32 { return FSVersion & 0xFFFF }

// Build-time variables (override via -ldflags -X ...).
var (
	Version   = "v0.1.0"
	Commit    = ""
	BuildDate = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildDate string
	GoVersion string
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

func (i Info) String() string {
	s := i.Version
	if s == "" {
		s = "dev"
	}
	if i.Commit != "" {
		s += fmt.Sprintf(" (%s)", i.Commit)
	}
	if i.BuildDate != "" {
		s += fmt.Sprintf(" built %s", i.BuildDate)
	}
	s += fmt.Sprintf(" [%s]", i.GoVersion)
	return s
}
