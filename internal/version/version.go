// Package version reports which fleetusage build is running. Release builds
// inject the values with -ldflags:
//
//	-X 'github.com/janekbaraniewski/fleetusage/internal/version.Version=v1.2.0'
//	-X 'github.com/janekbaraniewski/fleetusage/internal/version.CommitHash=abc1234'
//	-X 'github.com/janekbaraniewski/fleetusage/internal/version.BuildDate=2025-01-01'
//
// A binary built with `go install module@version` gets its version from the
// embedded build info instead.
package version

import (
	"runtime/debug"
	"strings"
)

var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildDate  = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

// String returns "VERSION (COMMIT) built DATE", leaving out whatever is
// unknown.
func String() string {
	v, commit, date := resolve()
	var b strings.Builder
	b.WriteString(v)
	if commit != "unknown" && commit != "" {
		b.WriteString(" (" + commit + ")")
	}
	if date != "unknown" && date != "" {
		b.WriteString(" built " + date)
	}
	return b.String()
}

func resolve() (v, commit, date string) {
	v, commit, date = Version, CommitHash, BuildDate
	if v != "dev" {
		return v, commit, date
	}
	info, ok := readBuildInfo()
	if !ok {
		return v, commit, date
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		v = mv
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "unknown" && len(s.Value) >= 7 {
				commit = s.Value[:7]
			}
		case "vcs.time":
			if date == "unknown" {
				date = s.Value
			}
		}
	}
	return v, commit, date
}
