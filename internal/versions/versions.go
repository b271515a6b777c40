// Package versions exposes build-time version information.
package versions

import (
	"fmt"
	"runtime"
)

// Set at build time via ldflags.
var (
	// Version is the semantic version of the build.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// BuildDate is the UTC timestamp of the build.
	BuildDate = "unknown"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the build information for this binary.
func GetVersionInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
