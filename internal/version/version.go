// Package version holds build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/align/internal/version.Version=0.3.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the one-line banner printed by -version.
func String(tool string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)", tool, Version, GitSHA, BuildTime, runtime.Version())
}
