package common

import (
	"fmt"
)

// Version information (set via -ldflags during build)
var (
	Version   = "1.0.0"
	Build     = "unknown"
	GitCommit = "unknown"
)

// FileFormatVersion identifies the on-disk document schema
const FileFormatVersion = "1.0"

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}
