package oasmux

import (
	"fmt"
	"runtime"
)

var (
	// version is set via ldflags during build by GoReleaser
	// For development builds, this will show "dev"
	version = "dev"
	// commit is set via ldflags during build by GoReleaser
	commit = "unknown"
	// buildTime is set via ldflags during build by GoReleaser
	buildTime = "unknown"
)

// Version returns the compiled version or 'dev' if run from source
func Version() string {
	return version
}

// Commit returns the git commit the binary was built from, or 'unknown'
func Commit() string {
	return commit
}

// BuildTime returns the RFC3339 build timestamp, or 'unknown'
func BuildTime() string {
	return buildTime
}

// GoVersion returns the Go runtime version used to build the binary
func GoVersion() string {
	return runtime.Version()
}

// UserAgent returns the User-Agent string to use for upstream calls
func UserAgent() string {
	return fmt.Sprintf("oasmux/%s", version)
}

// BuildInfo returns a formatted string with all build metadata
func BuildInfo() string {
	return fmt.Sprintf("Version: %s, Commit: %s, Build Time: %s, Go Version: %s",
		Version(), Commit(), BuildTime(), GoVersion())
}
