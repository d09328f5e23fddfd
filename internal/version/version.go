// Package version provides build-time version information
// injected via ldflags during compilation.
package version

// These variables are set at build time via -ldflags.
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)
