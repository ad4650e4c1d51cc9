// Package version carries the build metadata stamped into the gatewayd
// binary, reported by /healthz and logged at startup.
package version

// Overridden at build time via -ldflags -X.
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the short version string.
func Info() string {
	return Version
}

// FullInfo returns the complete build stamp as key=value pairs.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
