// Package version holds the broker version, set at build time via
// -ldflags "-X .../internal/version.Version=v1.2.3".
package version

// Version is the broker release version.
var Version = "0.1.0"
