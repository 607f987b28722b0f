// Package version holds the build version, overridable via ldflags.
package version

// Version is the current promptchain version.
var Version = "0.3.0"
