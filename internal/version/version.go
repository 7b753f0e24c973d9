// Package version carries build metadata injected via -ldflags.
package version

var (
	Version   = "dev"
	BuildTime = "unknown"
)
