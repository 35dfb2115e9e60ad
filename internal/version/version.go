// Package version exposes the build version string.
package version

// Version is stamped at build time via
// -ldflags "-X github.com/openclaw/openclaw/internal/version.Version=v1.2.3".
var Version = "dev"

// Protocol is the control-plane protocol version spoken by the gateway.
const Protocol = 3
