// Package version holds build-time identifiers injected via -ldflags.
package version

// Version, Commit and BuildDate are overwritten at build time with
// -ldflags "-X github.com/teranos/dispatch/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String renders a short single-line identifier for logs and banners.
func String() string {
	return Version + " (" + Commit + ", built " + BuildDate + ")"
}
