// Package version carries the build identity stamped in at link time:
//
//	go build -ldflags "-X github.com/fabweave/loomscan/internal/version.Version=v1.2.0 ..."
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// String renders the identity for startup banners and version flags.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
