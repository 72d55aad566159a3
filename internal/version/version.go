// Package version carries build identification stamped in via -ldflags.
package version

var (
	// Version is the release version, "dev" for unstamped builds.
	Version = "dev"
	// GitSHA is the git commit the binary was built from.
	GitSHA = "unknown"
)

// String returns the version with its commit, for startup log lines.
func String() string {
	return Version + " (" + GitSHA + ")"
}
