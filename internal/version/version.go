// Package version holds build metadata set through -ldflags.
package version

var (
	// Version is the application version.
	Version = "v0.1.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String formats the build metadata for -version output.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
