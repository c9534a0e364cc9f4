// Package version exposes build metadata stamped in via ldflags, e.g.
//
//	go build -ldflags "-X github.com/avelez/ragconsole/internal/version.Version=$(git describe --tags) \
//	                   -X github.com/avelez/ragconsole/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/avelez/ragconsole/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the short git hash of the build.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String renders the three fields as a single human-readable line.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
