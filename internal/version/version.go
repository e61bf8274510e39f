// Package version holds build metadata stamped in with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/bearing.relay/internal/version.Version=v0.3.0" ./cmd/bearing-relay
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String renders the build metadata for -version output and log banners.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, sha, BuildTime)
}
