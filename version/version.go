// Package version reports build metadata injected at link time:
//
//	go build -ldflags "-X github.com/teranos/leakhunter/version.Version=v1.2.0 \
//	  -X github.com/teranos/leakhunter/version.CommitHash=$(git rev-parse HEAD) \
//	  -X github.com/teranos/leakhunter/version.BuildTime=$(date -u +%FT%TZ)"
package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags -X
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the build of the running binary
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the running binary's build information
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("leakhunter %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short is the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies outbound requests to platforms, sinks and SIEMs
func (i Info) UserAgent() string {
	if i.Version != "dev" {
		return "leakhunter/" + i.Version
	}
	return "leakhunter/dev-" + i.Short()
}
