// Package version reports build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/teranos/shiftly/version.Version=v0.3.0 \
//	  -X github.com/teranos/shiftly/version.CommitHash=$(git rev-parse HEAD) \
//	  -X github.com/teranos/shiftly/version.BuildTime=$(date -u +%FT%TZ)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is the product name used in banners and user agents.
const Name = "shiftly"

// Set at build time.
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the build metadata of the running binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the build metadata. Without ldflags the commit falls back to
// the VCS stamp the go tool embeds.
func Get() Info {
	commit := CommitHash
	if commit == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Info{
		Version:    Version,
		CommitHash: commit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// IsRelease reports whether the binary was built from a tagged version.
func (i Info) IsRelease() bool {
	return i.Version != "" && i.Version != "dev"
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", Name, i.Version, i.Short(), i.BuildTime)
}

// Short is the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
