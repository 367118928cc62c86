// Package version holds build information injected with -ldflags:
//
//	go build -ldflags "-X github.com/projecteru2/agentvm/version.Version=v0.1.0 \
//	                   -X github.com/projecteru2/agentvm/version.GitCommit=$(git rev-parse --short HEAD) \
//	                   -X github.com/projecteru2/agentvm/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String is the multi-line `agent-vm version` output.
func String() string {
	return fmt.Sprintf("Version:    %s\nGit commit: %s\nBuilt:      %s\nGo:         %s %s/%s\n",
		Version, GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
