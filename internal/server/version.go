package server

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/babelcloud/micstream/internal/version"
)

// BuildInfo contains build-time information
var BuildInfo = struct {
	Version   string
	BuildTime string
	GitCommit string
	GoVersion string
}{
	Version:   version.Version,
	BuildTime: time.Now().Format(time.RFC3339),
	GitCommit: version.CommitID,
	GoVersion: runtime.Version(),
}

// GetBuildID identifies the running binary so a client can tell whether
// the daemon it talks to matches its own build
func GetBuildID() string {
	execPath, err := os.Executable()
	if err != nil {
		return BuildInfo.BuildTime + "-" + BuildInfo.GitCommit + "-unknown"
	}

	info, err := os.Stat(execPath)
	if err != nil {
		return BuildInfo.BuildTime + "-" + BuildInfo.GitCommit + "-unknown"
	}

	buildTime := info.ModTime().Format("2006-01-02T15:04:05")
	return fmt.Sprintf("%s-%s-%d", buildTime, BuildInfo.GitCommit, info.Size())
}
