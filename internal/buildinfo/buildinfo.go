// Package buildinfo holds version metadata stamped at link time with
//
//	-ldflags "-X github.com/nugget/meshbridge/internal/buildinfo.Version=..."
//
// and reports it to the version subcommand, the HTTP API, the MQTT
// bridge device, and outbound request headers.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at link time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info is a point-in-time view of build and runtime metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Get returns the current metadata.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Fields returns the metadata as ordered label/value pairs for
// human-readable output. Uptime is omitted.
func (i Info) Fields() [][2]string {
	return [][2]string{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"git_branch", i.GitBranch},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
	}
}

// LogAttrs returns the link-time metadata as slog key/value pairs for
// the startup banner.
func LogAttrs() []any {
	return []any{"version", Version, "commit", GitCommit, "branch", GitBranch, "built", BuildTime}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header sent on every outbound cloud request.
func UserAgent() string {
	return "meshbridge/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("meshbridge %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
