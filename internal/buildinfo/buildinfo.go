// Package buildinfo exposes version metadata stamped in with -ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/nugget/zipper/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

// Fields returns the metadata as ordered label/value pairs for text
// output.
func (i Info) Fields() [][2]string {
	fields := [][2]string{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"git_branch", i.GitBranch},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
	}
	if i.Uptime != "" {
		fields = append(fields, [2]string{"uptime", i.Uptime})
	}
	return fields
}

// Static returns the compile-time metadata.
func Static() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Runtime returns Static plus the process uptime.
func Runtime() Info {
	info := Static()
	info.Uptime = time.Since(started).Truncate(time.Second).String()
	return info
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "zipper/" + Version
}

// String is a one-line banner.
func String() string {
	return fmt.Sprintf("Zipper %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
