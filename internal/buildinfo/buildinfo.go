// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// Info returns the static build metadata as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
	}
}

// RuntimeInfo returns build metadata plus Go runtime details and uptime.
func RuntimeInfo() map[string]string {
	info := Info()
	info["go_version"] = runtime.Version()
	info["os"] = runtime.GOOS
	info["arch"] = runtime.GOARCH
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header value for outbound HTTP requests.
func UserAgent() string {
	return "tether/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("Tether %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
