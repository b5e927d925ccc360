package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

var (
	// AppName is the user facing name of the binary.
	AppName = "boxmirror"

	// Version is set with -ldflags at release time.
	Version = devVersion

	// Revision is the git commit the binary was built from.
	Revision = "HEAD"

	// BuildDate is the RFC3339 build time.
	BuildDate = ""
)

func init() {
	resolveFromBuildInfo()
}

// applyBuildInfo fills in whatever ldflags left at their defaults.
func applyBuildInfo(mainVersion string, settings map[string]string) {
	if Version == devVersion || Version == "" {
		if mainVersion != "" && mainVersion != "(devel)" {
			Version = strings.TrimPrefix(mainVersion, "v")
		}
	}

	if Revision == "HEAD" || Revision == "" {
		if r := settings["vcs.revision"]; r != "" {
			if len(r) > 12 {
				r = r[:12]
			}
			if settings["vcs.modified"] == "true" {
				r += "-dirty"
			}
			Revision = r
		}
	}

	if BuildDate == "" {
		BuildDate = settings["vcs.time"]
	}
}

func resolveFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	applyBuildInfo(info.Main.Version, settings)
}

// Short returns `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// UserAgent is the value sent with every remote API request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s/%s)", AppName, Version, Revision, runtime.GOOS, runtime.GOARCH)
}

// Detailed returns `0.1.0 (5e23a4; go1.24.0; linux/amd64; 2025-01-01T00:00:00Z)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}
