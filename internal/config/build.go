package config

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Release builds stamp these with -ldflags, for example:
//
//	go build -ldflags "-X safewatch/internal/config.version=1.2.3 \
//	    -X safewatch/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X safewatch/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

const shortCommitLen = 12

// NewBuildInfo returns the ldflags stamps, filling unstamped fields from the
// module and VCS data the Go toolchain embeds in the binary.
func NewBuildInfo() BuildInfo {
	bi, _ := debug.ReadBuildInfo()
	return resolveBuildInfo(BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}, bi)
}

func resolveBuildInfo(info BuildInfo, bi *debug.BuildInfo) BuildInfo {
	if bi == nil {
		return info
	}
	info.GoVersion = bi.GoVersion
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}

	var revision, vcsTime string
	dirty := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if info.Commit == "none" && revision != "" {
		if len(revision) > shortCommitLen {
			revision = revision[:shortCommitLen]
		}
		if dirty {
			revision += "-dirty"
		}
		info.Commit = revision
	}
	if info.BuildTime == "unknown" && vcsTime != "" {
		info.BuildTime = vcsTime
	}
	return info
}

// String renders the build for startup logs and the version flag.
func (b BuildInfo) String() string {
	var sb strings.Builder
	sb.WriteString(b.Version)
	if b.Commit != "" && b.Commit != "none" {
		fmt.Fprintf(&sb, " (%s)", b.Commit)
	}
	if b.BuildTime != "" && b.BuildTime != "unknown" {
		fmt.Fprintf(&sb, " built %s", b.BuildTime)
	}
	if b.GoVersion != "" {
		fmt.Fprintf(&sb, " %s", b.GoVersion)
	}
	return sb.String()
}
