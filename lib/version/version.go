// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
)

// These variables are set via -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/peerlink/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// dependencyPrefix selects the modules reported by Dependencies.
const dependencyPrefix = "github.com/pion/"

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus the Go toolchain, platform, and linked pion
// module versions.
func Full() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	for _, dependency := range Dependencies() {
		fmt.Fprintf(&builder, "\n  %s", dependency)
	}
	return builder.String()
}

// Dependencies lists "path version" for each linked pion module,
// sorted by path. Empty when build info is unavailable.
func Dependencies() []string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	var dependencies []string
	for _, module := range info.Deps {
		if !strings.HasPrefix(module.Path, dependencyPrefix) {
			continue
		}
		if module.Replace != nil {
			module = module.Replace
		}
		dependencies = append(dependencies, module.Path+" "+module.Version)
	}
	sort.Strings(dependencies)
	return dependencies
}
