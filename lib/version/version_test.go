// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoReportsDirty(t *testing.T) {
	original := GitDirty
	t.Cleanup(func() { GitDirty = original })

	GitDirty = "true"
	if info := Info(); !strings.Contains(info, "-dirty") {
		t.Errorf("Info() = %q, want -dirty marker", info)
	}
	GitDirty = "false"
	if info := Info(); strings.Contains(info, "-dirty") {
		t.Errorf("Info() = %q, want no -dirty marker", info)
	}
}

func TestFullIncludesInfo(t *testing.T) {
	full := Full()
	if !strings.HasPrefix(full, Info()) {
		t.Errorf("Full() = %q, want prefix %q", full, Info())
	}
	for _, dependency := range Dependencies() {
		if !strings.HasPrefix(dependency, dependencyPrefix) {
			t.Errorf("Dependencies() includes %q outside %s", dependency, dependencyPrefix)
		}
	}
}
