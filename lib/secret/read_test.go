// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/peerlink/lib/testutil"
)

func TestReadFile(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"plain value", "AGE-SECRET-KEY-1TEST", "AGE-SECRET-KEY-1TEST"},
		{"trailing newline", "AGE-SECRET-KEY-1TEST\n", "AGE-SECRET-KEY-1TEST"},
		{"surrounding whitespace", "  # comment\nAGE-SECRET-KEY-1TEST  \n", "# comment\nAGE-SECRET-KEY-1TEST"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := testutil.WriteFile(t, "identity.txt", []byte(test.content))
			result, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile() error: %v", err)
			}
			defer result.Close()
			if string(result.Bytes()) != test.expected {
				t.Errorf("ReadFile() = %q, want %q", result.Bytes(), test.expected)
			}
		})
	}
}

func TestReadFile_NotFound(t *testing.T) {
	if _, err := ReadFile("/nonexistent/path/to/identity"); err == nil {
		t.Error("ReadFile() with nonexistent file should return error")
	}
}

func TestReadFile_Empty(t *testing.T) {
	for _, content := range []string{"", " \n\t "} {
		path := testutil.WriteFile(t, "empty.txt", []byte(content))
		_, err := ReadFile(path)
		if err == nil || !strings.Contains(err.Error(), "is empty") {
			t.Errorf("ReadFile(%q) error = %v, want empty-file error", content, err)
		}
	}
}

func TestReadFile_TooLarge(t *testing.T) {
	path := testutil.WriteFile(t, "huge.txt", []byte(strings.Repeat("x", maxFileSize+1)))
	if _, err := ReadFile(path); err == nil {
		t.Fatal("ReadFile() accepted an oversized file")
	}
}
