//go:build unix

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("converter:\n  name: example\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if w := checkFilePermissions(path); w != "" {
		t.Errorf("0600 file warned: %q", w)
	}

	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if w := checkFilePermissions(path); !strings.Contains(w, "chmod 600") {
		t.Errorf("0644 file warning = %q", w)
	}

	if w := checkFilePermissions(filepath.Join(t.TempDir(), "missing.yaml")); w != "" {
		t.Errorf("missing file warned: %q", w)
	}
}
