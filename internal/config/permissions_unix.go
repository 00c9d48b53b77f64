//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when a config file that may hold source
// credentials or a webhook URL can be read by group or others.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	perm := info.Mode().Perm()
	if perm&0o077 == 0 {
		return ""
	}
	return fmt.Sprintf("WARNING: Config file '%s' is accessible by other users (%04o)\n"+
		"         It may contain source database credentials or webhook URLs.\n"+
		"         Run: chmod 600 %s\n\n", path, perm, path)
}
