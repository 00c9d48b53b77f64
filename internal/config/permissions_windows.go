//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// checkFilePermissions returns a warning if icacls reports that broad groups
// can read the config file.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}

	acl := strings.ToLower(string(output))
	for _, group := range []string{"everyone", "authenticated users", "builtin\\users"} {
		if strings.Contains(acl, group) {
			return fmt.Sprintf(
				"WARNING: Config file '%s' is readable by %q\n"+
					"         It may contain source database credentials or webhook URLs.\n"+
					"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
				path, group, path,
			)
		}
	}
	return ""
}
